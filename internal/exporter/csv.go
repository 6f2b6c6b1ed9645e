// Package exporter writes computed point series to CSV files.
package exporter

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"streamcalc/internal/engine"
)

// CSVWriter exports point series as CSV.
type CSVWriter struct {
	logger *slog.Logger
}

// NewCSVWriter creates a CSV writer.
func NewCSVWriter(logger *slog.Logger) *CSVWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVWriter{logger: logger.With("component", "exporter")}
}

// WriteOptions configures CSV writing behavior.
type WriteOptions struct {
	Headers []string
	Records [][]string
	Append  bool
}

// WriteSeries writes an event_time,value series to path, creating parent
// directories as needed. An existing file is truncated.
func (w *CSVWriter) WriteSeries(path string, points []engine.Point) error {
	records := make([][]string, 0, len(points))
	for _, p := range points {
		records = append(records, []string{
			strconv.FormatInt(p.Time, 10),
			p.Value.String(),
		})
	}

	return w.WriteCSV(path, WriteOptions{
		Headers: []string{"event_time", "value"},
		Records: records,
	})
}

// WriteCSV writes rows to a CSV file with the given options.
func (w *CSVWriter) WriteCSV(path string, options WriteOptions) error {
	w.logger.Info("writing CSV file",
		slog.String("path", path),
		slog.Int("record_count", len(options.Records)))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if options.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if !options.Append && len(options.Headers) > 0 {
		if err := writer.Write(options.Headers); err != nil {
			return fmt.Errorf("writing headers: %w", err)
		}
	}

	for i, record := range options.Records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("writing record %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
