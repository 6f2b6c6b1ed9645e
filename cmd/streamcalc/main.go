// Command streamcalc runs one stream computation against a SQLite event
// store and prints the result as JSON.
//
// Examples:
//
//	streamcalc -op record -provider 0x... -stream st... -from 100 -to 200
//	streamcalc -op index -provider 0x... -stream st... -base-time 100
//	streamcalc -op index-change -provider 0x... -stream st... -from 100 -to 200 -interval 30
//	streamcalc -op taxonomy -provider 0x... -stream st... -latest-only
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"streamcalc/internal/config"
	"streamcalc/internal/engine"
	"streamcalc/internal/eventstore"
	"streamcalc/internal/exporter"
	"streamcalc/internal/infrastructure"
	"streamcalc/internal/services"
)

func main() {
	op := flag.String("op", "record", "record | index | index-change | taxonomy")
	dbPath := flag.String("db", "", "sqlite event store path (defaults to config store path)")
	provider := flag.String("provider", "", "data provider address (0x-prefixed hex)")
	stream := flag.String("stream", "", "stream id (st-prefixed)")
	from := flag.String("from", "", "range start (inclusive)")
	to := flag.String("to", "", "range end (inclusive)")
	frozenAt := flag.String("frozen-at", "", "created-at cutoff for time-travel queries")
	baseTime := flag.String("base-time", "", "base time for index calculations")
	interval := flag.Int64("interval", 0, "comparison interval for index-change")
	latestOnly := flag.Bool("latest-only", true, "taxonomy: only the active definition")
	csvPath := flag.String("csv", "", "also write the result series to a CSV file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Warn("failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}
	defer infrastructure.CloseLogFile()

	if *dbPath == "" {
		*dbPath = cfg.Store.Path
	}

	store, err := eventstore.NewSQLiteStore(*dbPath, logger)
	if err != nil {
		logger.Error("failed to open event store", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	svc := services.NewStreamService(store, logger, services.Options{
		MaxTaxonomyDepth: cfg.Engine.MaxTaxonomyDepth,
	})

	ctx := infrastructure.ContextWithTraceID(context.Background())

	result, err := run(ctx, svc, *op, runArgs{
		provider:   *provider,
		stream:     *stream,
		from:       optionalInt64(*from),
		to:         optionalInt64(*to),
		frozenAt:   optionalInt64(*frozenAt),
		baseTime:   optionalInt64(*baseTime),
		interval:   *interval,
		latestOnly: *latestOnly,
	})
	if err != nil {
		logger.Error("operation failed", "op", *op, "error", err)
		os.Exit(1)
	}

	if *csvPath != "" {
		points, ok := result.([]engine.Point)
		if !ok {
			logger.Error("csv export only applies to series results", "op", *op)
			os.Exit(1)
		}
		if err := exporter.NewCSVWriter(logger).WriteSeries(*csvPath, points); err != nil {
			logger.Error("failed to write CSV", "path", *csvPath, "error", err)
			os.Exit(1)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
}

type runArgs struct {
	provider   string
	stream     string
	from       *int64
	to         *int64
	frozenAt   *int64
	baseTime   *int64
	interval   int64
	latestOnly bool
}

func run(ctx context.Context, svc *services.StreamService, op string, args runArgs) (any, error) {
	switch op {
	case "record":
		return svc.GetRecord(ctx, services.RecordRequest{
			Provider: args.provider,
			StreamID: args.stream,
			From:     args.from,
			To:       args.to,
			FrozenAt: args.frozenAt,
		})
	case "index":
		return svc.GetIndex(ctx, services.IndexRequest{
			Provider: args.provider,
			StreamID: args.stream,
			From:     args.from,
			To:       args.to,
			FrozenAt: args.frozenAt,
			BaseTime: args.baseTime,
		})
	case "index-change":
		if args.from == nil || args.to == nil {
			return nil, fmt.Errorf("index-change requires -from and -to")
		}
		return svc.GetIndexChange(ctx, services.IndexChangeRequest{
			Provider: args.provider,
			StreamID: args.stream,
			From:     *args.from,
			To:       *args.to,
			Interval: args.interval,
			FrozenAt: args.frozenAt,
			BaseTime: args.baseTime,
		})
	case "taxonomy":
		return svc.DescribeTaxonomy(ctx, services.TaxonomyRequest{
			Provider:   args.provider,
			StreamID:   args.stream,
			LatestOnly: args.latestOnly,
		})
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
}

// optionalInt64 parses an optional numeric flag; empty means unset.
func optionalInt64(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		slog.Error("invalid numeric flag value", "value", s, "error", err)
		os.Exit(1)
	}
	return &v
}
