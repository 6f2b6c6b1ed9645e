package eventstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"streamcalc/internal/engine"
	"streamcalc/internal/errors"
)

// SQLiteStore implements the engine.Store interface over a SQLite database.
// Decimal values and weights are stored as text to preserve exactness.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite event store at the given path.
// The schema is created if it doesn't exist; parent directories are created
// if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite event store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS streams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data_provider TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			stream_type TEXT NOT NULL CHECK (stream_type IN ('primitive', 'composed')),
			created_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_streams_provider_stream
			ON streams(data_provider, stream_id);

		CREATE TABLE IF NOT EXISTS taxonomies (
			stream_ref INTEGER NOT NULL,
			child_stream_ref INTEGER NOT NULL,
			weight TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			group_sequence INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			disabled_at INTEGER,
			FOREIGN KEY (stream_ref) REFERENCES streams(id),
			FOREIGN KEY (child_stream_ref) REFERENCES streams(id)
		);

		CREATE INDEX IF NOT EXISTS idx_taxonomies_parent_start
			ON taxonomies(stream_ref, start_time, group_sequence);

		CREATE TABLE IF NOT EXISTS primitive_events (
			stream_ref INTEGER NOT NULL,
			event_time INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			value TEXT NOT NULL,
			FOREIGN KEY (stream_ref) REFERENCES streams(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_stream_time
			ON primitive_events(stream_ref, event_time, created_at);

		CREATE TABLE IF NOT EXISTS metadata (
			stream_ref INTEGER NOT NULL,
			metadata_key TEXT NOT NULL,
			value_i INTEGER,
			created_at INTEGER NOT NULL,
			disabled_at INTEGER,
			FOREIGN KEY (stream_ref) REFERENCES streams(id)
		);

		CREATE INDEX IF NOT EXISTS idx_metadata_stream_key
			ON metadata(stream_ref, metadata_key, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateStream registers a stream and returns its internal reference.
func (s *SQLiteStore) CreateStream(ctx context.Context, provider, streamID string, kind engine.Kind, createdAt int64) (engine.StreamRef, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (data_provider, stream_id, stream_type, created_at) VALUES (?, ?, ?, ?)`,
		provider, streamID, string(kind), createdAt)
	if err != nil {
		return 0, fmt.Errorf("inserting stream: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("stream id: %w", err)
	}
	return engine.StreamRef(id), nil
}

// AddTaxonomyEdge records one weighted parent->child link.
func (s *SQLiteStore) AddTaxonomyEdge(ctx context.Context, parent, child engine.StreamRef, weight decimal.Decimal, startTime, groupSequence, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO taxonomies (stream_ref, child_stream_ref, weight, start_time, group_sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int64(parent), int64(child), weight.String(), startTime, groupSequence, createdAt)
	if err != nil {
		return fmt.Errorf("inserting taxonomy edge: %w", err)
	}
	return nil
}

// DisableTaxonomyGroup soft-deletes every edge of a (parent, start_time,
// group_sequence) version.
func (s *SQLiteStore) DisableTaxonomyGroup(ctx context.Context, parent engine.StreamRef, startTime, groupSequence, disabledAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE taxonomies SET disabled_at = ?
		 WHERE stream_ref = ? AND start_time = ? AND group_sequence = ? AND disabled_at IS NULL`,
		disabledAt, int64(parent), startTime, groupSequence)
	if err != nil {
		return fmt.Errorf("disabling taxonomy group: %w", err)
	}
	return nil
}

// AddEvent records one observation (or correction) row.
func (s *SQLiteStore) AddEvent(ctx context.Context, ref engine.StreamRef, eventTime, createdAt int64, value decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO primitive_events (stream_ref, event_time, created_at, value) VALUES (?, ?, ?, ?)`,
		int64(ref), eventTime, createdAt, value.String())
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// SetMetadataInt records an integer metadata entry.
func (s *SQLiteStore) SetMetadataInt(ctx context.Context, ref engine.StreamRef, key string, value, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (stream_ref, metadata_key, value_i, created_at) VALUES (?, ?, ?, ?)`,
		int64(ref), key, value, createdAt)
	if err != nil {
		return fmt.Errorf("inserting metadata: %w", err)
	}
	return nil
}

// LookupStream implements engine.Store.
func (s *SQLiteStore) LookupStream(ctx context.Context, provider, streamID string) (engine.Stream, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data_provider, stream_id, stream_type, created_at
		 FROM streams WHERE LOWER(data_provider) = LOWER(?) AND stream_id = ?`,
		provider, streamID)

	st, err := scanStream(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return engine.Stream{}, errors.StreamNotFound(provider, streamID)
	}
	if err != nil {
		return engine.Stream{}, errors.Storage("lookup_stream", err)
	}
	return st, nil
}

// StreamByRef implements engine.Store.
func (s *SQLiteStore) StreamByRef(ctx context.Context, ref engine.StreamRef) (engine.Stream, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data_provider, stream_id, stream_type, created_at FROM streams WHERE id = ?`,
		int64(ref))

	st, err := scanStream(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return engine.Stream{}, errors.New(errors.ErrTypeNotFound, "unknown stream ref", errors.ErrStreamNotFound)
	}
	if err != nil {
		return engine.Stream{}, errors.Storage("stream_by_ref", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (engine.Stream, error) {
	var st engine.Stream
	var kind string
	if err := row.Scan(&st.Ref, &st.Provider, &st.ID, &kind, &st.CreatedAt); err != nil {
		return engine.Stream{}, err
	}
	st.Kind = engine.Kind(kind)
	return st, nil
}

// ActiveTaxonomyEdges implements engine.Store: max group_sequence per
// (parent, start_time), not disabled, ordered by start_time ascending.
func (s *SQLiteStore) ActiveTaxonomyEdges(ctx context.Context, parent engine.StreamRef) ([]engine.TaxonomyEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.stream_ref, t.child_stream_ref, t.weight, t.start_time, t.group_sequence, t.created_at
		 FROM taxonomies t
		 JOIN (
		     SELECT stream_ref, start_time, MAX(group_sequence) AS max_gs
		     FROM taxonomies
		     WHERE stream_ref = ? AND disabled_at IS NULL
		     GROUP BY stream_ref, start_time
		 ) g ON t.stream_ref = g.stream_ref
		    AND t.start_time = g.start_time
		    AND t.group_sequence = g.max_gs
		 WHERE t.disabled_at IS NULL
		 ORDER BY t.start_time ASC, t.child_stream_ref ASC`,
		int64(parent))
	if err != nil {
		return nil, errors.Storage("active_taxonomy_edges", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// TaxonomyEdges implements engine.Store: every non-disabled edge version.
func (s *SQLiteStore) TaxonomyEdges(ctx context.Context, parent engine.StreamRef) ([]engine.TaxonomyEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_ref, child_stream_ref, weight, start_time, group_sequence, created_at
		 FROM taxonomies
		 WHERE stream_ref = ? AND disabled_at IS NULL
		 ORDER BY start_time ASC, group_sequence ASC, child_stream_ref ASC`,
		int64(parent))
	if err != nil {
		return nil, errors.Storage("taxonomy_edges", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]engine.TaxonomyEdge, error) {
	var out []engine.TaxonomyEdge
	for rows.Next() {
		var e engine.TaxonomyEdge
		var weight string
		if err := rows.Scan(&e.Parent, &e.Child, &weight, &e.StartTime, &e.GroupSequence, &e.CreatedAt); err != nil {
			return nil, errors.Storage("scan_taxonomy_edge", err)
		}
		w, err := decimal.NewFromString(weight)
		if err != nil {
			return nil, fmt.Errorf("parsing weight %q: %w", weight, err)
		}
		e.Weight = w
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("iterate_taxonomy_edges", err)
	}
	return out, nil
}

// EventsInRange implements engine.Store: bitemporally resolved events with
// after < event_time <= until, ascending.
func (s *SQLiteStore) EventsInRange(ctx context.Context, ref engine.StreamRef, after, until, frozenAt int64) ([]engine.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_time, value FROM (
		     SELECT event_time, value,
		            ROW_NUMBER() OVER (PARTITION BY event_time ORDER BY created_at DESC) AS rn
		     FROM primitive_events
		     WHERE stream_ref = ? AND event_time > ? AND event_time <= ? AND created_at <= ?
		 ) WHERE rn = 1
		 ORDER BY event_time ASC`,
		int64(ref), after, until, frozenAt)
	if err != nil {
		return nil, errors.Storage("events_in_range", err)
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("iterate_events", err)
	}
	return out, nil
}

// LatestEventAt implements engine.Store.
func (s *SQLiteStore) LatestEventAt(ctx context.Context, ref engine.StreamRef, at, frozenAt int64) (engine.Event, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_time, value FROM primitive_events
		 WHERE stream_ref = ? AND event_time <= ? AND created_at <= ?
		 ORDER BY event_time DESC, created_at DESC
		 LIMIT 1`,
		int64(ref), at, frozenAt)

	ev, err := scanEvent(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return engine.Event{}, false, nil
	}
	if err != nil {
		return engine.Event{}, false, err
	}
	return ev, true, nil
}

// FirstEventAfter implements engine.Store.
func (s *SQLiteStore) FirstEventAfter(ctx context.Context, ref engine.StreamRef, after, frozenAt int64) (engine.Event, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_time, value FROM primitive_events
		 WHERE stream_ref = ? AND event_time > ? AND created_at <= ?
		 ORDER BY event_time ASC, created_at DESC
		 LIMIT 1`,
		int64(ref), after, frozenAt)

	ev, err := scanEvent(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return engine.Event{}, false, nil
	}
	if err != nil {
		return engine.Event{}, false, err
	}
	return ev, true, nil
}

func scanEvent(row rowScanner) (engine.Event, error) {
	var ev engine.Event
	var value string
	if err := row.Scan(&ev.Time, &value); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return engine.Event{}, err
		}
		return engine.Event{}, errors.Storage("scan_event", err)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return engine.Event{}, fmt.Errorf("parsing value %q: %w", value, err)
	}
	ev.Value = v
	return ev, nil
}

// MetadataInt implements engine.Store: newest non-disabled entry wins.
func (s *SQLiteStore) MetadataInt(ctx context.Context, ref engine.StreamRef, key string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value_i FROM metadata
		 WHERE stream_ref = ? AND metadata_key = ? AND disabled_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT 1`,
		int64(ref), key)

	var v int64
	err := row.Scan(&v)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Storage("metadata_int", err)
	}
	return v, true, nil
}
