package engine

import "context"

// Store is the read-only view of the event store consumed by the engine.
// Every method observes a consistent snapshot: event reads are filtered by a
// created_at <= frozenAt cutoff, so a single computation never sees a
// partially recorded correction.
//
// Implementations live in internal/eventstore.
type Store interface {
	// LookupStream resolves a (provider, id) pair to a catalog entry.
	// Returns an error wrapping errors.ErrStreamNotFound when absent.
	LookupStream(ctx context.Context, provider, streamID string) (Stream, error)

	// StreamByRef resolves an internal reference back to its catalog entry.
	StreamByRef(ctx context.Context, ref StreamRef) (Stream, error)

	// ActiveTaxonomyEdges returns the active edges of a parent, ordered by
	// start_time ascending. Active means max group_sequence per
	// (parent, start_time) and not disabled.
	ActiveTaxonomyEdges(ctx context.Context, parent StreamRef) ([]TaxonomyEdge, error)

	// TaxonomyEdges returns every non-disabled edge version of a parent,
	// ordered by (start_time, group_sequence) ascending.
	TaxonomyEdges(ctx context.Context, parent StreamRef) ([]TaxonomyEdge, error)

	// EventsInRange returns bitemporally resolved events with
	// after < event_time <= until, ordered by event_time ascending.
	EventsInRange(ctx context.Context, ref StreamRef, after, until, frozenAt int64) ([]Event, error)

	// LatestEventAt returns the resolved event with the greatest
	// event_time <= at, if any.
	LatestEventAt(ctx context.Context, ref StreamRef, at, frozenAt int64) (Event, bool, error)

	// FirstEventAfter returns the resolved event with the smallest
	// event_time > after, if any. Pass a negative sentinel below all data
	// for the first-ever event.
	FirstEventAfter(ctx context.Context, ref StreamRef, after, frozenAt int64) (Event, bool, error)

	// MetadataInt returns the newest non-disabled integer metadata value
	// for a key, if present.
	MetadataInt(ctx context.Context, ref StreamRef, key string) (int64, bool, error)
}

// MetadataDefaultBaseTime is the metadata key consulted when no explicit
// base time is supplied for index computation.
const MetadataDefaultBaseTime = "default_base_time"
