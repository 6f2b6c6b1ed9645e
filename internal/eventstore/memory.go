// Package eventstore provides implementations of the engine's read-only
// Store interface: an in-memory store for tests and seeding, and a SQLite
// adapter for durable data.
package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"streamcalc/internal/engine"
	"streamcalc/internal/errors"
)

type eventRow struct {
	time      int64
	createdAt int64
	value     decimal.Decimal
}

type metaRow struct {
	key        string
	valueI     int64
	createdAt  int64
	disabledAt *int64
}

// MemoryStore is an in-memory event store. Reads implement the same
// bitemporal semantics as the SQLite adapter; writes are append-only, there
// is no update or delete of recorded rows (corrections are new rows with a
// later created_at).
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[engine.StreamRef]engine.Stream
	byName  map[string]engine.StreamRef
	edges   map[engine.StreamRef][]engine.TaxonomyEdge
	events  map[engine.StreamRef][]eventRow
	meta    map[engine.StreamRef][]metaRow
	nextRef engine.StreamRef
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[engine.StreamRef]engine.Stream),
		byName:  make(map[string]engine.StreamRef),
		edges:   make(map[engine.StreamRef][]engine.TaxonomyEdge),
		events:  make(map[engine.StreamRef][]eventRow),
		meta:    make(map[engine.StreamRef][]metaRow),
		nextRef: 1,
	}
}

func nameKey(provider, streamID string) string {
	return strings.ToLower(provider) + "/" + streamID
}

// AddStream registers a stream and returns its internal reference.
func (s *MemoryStore) AddStream(provider, streamID string, kind engine.Kind, createdAt int64) engine.StreamRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.nextRef
	s.nextRef++
	s.streams[ref] = engine.Stream{
		Ref:       ref,
		Provider:  provider,
		ID:        streamID,
		Kind:      kind,
		CreatedAt: createdAt,
	}
	s.byName[nameKey(provider, streamID)] = ref
	return ref
}

// AddTaxonomyEdge records one weighted parent->child link.
func (s *MemoryStore) AddTaxonomyEdge(parent, child engine.StreamRef, weight decimal.Decimal, startTime, groupSequence, createdAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges[parent] = append(s.edges[parent], engine.TaxonomyEdge{
		Parent:        parent,
		Child:         child,
		Weight:        weight,
		StartTime:     startTime,
		GroupSequence: groupSequence,
		CreatedAt:     createdAt,
	})
}

// DisableTaxonomyGroup soft-deletes every edge of a (parent, start_time,
// group_sequence) version.
func (s *MemoryStore) DisableTaxonomyGroup(parent engine.StreamRef, startTime, groupSequence, disabledAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	edges := s.edges[parent]
	for i := range edges {
		if edges[i].StartTime == startTime && edges[i].GroupSequence == groupSequence {
			at := disabledAt
			edges[i].DisabledAt = &at
		}
	}
}

// AddEvent records one observation (or correction) row.
func (s *MemoryStore) AddEvent(ref engine.StreamRef, eventTime, createdAt int64, value decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ref] = append(s.events[ref], eventRow{time: eventTime, createdAt: createdAt, value: value})
}

// SetMetadataInt records an integer metadata entry; the newest non-disabled
// entry per key wins on read.
func (s *MemoryStore) SetMetadataInt(ref engine.StreamRef, key string, value, createdAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[ref] = append(s.meta[ref], metaRow{key: key, valueI: value, createdAt: createdAt})
}

// LookupStream implements engine.Store.
func (s *MemoryStore) LookupStream(_ context.Context, provider, streamID string) (engine.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byName[nameKey(provider, streamID)]
	if !ok {
		return engine.Stream{}, errors.StreamNotFound(provider, streamID)
	}
	return s.streams[ref], nil
}

// StreamByRef implements engine.Store.
func (s *MemoryStore) StreamByRef(_ context.Context, ref engine.StreamRef) (engine.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[ref]
	if !ok {
		return engine.Stream{}, errors.New(errors.ErrTypeNotFound, "unknown stream ref", errors.ErrStreamNotFound)
	}
	return st, nil
}

// ActiveTaxonomyEdges implements engine.Store: max group_sequence per
// (parent, start_time), not disabled, ordered by start_time ascending.
func (s *MemoryStore) ActiveTaxonomyEdges(_ context.Context, parent engine.StreamRef) ([]engine.TaxonomyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxSeq := make(map[int64]int64)
	for _, e := range s.edges[parent] {
		if !e.Active() {
			continue
		}
		if seq, ok := maxSeq[e.StartTime]; !ok || e.GroupSequence > seq {
			maxSeq[e.StartTime] = e.GroupSequence
		}
	}

	var out []engine.TaxonomyEdge
	for _, e := range s.edges[parent] {
		if e.Active() && maxSeq[e.StartTime] == e.GroupSequence {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Child < out[j].Child
	})
	return out, nil
}

// TaxonomyEdges implements engine.Store: every non-disabled edge version,
// ordered by (start_time, group_sequence, child).
func (s *MemoryStore) TaxonomyEdges(_ context.Context, parent engine.StreamRef) ([]engine.TaxonomyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.TaxonomyEdge
	for _, e := range s.edges[parent] {
		if e.Active() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		if out[i].GroupSequence != out[j].GroupSequence {
			return out[i].GroupSequence < out[j].GroupSequence
		}
		return out[i].Child < out[j].Child
	})
	return out, nil
}

// resolved returns the bitemporally effective rows for a stream under the
// frozenAt cutoff: per event_time, the row with the largest created_at that
// is still <= frozenAt. Result is ascending by event_time.
func (s *MemoryStore) resolved(ref engine.StreamRef, frozenAt int64) []eventRow {
	best := make(map[int64]eventRow)
	for _, r := range s.events[ref] {
		if r.createdAt > frozenAt {
			continue
		}
		if cur, ok := best[r.time]; !ok || r.createdAt > cur.createdAt {
			best[r.time] = r
		}
	}

	out := make([]eventRow, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].time < out[j].time })
	return out
}

// EventsInRange implements engine.Store.
func (s *MemoryStore) EventsInRange(_ context.Context, ref engine.StreamRef, after, until, frozenAt int64) ([]engine.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.Event
	for _, r := range s.resolved(ref, frozenAt) {
		if r.time > after && r.time <= until {
			out = append(out, engine.Event{Time: r.time, Value: r.value})
		}
	}
	return out, nil
}

// LatestEventAt implements engine.Store.
func (s *MemoryStore) LatestEventAt(_ context.Context, ref engine.StreamRef, at, frozenAt int64) (engine.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.resolved(ref, frozenAt)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].time <= at {
			return engine.Event{Time: rows[i].time, Value: rows[i].value}, true, nil
		}
	}
	return engine.Event{}, false, nil
}

// FirstEventAfter implements engine.Store.
func (s *MemoryStore) FirstEventAfter(_ context.Context, ref engine.StreamRef, after, frozenAt int64) (engine.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.resolved(ref, frozenAt) {
		if r.time > after {
			return engine.Event{Time: r.time, Value: r.value}, true, nil
		}
	}
	return engine.Event{}, false, nil
}

// MetadataInt implements engine.Store: newest non-disabled entry wins.
func (s *MemoryStore) MetadataInt(_ context.Context, ref engine.StreamRef, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *metaRow
	for i, m := range s.meta[ref] {
		if m.key != key || m.disabledAt != nil {
			continue
		}
		if best == nil || m.createdAt > best.createdAt {
			best = &s.meta[ref][i]
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.valueI, true, nil
}
