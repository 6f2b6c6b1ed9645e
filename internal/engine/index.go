package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"streamcalc/internal/errors"
)

var hundred = decimal.NewFromInt(100)

// BaseResolver resolves the base value an index series is normalized
// against.
type BaseResolver struct {
	store  Store
	logger *slog.Logger
}

// NewBaseResolver creates a resolver over the given store snapshot.
func NewBaseResolver(store Store, logger *slog.Logger) *BaseResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseResolver{store: store, logger: logger}
}

// ResolveBaseTime applies the base-time policy: an explicit baseTime wins,
// then the stream's default_base_time metadata. A nil result means "use the
// stream's first-ever value".
func (r *BaseResolver) ResolveBaseTime(ctx context.Context, ref StreamRef, baseTime *int64) (*int64, error) {
	if baseTime != nil {
		return baseTime, nil
	}
	v, ok, err := r.store.MetadataInt(ctx, ref, MetadataDefaultBaseTime)
	if err != nil {
		return nil, fmt.Errorf("default base time for %d: %w", ref, err)
	}
	if ok {
		return &v, nil
	}
	return nil, nil
}

// ResolveBaseValue resolves the base value for a stream. With a concrete
// base time the priority is: exact event at the base time, then the latest
// event strictly before it, then the earliest event strictly after it. With
// no base time the stream's first-ever recorded value is used. A missing
// base yields ErrNoBaseValue; a zero base yields ErrInvalidBaseValue.
func (r *BaseResolver) ResolveBaseValue(ctx context.Context, ref StreamRef, baseTime *int64, frozenAt int64) (decimal.Decimal, error) {
	bt, err := r.ResolveBaseTime(ctx, ref, baseTime)
	if err != nil {
		return decimal.Zero, err
	}

	var base decimal.Decimal
	var found bool

	if bt == nil {
		first, ok, err := r.store.FirstEventAfter(ctx, ref, math.MinInt64, frozenAt)
		if err != nil {
			return decimal.Zero, fmt.Errorf("first event for %d: %w", ref, err)
		}
		base, found = first.Value, ok
	} else {
		// LatestEventAt covers both the exact match and the
		// latest-strictly-before fallback.
		ev, ok, err := r.store.LatestEventAt(ctx, ref, *bt, frozenAt)
		if err != nil {
			return decimal.Zero, fmt.Errorf("base event for %d: %w", ref, err)
		}
		if !ok {
			ev, ok, err = r.store.FirstEventAfter(ctx, ref, *bt, frozenAt)
			if err != nil {
				return decimal.Zero, fmt.Errorf("base event after %d for %d: %w", *bt, ref, err)
			}
		}
		base, found = ev.Value, ok
	}

	if !found {
		return decimal.Zero, errors.New(errors.ErrTypeComputation,
			fmt.Sprintf("no base value found for stream %d", ref), errors.ErrNoBaseValue)
	}
	if base.IsZero() {
		return decimal.Zero, errors.New(errors.ErrTypeComputation,
			fmt.Sprintf("base value is zero for stream %d", ref), errors.ErrInvalidBaseValue)
	}

	return base, nil
}

// IndexValue rescales a raw value to a percentage of base.
func IndexValue(value, base decimal.Decimal) decimal.Decimal {
	return value.Mul(hundred).DivRound(base, ValueScale)
}

// IndexSeries rescales every point to a percentage of base.
func IndexSeries(points []Point, base decimal.Decimal) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{Time: p.Time, Value: IndexValue(p.Value, base)}
	}
	return out
}

// indexedStore decorates a Store so that every primitive event value is
// expressed as a percentage of that stream's base value before entering the
// weighted aggregator. Used by the composed-index pipeline.
type indexedStore struct {
	Store
	bases map[StreamRef]decimal.Decimal
}

// NewIndexedStore wraps store with per-stream base normalization. Streams
// absent from bases pass through unscaled.
func NewIndexedStore(store Store, bases map[StreamRef]decimal.Decimal) Store {
	return &indexedStore{Store: store, bases: bases}
}

func (s *indexedStore) scale(ref StreamRef, ev Event) Event {
	base, ok := s.bases[ref]
	if !ok {
		return ev
	}
	return Event{Time: ev.Time, Value: IndexValue(ev.Value, base)}
}

func (s *indexedStore) EventsInRange(ctx context.Context, ref StreamRef, after, until, frozenAt int64) ([]Event, error) {
	events, err := s.Store.EventsInRange(ctx, ref, after, until, frozenAt)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = s.scale(ref, ev)
	}
	return out, nil
}

func (s *indexedStore) LatestEventAt(ctx context.Context, ref StreamRef, at, frozenAt int64) (Event, bool, error) {
	ev, ok, err := s.Store.LatestEventAt(ctx, ref, at, frozenAt)
	if err != nil || !ok {
		return ev, ok, err
	}
	return s.scale(ref, ev), true, nil
}

func (s *indexedStore) FirstEventAfter(ctx context.Context, ref StreamRef, after, frozenAt int64) (Event, bool, error) {
	ev, ok, err := s.Store.FirstEventAfter(ctx, ref, after, frozenAt)
	if err != nil || !ok {
		return ev, ok, err
	}
	return s.scale(ref, ev), true, nil
}
