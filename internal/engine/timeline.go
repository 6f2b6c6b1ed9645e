package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
)

// deltaKind orders simultaneous deltas: a value change at an instant is
// applied before a weight change at the same instant. This tie-break fixes
// which quantity is "before" the other in the aggregator's product-delta
// decomposition.
type deltaKind int

const (
	deltaValue  deltaKind = 1
	deltaWeight deltaKind = 2
)

// StreamDelta is one change event on a primitive stream's timeline: either
// a value delta or a weight delta, never both.
type StreamDelta struct {
	Ref         StreamRef
	Time        int64
	ValueDelta  decimal.Decimal
	WeightDelta decimal.Decimal
	kind        deltaKind
}

// TimelineBuilder reconstructs the per-stream delta sequences feeding the
// weighted aggregator.
type TimelineBuilder struct {
	store  Store
	logger *slog.Logger
}

// NewTimelineBuilder creates a builder over the given store snapshot.
func NewTimelineBuilder(store Store, logger *slog.Logger) *TimelineBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimelineBuilder{store: store, logger: logger}
}

// Build merges value observations and weight activation events into one
// chronological delta sequence per contributing primitive stream, returned
// flat and ordered by (stream, time, value-before-weight).
//
// For each stream the initial state is the latest effective event at or
// before from; interval events cover (from, to]. Weight segments activate at
// max(segment start, the stream's first value time) and deactivate at
// segment end + 1. Streams with no effective events contribute nothing.
func (b *TimelineBuilder) Build(ctx context.Context, weights []PrimitiveWeight, from, to, frozenAt int64) ([]StreamDelta, error) {
	refs := make([]StreamRef, 0, len(weights))
	segments := make(map[StreamRef][]PrimitiveWeight, len(weights))
	for _, pw := range weights {
		if _, ok := segments[pw.Ref]; !ok {
			refs = append(refs, pw.Ref)
		}
		segments[pw.Ref] = append(segments[pw.Ref], pw)
	}

	var deltas []StreamDelta
	firstValueTimes := make(map[StreamRef]int64, len(refs))

	for _, ref := range refs {
		points, err := b.streamPoints(ctx, ref, segments[ref], from, to, frozenAt)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			continue
		}
		firstValueTimes[ref] = points[0].Time

		prev := decimal.Zero
		for i, ev := range points {
			delta := ev.Value
			if i > 0 {
				delta = ev.Value.Sub(prev)
			}
			prev = ev.Value
			if delta.IsZero() {
				continue
			}
			deltas = append(deltas, StreamDelta{
				Ref:        ref,
				Time:       ev.Time,
				ValueDelta: delta,
				kind:       deltaValue,
			})
		}
	}

	for _, pw := range weights {
		fvt, ok := firstValueTimes[pw.Ref]
		if !ok || pw.Weight.IsZero() {
			continue
		}
		start := maxInt64(pw.SegmentStart, fvt)
		if start > pw.SegmentEnd {
			continue
		}
		deltas = append(deltas, StreamDelta{
			Ref:         pw.Ref,
			Time:        start,
			WeightDelta: pw.Weight,
			kind:        deltaWeight,
		})
		if pw.SegmentEnd < MaxTime-1 {
			deltas = append(deltas, StreamDelta{
				Ref:         pw.Ref,
				Time:        pw.SegmentEnd + 1,
				WeightDelta: pw.Weight.Neg(),
				kind:        deltaWeight,
			})
		}
	}

	sort.SliceStable(deltas, func(i, j int) bool {
		if deltas[i].Ref != deltas[j].Ref {
			return deltas[i].Ref < deltas[j].Ref
		}
		if deltas[i].Time != deltas[j].Time {
			return deltas[i].Time < deltas[j].Time
		}
		return deltas[i].kind < deltas[j].kind
	})

	b.logger.DebugContext(ctx, "timeline built",
		slog.Int("streams", len(firstValueTimes)),
		slog.Int("deltas", len(deltas)),
	)

	return deltas, nil
}

// streamPoints returns the initial state (latest event at or before from)
// followed by the interval events in (from, to] that fall inside one of the
// stream's weight segments, ascending and deduplicated. Observations outside
// every segment carry no weight and must not perturb the delta chain.
func (b *TimelineBuilder) streamPoints(ctx context.Context, ref StreamRef, segs []PrimitiveWeight, from, to, frozenAt int64) ([]Event, error) {
	var points []Event

	initial, ok, err := b.store.LatestEventAt(ctx, ref, from, frozenAt)
	if err != nil {
		return nil, fmt.Errorf("initial state for %d: %w", ref, err)
	}
	if ok {
		points = append(points, initial)
	}

	at := make(map[int64]bool)
	for _, pw := range segs {
		after := maxInt64(from, pw.SegmentStart-1)
		until := minInt64(to, pw.SegmentEnd)
		if after >= until {
			continue
		}
		interval, err := b.store.EventsInRange(ctx, ref, after, until, frozenAt)
		if err != nil {
			return nil, fmt.Errorf("interval events for %d: %w", ref, err)
		}
		for _, ev := range interval {
			if !at[ev.Time] {
				at[ev.Time] = true
				points = append(points, ev)
			}
		}
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Time < points[j].Time })

	return points, nil
}
