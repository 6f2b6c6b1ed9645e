// Package engine computes derived time-series values for hierarchically
// composed streams: taxonomy resolution, event timelines, weighted
// aggregation, LOCF queries, index normalization, and period changes.
//
// The engine is a pure, read-only computation over an eventstore snapshot.
// All arithmetic uses exact decimals; no floats enter the pipeline.
package engine

import (
	"github.com/shopspring/decimal"
)

// MaxTime is the +infinity sentinel for validity and transaction instants.
// Kept slightly below math.MaxInt64 so segment arithmetic (end+1) cannot
// overflow.
const MaxTime int64 = 9223372036854775000

// ValueScale is the fractional-digit scale used for aggregate divisions.
const ValueScale int32 = 36

// StreamRef is the internal identity of a stream in the event store.
type StreamRef int64

// Kind distinguishes raw-observation streams from weighted compositions.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindComposed  Kind = "composed"
)

// Stream is a catalog entry. Streams are immutable once created and never
// deleted; only taxonomy edges are disabled.
type Stream struct {
	Ref       StreamRef
	Provider  string
	ID        string
	Kind      Kind
	CreatedAt int64
}

// TaxonomyEdge is one weighted parent->child composition link. Among edges
// sharing (parent, start_time), only the one with the maximum GroupSequence
// and a nil DisabledAt is active.
type TaxonomyEdge struct {
	Parent        StreamRef
	Child         StreamRef
	Weight        decimal.Decimal
	StartTime     int64
	GroupSequence int64
	CreatedAt     int64
	DisabledAt    *int64
}

// Active reports whether the edge has not been soft-deleted.
func (e TaxonomyEdge) Active() bool {
	return e.DisabledAt == nil
}

// Event is a bitemporally resolved observation: for a (stream, event_time)
// pair and a frozen_at cutoff, the surviving row is the one with the largest
// created_at <= frozen_at.
type Event struct {
	Time  int64
	Value decimal.Decimal
}

// Point is one (time, value) sample of a derived series.
type Point struct {
	Time  int64           `json:"event_time"`
	Value decimal.Decimal `json:"value"`
}

// PrimitiveWeight is one resolved taxonomy contribution: a primitive stream,
// its path weight, and the validity segment over which it applies.
type PrimitiveWeight struct {
	Ref          StreamRef
	Weight       decimal.Decimal
	SegmentStart int64
	SegmentEnd   int64
}

// WeightPolicy selects how path weights are combined during taxonomy
// expansion. Record and index aggregation use different policies, so the
// caller picks per operation.
type WeightPolicy int

const (
	// WeightRawProduct multiplies raw edge weights along the path.
	// Used for record aggregation.
	WeightRawProduct WeightPolicy = iota

	// WeightRenormalized divides sibling weights by their segment-local sum
	// before multiplying, so siblings always contribute in proportion.
	// Used for index aggregation.
	WeightRenormalized
)

func (p WeightPolicy) String() string {
	switch p {
	case WeightRawProduct:
		return "raw-product"
	case WeightRenormalized:
		return "renormalized"
	default:
		return "unknown"
	}
}

// EffectiveWindow applies the open-range defaults: a nil lower bound means
// beginning of time, a nil upper bound or cutoff means MaxTime.
func EffectiveWindow(from, to, frozenAt *int64) (int64, int64, int64) {
	ef := int64(0)
	if from != nil {
		ef = *from
	}
	et := MaxTime
	if to != nil {
		et = *to
	}
	efr := MaxTime
	if frozenAt != nil {
		efr = *frozenAt
	}
	return ef, et, efr
}
