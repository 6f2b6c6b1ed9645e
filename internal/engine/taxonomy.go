package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"streamcalc/internal/errors"
)

// DefaultMaxDepth bounds taxonomy expansion. A hierarchy deeper than this is
// treated as a data-integrity fault (almost certainly a cycle).
const DefaultMaxDepth = 1000

// TaxonomyResolver expands a composed stream's weighted child hierarchy into
// the flat set of primitive contributions active over a query window.
type TaxonomyResolver struct {
	store    Store
	logger   *slog.Logger
	maxDepth int
}

// NewTaxonomyResolver creates a resolver. A maxDepth of zero selects
// DefaultMaxDepth.
func NewTaxonomyResolver(store Store, logger *slog.Logger, maxDepth int) *TaxonomyResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &TaxonomyResolver{
		store:    store,
		logger:   logger,
		maxDepth: maxDepth,
	}
}

// segment is one validity interval of a parent's taxonomy: the child edges
// of the active version whose start_time opens the interval.
type segment struct {
	start int64
	end   int64
	edges []TaxonomyEdge
}

// pathItem is one frame of the explicit expansion worklist.
type pathItem struct {
	ref       StreamRef
	weight    decimal.Decimal
	pathStart int64
	pathEnd   int64
	depth     int
}

// Resolve expands root's hierarchy over [from, to] into primitive
// contributions. Weights combine along each path according to policy.
//
// The anchor rule: if the root has an active taxonomy version starting at or
// before from, segments ending before that version's start are excluded;
// with no such version the anchor is 0 (beginning of time).
func (r *TaxonomyResolver) Resolve(ctx context.Context, root StreamRef, from, to int64, policy WeightPolicy) ([]PrimitiveWeight, error) {
	segCache := make(map[StreamRef][]segment)
	streamCache := make(map[StreamRef]Stream)

	rootSegs, err := r.segmentsFor(ctx, root, segCache)
	if err != nil {
		return nil, err
	}

	anchor := anchorStart(rootSegs, from)

	work := make([]pathItem, 0, len(rootSegs)*2)
	var out []PrimitiveWeight

	push := func(segs []segment, parentWeight decimal.Decimal, pathStart, pathEnd int64, depth int) {
		for _, seg := range segs {
			start := maxInt64(pathStart, seg.start)
			end := minInt64(pathEnd, seg.end)
			if start > end || end < anchor || start > to {
				continue
			}
			total := decimal.Zero
			if policy == WeightRenormalized {
				for _, e := range seg.edges {
					total = total.Add(e.Weight)
				}
			}
			for _, e := range seg.edges {
				w := e.Weight
				if policy == WeightRenormalized && !total.IsZero() {
					w = w.DivRound(total, ValueScale)
				}
				work = append(work, pathItem{
					ref:       e.Child,
					weight:    parentWeight.Mul(w),
					pathStart: start,
					pathEnd:   end,
					depth:     depth,
				})
			}
		}
	}

	push(rootSegs, decimal.NewFromInt(1), 0, MaxTime-1, 1)

	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]

		child, err := r.streamFor(ctx, item.ref, streamCache)
		if err != nil {
			return nil, err
		}

		if child.Kind == KindPrimitive {
			out = append(out, PrimitiveWeight{
				Ref:          item.ref,
				Weight:       item.weight,
				SegmentStart: item.pathStart,
				SegmentEnd:   item.pathEnd,
			})
			continue
		}

		if item.depth >= r.maxDepth {
			r.logger.ErrorContext(ctx, "taxonomy expansion exceeded depth bound",
				slog.Int64("root", int64(root)),
				slog.Int64("stream", int64(item.ref)),
				slog.Int("depth", item.depth),
			)
			return nil, errors.CycleDepthExceeded(r.maxDepth)
		}

		segs, err := r.segmentsFor(ctx, item.ref, segCache)
		if err != nil {
			return nil, err
		}
		push(segs, item.weight, item.pathStart, item.pathEnd, item.depth+1)
	}

	// Deterministic output order regardless of worklist traversal.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref != out[j].Ref {
			return out[i].Ref < out[j].Ref
		}
		return out[i].SegmentStart < out[j].SegmentStart
	})

	r.logger.DebugContext(ctx, "taxonomy resolved",
		slog.Int64("root", int64(root)),
		slog.String("policy", policy.String()),
		slog.Int("primitive_paths", len(out)),
	)

	return out, nil
}

// segmentsFor fetches and caches a parent's active taxonomy segments.
// Each distinct start_time opens a segment running until the next distinct
// start_time minus one, or MaxTime-1 for the last.
func (r *TaxonomyResolver) segmentsFor(ctx context.Context, parent StreamRef, cache map[StreamRef][]segment) ([]segment, error) {
	if segs, ok := cache[parent]; ok {
		return segs, nil
	}

	edges, err := r.store.ActiveTaxonomyEdges(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("active taxonomy edges for %d: %w", parent, err)
	}

	var segs []segment
	for _, e := range edges {
		if n := len(segs); n > 0 && segs[n-1].start == e.StartTime {
			segs[n-1].edges = append(segs[n-1].edges, e)
			continue
		}
		segs = append(segs, segment{start: e.StartTime, edges: []TaxonomyEdge{e}})
	}
	for i := range segs {
		if i+1 < len(segs) {
			segs[i].end = segs[i+1].start - 1
		} else {
			segs[i].end = MaxTime - 1
		}
	}

	cache[parent] = segs
	return segs, nil
}

func (r *TaxonomyResolver) streamFor(ctx context.Context, ref StreamRef, cache map[StreamRef]Stream) (Stream, error) {
	if s, ok := cache[ref]; ok {
		return s, nil
	}
	s, err := r.store.StreamByRef(ctx, ref)
	if err != nil {
		return Stream{}, fmt.Errorf("stream by ref %d: %w", ref, err)
	}
	cache[ref] = s
	return s, nil
}

// anchorStart returns the start of the root taxonomy version in force at
// from, or 0 when the root has no version covering from.
func anchorStart(segs []segment, from int64) int64 {
	anchor := int64(0)
	for _, s := range segs {
		if s.start <= from && s.start > anchor {
			anchor = s.start
		}
	}
	return anchor
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
