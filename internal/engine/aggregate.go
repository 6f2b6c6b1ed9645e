package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Aggregate folds per-stream delta sequences into the global weighted
// timeline and derives the aggregated value at each change point.
//
// Per stream it tracks the value and weight in force before each delta; the
// incremental numerator contribution uses the exact product-delta
// decomposition
//
//	d(num) = dv*w0 + v0*dw + dv*dw
//
// which is (v0+dv)(w0+dw) - v0*w0 expanded, so a simultaneous value and
// weight change at one instant is counted exactly once. The denominator
// delta is dw. Deltas are grouped by global event time, zero-sum points are
// discarded, and a prefix sum yields the cumulative numerator/denominator.
// The aggregated value is num/den, or 0 where the cumulative weight is 0
// (an expired composition, not an error).
//
// The input must be ordered by (stream, time, value-before-weight), as
// produced by TimelineBuilder.Build.
func Aggregate(deltas []StreamDelta) []Point {
	type pair struct {
		ws decimal.Decimal
		sw decimal.Decimal
	}

	valueBefore := make(map[StreamRef]decimal.Decimal)
	weightBefore := make(map[StreamRef]decimal.Decimal)
	byTime := make(map[int64]pair)

	for _, d := range deltas {
		v0, ok := valueBefore[d.Ref]
		if !ok {
			v0 = decimal.Zero
		}
		w0, ok := weightBefore[d.Ref]
		if !ok {
			w0 = decimal.Zero
		}

		dWS := d.ValueDelta.Mul(w0).
			Add(v0.Mul(d.WeightDelta)).
			Add(d.ValueDelta.Mul(d.WeightDelta))

		p := byTime[d.Time]
		p.ws = p.ws.Add(dWS)
		p.sw = p.sw.Add(d.WeightDelta)
		byTime[d.Time] = p

		valueBefore[d.Ref] = v0.Add(d.ValueDelta)
		weightBefore[d.Ref] = w0.Add(d.WeightDelta)
	}

	times := make([]int64, 0, len(byTime))
	for t, p := range byTime {
		if p.ws.IsZero() && p.sw.IsZero() {
			continue
		}
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	points := make([]Point, 0, len(times))
	cumWS := decimal.Zero
	cumSW := decimal.Zero
	for _, t := range times {
		p := byTime[t]
		cumWS = cumWS.Add(p.ws)
		cumSW = cumSW.Add(p.sw)

		value := decimal.Zero
		if !cumSW.IsZero() {
			value = cumWS.DivRound(cumSW, ValueScale)
		}
		points = append(points, Point{Time: t, Value: value})
	}

	return points
}
