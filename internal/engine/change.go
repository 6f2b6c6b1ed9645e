package engine

// PeriodChange computes point-wise percentage change between two index
// series offset by interval. Both inputs must be ascending by time.
//
// For each current point at time t the matched previous point is the last
// one with time <= t - interval. The scan is a merge-join: the previous
// pointer only moves forward, so the whole computation is linear in the
// combined series length. Points with no match, or whose matched previous
// value is zero, produce no output.
func PeriodChange(current, previous []Point, interval int64) []Point {
	if len(current) == 0 || len(previous) == 0 {
		return nil
	}

	out := make([]Point, 0, len(current))
	j := 0

	for _, cur := range current {
		target := cur.Time - interval

		for j+1 < len(previous) && previous[j+1].Time <= target {
			j++
		}

		if previous[j].Time > target || previous[j].Value.IsZero() {
			continue
		}

		pct := cur.Value.Sub(previous[j].Value).Mul(hundred).DivRound(previous[j].Value, ValueScale)
		out = append(out, Point{Time: cur.Time, Value: pct})
	}

	return out
}
