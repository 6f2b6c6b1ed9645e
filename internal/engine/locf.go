package engine

// ResolveLatest maps the aggregated change-point timeline onto latest mode:
// only the single most-recent change point is returned. The input must be
// ascending by time.
func ResolveLatest(points []Point) []Point {
	if len(points) == 0 {
		return nil
	}
	return []Point{points[len(points)-1]}
}

// ResolveRange maps the aggregated change-point timeline onto [from, to].
// When no change point falls exactly on from, an anchor record is
// synthesized at from carrying forward the value of the latest change point
// strictly before it (last observation carried forward). There is no
// extrapolation beyond the last known value. The input must be ascending by
// time.
func ResolveRange(points []Point, from, to int64) []Point {
	var out []Point
	var anchor *Point

	for i, p := range points {
		switch {
		case p.Time < from:
			anchor = &points[i]
		case p.Time <= to:
			out = append(out, p)
		}
	}

	if anchor != nil && (len(out) == 0 || out[0].Time != from) {
		out = append([]Point{{Time: from, Value: anchor.Value}}, out...)
	}

	return out
}
