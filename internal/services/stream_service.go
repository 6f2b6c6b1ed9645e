package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"streamcalc/internal/engine"
	"streamcalc/internal/errors"
)

// Options configures a StreamService.
type Options struct {
	// MaxTaxonomyDepth bounds hierarchy expansion; zero selects the
	// engine default.
	MaxTaxonomyDepth int
}

// StreamService is the caller-facing facade over the computation engine.
// It is stateless across calls: every request runs one sequential pipeline
// against the store snapshot pinned by its frozen_at cutoff.
type StreamService struct {
	store    engine.Store
	logger   *slog.Logger
	resolver *engine.TaxonomyResolver
	bases    *engine.BaseResolver
	validate *validator.Validate
}

// NewStreamService creates a service over the given store.
func NewStreamService(store engine.Store, logger *slog.Logger, opts Options) *StreamService {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "stream_service"))

	return &StreamService{
		store:    store,
		logger:   logger,
		resolver: engine.NewTaxonomyResolver(store, logger, opts.MaxTaxonomyDepth),
		bases:    engine.NewBaseResolver(store, logger),
		validate: newValidator(),
	}
}

// GetRecord returns the record series for a stream of either kind.
func (s *StreamService) GetRecord(ctx context.Context, req RecordRequest) ([]engine.Point, error) {
	if err := validationError(s.validate.Struct(req)); err != nil {
		return nil, err
	}
	if err := checkWindow(req.From, req.To); err != nil {
		return nil, err
	}

	stream, err := s.store.LookupStream(ctx, req.Provider, req.StreamID)
	if err != nil {
		return nil, err
	}

	if stream.Kind == engine.KindComposed {
		return s.composedRecord(ctx, stream, req)
	}
	return s.primitiveRecord(ctx, stream, req)
}

// GetComposedRecord returns the aggregated record series of a composed
// stream using raw product path weights.
func (s *StreamService) GetComposedRecord(ctx context.Context, req RecordRequest) ([]engine.Point, error) {
	if err := validationError(s.validate.Struct(req)); err != nil {
		return nil, err
	}
	if err := checkWindow(req.From, req.To); err != nil {
		return nil, err
	}

	stream, err := s.store.LookupStream(ctx, req.Provider, req.StreamID)
	if err != nil {
		return nil, err
	}
	if stream.Kind != engine.KindComposed {
		return nil, errors.Validation(fmt.Sprintf("stream %s/%s is not composed", req.Provider, req.StreamID))
	}

	return s.composedRecord(ctx, stream, req)
}

// GetPrimitiveRecord returns the raw record series of a primitive stream,
// with an anchor record carried forward to the range start.
func (s *StreamService) GetPrimitiveRecord(ctx context.Context, req RecordRequest) ([]engine.Point, error) {
	if err := validationError(s.validate.Struct(req)); err != nil {
		return nil, err
	}
	if err := checkWindow(req.From, req.To); err != nil {
		return nil, err
	}

	stream, err := s.store.LookupStream(ctx, req.Provider, req.StreamID)
	if err != nil {
		return nil, err
	}
	if stream.Kind != engine.KindPrimitive {
		return nil, errors.Validation(fmt.Sprintf("stream %s/%s is not primitive", req.Provider, req.StreamID))
	}

	return s.primitiveRecord(ctx, stream, req)
}

func (s *StreamService) composedRecord(ctx context.Context, stream engine.Stream, req RecordRequest) ([]engine.Point, error) {
	start := time.Now()
	from, to, frozenAt := engine.EffectiveWindow(req.From, req.To, req.FrozenAt)

	weights, err := s.resolver.Resolve(ctx, stream.Ref, from, to, engine.WeightRawProduct)
	if err != nil {
		return nil, err
	}

	timeline := engine.NewTimelineBuilder(s.store, s.logger)
	deltas, err := timeline.Build(ctx, weights, from, to, frozenAt)
	if err != nil {
		return nil, err
	}

	aggregated := engine.Aggregate(deltas)

	var points []engine.Point
	if req.From == nil && req.To == nil {
		points = engine.ResolveLatest(aggregated)
	} else {
		points = engine.ResolveRange(aggregated, from, to)
	}

	s.logger.InfoContext(ctx, "composed record computed",
		slog.String("provider", stream.Provider),
		slog.String("stream_id", stream.ID),
		slog.Int("primitive_paths", len(weights)),
		slog.Int("records", len(points)),
		slog.Duration("duration", time.Since(start)),
	)

	return points, nil
}

func (s *StreamService) primitiveRecord(ctx context.Context, stream engine.Stream, req RecordRequest) ([]engine.Point, error) {
	from, to, frozenAt := engine.EffectiveWindow(req.From, req.To, req.FrozenAt)

	if req.From == nil && req.To == nil {
		latest, ok, err := s.store.LatestEventAt(ctx, stream.Ref, engine.MaxTime, frozenAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []engine.Point{{Time: latest.Time, Value: latest.Value}}, nil
	}

	points, err := s.primitivePoints(ctx, stream.Ref, from, to, frozenAt)
	if err != nil {
		return nil, err
	}
	return engine.ResolveRange(points, from, to), nil
}

// primitivePoints returns the anchor event (latest at or before from)
// followed by the interval events in (from, to].
func (s *StreamService) primitivePoints(ctx context.Context, ref engine.StreamRef, from, to, frozenAt int64) ([]engine.Point, error) {
	var points []engine.Point

	anchor, ok, err := s.store.LatestEventAt(ctx, ref, from, frozenAt)
	if err != nil {
		return nil, err
	}
	if ok {
		points = append(points, engine.Point{Time: anchor.Time, Value: anchor.Value})
	}

	interval, err := s.store.EventsInRange(ctx, ref, from, to, frozenAt)
	if err != nil {
		return nil, err
	}
	for _, ev := range interval {
		points = append(points, engine.Point{Time: ev.Time, Value: ev.Value})
	}
	return points, nil
}

// GetIndex returns the index series of a stream: every value expressed as a
// percentage of the stream's base value. Composed streams renormalize
// sibling weights and rescale each contributing primitive against its own
// base before aggregation.
func (s *StreamService) GetIndex(ctx context.Context, req IndexRequest) ([]engine.Point, error) {
	if err := validationError(s.validate.Struct(req)); err != nil {
		return nil, err
	}
	if err := checkWindow(req.From, req.To); err != nil {
		return nil, err
	}

	stream, err := s.store.LookupStream(ctx, req.Provider, req.StreamID)
	if err != nil {
		return nil, err
	}

	if stream.Kind == engine.KindComposed {
		return s.composedIndex(ctx, stream, req)
	}
	return s.primitiveIndex(ctx, stream, req)
}

func (s *StreamService) primitiveIndex(ctx context.Context, stream engine.Stream, req IndexRequest) ([]engine.Point, error) {
	_, _, frozenAt := engine.EffectiveWindow(req.From, req.To, req.FrozenAt)

	base, err := s.bases.ResolveBaseValue(ctx, stream.Ref, req.BaseTime, frozenAt)
	if err != nil {
		return nil, err
	}

	records, err := s.primitiveRecord(ctx, stream, RecordRequest{
		Provider: req.Provider,
		StreamID: req.StreamID,
		From:     req.From,
		To:       req.To,
		FrozenAt: req.FrozenAt,
	})
	if err != nil {
		return nil, err
	}

	return engine.IndexSeries(records, base), nil
}

func (s *StreamService) composedIndex(ctx context.Context, stream engine.Stream, req IndexRequest) ([]engine.Point, error) {
	start := time.Now()
	from, to, frozenAt := engine.EffectiveWindow(req.From, req.To, req.FrozenAt)

	weights, err := s.resolver.Resolve(ctx, stream.Ref, from, to, engine.WeightRenormalized)
	if err != nil {
		return nil, err
	}

	// Base time resolves once at the root; each primitive then resolves
	// its own base value against it (falling back to its own metadata and
	// first value when the root supplies none).
	baseTime, err := s.bases.ResolveBaseTime(ctx, stream.Ref, req.BaseTime)
	if err != nil {
		return nil, err
	}

	baseByRef := make(map[engine.StreamRef]decimal.Decimal)
	for _, pw := range weights {
		if _, ok := baseByRef[pw.Ref]; ok {
			continue
		}
		base, err := s.bases.ResolveBaseValue(ctx, pw.Ref, baseTime, frozenAt)
		if err != nil {
			return nil, err
		}
		baseByRef[pw.Ref] = base
	}

	indexed := engine.NewIndexedStore(s.store, baseByRef)
	timeline := engine.NewTimelineBuilder(indexed, s.logger)
	deltas, err := timeline.Build(ctx, weights, from, to, frozenAt)
	if err != nil {
		return nil, err
	}

	aggregated := engine.Aggregate(deltas)

	var points []engine.Point
	if req.From == nil && req.To == nil {
		points = engine.ResolveLatest(aggregated)
	} else {
		points = engine.ResolveRange(aggregated, from, to)
	}

	s.logger.InfoContext(ctx, "composed index computed",
		slog.String("provider", stream.Provider),
		slog.String("stream_id", stream.ID),
		slog.Int("primitive_paths", len(weights)),
		slog.Int("records", len(points)),
		slog.Duration("duration", time.Since(start)),
	)

	return points, nil
}

// GetIndexChange returns the period-over-period percentage change of a
// stream's index: each point in [from, to] compared against the index value
// in force one interval earlier. The two series are computed concurrently.
func (s *StreamService) GetIndexChange(ctx context.Context, req IndexChangeRequest) ([]engine.Point, error) {
	if err := validationError(s.validate.Struct(req)); err != nil {
		return nil, err
	}
	if req.From > req.To {
		return nil, errors.Validation(fmt.Sprintf("from (%d) must not exceed to (%d)", req.From, req.To))
	}

	curFrom, curTo := req.From, req.To
	prevFrom, prevTo := req.From-req.Interval, req.To-req.Interval

	var current, previous []engine.Point
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = s.GetIndex(gctx, IndexRequest{
			Provider: req.Provider,
			StreamID: req.StreamID,
			From:     &curFrom,
			To:       &curTo,
			FrozenAt: req.FrozenAt,
			BaseTime: req.BaseTime,
		})
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = s.GetIndex(gctx, IndexRequest{
			Provider: req.Provider,
			StreamID: req.StreamID,
			From:     &prevFrom,
			To:       &prevTo,
			FrozenAt: req.FrozenAt,
			BaseTime: req.BaseTime,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changes := engine.PeriodChange(current, previous, req.Interval)

	s.logger.InfoContext(ctx, "index change computed",
		slog.String("provider", req.Provider),
		slog.String("stream_id", req.StreamID),
		slog.Int64("interval", req.Interval),
		slog.Int("changes", len(changes)),
	)

	return changes, nil
}

// DescribeTaxonomy lists the weighted children of a composed stream.
// LatestOnly restricts output to the definition with the highest
// group_sequence.
func (s *StreamService) DescribeTaxonomy(ctx context.Context, req TaxonomyRequest) ([]TaxonomyEntry, error) {
	if err := validationError(s.validate.Struct(req)); err != nil {
		return nil, err
	}

	stream, err := s.store.LookupStream(ctx, req.Provider, req.StreamID)
	if err != nil {
		return nil, err
	}

	edges, err := s.store.TaxonomyEdges(ctx, stream.Ref)
	if err != nil {
		return nil, err
	}

	if req.LatestOnly {
		var maxSeq int64 = -1
		for _, e := range edges {
			if e.GroupSequence > maxSeq {
				maxSeq = e.GroupSequence
			}
		}
		kept := edges[:0]
		for _, e := range edges {
			if e.GroupSequence == maxSeq {
				kept = append(kept, e)
			}
		}
		edges = kept
	}

	entries := make([]TaxonomyEntry, 0, len(edges))
	for _, e := range edges {
		child, err := s.store.StreamByRef(ctx, e.Child)
		if err != nil {
			return nil, err
		}
		entries = append(entries, TaxonomyEntry{
			ChildProvider: child.Provider,
			ChildStreamID: child.ID,
			Weight:        e.Weight.String(),
			GroupSequence: e.GroupSequence,
			StartTime:     e.StartTime,
			CreatedAt:     e.CreatedAt,
		})
	}

	return entries, nil
}
