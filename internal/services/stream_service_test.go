package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcalc/internal/engine"
	"streamcalc/internal/errors"
	"streamcalc/internal/eventstore"
)

const (
	testProvider = "0x4710a8d8f0d845da110086812a32de6d90d7ff5c"
	compositeID  = "stcomposedrootaaaaaaaaaaaaaaaaaa"
	childAID     = "stprimitiveaaaaaaaaaaaaaaaaaaaaa"
	childBID     = "stprimitivebbbbbbbbbbbbbbbbbbbbb"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func int64p(v int64) *int64 { return &v }

// newTestFixture seeds a composed stream with two equally weighted primitive
// children holding observations at t=100 (10 and 20) and t=200 (12 and 24).
func newTestFixture(t *testing.T) (*StreamService, *eventstore.MemoryStore) {
	t.Helper()
	store := eventstore.NewMemoryStore()

	root := store.AddStream(testProvider, compositeID, engine.KindComposed, 1)
	a := store.AddStream(testProvider, childAID, engine.KindPrimitive, 1)
	b := store.AddStream(testProvider, childBID, engine.KindPrimitive, 1)

	store.AddTaxonomyEdge(root, a, dec("1"), 0, 1, 1)
	store.AddTaxonomyEdge(root, b, dec("1"), 0, 1, 1)

	store.AddEvent(a, 100, 1, dec("10"))
	store.AddEvent(b, 100, 1, dec("20"))
	store.AddEvent(a, 200, 1, dec("12"))
	store.AddEvent(b, 200, 1, dec("24"))

	return NewStreamService(store, nil, Options{}), store
}

func requireSeries(t *testing.T, got []engine.Point, want ...engine.Point) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Time, got[i].Time, "point %d time", i)
		assert.True(t, want[i].Value.Equal(got[i].Value),
			"point %d: want %s got %s", i, want[i].Value, got[i].Value)
	}
}

func TestGetComposedRecordAverage(t *testing.T) {
	svc, _ := newTestFixture(t)

	got, err := svc.GetComposedRecord(context.Background(), RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(1000),
	})
	require.NoError(t, err)
	requireSeries(t, got,
		engine.Point{Time: 100, Value: dec("15")},
		engine.Point{Time: 200, Value: dec("18")},
	)
}

func TestGetComposedRecordLatestMode(t *testing.T) {
	svc, _ := newTestFixture(t)

	got, err := svc.GetComposedRecord(context.Background(), RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
	})
	require.NoError(t, err)
	requireSeries(t, got, engine.Point{Time: 200, Value: dec("18")})
}

func TestGetComposedRecordAnchorCarriedForward(t *testing.T) {
	svc, _ := newTestFixture(t)

	got, err := svc.GetComposedRecord(context.Background(), RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(150),
		To:       int64p(1000),
	})
	require.NoError(t, err)
	requireSeries(t, got,
		engine.Point{Time: 150, Value: dec("15")},
		engine.Point{Time: 200, Value: dec("18")},
	)
}

func TestGetComposedRecordIdempotent(t *testing.T) {
	svc, _ := newTestFixture(t)
	req := RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(1000),
	}

	first, err := svc.GetComposedRecord(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.GetComposedRecord(context.Background(), req)
	require.NoError(t, err)
	requireSeries(t, second, first...)
}

func TestGetComposedRecordFrozenAtExcludesCorrections(t *testing.T) {
	svc, store := newTestFixture(t)

	a, err := store.LookupStream(context.Background(), testProvider, childAID)
	require.NoError(t, err)
	store.AddEvent(a.Ref, 100, 50, dec("100")) // late correction

	got, err := svc.GetComposedRecord(context.Background(), RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(150),
		FrozenAt: int64p(10),
	})
	require.NoError(t, err)
	requireSeries(t, got, engine.Point{Time: 100, Value: dec("15")})

	got, err = svc.GetComposedRecord(context.Background(), RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(150),
	})
	require.NoError(t, err)
	requireSeries(t, got, engine.Point{Time: 100, Value: dec("60")})
}

func TestGetRecordDispatchesOnKind(t *testing.T) {
	svc, _ := newTestFixture(t)
	ctx := context.Background()

	composed, err := svc.GetRecord(ctx, RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(1000),
	})
	require.NoError(t, err)
	require.Len(t, composed, 2)

	primitive, err := svc.GetRecord(ctx, RecordRequest{
		Provider: testProvider,
		StreamID: childAID,
		From:     int64p(0),
		To:       int64p(1000),
	})
	require.NoError(t, err)
	requireSeries(t, primitive,
		engine.Point{Time: 100, Value: dec("10")},
		engine.Point{Time: 200, Value: dec("12")},
	)
}

func TestGetPrimitiveRecord(t *testing.T) {
	svc, _ := newTestFixture(t)
	ctx := context.Background()

	// Latest mode.
	got, err := svc.GetPrimitiveRecord(ctx, RecordRequest{
		Provider: testProvider,
		StreamID: childAID,
	})
	require.NoError(t, err)
	requireSeries(t, got, engine.Point{Time: 200, Value: dec("12")})

	// Range mode with a carried-forward anchor.
	got, err = svc.GetPrimitiveRecord(ctx, RecordRequest{
		Provider: testProvider,
		StreamID: childAID,
		From:     int64p(150),
		To:       int64p(180),
	})
	require.NoError(t, err)
	requireSeries(t, got, engine.Point{Time: 150, Value: dec("10")})

	// Kind mismatch.
	_, err = svc.GetPrimitiveRecord(ctx, RecordRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(1000),
	})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)

	_, err = svc.GetComposedRecord(ctx, RecordRequest{
		Provider: testProvider,
		StreamID: childAID,
		From:     int64p(0),
		To:       int64p(1000),
	})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
}

func TestGetIndexPrimitiveExactBaseIsHundred(t *testing.T) {
	svc, _ := newTestFixture(t)

	got, err := svc.GetIndex(context.Background(), IndexRequest{
		Provider: testProvider,
		StreamID: childAID,
		From:     int64p(0),
		To:       int64p(1000),
		BaseTime: int64p(100),
	})
	require.NoError(t, err)
	requireSeries(t, got,
		engine.Point{Time: 100, Value: dec("100")},
		engine.Point{Time: 200, Value: dec("120")},
	)
}

func TestGetIndexUsesDefaultBaseTimeMetadata(t *testing.T) {
	svc, store := newTestFixture(t)
	ctx := context.Background()

	a, err := store.LookupStream(ctx, testProvider, childAID)
	require.NoError(t, err)
	store.SetMetadataInt(a.Ref, engine.MetadataDefaultBaseTime, 200, 1)

	got, err := svc.GetIndex(ctx, IndexRequest{
		Provider: testProvider,
		StreamID: childAID,
		From:     int64p(0),
		To:       int64p(1000),
	})
	require.NoError(t, err)
	// Base is the t=200 value 12.
	want0 := dec("10").Mul(dec("100")).DivRound(dec("12"), engine.ValueScale)
	requireSeries(t, got,
		engine.Point{Time: 100, Value: want0},
		engine.Point{Time: 200, Value: dec("100")},
	)
}

func TestGetIndexComposed(t *testing.T) {
	// Both children double pointwise relative to their own base, so the
	// composed index is 100 at the base time and 120 after both rise 20%.
	svc, _ := newTestFixture(t)

	got, err := svc.GetIndex(context.Background(), IndexRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     int64p(0),
		To:       int64p(1000),
		BaseTime: int64p(100),
	})
	require.NoError(t, err)
	requireSeries(t, got,
		engine.Point{Time: 100, Value: dec("100")},
		engine.Point{Time: 200, Value: dec("120")},
	)
}

func TestGetIndexZeroBaseValue(t *testing.T) {
	svc, store := newTestFixture(t)
	ctx := context.Background()

	zero := store.AddStream(testProvider, "stprimitivezerobaseaaaaaaaaaaaaa", engine.KindPrimitive, 1)
	store.AddEvent(zero, 100, 1, dec("0"))

	_, err := svc.GetIndex(ctx, IndexRequest{
		Provider: testProvider,
		StreamID: "stprimitivezerobaseaaaaaaaaaaaaa",
		From:     int64p(0),
		To:       int64p(1000),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidBaseValue)
}

func TestGetIndexNoBaseValue(t *testing.T) {
	svc, store := newTestFixture(t)
	ctx := context.Background()

	store.AddStream(testProvider, "stprimitivenodataaaaaaaaaaaaaaaa", engine.KindPrimitive, 1)

	_, err := svc.GetIndex(ctx, IndexRequest{
		Provider: testProvider,
		StreamID: "stprimitivenodataaaaaaaaaaaaaaaa",
		From:     int64p(0),
		To:       int64p(1000),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoBaseValue)
}

func TestGetIndexChange(t *testing.T) {
	svc, _ := newTestFixture(t)

	got, err := svc.GetIndexChange(context.Background(), IndexChangeRequest{
		Provider: testProvider,
		StreamID: compositeID,
		From:     150,
		To:       250,
		Interval: 100,
		BaseTime: int64p(100),
	})
	require.NoError(t, err)

	// Index is 100 up to t=199 and 120 from t=200. The anchor at t=150 has
	// no previous value one interval earlier and is skipped; the t=200
	// point compares against the t=100 index of 100.
	requireSeries(t, got, engine.Point{Time: 200, Value: dec("20")})
}

func TestDescribeTaxonomy(t *testing.T) {
	svc, store := newTestFixture(t)
	ctx := context.Background()

	root, err := store.LookupStream(ctx, testProvider, compositeID)
	require.NoError(t, err)
	b, err := store.LookupStream(ctx, testProvider, childBID)
	require.NoError(t, err)

	// A superseding definition keeping only child b.
	store.AddTaxonomyEdge(root.Ref, b.Ref, dec("7"), 0, 2, 50)

	all, err := svc.DescribeTaxonomy(ctx, TaxonomyRequest{
		Provider: testProvider,
		StreamID: compositeID,
	})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	latest, err := svc.DescribeTaxonomy(ctx, TaxonomyRequest{
		Provider:   testProvider,
		StreamID:   compositeID,
		LatestOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, childBID, latest[0].ChildStreamID)
	assert.Equal(t, "7", latest[0].Weight)
	assert.Equal(t, int64(2), latest[0].GroupSequence)
}

func TestRequestValidation(t *testing.T) {
	svc, _ := newTestFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "malformed provider address",
			call: func() error {
				_, err := svc.GetRecord(ctx, RecordRequest{Provider: "not-an-address", StreamID: childAID})
				return err
			},
		},
		{
			name: "malformed stream id",
			call: func() error {
				_, err := svc.GetRecord(ctx, RecordRequest{Provider: testProvider, StreamID: "bogus"})
				return err
			},
		},
		{
			name: "inverted window",
			call: func() error {
				_, err := svc.GetRecord(ctx, RecordRequest{
					Provider: testProvider, StreamID: childAID,
					From: int64p(500), To: int64p(100),
				})
				return err
			},
		},
		{
			name: "non-positive interval",
			call: func() error {
				_, err := svc.GetIndexChange(ctx, IndexChangeRequest{
					Provider: testProvider, StreamID: compositeID,
					From: 0, To: 100, Interval: 0,
				})
				return err
			},
		},
		{
			name: "inverted change window",
			call: func() error {
				_, err := svc.GetIndexChange(ctx, IndexChangeRequest{
					Provider: testProvider, StreamID: compositeID,
					From: 200, To: 100, Interval: 10,
				})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidRequest)
		})
	}
}

func TestUnknownStream(t *testing.T) {
	svc, _ := newTestFixture(t)

	_, err := svc.GetRecord(context.Background(), RecordRequest{
		Provider: testProvider,
		StreamID: "stunknownaaaaaaaaaaaaaaaaaaaaaaa",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)
}
