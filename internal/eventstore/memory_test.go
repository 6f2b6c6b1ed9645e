package eventstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcalc/internal/engine"
	"streamcalc/internal/errors"
)

const (
	testProvider = "0x4710a8d8f0d845da110086812a32de6d90d7ff5c"
	testStreamID = "stprimitiveaaaaaaaaaaaaaaaaaaaaa"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMemoryStoreLookupStream(t *testing.T) {
	store := NewMemoryStore()
	ref := store.AddStream(testProvider, testStreamID, engine.KindPrimitive, 10)
	ctx := context.Background()

	st, err := store.LookupStream(ctx, testProvider, testStreamID)
	require.NoError(t, err)
	assert.Equal(t, ref, st.Ref)
	assert.Equal(t, engine.KindPrimitive, st.Kind)

	// Provider addresses are case-insensitive.
	upper := "0x4710A8D8F0D845DA110086812A32DE6D90D7FF5C"
	st, err = store.LookupStream(ctx, upper, testStreamID)
	require.NoError(t, err)
	assert.Equal(t, ref, st.Ref)

	_, err = store.LookupStream(ctx, testProvider, "stunknownaaaaaaaaaaaaaaaaaaaaaaa")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)

	_, err = store.StreamByRef(ctx, engine.StreamRef(999))
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)
}

func TestMemoryStoreBitemporalResolution(t *testing.T) {
	store := NewMemoryStore()
	ref := store.AddStream(testProvider, testStreamID, engine.KindPrimitive, 1)
	ctx := context.Background()

	store.AddEvent(ref, 100, 10, dec("1"))
	store.AddEvent(ref, 100, 30, dec("2")) // correction
	store.AddEvent(ref, 200, 20, dec("5"))

	// Current view: correction wins at event_time 100.
	events, err := store.EventsInRange(ctx, ref, 0, 1000, engine.MaxTime)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Value.Equal(dec("2")))
	assert.True(t, events[1].Value.Equal(dec("5")))

	// Frozen before the correction: the original row is effective.
	events, err = store.EventsInRange(ctx, ref, 0, 1000, 15)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Value.Equal(dec("1")))

	// Frozen before anything was recorded: nothing is visible.
	events, err = store.EventsInRange(ctx, ref, 0, 1000, 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStoreRangeBounds(t *testing.T) {
	store := NewMemoryStore()
	ref := store.AddStream(testProvider, testStreamID, engine.KindPrimitive, 1)
	ctx := context.Background()

	store.AddEvent(ref, 100, 1, dec("1"))
	store.AddEvent(ref, 200, 1, dec("2"))
	store.AddEvent(ref, 300, 1, dec("3"))

	// (after, until]: exclusive lower, inclusive upper.
	events, err := store.EventsInRange(ctx, ref, 100, 300, engine.MaxTime)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(200), events[0].Time)
	assert.Equal(t, int64(300), events[1].Time)
}

func TestMemoryStoreLatestAndFirst(t *testing.T) {
	store := NewMemoryStore()
	ref := store.AddStream(testProvider, testStreamID, engine.KindPrimitive, 1)
	ctx := context.Background()

	store.AddEvent(ref, 100, 1, dec("1"))
	store.AddEvent(ref, 300, 1, dec("3"))

	ev, ok, err := store.LatestEventAt(ctx, ref, 200, engine.MaxTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), ev.Time)

	ev, ok, err = store.LatestEventAt(ctx, ref, 300, engine.MaxTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), ev.Time)

	_, ok, err = store.LatestEventAt(ctx, ref, 50, engine.MaxTime)
	require.NoError(t, err)
	assert.False(t, ok)

	ev, ok, err = store.FirstEventAfter(ctx, ref, 100, engine.MaxTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), ev.Time)

	_, ok, err = store.FirstEventAfter(ctx, ref, 300, engine.MaxTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreActiveTaxonomyEdges(t *testing.T) {
	store := NewMemoryStore()
	root := store.AddStream(testProvider, "stcomposedrootaaaaaaaaaaaaaaaaaa", engine.KindComposed, 1)
	a := store.AddStream(testProvider, testStreamID, engine.KindPrimitive, 1)
	b := store.AddStream(testProvider, "stprimitivebbbbbbbbbbbbbbbbbbbbb", engine.KindPrimitive, 1)
	ctx := context.Background()

	store.AddTaxonomyEdge(root, a, dec("1"), 0, 1, 10)
	store.AddTaxonomyEdge(root, b, dec("2"), 0, 2, 20) // supersedes seq 1
	store.AddTaxonomyEdge(root, a, dec("3"), 100, 1, 30)

	edges, err := store.ActiveTaxonomyEdges(ctx, root)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, b, edges[0].Child, "higher group_sequence wins at start_time 0")
	assert.Equal(t, int64(100), edges[1].StartTime)

	// Disabling the winning version makes the earlier one active again.
	store.DisableTaxonomyGroup(root, 0, 2, 40)
	edges, err = store.ActiveTaxonomyEdges(ctx, root)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, a, edges[0].Child)
	assert.True(t, edges[0].Weight.Equal(dec("1")))

	// TaxonomyEdges lists every remaining non-disabled version.
	all, err := store.TaxonomyEdges(ctx, root)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStoreMetadataInt(t *testing.T) {
	store := NewMemoryStore()
	ref := store.AddStream(testProvider, testStreamID, engine.KindPrimitive, 1)
	ctx := context.Background()

	_, ok, err := store.MetadataInt(ctx, ref, engine.MetadataDefaultBaseTime)
	require.NoError(t, err)
	assert.False(t, ok)

	store.SetMetadataInt(ref, engine.MetadataDefaultBaseTime, 500, 10)
	store.SetMetadataInt(ref, engine.MetadataDefaultBaseTime, 600, 20)

	v, ok, err := store.MetadataInt(ctx, ref, engine.MetadataDefaultBaseTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(600), v, "newest entry wins")
}
