package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListsFor(t *testing.T) {
	cases := []struct {
		rows  int64
		lists int
	}{
		{0, 50},
		{999, 50},
		{1_000, 100},
		{9_999, 100},
		{10_000, 200},
		{99_999, 200},
		{100_000, 1000},
		{999_999, 1000},
		{1_000_000, 2000},
		{50_000_000, 2000},
	}
	for _, c := range cases {
		assert.Equal(t, c.lists, ListsFor(c.rows), "rows=%d", c.rows)
	}
}

func TestProbesFor(t *testing.T) {
	cases := []struct {
		lists  int
		probes int
	}{
		{50, 5},
		{100, 10},
		{200, 20},
		{1000, 50},
		{2000, 100},
	}
	for _, c := range cases {
		assert.Equal(t, c.probes, ProbesFor(c.lists), "lists=%d", c.lists)
	}
	// Monotone staircase.
	prev := 0
	for lists := 1; lists <= 4000; lists++ {
		p := ProbesFor(lists)
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
}

type fakeIndexStore struct {
	rows    map[string]int64
	lists   map[string]int
	creates []string
}

func (f *fakeIndexStore) EmbeddingRowCount(_ context.Context, table string) (int64, error) {
	return f.rows[table], nil
}

func (f *fakeIndexStore) IndexLists(_ context.Context, _, index string) (int, bool, error) {
	l, ok := f.lists[index]
	return l, ok, nil
}

func (f *fakeIndexStore) CreateIvfflatIndex(_ context.Context, _, index string, lists int) error {
	if f.lists == nil {
		f.lists = map[string]int{}
	}
	f.lists[index] = lists
	f.creates = append(f.creates, index)
	return nil
}

func TestTunerCreatesMissingIndex(t *testing.T) {
	store := &fakeIndexStore{rows: map[string]int64{paperEmbeddingsTable: 5_000}}
	tuner := NewTuner(store, nil)

	tun, err := tuner.Papers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Tuning{Lists: 100, Probes: 10}, tun)
	assert.Equal(t, []string{paperIndexName}, store.creates)
}

func TestTunerKeepsIndexWithinRatio(t *testing.T) {
	store := &fakeIndexStore{
		rows:  map[string]int64{paperEmbeddingsTable: 5_000},
		lists: map[string]int{paperIndexName: 130}, // target 100, within 1.5x
	}
	tuner := NewTuner(store, nil)

	tun, err := tuner.Papers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.creates)
	assert.Equal(t, Tuning{Lists: 130, Probes: 20}, tun)
}

func TestTunerRebuildsDriftedIndex(t *testing.T) {
	store := &fakeIndexStore{
		rows:  map[string]int64{conceptEmbeddingsTable: 500_000},
		lists: map[string]int{conceptIndexName: 100}, // target 1000: far off
	}
	tuner := NewTuner(store, nil)

	tun, err := tuner.Concepts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{conceptIndexName}, store.creates)
	assert.Equal(t, Tuning{Lists: 1000, Probes: 50}, tun)
}

func TestTunerRunsOncePerIndex(t *testing.T) {
	store := &fakeIndexStore{rows: map[string]int64{paperEmbeddingsTable: 10}}
	tuner := NewTuner(store, nil)

	first, err := tuner.Papers(context.Background())
	require.NoError(t, err)

	// Row count changes afterwards; the cached tuning still wins.
	store.rows[paperEmbeddingsTable] = 5_000_000
	second, err := tuner.Papers(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.creates, 1)
}
