package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilterDropsNonMatching(t *testing.T) {
	records := []int{1, 2, 3, 4, 5}
	out := Filter(records, func(n int) bool { return n%2 == 0 })
	require.Equal(t, []int{2, 4}, out)
}

func TestBatchUpCutsAndFlushesRemainder(t *testing.T) {
	records := []int{1, 2, 3, 4, 5}
	batches := BatchUp(records, 2)
	require.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, batches)
}

func TestDebounceKeepsLatestPerKey(t *testing.T) {
	type upd struct {
		key string
		val int
	}
	records := []upd{{"a", 1}, {"b", 1}, {"a", 2}}
	out := Debounce(records, func(u upd) string { return u.key })
	require.Len(t, out, 2)
	require.Equal(t, 2, out[0].val)
	require.Equal(t, 1, out[1].val)
}

func TestCompileJSONPathPredicateMatchesField(t *testing.T) {
	pred, err := CompileJSONPathPredicate("$.priority", "value == '1'")
	require.NoError(t, err)
	require.True(t, pred(map[string]interface{}{"priority": "1"}))
	require.False(t, pred(map[string]interface{}{"priority": "2"}))
}

func TestProcessorProcessesSubmittedBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MetricsInterval = time.Hour

	processed := make(chan []int, 1)
	p := New(cfg, func(ctx context.Context, batch []int) ([]int, error) {
		processed <- batch
		return batch, nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	require.NoError(t, p.Submit(context.Background(), 1))
	require.NoError(t, p.Submit(context.Background(), 2))

	select {
	case batch := <-processed:
		require.Equal(t, []int{1, 2}, batch)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch to process")
	}
}

func TestProcessorDeadLettersAfterRetryBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.RetryMax = 0
	cfg.MetricsInterval = time.Hour

	p := New(cfg, func(ctx context.Context, batch []int) ([]int, error) {
		return nil, errors.New("boom")
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	require.NoError(t, p.Submit(context.Background(), 42))

	select {
	case entry := <-p.DeadLetters():
		require.Equal(t, 42, entry.Record)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead-letter entry")
	}
}
