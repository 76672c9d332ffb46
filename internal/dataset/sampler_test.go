package dataset

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundRobinOrder(t *testing.T) {
	roots := map[string][]string{
		"/rootB": {"/rootB/shard-000001.tar"},
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/empty": nil,
	}
	order := buildRoundRobinOrder(roots)
	assert.Equal(t, []orderEntry{
		{root: "/rootA", path: "/rootA/shard-000000.tar"},
		{root: "/rootB", path: "/rootB/shard-000001.tar"},
		{root: "/rootA", path: "/rootA/shard-000002.tar"},
	}, order)
	assert.Equal(t, order, buildRoundRobinOrder(roots))
}

func sampleShards(t *testing.T) []orderEntry {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	writeShard(t, filepath.Join(rootA, ShardName(0)),
		tarEntry{"a0.hr.png", []byte("a0")}, tarEntry{"a0.lr.png", []byte("a0")},
		tarEntry{"a1.hr.png", []byte("a1")}, tarEntry{"a1.lr.png", []byte("a1")},
	)
	writeShard(t, filepath.Join(rootA, ShardName(2)),
		tarEntry{"a2.hr.png", []byte("a2")}, tarEntry{"a2.lr.png", []byte("a2")},
	)
	writeShard(t, filepath.Join(rootB, ShardName(1)),
		tarEntry{"b0.hr.png", []byte("b0")}, tarEntry{"b0.lr.png", []byte("b0")},
	)
	byRoot, err := DiscoverByRoot([]string{rootA, rootB})
	require.NoError(t, err)
	return buildRoundRobinOrder(byRoot)
}

func collectKeys(t *testing.T, order []orderEntry, workers int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, errs := streamOrdered(ctx, order, workers, 0)
	var keys []string
	for s := range samples {
		keys = append(keys, s.Key)
	}
	require.NoError(t, <-errs)
	return keys
}

func TestStreamOrderedSinglePass(t *testing.T) {
	order := sampleShards(t)
	want := []string{"a0", "a1", "b0", "a2"}
	for _, workers := range []int{1, 2, 4} {
		assert.Equal(t, want, collectKeys(t, order, workers), "workers=%d", workers)
	}
}

func TestStreamOrderedPropagatesShardError(t *testing.T) {
	order := sampleShards(t)
	order = append(order[:1], append([]orderEntry{{path: filepath.Join(t.TempDir(), "gone.tar")}}, order[1:]...)...)

	samples, errs := streamOrdered(context.Background(), order, 2, 0)
	var keys []string
	for s := range samples {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{"a0", "a1"}, keys)
	assert.Error(t, <-errs)
}

func TestStreamOrderedStopsOnCancel(t *testing.T) {
	order := sampleShards(t)
	ctx, cancel := context.WithCancel(context.Background())
	samples, errs := streamOrdered(ctx, order, 2, 0)
	<-samples
	cancel()
	for range samples {
	}
	for err := range errs {
		assert.NoError(t, err)
	}
}
