package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memkeys/internal/evict"
	"memkeys/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Node: config.NodeConfig{ID: "test-node"},
		Memory: config.MemoryConfig{
			MaxMemory:      "0",
			EvictionPolicy: "lru-any",
			SampleSize:     5,
			LFULogFactor:   10,
			Databases:      2,
		},
		Dict:   config.DictConfig{MinTableSize: 4},
		Server: config.ServerConfig{Hz: 10, LazyFreeQueueSize: 64, RehashBudgetMicro: 1000},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.LazyFree().Stop)
	return srv
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.EvictionPolicy = "bogus"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Memory.MaxMemory = "lots"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestBeforeWriteUnderBudget(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Keyspace().DB(0).SetKey([]byte("k"), []byte("v"))
	assert.NoError(t, srv.BeforeWrite())
}

func TestBeforeWriteRejectsWhenPolicyForbids(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Memory.EvictionPolicy = "no-eviction"
	})
	db := srv.Keyspace().DB(0)
	for i := 0; i < 10; i++ {
		db.SetKey([]byte(fmt.Sprintf("key-%d", i)), make([]byte, 100))
	}
	srv.Meter().SetMaxMemory(srv.Meter().Used() / 2)

	assert.ErrorIs(t, srv.BeforeWrite(), evict.ErrPolicyForbids)
	assert.Equal(t, uint64(10), srv.Keyspace().TotalKeys())
}

func TestBeforeWriteEvictsToBudget(t *testing.T) {
	srv := newTestServer(t, nil)
	db := srv.Keyspace().DB(0)
	for i := 0; i < 100; i++ {
		db.SetKey([]byte(fmt.Sprintf("key-%d", i)), make([]byte, 100))
	}
	srv.Meter().SetMaxMemory(srv.Meter().Used() / 2)

	require.NoError(t, srv.BeforeWrite())
	assert.LessOrEqual(t, srv.Meter().Used(), srv.Meter().MaxMemory())
	assert.Less(t, srv.Keyspace().TotalKeys(), uint64(100))
}

func TestBeforeWriteSkippedWhileLoading(t *testing.T) {
	srv := newTestServer(t, nil)
	db := srv.Keyspace().DB(0)
	for i := 0; i < 10; i++ {
		db.SetKey([]byte(fmt.Sprintf("key-%d", i)), make([]byte, 100))
	}
	srv.Meter().SetMaxMemory(srv.Meter().Used() / 2)

	srv.SetLoading(true)
	assert.NoError(t, srv.BeforeWrite())
	assert.Equal(t, uint64(10), srv.Keyspace().TotalKeys())
}

func TestCronAdvancesRehash(t *testing.T) {
	srv := newTestServer(t, nil)
	db := srv.Keyspace().DB(0)
	for i := 0; i < 5000; i++ {
		db.SetKey([]byte(fmt.Sprintf("key-%d", i)), []byte("v"))
	}

	ctx := context.Background()
	deadline := time.Now().Add(time.Second)
	for db.Data().IsRehashing() && time.Now().Before(deadline) {
		srv.Cron(ctx)
	}
	assert.False(t, db.Data().IsRehashing())
}

func TestSnapshotPausesResize(t *testing.T) {
	srv := newTestServer(t, nil)
	db := srv.Keyspace().DB(0)

	srv.SetSnapshotInProgress(true)
	assert.False(t, db.Data().ResizeEnabled())

	srv.SetSnapshotInProgress(false)
	assert.True(t, db.Data().ResizeEnabled())
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Keyspace().DB(0).SetKey([]byte("k"), []byte("v"))
	srv.Cron(context.Background())

	stats := srv.GetStats()
	assert.Contains(t, stats, "keyspace")
	assert.Contains(t, stats, "memory")
	assert.Contains(t, stats, "evicted_keys")
	assert.Equal(t, uint64(1), stats["cron_runs"])
}
