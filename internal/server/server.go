// Package server assembles the keyspace, memory meter, eviction engine and
// background deletion worker into one runnable unit, and drives the periodic
// cron that keeps the clock, rehashing and table sizing current.
package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"memkeys/internal/evict"
	"memkeys/internal/keyspace"
	"memkeys/internal/lazyfree"
	"memkeys/internal/logging"
	"memkeys/internal/memory"
	"memkeys/pkg/config"
)

// Server owns the shared state of the process: the keyspace and everything
// that manages its memory. Command execution is single-threaded; the cron
// goroutine only touches state designed for it (the cached clock, incremental
// rehash budgets).
type Server struct {
	cfg     *config.Config
	clock   *keyspace.Clock
	meter   *memory.Meter
	lazy    *lazyfree.Worker
	ks      *keyspace.Keyspace
	evictor *evict.Evictor

	snapshotting atomic.Bool
	cronRuns     uint64
}

// New builds a server from the parsed configuration.
func New(cfg *config.Config) (*Server, error) {
	maxMemory, err := config.ParseBytes(cfg.Memory.MaxMemory)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	policy, err := evict.ParsePolicy(cfg.Memory.EvictionPolicy)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	clock := keyspace.NewClock(cfg.Server.Hz)
	meter := memory.NewMeter(maxMemory)
	lazy := lazyfree.NewWorker(cfg.Server.LazyFreeQueueSize)

	mode := keyspace.ScoreLRU
	if policy == evict.LFUAny || policy == evict.LFUVolatile {
		mode = keyspace.ScoreLFU
	}
	ks, err := keyspace.New(keyspace.Config{
		Databases:       cfg.Memory.Databases,
		Mode:            mode,
		LFULogFactor:    cfg.Memory.LFULogFactor,
		LFUDecayMinutes: cfg.Memory.LFUDecayMinutes,
		MinTableSize:    cfg.Dict.MinTableSize,
		AsyncExpire:     cfg.Memory.LazyEviction,
	}, clock, meter, lazy)
	if err != nil {
		lazy.Stop()
		return nil, err
	}

	evictor := evict.New(evict.Config{
		Policy:          policy,
		SampleSize:      cfg.Memory.SampleSize,
		LFULogFactor:    cfg.Memory.LFULogFactor,
		LFUDecayMinutes: cfg.Memory.LFUDecayMinutes,
		AsyncDelete:     cfg.Memory.LazyEviction,
	}, ks, clock, meter, lazy)

	return &Server{
		cfg:     cfg,
		clock:   clock,
		meter:   meter,
		lazy:    lazy,
		ks:      ks,
		evictor: evictor,
	}, nil
}

// Keyspace returns the server's keyspace.
func (s *Server) Keyspace() *keyspace.Keyspace { return s.ks }

// Meter returns the memory meter.
func (s *Server) Meter() *memory.Meter { return s.meter }

// Evictor returns the eviction engine.
func (s *Server) Evictor() *evict.Evictor { return s.evictor }

// LazyFree returns the background deletion worker.
func (s *Server) LazyFree() *lazyfree.Worker { return s.lazy }

// BeforeWrite runs before any command that grows memory. It brings usage
// back under budget if needed; a non-nil error means the write must be
// rejected.
func (s *Server) BeforeWrite() error {
	return s.evictor.PerformEvictionIfSafe()
}

// SetSnapshotInProgress flags that a child process shares our memory pages.
// Rehashing and resizing are suspended so table churn does not force
// copy-on-write duplication.
func (s *Server) SetSnapshotInProgress(v bool) {
	s.snapshotting.Store(v)
	s.ks.SetResizeEnabled(!v)
}

// SetLoading marks a bulk data load in progress; eviction is suspended.
func (s *Server) SetLoading(v bool) { s.evictor.SetLoading(v) }

// SetScriptTimeout marks a script past its time limit; eviction is suspended
// until it finishes or is killed.
func (s *Server) SetScriptTimeout(v bool) { s.evictor.SetScriptTimeout(v) }

// Cron is one periodic maintenance tick: refresh the cached clock, advance
// incremental rehashes within a fixed time budget, and let sparse tables
// shrink. Skipped almost entirely while a snapshot child is alive.
func (s *Server) Cron(ctx context.Context) {
	s.cronRuns++
	s.clock.Update()

	if s.snapshotting.Load() {
		return
	}

	budget := time.Duration(s.cfg.Server.RehashBudgetMicro) * time.Microsecond
	if visited := s.ks.RehashFor(budget); visited > 0 {
		logging.Debug(ctx, logging.ComponentServer, "cron_rehash",
			"advanced incremental rehash", map[string]interface{}{
				"buckets_visited": visited,
			})
	}
	s.ks.ShrinkIfNeeded()
}

// Run drives the cron at the configured frequency until ctx is canceled,
// then stops the background worker.
func (s *Server) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.Server.Hz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info(ctx, logging.ComponentServer, "start", "server started", map[string]interface{}{
		"hz":         s.cfg.Server.Hz,
		"max_memory": s.meter.MaxMemory(),
		"policy":     s.cfg.Memory.EvictionPolicy,
		"databases":  s.cfg.Memory.Databases,
	})

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, logging.ComponentServer, "stop", "server stopping", nil)
			s.lazy.Stop()
			return ctx.Err()
		case <-ticker.C:
			s.Cron(ctx)
		}
	}
}

// GetStats returns diagnostic counters for every subsystem.
func (s *Server) GetStats() map[string]interface{} {
	pending := map[string]interface{}{
		"entries": s.lazy.PendingJobs(lazyfree.JobFreeEntry),
		"tables":  s.lazy.PendingJobs(lazyfree.JobFreeTables),
	}
	return map[string]interface{}{
		"cron_runs":        s.cronRuns,
		"keyspace":         s.ks.GetStats(),
		"memory":           s.meter.GetStats(),
		"lazyfree_pending": pending,
		"evicted_keys":     s.evictor.EvictedKeys(),
	}
}
