package memory

import (
	"sync"
	"testing"
)

func TestTrackRelease(t *testing.T) {
	m := NewMeter(0)
	if m.Used() != 0 {
		t.Fatalf("fresh meter reports %d used", m.Used())
	}

	m.Track(100)
	m.Track(50)
	if m.Used() != 150 {
		t.Errorf("expected 150 used, got %d", m.Used())
	}

	m.Release(50)
	if m.Used() != 100 {
		t.Errorf("expected 100 used, got %d", m.Used())
	}

	// Over-release clamps at zero rather than going negative.
	m.Release(1000)
	if m.Used() != 0 {
		t.Errorf("expected 0 used after over-release, got %d", m.Used())
	}
}

func TestStateNoBudget(t *testing.T) {
	m := NewMeter(0)
	m.Track(1 << 30)

	st, ok := m.State()
	if !ok {
		t.Error("meter without a budget must always report within-budget")
	}
	if st.ToFree != 0 {
		t.Errorf("expected zero ToFree, got %d", st.ToFree)
	}
	if st.Level != 0 {
		t.Errorf("expected zero Level without a budget, got %f", st.Level)
	}
}

func TestStateBudget(t *testing.T) {
	tests := []struct {
		name     string
		max      uint64
		used     uint64
		wantOK   bool
		wantFree uint64
	}{
		{"under", 1000, 500, true, 0},
		{"exactly at", 1000, 1000, true, 0},
		{"over", 1000, 1300, false, 300},
		{"far over", 100, 1000, false, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMeter(tt.max)
			m.Track(tt.used)
			st, ok := m.State()
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if st.ToFree != tt.wantFree {
				t.Errorf("ToFree = %d, want %d", st.ToFree, tt.wantFree)
			}
		})
	}
}

func TestOverheadExcludedFromLogical(t *testing.T) {
	m := NewMeter(1000)
	m.Track(1500)

	// 600 of the usage belongs to buffers that drain on their own; the
	// logical figure is back under budget.
	m.RegisterOverhead("replica-buffers", func() uint64 { return 600 })

	st, ok := m.State()
	if !ok {
		t.Error("expected within-budget once overhead is excluded")
	}
	if st.Logical != 900 {
		t.Errorf("Logical = %d, want 900", st.Logical)
	}
	if st.Total != 1500 {
		t.Errorf("Total = %d, want 1500", st.Total)
	}
}

func TestOverheadReplaced(t *testing.T) {
	m := NewMeter(1000)
	m.Track(1500)
	m.RegisterOverhead("src", func() uint64 { return 0 })
	m.RegisterOverhead("src", func() uint64 { return 600 })

	if _, ok := m.State(); !ok {
		t.Error("re-registered overhead source not in effect")
	}
}

func TestSetMaxMemory(t *testing.T) {
	m := NewMeter(100)
	m.Track(500)
	if _, ok := m.State(); ok {
		t.Error("expected over-budget")
	}
	m.SetMaxMemory(1000)
	if _, ok := m.State(); !ok {
		t.Error("expected within-budget after raising the ceiling")
	}
	if m.MaxMemory() != 1000 {
		t.Errorf("MaxMemory = %d, want 1000", m.MaxMemory())
	}
}

func TestConcurrentTrackRelease(t *testing.T) {
	m := NewMeter(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Track(10)
				m.Release(10)
			}
		}()
	}
	wg.Wait()
	if m.Used() != 0 {
		t.Errorf("expected balanced meter, got %d used", m.Used())
	}
}

func TestGetStats(t *testing.T) {
	m := NewMeter(1000)
	m.Track(100)
	stats := m.GetStats()
	if stats["used"] != uint64(100) {
		t.Errorf("stats used = %v, want 100", stats["used"])
	}
	if stats["within_budget"] != true {
		t.Errorf("stats within_budget = %v, want true", stats["within_budget"])
	}
}
