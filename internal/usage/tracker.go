// Package usage keeps service-wide LLM consumption aggregates: calls, tokens,
// and cost per operation. Aggregates persist to a JSON file on a debounce so
// a busy service does not write on every call.
package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// defaultFlushInterval is how often dirty aggregates hit disk.
const defaultFlushInterval = 30 * time.Second

// OperationStats aggregates one operation's consumption.
type OperationStats struct {
	Calls     int     `json:"calls"`
	Errors    int     `json:"errors"`
	InTokens  int     `json:"input_tokens"`
	OutTokens int     `json:"output_tokens"`
	CostUSD   float64 `json:"cost_usd"`
}

// Snapshot is the persisted document.
type Snapshot struct {
	Since      time.Time                  `json:"since"`
	UpdatedAt  time.Time                  `json:"updated_at"`
	Operations map[string]*OperationStats `json:"operations"`
	TotalCost  float64                    `json:"total_cost_usd"`
}

// Tracker implements llm.Observer and persists aggregates.
type Tracker struct {
	mu    sync.Mutex
	path  string
	snap  Snapshot
	dirty bool

	stop chan struct{}
	done chan struct{}
	log  *zap.Logger
}

// NewTracker loads any existing snapshot at path and starts the flush loop.
// An empty path disables persistence; aggregates stay in memory.
func NewTracker(path string, flushInterval time.Duration) *Tracker {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	t := &Tracker{
		path: path,
		snap: Snapshot{Since: time.Now().UTC(), Operations: map[string]*OperationStats{}},
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  logging.For(logging.ComponentUsage),
	}
	t.load()
	go t.flushLoop(flushInterval)
	return t
}

// ObserveLLMCall implements llm.Observer.
func (t *Tracker) ObserveLLMCall(operation string, usage types.TokenUsage, costUSD float64, elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.snap.Operations[operation]
	if stats == nil {
		stats = &OperationStats{}
		t.snap.Operations[operation] = stats
	}
	stats.Calls++
	if err != nil {
		stats.Errors++
	}
	stats.InTokens += usage.Input
	stats.OutTokens += usage.Output
	stats.CostUSD += costUSD
	t.snap.TotalCost += costUSD
	t.dirty = true
}

// Snapshot returns a copy of the current aggregates.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.snap
	out.UpdatedAt = time.Now().UTC()
	out.Operations = make(map[string]*OperationStats, len(t.snap.Operations))
	for op, s := range t.snap.Operations {
		cp := *s
		out.Operations[op] = &cp
	}
	return out
}

// Close flushes pending aggregates and stops the loop.
func (t *Tracker) Close() {
	close(t.stop)
	<-t.done
	t.flush()
}

func (t *Tracker) flushLoop(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *Tracker) flush() {
	if t.path == "" {
		return
	}
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	snap := t.snap
	snap.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(snap, "", "  ")
	t.dirty = false
	t.mu.Unlock()

	if err != nil {
		t.log.Error("usage snapshot marshal failed", zap.Error(err))
		return
	}
	// Write-then-rename keeps the snapshot readable through a crash.
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		t.log.Error("usage snapshot write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.log.Error("usage snapshot rename failed", zap.Error(err))
	}
}

func (t *Tracker) load() {
	if t.path == "" {
		return
	}
	raw, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn("usage snapshot unreadable, starting fresh", zap.Error(err))
		}
		if dir := filepath.Dir(t.path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.log.Warn("usage snapshot corrupt, starting fresh", zap.Error(err))
		return
	}
	if snap.Operations == nil {
		snap.Operations = map[string]*OperationStats{}
	}
	t.snap = snap
}
