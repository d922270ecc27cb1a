package usage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"packsmith/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAggregation(t *testing.T) {
	tr := NewTracker("", time.Hour)
	defer tr.Close()

	tr.ObserveLLMCall("query_plan", types.TokenUsage{Input: 100, Output: 40}, 0.001, time.Second, nil)
	tr.ObserveLLMCall("query_plan", types.TokenUsage{Input: 120, Output: 60}, 0.002, time.Second, nil)
	tr.ObserveLLMCall("crash_analysis", types.TokenUsage{}, 0, time.Second, errors.New("timeout"))

	snap := tr.Snapshot()
	require.Contains(t, snap.Operations, "query_plan")
	qp := snap.Operations["query_plan"]
	assert.Equal(t, 2, qp.Calls)
	assert.Equal(t, 220, qp.InTokens)
	assert.Equal(t, 100, qp.OutTokens)
	assert.InDelta(t, 0.003, qp.CostUSD, 1e-9)
	assert.Equal(t, 1, snap.Operations["crash_analysis"].Errors)
	assert.InDelta(t, 0.003, snap.TotalCost, 1e-9)
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")

	tr := NewTracker(path, time.Hour)
	tr.ObserveLLMCall("final_selection", types.TokenUsage{Input: 500, Output: 200}, 0.01, time.Second, nil)
	tr.Close() // flushes

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, 1, snap.Operations["final_selection"].Calls)

	// A fresh tracker continues from the persisted aggregates.
	tr2 := NewTracker(path, time.Hour)
	defer tr2.Close()
	tr2.ObserveLLMCall("final_selection", types.TokenUsage{Input: 1, Output: 1}, 0.001, time.Second, nil)
	snap2 := tr2.Snapshot()
	assert.Equal(t, 2, snap2.Operations["final_selection"].Calls)
	assert.Equal(t, 501, snap2.Operations["final_selection"].InTokens)
}

func TestCorruptSnapshotStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	tr := NewTracker(path, time.Hour)
	defer tr.Close()
	assert.Empty(t, tr.Snapshot().Operations)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker("", time.Hour)
	defer tr.Close()

	tr.ObserveLLMCall("op", types.TokenUsage{Input: 10}, 0, time.Second, nil)
	snap := tr.Snapshot()
	snap.Operations["op"].Calls = 999

	assert.Equal(t, 1, tr.Snapshot().Operations["op"].Calls)
}
