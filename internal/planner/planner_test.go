package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/llm"
	"packsmith/internal/types"
)

type fakeGateway struct {
	response string
	err      error
	calls    int
}

func (f *fakeGateway) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{
		Raw:   json.RawMessage(f.response),
		Usage: types.TokenUsage{Input: 100, Output: 50},
	}, nil
}

func TestPlanParsesModelOutput(t *testing.T) {
	gw := &fakeGateway{response: `{
		"request_type": "themed_pack",
		"use_architecture_planner": true,
		"search_queries": [
			{"kind": "semantic", "text": "medieval fantasy castle mods", "weight": 2},
			{"kind": "keyword", "text": "medieval weapons armor", "weight": 1.5},
			{"kind": "semantic", "text": "magic spellcasting", "weight": 1}
		],
		"capabilities_focus": ["magic.spellcasting", "world.structures"]
	}`}
	p := New(gw)

	plan, err := p.Plan(context.Background(), Request{
		Prompt: "medieval fantasy with castles and magic", MCVersion: "1.20.1",
		ModLoader: "neoforge", MaxMods: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RequestThemedPack, plan.RequestType)
	assert.True(t, plan.UseArchitecturePlanner)
	assert.Len(t, plan.SearchQueries, 3)
	assert.Equal(t, []string{"magic.spellcasting", "world.structures"}, plan.CapabilitiesFocus)
}

func TestPlanForcesArchitectureFlagFromType(t *testing.T) {
	// The model contradicting itself does not matter; the flag follows the type.
	gw := &fakeGateway{response: `{
		"request_type": "simple_add",
		"use_architecture_planner": true,
		"search_queries": [
			{"kind": "keyword", "text": "sodium", "weight": 2},
			{"kind": "keyword", "text": "lithium", "weight": 2},
			{"kind": "semantic", "text": "performance mods", "weight": 1}
		]
	}`}
	p := New(gw)

	plan, err := p.Plan(context.Background(), Request{Prompt: "add sodium and lithium", MaxMods: 15})
	require.NoError(t, err)
	assert.Equal(t, types.RequestSimpleAdd, plan.RequestType)
	assert.False(t, plan.UseArchitecturePlanner)
}

func TestPlanPadsTooFewQueries(t *testing.T) {
	gw := &fakeGateway{response: `{
		"request_type": "performance",
		"search_queries": [{"kind": "keyword", "text": "sodium", "weight": 1}]
	}`}
	p := New(gw)

	plan, err := p.Plan(context.Background(), Request{Prompt: "make my game faster", MaxMods: 10})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(plan.SearchQueries), 3)
	assert.LessOrEqual(t, len(plan.SearchQueries), 6)
}

func TestPlanDropsInvalidCapabilities(t *testing.T) {
	gw := &fakeGateway{response: `{
		"request_type": "themed_pack",
		"search_queries": [
			{"kind": "keyword", "text": "a", "weight": 1},
			{"kind": "keyword", "text": "b", "weight": 1},
			{"kind": "semantic", "text": "c", "weight": 1}
		],
		"capabilities_focus": ["magic.spellcasting", "Not A Capability!", "tech"]
	}`}
	p := New(gw)

	plan, err := p.Plan(context.Background(), Request{Prompt: "magic and tech", MaxMods: 40})
	require.NoError(t, err)
	assert.Equal(t, []string{"magic.spellcasting", "tech"}, plan.CapabilitiesFocus)
}

func TestPlanFallsBackOnGatewayError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	p := New(gw)

	plan, err := p.Plan(context.Background(), Request{
		Prompt: "add sodium and lithium", MaxMods: 15, ModLoader: "fabric",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RequestSimpleAdd, plan.RequestType)
	assert.GreaterOrEqual(t, len(plan.SearchQueries), 3)
}

func TestPlanPropagatesCancellation(t *testing.T) {
	gw := &fakeGateway{err: types.WrapError(types.CodeCancelled, types.ErrCancelled, "cancelled")}
	p := New(gw)

	_, err := p.Plan(context.Background(), Request{Prompt: "anything", MaxMods: 20})
	require.Error(t, err)
	assert.Equal(t, types.CodeCancelled, types.CodeOf(err))
}

func TestClassifyHeuristics(t *testing.T) {
	cases := []struct {
		prompt  string
		maxMods int
		want    types.RequestType
	}{
		{"add sodium and lithium", 15, types.RequestSimpleAdd},
		{"better fps please", 10, types.RequestPerformance},
		{"medieval fantasy with castles and magic", 100, types.RequestThemedPack},
		{"a sprawling technology pack with factories automation and logistics everywhere", 60, types.RequestThemedPack},
	}
	for _, tc := range cases {
		got := classify(Request{Prompt: tc.prompt, MaxMods: tc.maxMods})
		assert.Equal(t, tc.want, got, "prompt %q", tc.prompt)
	}
}
