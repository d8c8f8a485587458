package generation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/run"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(&Config{CandidatesPerEntity: 3, TextureBytes: 32}, logging.NewTestLogger().Logger)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add an Ore Block", "add_an_ore_block"},
		{"  deepslate!  ", "deepslate"},
		{"a--b__c", "a_b_c"},
		{"???", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), "Slug(%q)", tt.in)
	}
}

func TestAnalyze_EmptyPromptAsksForInput(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.RunStep(context.Background(), run.StepContext{Phase: run.PhaseAnalyze})
	require.NoError(t, err)
	assert.NotEmpty(t, res.NeedsInput)

	res, err = e.RunStep(context.Background(), run.StepContext{Phase: run.PhaseAnalyze, Input: "ore block"})
	require.NoError(t, err)
	assert.Empty(t, res.NeedsInput)
}

func TestGenerate_ProposesDeltaOnce(t *testing.T) {
	e := newTestEngine(t)
	sc := run.StepContext{
		Phase:  run.PhaseGenerate,
		Prompt: "ore block",
		Spec:   json.RawMessage(`{"items":[]}`),
	}

	res, err := e.RunStep(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, res.DeltaOps, 1)
	assert.Equal(t, v1.OpAppend, res.DeltaOps[0].Op)
	assert.Equal(t, "items", res.DeltaOps[0].Path)
	assert.Contains(t, string(res.DeltaOps[0].Value), "ore_block")

	// Already present: nothing to propose.
	sc.Spec = json.RawMessage(`{"items":[{"id":"ore_block"}]}`)
	res, err = e.RunStep(context.Background(), sc)
	require.NoError(t, err)
	assert.Empty(t, res.DeltaOps)

	// Re-entry after rejection continues without the change.
	sc.Spec = json.RawMessage(`{"items":[]}`)
	sc.RejectedReason = "too broad"
	res, err = e.RunStep(context.Background(), sc)
	require.NoError(t, err)
	assert.Empty(t, res.DeltaOps)
	assert.False(t, res.Abandon)
}

func TestImages_CandidatesOnlyForApprovedEntity(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.RunStep(context.Background(), run.StepContext{
		Phase:  run.PhaseImages,
		RunID:  "r1",
		Prompt: "ore block",
		Spec:   json.RawMessage(`{"items":[{"id":"ore_block"}]}`),
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "ore_block", res.Candidates[0].Entity)
	assert.Len(t, res.Candidates[0].Variants, 3)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "manifest.json", res.Artifacts[0].Name)

	// Rejected entity never made it into the spec: no candidates, but the
	// manifest is still produced.
	res, err = e.RunStep(context.Background(), run.StepContext{
		Phase:  run.PhaseImages,
		RunID:  "r1",
		Prompt: "ore block",
		Spec:   json.RawMessage(`{"items":[]}`),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Artifacts, 1)
}

// With an empty prompt the entity comes from the input gate's answer,
// which the run carries through every phase.
func TestImages_DerivesEntityFromInput(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.RunStep(context.Background(), run.StepContext{
		Phase: run.PhaseImages,
		RunID: "r1",
		Input: "deepslate",
		Spec:  json.RawMessage(`{"items":[{"id":"deepslate"}]}`),
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "deepslate", res.Candidates[0].Entity)
}

func TestRegenerate_YieldsFreshVariants(t *testing.T) {
	e := newTestEngine(t)

	first, err := e.Regenerate(context.Background(), "r1", "ore_block")
	require.NoError(t, err)
	second, err := e.Regenerate(context.Background(), "r1", "ore_block")
	require.NoError(t, err)

	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.NotEqual(t, first[0], second[0], "each regeneration is a new generation")
}
