package selection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

func candidates(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i)}
	}
	return out
}

type fakeRegenerator struct {
	result [][]byte
	err    error
	calls  int
}

func (f *fakeRegenerator) Regenerate(ctx context.Context, runID, entity string) ([][]byte, error) {
	f.calls++
	return f.result, f.err
}

func TestRequest_Validation(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	var verr *v1.ValidationError
	require.ErrorAs(t, g.Request(ctx, "run-1", "", candidates(1)), &verr)
	require.ErrorAs(t, g.Request(ctx, "run-1", "ore_block", nil), &verr)
}

// Scenario D: selecting a valid index resolves exactly that entity and
// removes it from the pending set.
func TestSelect_ResolvesEntity(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	require.NoError(t, g.Request(ctx, "run-1", "ore_block", candidates(5)))
	require.NoError(t, g.Request(ctx, "run-1", "gem_item", candidates(3)))
	assert.Equal(t, 2, g.PendingCount("run-1"))

	chosen, remaining, err := g.Select(ctx, "run-1", "ore_block", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, chosen)
	assert.Equal(t, 1, remaining)

	pending := g.Pending("run-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "gem_item", pending[0].Entity)
}

func TestSelect_OutOfRange(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	require.NoError(t, g.Request(ctx, "run-1", "ore_block", candidates(5)))

	_, _, err := g.Select(ctx, "run-1", "ore_block", 5)
	var rerr *v1.RangeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 5, rerr.Index)
	assert.Equal(t, 5, rerr.Len)

	_, _, err = g.Select(ctx, "run-1", "ore_block", -1)
	require.ErrorAs(t, err, &rerr)

	// Entry untouched after failed selects.
	assert.Equal(t, 1, g.PendingCount("run-1"))
}

func TestSelect_UnknownEntity(t *testing.T) {
	g := NewGate()
	_, _, err := g.Select(context.Background(), "run-1", "nope", 0)
	var nf *v1.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestRegenerate_SwapsCandidatesInPlace(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	require.NoError(t, g.Request(ctx, "run-1", "ore_block", candidates(2)))

	regen := &fakeRegenerator{result: [][]byte{{9}, {8}, {7}}}
	got, err := g.Regenerate(ctx, "run-1", "ore_block", regen)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, regen.calls)

	// Still pending, with the new candidates; the old index 1 now maps
	// to a new blob.
	assert.Equal(t, 1, g.PendingCount("run-1"))
	chosen, _, err := g.Select(ctx, "run-1", "ore_block", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, chosen)
}

func TestRegenerate_CollaboratorFailure(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	require.NoError(t, g.Request(ctx, "run-1", "ore_block", candidates(2)))

	_, err := g.Regenerate(ctx, "run-1", "ore_block", &fakeRegenerator{err: errors.New("model offline")})
	var gerr *v1.GenerationError
	require.ErrorAs(t, err, &gerr)

	// Original candidates survive a failed regeneration.
	chosen, _, err := g.Select(ctx, "run-1", "ore_block", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, chosen)
}

func TestRegenerate_UnknownEntity(t *testing.T) {
	g := NewGate()
	_, err := g.Regenerate(context.Background(), "run-1", "nope", &fakeRegenerator{result: candidates(1)})
	var nf *v1.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDiscard(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	require.NoError(t, g.Request(ctx, "run-1", "ore_block", candidates(2)))
	require.NoError(t, g.Request(ctx, "run-1", "gem_item", candidates(2)))

	g.Discard("run-1")
	assert.Zero(t, g.PendingCount("run-1"))
}
