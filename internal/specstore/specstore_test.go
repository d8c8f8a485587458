package specstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	s := New(nil)
	ver, err := s.Create(context.Background(), "ws-1", json.RawMessage(`{"items":[]}`), "initial")
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)
	return s, "ws-1"
}

func intPtr(v int64) *int64 { return &v }

func TestCreate_Duplicate(t *testing.T) {
	s, ws := newTestStore(t)
	_, err := s.Create(context.Background(), ws, nil, "")
	var verr *v1.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGet_UnknownWorkspace(t *testing.T) {
	s := New(nil)
	_, _, err := s.Get(context.Background(), "missing")
	var nf *v1.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "workspace", nf.Kind)
}

// Scenario A: patch add at expectedVersion=1 moves the store to version 2
// with the item present and two history entries.
func TestPatch_AddItem(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	ops := []v1.PatchOp{{
		Op:    v1.OpAppend,
		Path:  "items",
		Value: json.RawMessage(`{"id":"copper_ingot"}`),
	}}
	ver, err := s.Patch(ctx, ws, ops, intPtr(1), "add copper ingot")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)

	doc, cur, err := s.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
	assert.JSONEq(t, `{"items":[{"id":"copper_ingot"}]}`, string(doc))

	history, err := s.History(ctx, ws)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Version)
	assert.Equal(t, int64(2), history[1].Version)
}

// Scenario B: of two writers that both read version N, the second write
// still carrying expectedVersion=N fails with a ConflictError and changes
// nothing.
func TestPatch_StaleVersionConflict(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	op := []v1.PatchOp{{Op: v1.OpAdd, Path: "blocks", Value: json.RawMessage(`{}`)}}
	ver, err := s.Patch(ctx, ws, op, intPtr(1), "first writer")
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)

	_, err = s.Patch(ctx, ws, []v1.PatchOp{{Op: v1.OpAdd, Path: "tools", Value: json.RawMessage(`{}`)}}, intPtr(1), "second writer")
	var conflict *v1.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	doc, cur, err := s.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
	assert.JSONEq(t, `{"items":[],"blocks":{}}`, string(doc))
}

func TestPatch_VersionArithmetic(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		expected := int64(1 + i)
		ver, err := s.Patch(ctx, ws, []v1.PatchOp{{
			Op:    v1.OpAppend,
			Path:  "items",
			Value: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}}, intPtr(expected), "")
		require.NoError(t, err)
		assert.Equal(t, expected+1, ver)
	}

	history, err := s.History(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestPatch_AtomicOnFailure(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	// Second op fails: replace on a missing path. The first op must not
	// have been applied.
	ops := []v1.PatchOp{
		{Op: v1.OpAdd, Path: "blocks", Value: json.RawMessage(`{"ore":{}}`)},
		{Op: v1.OpReplace, Path: "missing.path", Value: json.RawMessage(`1`)},
	}
	_, err := s.Patch(ctx, ws, ops, intPtr(1), "")
	var verr *v1.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "replace", verr.Op)
	assert.Equal(t, "missing.path", verr.Path)

	doc, ver, err := s.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
	assert.JSONEq(t, `{"items":[]}`, string(doc))
}

func TestPatch_EmptyOps(t *testing.T) {
	s, ws := newTestStore(t)
	_, err := s.Patch(context.Background(), ws, nil, nil, "")
	var verr *v1.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPatch_WithoutExpectedVersion(t *testing.T) {
	s, ws := newTestStore(t)
	ver, err := s.Patch(context.Background(), ws, []v1.PatchOp{{
		Op: v1.OpAdd, Path: "blocks", Value: json.RawMessage(`{}`),
	}}, nil, "unchecked write")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}

func TestReplace(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	ver, err := s.Replace(ctx, ws, json.RawMessage(`{"items":[1,2]}`), intPtr(1), "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)

	_, err = s.Replace(ctx, ws, json.RawMessage(`{}`), intPtr(1), "")
	var conflict *v1.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = s.Replace(ctx, ws, json.RawMessage(`{not json`), nil, "")
	var verr *v1.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRollback(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	_, err := s.Replace(ctx, ws, json.RawMessage(`{"items":["a"]}`), intPtr(1), "v2")
	require.NoError(t, err)
	_, err = s.Replace(ctx, ws, json.RawMessage(`{"items":["a","b"]}`), intPtr(2), "v3")
	require.NoError(t, err)

	ver, err := s.Rollback(ctx, ws, 1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), ver)

	doc, _, err := s.Get(ctx, ws)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(doc))

	// History is append-only: the rollback added an entry, nothing was
	// rewritten.
	history, err := s.History(ctx, ws)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.JSONEq(t, `{"items":["a","b"]}`, string(history[2].Snapshot))
}

func TestRollback_UnknownVersion(t *testing.T) {
	s, ws := newTestStore(t)
	_, err := s.Rollback(context.Background(), ws, 99, "")
	var nf *v1.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "spec version", nf.Kind)
}

func TestPreview_DoesNotCommit(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	preview, err := s.Preview(ctx, ws, []v1.PatchOp{{
		Op: v1.OpAppend, Path: "items", Value: json.RawMessage(`"torch"`),
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["torch"]}`, string(preview))

	doc, ver, err := s.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
	assert.JSONEq(t, `{"items":[]}`, string(doc))
}
