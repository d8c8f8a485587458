package specstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

func TestApplyOp(t *testing.T) {
	base := json.RawMessage(`{"blocks":{"ore":{"hardness":3}},"items":["stick"]}`)

	tests := []struct {
		name    string
		op      v1.PatchOp
		want    string
		wantErr string
	}{
		{
			name: "add new path",
			op:   v1.PatchOp{Op: v1.OpAdd, Path: "tools", Value: json.RawMessage(`{"pickaxe":{}}`)},
			want: `{"blocks":{"ore":{"hardness":3}},"items":["stick"],"tools":{"pickaxe":{}}}`,
		},
		{
			name:    "add existing path",
			op:      v1.PatchOp{Op: v1.OpAdd, Path: "blocks.ore", Value: json.RawMessage(`{}`)},
			wantErr: "already exists",
		},
		{
			name: "replace existing",
			op:   v1.PatchOp{Op: v1.OpReplace, Path: "blocks.ore.hardness", Value: json.RawMessage(`5`)},
			want: `{"blocks":{"ore":{"hardness":5}},"items":["stick"]}`,
		},
		{
			name:    "replace missing",
			op:      v1.PatchOp{Op: v1.OpReplace, Path: "blocks.gem", Value: json.RawMessage(`{}`)},
			wantErr: "does not exist",
		},
		{
			name: "remove existing",
			op:   v1.PatchOp{Op: v1.OpRemove, Path: "blocks.ore.hardness"},
			want: `{"blocks":{"ore":{}},"items":["stick"]}`,
		},
		{
			name:    "remove missing",
			op:      v1.PatchOp{Op: v1.OpRemove, Path: "nope"},
			wantErr: "does not exist",
		},
		{
			name: "append to array",
			op:   v1.PatchOp{Op: v1.OpAppend, Path: "items", Value: json.RawMessage(`"torch"`)},
			want: `{"blocks":{"ore":{"hardness":3}},"items":["stick","torch"]}`,
		},
		{
			name:    "append to non-array",
			op:      v1.PatchOp{Op: v1.OpAppend, Path: "blocks", Value: json.RawMessage(`1`)},
			wantErr: "not an array",
		},
		{
			name:    "missing value",
			op:      v1.PatchOp{Op: v1.OpAdd, Path: "x"},
			wantErr: "value is required",
		},
		{
			name:    "invalid value",
			op:      v1.PatchOp{Op: v1.OpAdd, Path: "x", Value: json.RawMessage(`{oops`)},
			wantErr: "not valid JSON",
		},
		{
			name:    "empty path",
			op:      v1.PatchOp{Op: v1.OpAdd, Value: json.RawMessage(`1`)},
			wantErr: "path is required",
		},
		{
			name:    "unknown op",
			op:      v1.PatchOp{Op: "merge", Path: "blocks", Value: json.RawMessage(`{}`)},
			wantErr: "unknown op",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyOp(base, tt.op)
			if tt.wantErr != "" {
				var verr *v1.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Contains(t, verr.Reason, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestApplyOp_AppendCreatesArray(t *testing.T) {
	got, err := applyOp(json.RawMessage(`{}`), v1.PatchOp{
		Op: v1.OpAppend, Path: "items", Value: json.RawMessage(`"first"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["first"]}`, string(got))
}
