package workspace

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forged/internal/specstore"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

func TestCreate_InitializesSpec(t *testing.T) {
	specs := specstore.New(nil)
	r := NewRegistry(specs)
	ctx := context.Background()

	ws, err := r.Create(ctx, "my mod", json.RawMessage(`{"blocks":{}}`))
	require.NoError(t, err)
	require.NotEmpty(t, ws.ID)

	doc, ver, err := specs.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
	assert.JSONEq(t, `{"blocks":{}}`, string(doc))

	got, err := r.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "my mod", got.Name)
}

func TestCreate_RequiresName(t *testing.T) {
	r := NewRegistry(specstore.New(nil))
	_, err := r.Create(context.Background(), "", nil)
	var verr *v1.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGet_Unknown(t *testing.T) {
	r := NewRegistry(specstore.New(nil))
	_, err := r.Get(context.Background(), "missing")
	var nf *v1.NotFoundError
	require.ErrorAs(t, err, &nf)
}
