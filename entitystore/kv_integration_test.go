//go:build integration

package entitystore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/natsclient"
	"github.com/personium/personium-core-sub028/tenant"
)

func TestKV_Integration(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewKV(ctx, tc.Client, DefaultBuckets())
	require.NoError(t, err)

	require.NoError(t, store.PutCell(ctx, tenant.Cell{ID: "c1", Name: "cell1", URL: "https://unit/cell1/"}))
	require.NoError(t, store.PutBox(ctx, "c1", Box{ID: "b1", Name: "box1", Schema: "https://app/"}))
	for i := 0; i < 7; i++ {
		require.NoError(t, store.PutRule(ctx, "c1", Rule{Name: fmt.Sprintf("r%d", i), Action: "log"}))
	}
	require.NoError(t, store.PutRule(ctx, "c1", Rule{Name: "boxed", BoxName: "box1", Action: "exec"}))

	cells, err := AllCells(ctx, store, 10)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, "cell1", cells[0].Name)

	rules, err := AllRules(ctx, store, "c1", 3)
	require.NoError(t, err)
	assert.Len(t, rules, 8)

	r, err := store.GetRule(ctx, "c1", "box1", "boxed")
	require.NoError(t, err)
	assert.Equal(t, "exec", r.Action)

	b, err := store.GetBoxByName(ctx, "c1", "box1")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)

	require.NoError(t, store.DeleteRule(ctx, "c1", "box1", "boxed"))
	_, err = store.GetRule(ctx, "c1", "box1", "boxed")
	assert.True(t, errors.IsNotFound(err))

	_, err = store.GetCell(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
}
