package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/model"
)

func TestBacklogApply(t *testing.T) {
	b := NewBacklog()
	require.NoError(t, b.Apply(map[string]any{"id": "r2", "building_id": "b1", "category": "maintenance"}))
	require.NoError(t, b.Apply(map[string]any{"id": "r1", "building_id": "b2", "category": "cleaning"}))
	assert.Equal(t, 2, b.Len())

	require.NoError(t, b.Apply(map[string]any{"id": "r2", "building_id": "b1", "status": "Completed"}))
	require.NoError(t, b.Apply(map[string]any{"id": "r9", "building_id": "b1", "deleted": true}))
	routines, err := b.Routines(context.Background())
	require.NoError(t, err)
	require.Len(t, routines, 1)
	assert.Equal(t, "r1", routines[0].ID)

	assert.Error(t, b.Apply(map[string]any{"building_id": "b1"}))
}

func TestBacklogReplaceAndOrder(t *testing.T) {
	b := NewBacklog()
	b.Upsert(model.Routine{ID: "old", BuildingID: "b1"})
	b.Replace([]model.Routine{{ID: "z", BuildingID: "b1"}, {ID: "a", BuildingID: "b2"}, {BuildingID: "b3"}})
	routines, err := b.Routines(context.Background())
	require.NoError(t, err)
	require.Len(t, routines, 2)
	assert.Equal(t, "a", routines[0].ID)
	assert.Equal(t, "z", routines[1].ID)
	assert.False(t, b.Remove("old"))
	assert.True(t, b.Remove("z"))
}
