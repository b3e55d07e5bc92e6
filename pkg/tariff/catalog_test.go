package tariff

import (
	"context"
	"testing"

	"github.com/shiftwatt/shiftwatt/pkg/storage/storagemock"
	"github.com/shiftwatt/shiftwatt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogCaches(t *testing.T) {
	ctx := context.Background()
	db := new(storagemock.MockDatabase)
	c := NewCatalog(db)

	plan := types.TariffPlan{ID: "plan-1", Name: "Domestic TOU", Slots: touSlots}
	db.On("GetTariffPlan", ctx, "plan-1").Return(plan, nil).Once()

	got, err := c.Plan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "Domestic TOU", got.Name)

	// second read served from cache, no storage call
	got, err = c.Plan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.ID)
	db.AssertExpectations(t)
}

func TestCatalogInvalidate(t *testing.T) {
	ctx := context.Background()
	db := new(storagemock.MockDatabase)
	c := NewCatalog(db)

	plan := types.TariffPlan{ID: "plan-1", Name: "v1"}
	db.On("GetTariffPlan", ctx, "plan-1").Return(plan, nil).Once()

	_, err := c.Plan(ctx, "plan-1")
	require.NoError(t, err)

	c.Invalidate("plan-1")
	updated := plan
	updated.Name = "v2"
	db.On("GetTariffPlan", ctx, "plan-1").Return(updated, nil).Once()

	got, err := c.Plan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	db.AssertExpectations(t)
}
