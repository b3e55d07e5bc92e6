package tariff

import (
	"context"
	"sync"

	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// Configured sets up the tariff plan catalog.
func Configured(db storage.Database) *Catalog {
	return NewCatalog(db)
}

// Catalog caches tariff plans loaded from storage. Plans change rarely
// (regulator revisions), so a cached copy is fine for resolution; Invalidate
// drops a plan after an admin update.
type Catalog struct {
	mu    sync.Mutex
	db    storage.Database
	plans map[string]types.TariffPlan
}

// NewCatalog creates an empty catalog backed by the given database.
func NewCatalog(db storage.Database) *Catalog {
	return &Catalog{
		db:    db,
		plans: make(map[string]types.TariffPlan),
	}
}

// Plan returns the tariff plan with the given ID, loading it from storage on
// first use.
func (c *Catalog) Plan(ctx context.Context, planID string) (types.TariffPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.plans[planID]; ok {
		return p, nil
	}
	p, err := c.db.GetTariffPlan(ctx, planID)
	if err != nil {
		return types.TariffPlan{}, err
	}
	c.plans[planID] = p
	return p, nil
}

// Invalidate drops a cached plan so the next Plan call re-reads storage.
func (c *Catalog) Invalidate(planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, planID)
}

// SetPlan inserts a plan directly into the cache. This is primarily used for
// testing.
func (c *Catalog) SetPlan(plan types.TariffPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[plan.ID] = plan
}
