package entitlement

import (
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// DefaultPlanID is the plan assigned when a user has no entitlement record
// yet. Falling back to it instead of failing is the self-healing path for
// usage completions arriving before the record exists.
const DefaultPlanID = "free"

// Catalog resolves plan identifiers to their limits. Plans come from
// configuration, not from branches on plan name literals.
type Catalog struct {
	plans map[string]models.Plan
}

// NewCatalog builds a catalog from the configured plan table.
func NewCatalog(cfg map[string]config.PlanConfig) *Catalog {
	plans := make(map[string]models.Plan, len(cfg))
	for id, p := range cfg {
		class := models.PlanClassFree
		if p.Class == string(models.PlanClassPaid) {
			class = models.PlanClassPaid
		}
		plans[id] = models.Plan{
			ID:                id,
			Class:             class,
			SlotTotal:         p.SlotTotal,
			LifetimeByteLimit: p.LifetimeByteLimit,
			MonthlyByteLimit:  p.MonthlyByteLimit,
			MonthlyItemLimit:  p.MonthlyItemLimit,
			MaxItemBytes:      p.MaxItemBytes,
		}
	}
	return &Catalog{plans: plans}
}

// Get resolves a plan id, falling back to the default plan for unknown
// identifiers.
func (c *Catalog) Get(id string) models.Plan {
	if plan, ok := c.plans[id]; ok {
		return plan
	}
	return c.Default()
}

// Default returns the default (free) plan.
func (c *Catalog) Default() models.Plan {
	if plan, ok := c.plans[DefaultPlanID]; ok {
		return plan
	}
	// Catalog without a free plan: conservative built-in fallback.
	return models.Plan{
		ID:                DefaultPlanID,
		Class:             models.PlanClassFree,
		SlotTotal:         2,
		LifetimeByteLimit: 5 * 1024 * 1024 * 1024,
		MaxItemBytes:      500 * 1024 * 1024,
	}
}
