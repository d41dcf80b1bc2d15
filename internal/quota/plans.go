// plans.go — каталог тарифных планов.
package quota

import (
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/image-host/internal/domain/model"
)

// DefaultPeriod — длительность расчётного периода по умолчанию.
const DefaultPeriod = 30 * 24 * time.Hour

// Catalogue — доступные планы и длительность периода.
type Catalogue struct {
	plans  []model.PlanConfig
	period time.Duration
}

// NewCatalogue создаёт каталог. Пустой список — планы по умолчанию,
// period <= 0 — DefaultPeriod.
func NewCatalogue(plans []model.PlanConfig, period time.Duration) *Catalogue {
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Catalogue{plans: plans, period: period}
}

// Plans возвращает копию списка планов (по возрастанию цены).
func (c *Catalogue) Plans() []model.PlanConfig {
	result := make([]model.PlanConfig, len(c.plans))
	copy(result, c.plans)
	return result
}

// Period возвращает длительность расчётного периода.
func (c *Catalogue) Period() time.Duration {
	return c.period
}

// Limit возвращает лимит загрузок плана.
func (c *Catalogue) Limit(plan model.Plan) (int, error) {
	for _, p := range c.plans {
		if p.ID == plan {
			return p.ImageQuota, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
}

// NewEntry создаёт активную запись плана с нулевыми счётчиками.
func (c *Catalogue) NewEntry(ownerID string, plan model.Plan, customLimit *int, now time.Time) (*model.QuotaEntry, error) {
	limit, err := c.Limit(plan)
	if err != nil {
		return nil, err
	}
	if customLimit != nil {
		limit = *customLimit
	}
	return &model.QuotaEntry{
		OwnerID:     ownerID,
		Plan:        plan,
		Status:      model.StatusActive,
		UsageLimit:  limit,
		PeriodStart: now,
		PeriodEnd:   now.Add(c.period),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DefaultPlans — планы Free / Classic / Pro / Max.
func DefaultPlans() []model.PlanConfig {
	return []model.PlanConfig{
		{
			ID:          model.PlanFree,
			Name:        "Free",
			Description: "Perfect for personal use",
			ImageQuota:  10,
			Price:       0,
			Currency:    "USD",
			Features:    []string{"10 images per month", "Basic support", "Standard quality"},
		},
		{
			ID:          model.PlanClassic,
			Name:        "Classic",
			Description: "Great for small businesses",
			ImageQuota:  100,
			Price:       9.99,
			Currency:    "USD",
			Features:    []string{"100 images per month", "Priority support", "High quality", "API access"},
		},
		{
			ID:          model.PlanPro,
			Name:        "Pro",
			Description: "For growing businesses",
			ImageQuota:  500,
			Price:       29.99,
			Currency:    "USD",
			Features: []string{
				"500 images per month", "24/7 support", "Ultra quality",
				"Advanced API", "Custom domains",
			},
		},
		{
			ID:          model.PlanMax,
			Name:        "Max",
			Description: "For enterprise use",
			ImageQuota:  2000,
			Price:       99.99,
			Currency:    "USD",
			Features: []string{
				"2000 images per month", "Dedicated support", "Premium quality",
				"Full API access", "White-label solution", "SLA guarantee",
			},
		},
	}
}
