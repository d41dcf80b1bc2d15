// quota.go — модели квот: план подписки, запись ledger и статистика.
package model

import (
	"math"
	"time"
)

// Plan — тарифный план подписки.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanClassic Plan = "classic"
	PlanPro     Plan = "pro"
	PlanMax     Plan = "max"
)

// Valid проверяет, что план известен.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanClassic, PlanPro, PlanMax:
		return true
	}
	return false
}

// SubscriptionStatus — статус записи квоты.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusPending   SubscriptionStatus = "pending"
)

// UnlimitedUsage — значение лимита «без ограничений».
// Любое отрицательное значение трактуется так же.
const UnlimitedUsage = -1

// QuotaEntry — запись ledger квот владельца.
// У владельца не более одной активной записи; при смене плана
// запись заменяется целиком, старая уходит в историю.
type QuotaEntry struct {
	OwnerID string             `json:"owner_id"`
	Plan    Plan               `json:"plan"`
	Status  SubscriptionStatus `json:"status"`

	// UsageCount — количество учтённых загрузок за период
	UsageCount int `json:"usage_count"`
	// Reserved — загрузки, для которых квота зарезервирована, но ещё не учтена
	Reserved int `json:"reserved"`
	// UsageLimit — лимит загрузок за период (<0 — без ограничений)
	UsageLimit int `json:"usage_limit"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Unlimited возвращает true, если лимит не ограничен.
func (e *QuotaEntry) Unlimited() bool {
	return e.UsageLimit < 0
}

// AllowsUpload проверяет, разрешена ли ещё одна загрузка в момент now.
// Учитывает зарезервированные, но ещё не учтённые загрузки.
func (e *QuotaEntry) AllowsUpload(now time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	if now.After(e.PeriodEnd) {
		return false
	}
	if e.Unlimited() {
		return true
	}
	return e.UsageCount+e.Reserved < e.UsageLimit
}

// QuotaUsage — статистика использования квоты для владельца.
type QuotaUsage struct {
	OwnerID        string             `json:"owner_id"`
	Plan           Plan               `json:"plan"`
	Status         SubscriptionStatus `json:"status"`
	ImagesUploaded int                `json:"images_uploaded"`
	ImageQuota     int                `json:"image_quota"`
	// QuotaUsagePercent — процент использования (0 для безлимитных планов)
	QuotaUsagePercent int `json:"quota_usage_percent"`
	DaysRemaining     int `json:"days_remaining"`
}

// UsageOf вычисляет статистику использования на момент now.
func UsageOf(e *QuotaEntry, now time.Time) QuotaUsage {
	u := QuotaUsage{
		OwnerID:        e.OwnerID,
		Plan:           e.Plan,
		Status:         e.Status,
		ImagesUploaded: e.UsageCount,
		ImageQuota:     e.UsageLimit,
	}
	if !e.Unlimited() && e.UsageLimit > 0 {
		u.QuotaUsagePercent = int(math.Round(float64(e.UsageCount) / float64(e.UsageLimit) * 100))
	}
	if remaining := e.PeriodEnd.Sub(now); remaining > 0 {
		u.DaysRemaining = int(math.Ceil(remaining.Hours() / 24))
	}
	return u
}

// PlanConfig — описание тарифного плана для витрины.
type PlanConfig struct {
	ID          Plan     `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ImageQuota  int      `json:"image_quota"`
	Price       float64  `json:"price"`
	Currency    string   `json:"currency"`
	Features    []string `json:"features"`
}
