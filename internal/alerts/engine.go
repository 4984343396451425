package alerts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pharmaweb/backend/internal/cache"
	"pharmaweb/backend/internal/domain"
)

const expiringWindowDays = 30

type Loader func(ctx context.Context) ([]domain.Medication, error)

type Engine struct {
	cache    cache.AlertCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.AlertCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopAlertCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// Alerts returns the alerts for day, served from cache when possible.
func (e *Engine) Alerts(ctx context.Context, day time.Time, load Loader) ([]domain.StockAlert, error) {
	key := cacheKey(day)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	}

	meds, err := load(ctx)
	if err != nil {
		return nil, err
	}
	result := Evaluate(meds, day)
	_ = e.cache.Set(ctx, key, result, e.cacheTTL)
	return result, nil
}

// Invalidate drops the cached alerts for day after stock changed.
func (e *Engine) Invalidate(ctx context.Context, day time.Time) {
	_ = e.cache.Delete(ctx, cacheKey(day))
}

// Evaluate computes alerts for active medications. A medication can raise one
// stock alert and one expiry alert.
func Evaluate(meds []domain.Medication, day time.Time) []domain.StockAlert {
	today := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	horizon := today.AddDate(0, 0, expiringWindowDays)

	result := make([]domain.StockAlert, 0, 16)
	for _, med := range meds {
		if !med.Active {
			continue
		}

		base := domain.StockAlert{
			MedicationID: med.ID,
			Code:         med.Code,
			Name:         med.Name,
			StockOnHand:  med.StockOnHand,
			StockMinimum: med.StockMinimum,
			ExpiryDate:   med.ExpiryDate,
		}

		switch {
		case med.StockOnHand <= 0:
			alert := base
			alert.Kind = domain.AlertOutOfStock
			alert.Priority = domain.PriorityCritical
			alert.Message = fmt.Sprintf("%s is out of stock", med.Name)
			result = append(result, alert)
		case med.StockOnHand < med.StockMinimum:
			alert := base
			alert.Kind = domain.AlertBelowMinimum
			alert.Priority = domain.PriorityHigh
			alert.Message = fmt.Sprintf("%s has %d left, minimum is %d", med.Name, med.StockOnHand, med.StockMinimum)
			result = append(result, alert)
		}

		if med.ExpiryDate == nil {
			continue
		}
		switch {
		case med.ExpiryDate.Before(today):
			alert := base
			alert.Kind = domain.AlertExpired
			alert.Priority = domain.PriorityCritical
			alert.Message = fmt.Sprintf("%s expired on %s", med.Name, med.ExpiryDate.Format("2006-01-02"))
			result = append(result, alert)
		case med.ExpiryDate.Before(horizon):
			alert := base
			alert.Kind = domain.AlertExpiringSoon
			alert.Priority = domain.PriorityMedium
			alert.Message = fmt.Sprintf("%s expires on %s", med.Name, med.ExpiryDate.Format("2006-01-02"))
			result = append(result, alert)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		pi, pj := priorityRank(result[i].Priority), priorityRank(result[j].Priority)
		if pi != pj {
			return pi < pj
		}
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Kind < result[j].Kind
	})
	return result
}

func priorityRank(priority string) int {
	switch priority {
	case domain.PriorityCritical:
		return 0
	case domain.PriorityHigh:
		return 1
	default:
		return 2
	}
}

func cacheKey(day time.Time) string {
	return "pharma:alerts:" + day.UTC().Format("2006-01-02")
}
