package service

import (
	"barnsync/internal/allocation"
	"barnsync/internal/cache"
	"barnsync/internal/events"
	"barnsync/internal/metrics"
	"barnsync/internal/models"
	"barnsync/internal/remote"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReconcileService keeps the optimistic lot cache and the remote ledger in
// agreement. Allocation commits apply locally first, then push each lot
// decrement to the remote; any remote failure rolls the whole local
// application back, because the remote remains the source of truth for
// whatever partially landed.
type ReconcileService struct {
	cache    *cache.LotCache
	store    remote.Store
	resolver allocation.Resolver
	bus      *events.Bus
	metrics  *metrics.Metrics
}

// NewReconcileService creates a reconciliation service. A nil resolver gets
// the exact case-insensitive default.
func NewReconcileService(lotCache *cache.LotCache, store remote.Store, resolver allocation.Resolver, bus *events.Bus, m *metrics.Metrics) *ReconcileService {
	if resolver == nil {
		resolver = allocation.ExactResolver{}
	}
	return &ReconcileService{
		cache:    lotCache,
		store:    store,
		resolver: resolver,
		bus:      bus,
		metrics:  m,
	}
}

// PreviewAllocation computes a FIFO plan against the cached lots without
// touching anything. A shortfall comes back inside the plan, never hidden.
func (s *ReconcileService) PreviewAllocation(ctx context.Context, category string, quantity decimal.Decimal) (*models.AllocationPlan, error) {
	resolved, err := s.resolveCategory(ctx, category)
	if err != nil {
		return nil, err
	}

	lots, err := s.cache.AvailableLots(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached lots: %w", err)
	}

	plan, err := allocation.Allocate(quantity, lots)
	if err != nil {
		return nil, err
	}
	plan.ID = uuid.New().String()
	plan.Category = resolved
	return plan, nil
}

// CommitAllocation applies the plan to the cache, then commits it entry by
// entry against the remote. On any remote failure the cache is fully
// reverted, a refresh from remote truth is attempted, and one aggregated
// error describes how far the commit got.
func (s *ReconcileService) CommitAllocation(ctx context.Context, plan *models.AllocationPlan) error {
	if len(plan.Entries) == 0 {
		return fmt.Errorf("%w: plan has no entries", ErrInvalidRequest)
	}
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}

	if err := s.cache.Apply(ctx, plan); err != nil {
		return fmt.Errorf("plan conflicts with cached lots: %w", err)
	}

	for i, entry := range plan.Entries {
		err := s.store.DecrementLot(ctx, entry.LotID, entry.Quantity)
		if err == nil {
			continue
		}

		log.Printf("plan_id=%s: remote decrement of lot %s failed after %d/%d entries: %v",
			plan.ID, entry.LotID, i, len(plan.Entries), err)
		s.rollback(ctx, plan)

		return fmt.Errorf("allocation %s failed at lot %s (%d of %d entries committed remotely): %w",
			plan.ID, entry.LotID, i, len(plan.Entries), err)
	}

	s.markExhaustedLots(ctx, plan)

	s.metrics.IncrementAllocationsCommitted()
	log.Printf("plan_id=%s: committed, allocated=%s across %d lot(s)", plan.ID, plan.Allocated, len(plan.Entries))
	s.bus.Publish(events.Event{
		Type:    events.EventAllocationCommitted,
		PlanID:  plan.ID,
		Message: fmt.Sprintf("allocated %s across %d lot(s)", plan.Allocated, len(plan.Entries)),
	})
	return nil
}

// rollback undoes the optimistic application and schedules a re-sync, since
// some decrements may have landed remotely before the failure.
func (s *ReconcileService) rollback(ctx context.Context, plan *models.AllocationPlan) {
	if err := s.cache.Revert(ctx, plan); err != nil {
		log.Printf("plan_id=%s: CACHE REVERT FAILED, cache may disagree with remote until refresh: %v", plan.ID, err)
	}

	s.metrics.IncrementAllocationsReverted()
	s.bus.Publish(events.Event{
		Type:    events.EventAllocationReverted,
		PlanID:  plan.ID,
		Message: "remote commit failed, cache reverted",
	})

	if err := s.RefreshLots(ctx); err != nil {
		log.Printf("plan_id=%s: refresh after failed commit unavailable: %v", plan.ID, err)
	}
}

// markExhaustedLots flags lots the committed plan drained to zero.
func (s *ReconcileService) markExhaustedLots(ctx context.Context, plan *models.AllocationPlan) {
	var drained []string
	for _, entry := range plan.Entries {
		lot, err := s.cache.Lot(ctx, entry.LotID)
		if err != nil {
			log.Printf("plan_id=%s: cannot inspect lot %s: %v", plan.ID, entry.LotID, err)
			continue
		}
		if lot.QuantityRemaining.IsZero() {
			drained = append(drained, lot.ID)
		}
	}
	if len(drained) == 0 {
		return
	}
	if err := s.cache.MarkExhausted(ctx, drained); err != nil {
		log.Printf("plan_id=%s: error marking %d lot(s) exhausted: %v", plan.ID, len(drained), err)
		return
	}
	log.Printf("plan_id=%s: %d lot(s) exhausted", plan.ID, len(drained))
}

// RefreshLots replaces the cached lots with the remote's authoritative view.
func (s *ReconcileService) RefreshLots(ctx context.Context) error {
	lots, err := s.store.FetchLots(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to fetch remote lots: %w", err)
	}

	if err := s.cache.ReplaceAll(ctx, lots); err != nil {
		return fmt.Errorf("failed to replace cached lots: %w", err)
	}

	s.metrics.IncrementLotRefreshes()
	log.Printf("lot cache refreshed, %d lot(s)", len(lots))
	s.bus.Publish(events.Event{
		Type:    events.EventLotsRefreshed,
		Message: fmt.Sprintf("%d lot(s)", len(lots)),
	})
	return nil
}

// RecordProduction adds a new lot to the device-side ledger.
func (s *ReconcileService) RecordProduction(ctx context.Context, lotDate time.Time, category string, quantity decimal.Decimal) (*models.MilkLot, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if lotDate.IsZero() {
		return nil, fmt.Errorf("%w: lot_date is required", ErrInvalidRequest)
	}

	lot := &models.MilkLot{
		ID:                uuid.New().String(),
		LotDate:           lotDate,
		Category:          category,
		QuantityOriginal:  quantity,
		QuantityRemaining: quantity,
	}
	if err := s.cache.AddLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to store lot: %w", err)
	}

	log.Printf("lot_id=%s: production recorded, date=%s quantity=%s category=%q",
		lot.ID, lot.LotDate.Format("2006-01-02"), quantity, category)
	return lot, nil
}

// TotalAvailable exposes the cached aggregate for the API layer.
func (s *ReconcileService) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	return s.cache.TotalAvailable(ctx)
}

// SummaryByCategory exposes the cached per-category aggregate.
func (s *ReconcileService) SummaryByCategory(ctx context.Context) ([]models.CategorySummary, error) {
	return s.cache.SummaryByCategory(ctx)
}

// Lots lists cached lots, allocatable only or all of them.
func (s *ReconcileService) Lots(ctx context.Context, category string, includeSpent bool) ([]*models.MilkLot, error) {
	if includeSpent && category == "" {
		return s.cache.AllLots(ctx)
	}
	return s.cache.AvailableLots(ctx, category)
}

// OnItemSubmitted invalidates cached aggregates after the processor lands an
// activity remotely, since the submission may change what the next refresh
// reports.
func (s *ReconcileService) OnItemSubmitted(ctx context.Context) {
	s.cache.InvalidateAggregates()
}

func (s *ReconcileService) resolveCategory(ctx context.Context, category string) (string, error) {
	categories, err := s.cache.Categories(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list categories: %w", err)
	}
	resolved, err := s.resolver.Resolve(category, categories)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return resolved, nil
}
