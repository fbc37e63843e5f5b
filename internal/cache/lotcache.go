// Package cache holds the device-local optimistic view of the milk lot ledger.
package cache

import (
	"barnsync/internal/models"
	"barnsync/internal/repository"
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// LotCache fronts the durable lot store and memoizes the aggregates the UI
// polls for. Plan application is optimistic: the reconciliation layer applies
// a plan here first, commits it remotely, and reverts on failure. Apply
// followed by Revert restores the exact prior quantities.
type LotCache struct {
	repo repository.LotRepository

	mu           sync.Mutex
	total        decimal.Decimal
	totalValid   bool
	summary      []models.CategorySummary
	summaryValid bool
}

// NewLotCache creates a lot cache over the given store.
func NewLotCache(repo repository.LotRepository) *LotCache {
	return &LotCache{repo: repo}
}

// AvailableLots returns allocatable lots in FIFO order, optionally filtered
// by category.
func (c *LotCache) AvailableLots(ctx context.Context, category string) ([]*models.MilkLot, error) {
	return c.repo.ListAvailableLots(ctx, category)
}

// AllLots returns every cached lot, exhausted ones included.
func (c *LotCache) AllLots(ctx context.Context) ([]*models.MilkLot, error) {
	return c.repo.ListLots(ctx)
}

// Lot returns a single cached lot.
func (c *LotCache) Lot(ctx context.Context, id string) (*models.MilkLot, error) {
	return c.repo.GetLot(ctx, id)
}

// Categories returns the known lot categories.
func (c *LotCache) Categories(ctx context.Context) ([]string, error) {
	return c.repo.ListCategories(ctx)
}

// AddLot records a new production lot.
func (c *LotCache) AddLot(ctx context.Context, lot *models.MilkLot) error {
	if err := c.repo.AddLot(ctx, lot); err != nil {
		return err
	}
	c.InvalidateAggregates()
	return nil
}

// Apply decrements the plan's lots atomically. Nothing changes if any entry
// would take a lot below zero.
func (c *LotCache) Apply(ctx context.Context, plan *models.AllocationPlan) error {
	if err := c.repo.ApplyPlan(ctx, plan); err != nil {
		return err
	}
	c.InvalidateAggregates()
	return nil
}

// Revert adds the plan's quantities back, undoing a prior Apply.
func (c *LotCache) Revert(ctx context.Context, plan *models.AllocationPlan) error {
	if err := c.repo.RevertPlan(ctx, plan); err != nil {
		return err
	}
	c.InvalidateAggregates()
	return nil
}

// MarkExhausted flags fully-consumed lots after a successful commit.
func (c *LotCache) MarkExhausted(ctx context.Context, lotIDs []string) error {
	if err := c.repo.MarkExhausted(ctx, lotIDs); err != nil {
		return err
	}
	c.InvalidateAggregates()
	return nil
}

// ReplaceAll swaps the cache for the remote store's authoritative lots.
func (c *LotCache) ReplaceAll(ctx context.Context, lots []*models.MilkLot) error {
	if err := c.repo.ReplaceAll(ctx, lots); err != nil {
		return err
	}
	c.InvalidateAggregates()
	return nil
}

// TotalAvailable returns the allocatable volume across all lots, memoized
// until the next mutation or explicit invalidation.
func (c *LotCache) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalValid {
		return c.total, nil
	}

	total, err := c.repo.TotalAvailable(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	c.total = total
	c.totalValid = true
	return total, nil
}

// SummaryByCategory returns allocatable lot counts and volume per category,
// memoized like TotalAvailable.
func (c *LotCache) SummaryByCategory(ctx context.Context) ([]models.CategorySummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.summaryValid {
		out := make([]models.CategorySummary, len(c.summary))
		copy(out, c.summary)
		return out, nil
	}

	summary, err := c.repo.SummaryByCategory(ctx)
	if err != nil {
		return nil, err
	}
	c.summary = summary
	c.summaryValid = true

	out := make([]models.CategorySummary, len(summary))
	copy(out, summary)
	return out, nil
}

// InvalidateAggregates drops the memoized aggregates. The reconciliation
// layer calls this after submissions and commits that change remote truth.
func (c *LotCache) InvalidateAggregates() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = decimal.Zero
	c.totalValid = false
	c.summary = nil
	c.summaryValid = false
}
