package repository

import (
	"barnsync/internal/models"
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrItemNotFound is returned when the queue item row no longer exists,
	// typically because a capacity eviction raced the caller.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrLotNotFound is returned when a plan references an unknown lot.
	ErrLotNotFound = errors.New("milk lot not found")
	// ErrInsufficientQuantity is returned when applying a plan entry would
	// take a lot's remaining quantity negative.
	ErrInsufficientQuantity = errors.New("insufficient lot quantity")
)

// ItemRepository defines persistence for the durable queue of captured
// records. All mutations are atomic; InsertItem enforces the capacity bound
// and eviction inside a single transaction.
type ItemRepository interface {
	// InsertItem stores a new item, evicting the oldest items first when the
	// queue is at capacity. The evicted items are returned for warning
	// signals; the slice is empty when no eviction happened.
	InsertItem(ctx context.Context, item *models.QueueItem) ([]*models.QueueItem, error)
	GetItem(ctx context.Context, id string) (*models.QueueItem, error)
	ListItemsByStatus(ctx context.Context, status models.Status) ([]*models.QueueItem, error)
	CountItems(ctx context.Context) (int, error)
	CountsByStatus(ctx context.Context) (models.QueueCounts, error)

	// LeaseNextPending transitions the oldest eligible pending item to
	// processing and returns it. Returns nil when no item is eligible or
	// another item is already processing.
	LeaseNextPending(ctx context.Context) (*models.QueueItem, error)
	// UpdateItemStatus writes a plain status change.
	UpdateItemStatus(ctx context.Context, id string, status models.Status) error
	// MarkCompleted finishes an item successfully.
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	// MarkFailed finishes an item with a failure reason.
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error
	// ScheduleRetry re-queues a transiently failed item: increments the
	// attempt counter, records the reason, and gates the next attempt.
	ScheduleRetry(ctx context.Context, id string, reason string, nextAttempt time.Time) error
	// ReturnToPending puts an interrupted in-flight item back in line
	// without counting an attempt.
	ReturnToPending(ctx context.Context, id string) error
	// ResetForRetry handles an explicit manual retry of a failed item:
	// attempt counter back to zero, error cleared.
	ResetForRetry(ctx context.Context, id string) error
	// ConfirmItem stores the corrected payload of an awaiting_confirmation
	// item and re-queues it.
	ConfirmItem(ctx context.Context, id string, payload models.CapturePayload) error

	// DeleteOrDefer removes the item immediately, unless it is processing,
	// in which case deletion is flagged and deferred until the item reaches
	// a terminal state. Reports whether deletion was deferred.
	DeleteOrDefer(ctx context.Context, id string) (bool, error)
	// DeleteIfRequested honors a deferred deletion after a terminal
	// transition. Reports whether a row was deleted.
	DeleteIfRequested(ctx context.Context, id string) (bool, error)
	// PurgeCompleted removes all completed items and reports how many.
	PurgeCompleted(ctx context.Context) (int, error)
	// ResetProcessing returns stale processing items to pending. Called once
	// on process start before the queue processor resumes.
	ResetProcessing(ctx context.Context) (int, error)
}

// LotRepository defines persistence for the cached milk lot table.
type LotRepository interface {
	AddLot(ctx context.Context, lot *models.MilkLot) error
	GetLot(ctx context.Context, id string) (*models.MilkLot, error)
	// ListLots returns every lot, including emptied ones, oldest first.
	ListLots(ctx context.Context) ([]*models.MilkLot, error)
	// ListAvailableLots returns allocatable lots in FIFO order. An empty
	// category matches all lots.
	ListAvailableLots(ctx context.Context, category string) ([]*models.MilkLot, error)
	ListCategories(ctx context.Context) ([]string, error)

	// ApplyPlan decrements each entry's lot inside one transaction. Fails
	// atomically if any entry would take a lot negative.
	ApplyPlan(ctx context.Context, plan *models.AllocationPlan) error
	// RevertPlan adds each entry's quantity back inside one transaction,
	// undoing exactly what ApplyPlan did.
	RevertPlan(ctx context.Context, plan *models.AllocationPlan) error
	// MarkExhausted flags fully-consumed lots as unavailable for future
	// allocation.
	MarkExhausted(ctx context.Context, lotIDs []string) error
	// ReplaceAll swaps the cached lot table for the remote store's truth.
	ReplaceAll(ctx context.Context, lots []*models.MilkLot) error

	TotalAvailable(ctx context.Context) (decimal.Decimal, error)
	SummaryByCategory(ctx context.Context) ([]models.CategorySummary, error)
}
