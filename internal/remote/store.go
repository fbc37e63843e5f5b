// Package remote talks to the farm server's authoritative store.
package remote

import (
	"barnsync/internal/models"
	"context"

	"github.com/shopspring/decimal"
)

// Store is the authoritative backend the device syncs against. Submissions
// are idempotent keyed by item ID, so a retry after an ambiguous failure
// cannot double-apply.
type Store interface {
	// SubmitItem records one captured activity. Submitting an item the
	// remote has already seen succeeds without a second application.
	SubmitItem(ctx context.Context, item *models.QueueItem) error

	// DecrementLot consumes quantity from a lot's remainder. Returns
	// ErrConflict when the remote's remainder cannot cover the amount.
	DecrementLot(ctx context.Context, lotID string, amount decimal.Decimal) error

	// FetchLots returns the remote's lots, optionally filtered by category.
	FetchLots(ctx context.Context, category string) ([]*models.MilkLot, error)

	// Ping probes reachability.
	Ping(ctx context.Context) error
}
