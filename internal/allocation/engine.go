// Package allocation plans FIFO consumption of dated milk lots.
package allocation

import (
	"barnsync/internal/models"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var ErrNonPositiveRequest = errors.New("requested quantity must be positive")

// Allocate plans how to draw a requested quantity from the given lots,
// consuming strictly oldest lot date first, with lot ID breaking date ties.
// A lot is drained before the next one is touched, so at most one entry in
// the plan takes less than the whole lot. When the lots cannot cover the
// request the plan carries the shortfall instead of failing.
//
// The input lots are not modified. Exhausted and empty lots are skipped.
func Allocate(requested decimal.Decimal, lots []*models.MilkLot) (*models.AllocationPlan, error) {
	if !requested.IsPositive() {
		return nil, ErrNonPositiveRequest
	}

	usable := make([]*models.MilkLot, 0, len(lots))
	for _, lot := range lots {
		if lot.Allocatable() {
			usable = append(usable, lot)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if !usable[i].LotDate.Equal(usable[j].LotDate) {
			return usable[i].LotDate.Before(usable[j].LotDate)
		}
		return usable[i].ID < usable[j].ID
	})

	plan := &models.AllocationPlan{Requested: requested}
	outstanding := requested
	for _, lot := range usable {
		if !outstanding.IsPositive() {
			break
		}
		take := decimal.Min(lot.QuantityRemaining, outstanding)
		plan.Entries = append(plan.Entries, models.PlanEntry{
			LotID:    lot.ID,
			LotDate:  lot.LotDate,
			Quantity: take,
		})
		outstanding = outstanding.Sub(take)
	}

	plan.Allocated = requested.Sub(outstanding)
	plan.Shortfall = outstanding
	return plan, nil
}
