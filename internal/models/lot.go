package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MilkLot is a discrete quantity of milk entered into inventory on a
// specific date. Lots are never deleted; an emptied lot stays on record
// with quantity_remaining zero.
type MilkLot struct {
	ID                string          `json:"id"`
	LotDate           time.Time       `json:"lot_date"`
	Category          string          `json:"category,omitempty"`
	QuantityOriginal  decimal.Decimal `json:"quantity_original"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	Exhausted         bool            `json:"exhausted,omitempty"`
}

// Allocatable reports whether the lot can still contribute to an allocation.
func (l *MilkLot) Allocatable() bool {
	return !l.Exhausted && l.QuantityRemaining.IsPositive()
}

// PlanEntry is one lot's contribution to an allocation plan.
type PlanEntry struct {
	LotID    string          `json:"lot_id"`
	LotDate  time.Time       `json:"lot_date"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AllocationPlan is the ordered per-lot consumption computed for one
// allocation request. Entries are sorted by lot date ascending, oldest
// first, ties broken by lot id.
type AllocationPlan struct {
	ID        string          `json:"id"`
	Category  string          `json:"category,omitempty"`
	Requested decimal.Decimal `json:"requested"`
	Entries   []PlanEntry     `json:"entries"`
	Allocated decimal.Decimal `json:"allocated"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

// Short reports whether the plan satisfies less than the requested quantity.
// A short plan must be surfaced to the caller with its shortfall, never
// silently truncated.
func (p *AllocationPlan) Short() bool {
	return p.Shortfall.IsPositive()
}

// CategorySummary aggregates the available volume for one category.
type CategorySummary struct {
	Category  string          `json:"category"`
	Lots      int             `json:"lots"`
	Available decimal.Decimal `json:"available"`
}

// CreateLotRequest represents a new production event from the capture layer.
type CreateLotRequest struct {
	LotDate  string          `json:"lot_date"`
	Category string          `json:"category,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AllocationRequest asks for a quantity of milk from a category's lots.
type AllocationRequest struct {
	Category string          `json:"category,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
}
