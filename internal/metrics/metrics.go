package metrics

import (
	"sync"
)

// Metrics tracks sync core counters
type Metrics struct {
	mu sync.RWMutex

	itemsEnqueued        int64
	itemsCompleted       int64
	itemsFailed          int64
	itemsRetried         int64
	itemsEvicted         int64
	allocationsCommitted int64
	allocationsReverted  int64
	lotRefreshes         int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementItemsEnqueued increments the enqueued items counter
func (m *Metrics) IncrementItemsEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsEnqueued++
}

// IncrementItemsCompleted increments the completed items counter
func (m *Metrics) IncrementItemsCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsCompleted++
}

// IncrementItemsFailed increments the failed items counter
func (m *Metrics) IncrementItemsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsFailed++
}

// IncrementItemsRetried increments the retried items counter
func (m *Metrics) IncrementItemsRetried() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsRetried++
}

// IncrementItemsEvicted increments the capacity-evicted items counter
func (m *Metrics) IncrementItemsEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsEvicted++
}

// IncrementAllocationsCommitted increments the committed allocations counter
func (m *Metrics) IncrementAllocationsCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocationsCommitted++
}

// IncrementAllocationsReverted increments the reverted allocations counter
func (m *Metrics) IncrementAllocationsReverted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocationsReverted++
}

// IncrementLotRefreshes increments the lot cache refresh counter
func (m *Metrics) IncrementLotRefreshes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lotRefreshes++
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"items_enqueued":        m.itemsEnqueued,
		"items_completed":       m.itemsCompleted,
		"items_failed":          m.itemsFailed,
		"items_retried":         m.itemsRetried,
		"items_evicted":         m.itemsEvicted,
		"allocations_committed": m.allocationsCommitted,
		"allocations_reverted":  m.allocationsReverted,
		"lot_refreshes":         m.lotRefreshes,
	}
}
