package repository

import (
	"barnsync/internal/models"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const lotDateLayout = "2006-01-02"

// SQLiteRepository implements ItemRepository and LotRepository on a single
// SQLite file. One file holds both the durable queue and the lot cache so a
// device backup is one artifact.
type SQLiteRepository struct {
	db           *sql.DB
	maxQueueSize int
}

var (
	_ ItemRepository = (*SQLiteRepository)(nil)
	_ LotRepository  = (*SQLiteRepository)(nil)
)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string, maxQueueSize int) (*SQLiteRepository, error) {
	if maxQueueSize <= 0 {
		return nil, fmt.Errorf("max queue size must be positive, got %d", maxQueueSize)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db, maxQueueSize: maxQueueSize}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		max_retries INTEGER NOT NULL DEFAULT 5,
		retries INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		next_attempt_at INTEGER,
		delete_requested INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
	CREATE INDEX IF NOT EXISTS idx_queue_items_created ON queue_items(created_at);

	CREATE TABLE IF NOT EXISTS milk_lots (
		id TEXT PRIMARY KEY,
		lot_date TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		quantity_original TEXT NOT NULL,
		quantity_remaining TEXT NOT NULL,
		exhausted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_milk_lots_date ON milk_lots(lot_date);
	CREATE INDEX IF NOT EXISTS idx_milk_lots_category ON milk_lots(category);
	`

	_, err := r.db.Exec(schema)
	return err
}

const itemColumns = `id, kind, payload, status, max_retries, retries, error, created_at, processed_at, next_attempt_at, delete_requested`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var payloadJSON string
	var createdAt int64
	var processedAt, nextAttemptAt sql.NullInt64
	var deleteRequested int

	err := row.Scan(
		&item.ID,
		&item.Kind,
		&payloadJSON,
		&item.Status,
		&item.MaxRetries,
		&item.Retries,
		&item.Error,
		&createdAt,
		&processedAt,
		&nextAttemptAt,
		&deleteRequested,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &item.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for item %s: %w", item.ID, err)
	}

	item.CreatedAt = time.Unix(0, createdAt)
	if processedAt.Valid {
		t := time.Unix(0, processedAt.Int64)
		item.ProcessedAt = &t
	}
	if nextAttemptAt.Valid {
		t := time.Unix(0, nextAttemptAt.Int64)
		item.NextAttemptAt = &t
	}
	item.DeleteRequested = deleteRequested != 0

	return &item, nil
}

// InsertItem stores a new queue item. When the queue is at capacity the
// oldest items by created_at are removed first, inside the same transaction,
// so a concurrent reader never observes the queue above its bound.
func (r *SQLiteRepository) InsertItem(ctx context.Context, item *models.QueueItem) ([]*models.QueueItem, error) {
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items").Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	var evicted []*models.QueueItem
	for count >= r.maxQueueSize {
		oldestQuery := `
			SELECT ` + itemColumns + `
			FROM queue_items
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`
		oldest, err := scanItem(tx.QueryRowContext(ctx, oldestQuery))
		if err != nil {
			return nil, fmt.Errorf("failed to find eviction candidate: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", oldest.ID); err != nil {
			return nil, fmt.Errorf("failed to evict item %s: %w", oldest.ID, err)
		}

		evicted = append(evicted, oldest)
		count--
	}

	insertQuery := `
		INSERT INTO queue_items (id, kind, payload, status, max_retries, retries, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertQuery,
		item.ID,
		item.Kind,
		string(payloadJSON),
		item.Status,
		item.MaxRetries,
		item.Retries,
		item.Error,
		item.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return evicted, nil
}

// GetItem retrieves a queue item by ID
func (r *SQLiteRepository) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE id = ?
	`

	item, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	return item, nil
}

// ListItemsByStatus retrieves all items with a specific status, oldest first
func (r *SQLiteRepository) ListItemsByStatus(ctx context.Context, status models.Status) ([]*models.QueueItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}

	return items, nil
}

// CountItems returns the total number of queued items
func (r *SQLiteRepository) CountItems(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// CountsByStatus returns per-status item counts for badge display
func (r *SQLiteRepository) CountsByStatus(ctx context.Context) (models.QueueCounts, error) {
	var counts models.QueueCounts

	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_items GROUP BY status")
	if err != nil {
		return counts, fmt.Errorf("failed to count items by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch status {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusProcessing:
			counts.Processing = n
		case models.StatusAwaitingConfirmation:
			counts.AwaitingConfirmation = n
		case models.StatusCompleted:
			counts.Completed = n
		case models.StatusFailed:
			counts.Failed = n
		}
	}

	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	return counts, nil
}

// LeaseNextPending picks the oldest pending item whose backoff gate has
// passed and marks it processing, in one transaction. At most one item is
// ever in processing: if one is found, no lease is granted.
func (r *SQLiteRepository) LeaseNextPending(ctx context.Context) (*models.QueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inFlight int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items WHERE status = 'processing'").Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight items: %w", err)
	}
	if inFlight > 0 {
		return nil, nil
	}

	query := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`

	item, err := scanItem(tx.QueryRowContext(ctx, query, time.Now().UnixNano()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find leasable item: %w", err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE queue_items SET status = 'processing' WHERE id = ?", item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark item processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	item.Status = models.StatusProcessing
	return item, nil
}

// itemMissingOrIllegal resolves a zero-rows guarded update into the precise
// error: the row is gone, or it was in a state the update does not allow.
func (r *SQLiteRepository) itemMissingOrIllegal(ctx context.Context, id string, to models.Status) error {
	var status models.Status
	err := r.db.QueryRowContext(ctx, "SELECT status FROM queue_items WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect item %s: %w", id, err)
	}
	return fmt.Errorf("%w: %q to %q", models.ErrIllegalTransition, status, to)
}

// UpdateItemStatus writes a status change without touching counters
func (r *SQLiteRepository) UpdateItemStatus(ctx context.Context, id string, status models.Status) error {
	res, err := r.db.ExecContext(ctx, "UPDATE queue_items SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MarkCompleted finishes a processing item successfully
func (r *SQLiteRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE queue_items
		SET status = 'completed', processed_at = ?, error = '', next_attempt_at = NULL
		WHERE id = ? AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.itemMissingOrIllegal(ctx, id, models.StatusCompleted)
	}
	return nil
}

// MarkFailed finishes a processing item with a failure reason
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	query := `
		UPDATE queue_items
		SET status = 'failed', processed_at = ?, error = ?, next_attempt_at = NULL
		WHERE id = ? AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query, at.UnixNano(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.itemMissingOrIllegal(ctx, id, models.StatusFailed)
	}
	return nil
}

// ScheduleRetry re-queues a transiently failed item with a backoff gate
func (r *SQLiteRepository) ScheduleRetry(ctx context.Context, id string, reason string, nextAttempt time.Time) error {
	query := `
		UPDATE queue_items
		SET status = 'pending', retries = retries + 1, error = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query, reason, nextAttempt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.itemMissingOrIllegal(ctx, id, models.StatusPending)
	}
	return nil
}

// ReturnToPending puts an interrupted in-flight item back in line without
// counting an attempt
func (r *SQLiteRepository) ReturnToPending(ctx context.Context, id string) error {
	query := `
		UPDATE queue_items
		SET status = 'pending', next_attempt_at = NULL
		WHERE id = ? AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to return item to pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.itemMissingOrIllegal(ctx, id, models.StatusPending)
	}
	return nil
}

// ResetForRetry handles an explicit manual retry of a failed item
func (r *SQLiteRepository) ResetForRetry(ctx context.Context, id string) error {
	query := `
		UPDATE queue_items
		SET status = 'pending', retries = 0, error = '', processed_at = NULL, next_attempt_at = NULL
		WHERE id = ? AND status = 'failed'
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset item for retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.itemMissingOrIllegal(ctx, id, models.StatusPending)
	}
	return nil
}

// ConfirmItem stores the corrected payload of an awaiting_confirmation item
// and re-queues it
func (r *SQLiteRepository) ConfirmItem(ctx context.Context, id string, payload models.CapturePayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		UPDATE queue_items
		SET status = 'pending', payload = ?, error = '', next_attempt_at = NULL
		WHERE id = ? AND status = 'awaiting_confirmation'
	`
	res, err := r.db.ExecContext(ctx, query, string(payloadJSON), id)
	if err != nil {
		return fmt.Errorf("failed to confirm item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.itemMissingOrIllegal(ctx, id, models.StatusPending)
	}
	return nil
}

// DeleteOrDefer removes the item now, or flags it for deletion after its
// in-flight attempt finishes
func (r *SQLiteRepository) DeleteOrDefer(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ? AND status != 'processing'", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return false, nil
	}

	res, err = tx.ExecContext(ctx, "UPDATE queue_items SET delete_requested = 1 WHERE id = ? AND status = 'processing'", id)
	if err != nil {
		return false, fmt.Errorf("failed to defer deletion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrItemNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteIfRequested honors a deferred deletion once the item is terminal
func (r *SQLiteRepository) DeleteIfRequested(ctx context.Context, id string) (bool, error) {
	query := `
		DELETE FROM queue_items
		WHERE id = ? AND delete_requested = 1 AND status IN ('completed', 'failed')
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeCompleted removes all completed items
func (r *SQLiteRepository) PurgeCompleted(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM queue_items WHERE status = 'completed'")
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetProcessing returns stale processing items to pending. Called on
// process start, before the queue processor resumes.
func (r *SQLiteRepository) ResetProcessing(ctx context.Context) (int, error) {
	query := `
		UPDATE queue_items
		SET status = 'pending', next_attempt_at = NULL
		WHERE status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const lotColumns = `id, lot_date, category, quantity_original, quantity_remaining, exhausted`

func scanLot(row rowScanner) (*models.MilkLot, error) {
	var lot models.MilkLot
	var lotDate, original, remaining string
	var exhausted int

	err := row.Scan(
		&lot.ID,
		&lotDate,
		&lot.Category,
		&original,
		&remaining,
		&exhausted,
	)
	if err != nil {
		return nil, err
	}

	lot.LotDate, err = time.Parse(lotDateLayout, lotDate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lot date for lot %s: %w", lot.ID, err)
	}
	lot.QuantityOriginal, err = decimal.NewFromString(original)
	if err != nil {
		return nil, fmt.Errorf("failed to parse original quantity for lot %s: %w", lot.ID, err)
	}
	lot.QuantityRemaining, err = decimal.NewFromString(remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remaining quantity for lot %s: %w", lot.ID, err)
	}
	lot.Exhausted = exhausted != 0

	return &lot, nil
}

// AddLot stores a new production lot
func (r *SQLiteRepository) AddLot(ctx context.Context, lot *models.MilkLot) error {
	query := `
		INSERT INTO milk_lots (id, lot_date, category, quantity_original, quantity_remaining, exhausted)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	exhausted := 0
	if lot.Exhausted {
		exhausted = 1
	}

	_, err := r.db.ExecContext(ctx, query,
		lot.ID,
		lot.LotDate.Format(lotDateLayout),
		lot.Category,
		lot.QuantityOriginal.String(),
		lot.QuantityRemaining.String(),
		exhausted,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}

	return nil
}

// GetLot retrieves a lot by ID
func (r *SQLiteRepository) GetLot(ctx context.Context, id string) (*models.MilkLot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM milk_lots
		WHERE id = ?
	`

	lot, err := scanLot(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, fmt.Errorf("failed to get lot: %w", err)
	}

	return lot, nil
}

// ListLots retrieves every lot, including emptied ones, oldest first
func (r *SQLiteRepository) ListLots(ctx context.Context) ([]*models.MilkLot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM milk_lots
		ORDER BY lot_date ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []*models.MilkLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lots = append(lots, lot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lots: %w", err)
	}

	return lots, nil
}

// ListAvailableLots retrieves allocatable lots in FIFO order. An empty
// category matches all lots.
func (r *SQLiteRepository) ListAvailableLots(ctx context.Context, category string) ([]*models.MilkLot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM milk_lots
		WHERE exhausted = 0
	`
	args := []interface{}{}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY lot_date ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query available lots: %w", err)
	}
	defer rows.Close()

	var lots []*models.MilkLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		if !lot.QuantityRemaining.IsPositive() {
			continue
		}
		lots = append(lots, lot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lots: %w", err)
	}

	return lots, nil
}

// ListCategories returns the distinct lot categories
func (r *SQLiteRepository) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT category FROM milk_lots WHERE category != '' ORDER BY category ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate categories: %w", err)
	}

	return categories, nil
}

// ApplyPlan decrements each entry's lot inside one transaction. Quantities
// are read, reduced with exact decimal arithmetic, and written back; SQLite
// never does arithmetic on them. Fails atomically if any entry would take a
// lot negative.
func (r *SQLiteRepository) ApplyPlan(ctx context.Context, plan *models.AllocationPlan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range plan.Entries {
		if entry.Quantity.IsNegative() {
			return fmt.Errorf("plan entry for lot %s has negative quantity %s", entry.LotID, entry.Quantity)
		}

		var remaining string
		err := tx.QueryRowContext(ctx, "SELECT quantity_remaining FROM milk_lots WHERE id = ?", entry.LotID).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrLotNotFound, entry.LotID)
		}
		if err != nil {
			return fmt.Errorf("failed to read lot %s: %w", entry.LotID, err)
		}

		current, err := decimal.NewFromString(remaining)
		if err != nil {
			return fmt.Errorf("failed to parse remaining quantity for lot %s: %w", entry.LotID, err)
		}

		updated := current.Sub(entry.Quantity)
		if updated.IsNegative() {
			return fmt.Errorf("%w: lot %s holds %s, plan needs %s", ErrInsufficientQuantity, entry.LotID, current, entry.Quantity)
		}

		_, err = tx.ExecContext(ctx, "UPDATE milk_lots SET quantity_remaining = ? WHERE id = ?", updated.String(), entry.LotID)
		if err != nil {
			return fmt.Errorf("failed to update lot %s: %w", entry.LotID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// RevertPlan adds each entry's quantity back inside one transaction, undoing
// exactly what ApplyPlan did
func (r *SQLiteRepository) RevertPlan(ctx context.Context, plan *models.AllocationPlan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range plan.Entries {
		var remaining, original string
		err := tx.QueryRowContext(ctx, "SELECT quantity_remaining, quantity_original FROM milk_lots WHERE id = ?", entry.LotID).
			Scan(&remaining, &original)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrLotNotFound, entry.LotID)
		}
		if err != nil {
			return fmt.Errorf("failed to read lot %s: %w", entry.LotID, err)
		}

		current, err := decimal.NewFromString(remaining)
		if err != nil {
			return fmt.Errorf("failed to parse remaining quantity for lot %s: %w", entry.LotID, err)
		}
		origQty, err := decimal.NewFromString(original)
		if err != nil {
			return fmt.Errorf("failed to parse original quantity for lot %s: %w", entry.LotID, err)
		}

		updated := current.Add(entry.Quantity)
		if updated.GreaterThan(origQty) {
			return fmt.Errorf("revert would overfill lot %s: %s of %s", entry.LotID, updated, origQty)
		}

		_, err = tx.ExecContext(ctx, "UPDATE milk_lots SET quantity_remaining = ? WHERE id = ?", updated.String(), entry.LotID)
		if err != nil {
			return fmt.Errorf("failed to update lot %s: %w", entry.LotID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// MarkExhausted flags fully-consumed lots as unavailable for future
// allocation
func (r *SQLiteRepository) MarkExhausted(ctx context.Context, lotIDs []string) error {
	if len(lotIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?, ", len(lotIDs)-1) + "?"
	query := "UPDATE milk_lots SET exhausted = 1 WHERE id IN (" + placeholders + ")"

	args := make([]interface{}, len(lotIDs))
	for i, id := range lotIDs {
		args[i] = id
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark lots exhausted: %w", err)
	}

	return nil
}

// ReplaceAll swaps the cached lot table for the remote store's truth
func (r *SQLiteRepository) ReplaceAll(ctx context.Context, lots []*models.MilkLot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM milk_lots"); err != nil {
		return fmt.Errorf("failed to clear lots: %w", err)
	}

	insertQuery := `
		INSERT INTO milk_lots (id, lot_date, category, quantity_original, quantity_remaining, exhausted)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, lot := range lots {
		exhausted := 0
		if lot.Exhausted {
			exhausted = 1
		}
		_, err := tx.ExecContext(ctx, insertQuery,
			lot.ID,
			lot.LotDate.Format(lotDateLayout),
			lot.Category,
			lot.QuantityOriginal.String(),
			lot.QuantityRemaining.String(),
			exhausted,
		)
		if err != nil {
			return fmt.Errorf("failed to insert lot %s: %w", lot.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// TotalAvailable sums the remaining quantity across allocatable lots.
// Summation happens in Go so decimal exactness is preserved.
func (r *SQLiteRepository) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT quantity_remaining FROM milk_lots WHERE exhausted = 0")
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query lot quantities: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var remaining string
		if err := rows.Scan(&remaining); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan quantity: %w", err)
		}
		q, err := decimal.NewFromString(remaining)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse quantity: %w", err)
		}
		if q.IsPositive() {
			total = total.Add(q)
		}
	}

	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to iterate quantities: %w", err)
	}

	return total, nil
}

// SummaryByCategory aggregates allocatable volume per category
func (r *SQLiteRepository) SummaryByCategory(ctx context.Context) ([]models.CategorySummary, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT category, quantity_remaining FROM milk_lots WHERE exhausted = 0 ORDER BY category ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query lot summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.CategorySummary
	index := map[string]int{}
	for rows.Next() {
		var category, remaining string
		if err := rows.Scan(&category, &remaining); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		q, err := decimal.NewFromString(remaining)
		if err != nil {
			return nil, fmt.Errorf("failed to parse quantity: %w", err)
		}
		if !q.IsPositive() {
			continue
		}

		i, ok := index[category]
		if !ok {
			summaries = append(summaries, models.CategorySummary{Category: category, Available: decimal.Zero})
			i = len(summaries) - 1
			index[category] = i
		}
		summaries[i].Lots++
		summaries[i].Available = summaries[i].Available.Add(q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}

	return summaries, nil
}
