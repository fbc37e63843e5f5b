package remote

import (
	"barnsync/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGStore implements Store directly against the farm database, for
// deployments where the device sits on the farm LAN and needs no API server
// in between.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects a pooled Postgres store.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the remote tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS milk_lots (
			id TEXT PRIMARY KEY,
			lot_date DATE NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			quantity_original NUMERIC NOT NULL,
			quantity_remaining NUMERIC NOT NULL,
			exhausted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SubmitItem inserts the activity; a duplicate ID is silently absorbed so
// re-submissions after ambiguous failures stay exactly-once.
func (s *PGStore) SubmitItem(ctx context.Context, item *models.QueueItem) error {
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("unencodable payload: %v", err)}
	}

	query := `
		INSERT INTO activities (id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, query, item.ID, string(item.Kind), string(payloadJSON), item.CreatedAt.UTC())
	if err != nil {
		return classifyPGError(err)
	}
	return nil
}

// DecrementLot consumes quantity with a guard so the remainder can never go
// negative; losing the guard race reports a conflict.
func (s *PGStore) DecrementLot(ctx context.Context, lotID string, amount decimal.Decimal) error {
	query := `
		UPDATE milk_lots
		SET quantity_remaining = quantity_remaining - $2
		WHERE id = $1 AND quantity_remaining >= $2
	`
	tag, err := s.pool.Exec(ctx, query, lotID, amount.String())
	if err != nil {
		return classifyPGError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var remaining string
	err = s.pool.QueryRow(ctx, "SELECT quantity_remaining::text FROM milk_lots WHERE id = $1", lotID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: lot %s unknown to remote", ErrConflict, lotID)
	}
	if err != nil {
		return classifyPGError(err)
	}
	return fmt.Errorf("%w: lot %s holds %s, requested %s", ErrConflict, lotID, remaining, amount)
}

// FetchLots returns the authoritative lots, optionally one category.
func (s *PGStore) FetchLots(ctx context.Context, category string) ([]*models.MilkLot, error) {
	query := `
		SELECT id, to_char(lot_date, 'YYYY-MM-DD'), category,
		       quantity_original::text, quantity_remaining::text, exhausted
		FROM milk_lots
	`
	args := []interface{}{}
	if category != "" {
		query += " WHERE category = $1"
		args = append(args, category)
	}
	query += " ORDER BY lot_date ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPGError(err)
	}
	defer rows.Close()

	var lots []*models.MilkLot
	for rows.Next() {
		var lot models.MilkLot
		var lotDate, original, remaining string
		if err := rows.Scan(&lot.ID, &lotDate, &lot.Category, &original, &remaining, &lot.Exhausted); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lot.LotDate, err = time.Parse("2006-01-02", lotDate)
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
		lots = append(lots, &lot)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyPGError(err)
	}
	return lots, nil
}

// Ping probes the pool.
func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &TransientError{Cause: err}
	}
	return nil
}

// classifyPGError maps data and constraint violations to permanent
// validation failures; everything else is assumed reachability and retried.
func classifyPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return &ValidationError{Reason: pgErr.Message}
		}
	}
	return &TransientError{Cause: err}
}
