package repository

import (
	"barnsync/internal/models"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestRepo(t *testing.T, maxQueueSize int) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "queue.db"), maxQueueSize)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newItem(id string, createdAt time.Time) *models.QueueItem {
	return &models.QueueItem{
		ID:   id,
		Kind: models.KindFormEntry,
		Payload: models.CapturePayload{
			Data: []byte(`{"animal":"goat-7","liters":"2.5"}`),
		},
		Status:     models.StatusPending,
		MaxRetries: 5,
		CreatedAt:  createdAt,
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestInsertItemRoundTrip(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	in := &models.QueueItem{
		ID:   "item-1",
		Kind: models.KindVoiceNote,
		Payload: models.CapturePayload{
			Data:       []byte(`{"note":"calf 12 fed"}`),
			AudioRef:   "spool/audio/item-1.ogg",
			Transcript: "calf twelve fed",
		},
		Status:     models.StatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC),
	}

	evicted, err := repo.InsertItem(ctx, in)
	require.NoError(t, err)
	require.Empty(t, evicted)

	got, err := repo.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)
	require.Equal(t, models.KindVoiceNote, got.Kind)
	require.JSONEq(t, `{"note":"calf 12 fed"}`, string(got.Payload.Data))
	require.Equal(t, "spool/audio/item-1.ogg", got.Payload.AudioRef)
	require.Equal(t, "calf twelve fed", got.Payload.Transcript)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 3, got.MaxRetries)
	require.Equal(t, 0, got.Retries)
	require.True(t, got.CreatedAt.Equal(in.CreatedAt))
	require.Nil(t, got.ProcessedAt)
	require.Nil(t, got.NextAttemptAt)
	require.False(t, got.DeleteRequested)
}

func TestGetItemNotFound(t *testing.T) {
	repo := newTestRepo(t, 10)

	_, err := repo.GetItem(context.Background(), "missing")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestInsertItemEvictsOldest(t *testing.T) {
	repo := newTestRepo(t, 3)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		evicted, err := repo.InsertItem(ctx, newItem(fmt.Sprintf("item-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		require.Empty(t, evicted)
	}

	evicted, err := repo.InsertItem(ctx, newItem("item-3", base.Add(3*time.Second)))
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	require.Equal(t, "item-0", evicted[0].ID)

	count, err := repo.CountItems(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	_, err = repo.GetItem(ctx, "item-0")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestInsertItemEvictsDownToShrunkenCapacity(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	big, err := NewSQLiteRepository(dbPath, 5)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := big.InsertItem(ctx, newItem(fmt.Sprintf("item-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	require.NoError(t, big.Close())

	small, err := NewSQLiteRepository(dbPath, 3)
	require.NoError(t, err)
	defer small.Close()

	evicted, err := small.InsertItem(ctx, newItem("item-5", base.Add(5*time.Second)))
	require.NoError(t, err)
	require.Len(t, evicted, 3)
	require.Equal(t, "item-0", evicted[0].ID)
	require.Equal(t, "item-1", evicted[1].ID)
	require.Equal(t, "item-2", evicted[2].ID)

	count, err := small.CountItems(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(rt, "capacity")
		inserts := rapid.IntRange(0, 24).Draw(rt, "inserts")

		repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "queue.db"), capacity)
		require.NoError(rt, err)
		defer repo.Close()

		ctx := context.Background()
		base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

		totalEvicted := 0
		for i := 0; i < inserts; i++ {
			evicted, err := repo.InsertItem(ctx, newItem(fmt.Sprintf("item-%03d", i), base.Add(time.Duration(i)*time.Second)))
			require.NoError(rt, err)
			totalEvicted += len(evicted)

			count, err := repo.CountItems(ctx)
			require.NoError(rt, err)
			require.LessOrEqual(rt, count, capacity)
		}

		count, err := repo.CountItems(ctx)
		require.NoError(rt, err)
		if inserts <= capacity {
			require.Equal(rt, inserts, count)
			require.Equal(rt, 0, totalEvicted)
		} else {
			require.Equal(rt, capacity, count)
			require.Equal(rt, inserts-capacity, totalEvicted)
		}

		// survivors are exactly the newest items
		items, err := repo.ListItemsByStatus(ctx, models.StatusPending)
		require.NoError(rt, err)
		for i, item := range items {
			require.Equal(rt, fmt.Sprintf("item-%03d", inserts-count+i), item.ID)
		}
	})
}

func TestLeaseNextPendingOldestFirst(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 2; i >= 0; i-- {
		_, err := repo.InsertItem(ctx, newItem(fmt.Sprintf("item-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	leased, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, "item-0", leased.ID)
	require.Equal(t, models.StatusProcessing, leased.Status)

	got, err := repo.GetItem(ctx, "item-0")
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, got.Status)
}

func TestLeaseNextPendingSingleInFlight(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	_, err := repo.InsertItem(ctx, newItem("item-0", base))
	require.NoError(t, err)
	_, err = repo.InsertItem(ctx, newItem("item-1", base.Add(time.Second)))
	require.NoError(t, err)

	first, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.Nil(t, second, "expected no lease while another item is processing")

	require.NoError(t, repo.MarkCompleted(ctx, first.ID, time.Now()))

	third, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.Equal(t, "item-1", third.ID)
}

func TestLeaseNextPendingEmptyQueue(t *testing.T) {
	repo := newTestRepo(t, 10)

	leased, err := repo.LeaseNextPending(context.Background())
	require.NoError(t, err)
	require.Nil(t, leased)
}

func TestLeaseNextPendingRespectsBackoffGate(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.InsertItem(ctx, newItem("item-0", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	leased, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, repo.ScheduleRetry(ctx, "item-0", "connection refused", time.Now().Add(time.Hour)))

	gated, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.Nil(t, gated, "expected backoff gate to block the lease")

	setNextAttempt(t, repo, "item-0", time.Now().Add(-time.Second))

	ready, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, ready)
	require.Equal(t, "item-0", ready.ID)
	require.Equal(t, 1, ready.Retries)
	require.Equal(t, "connection refused", ready.Error)
}

// setNextAttempt rewrites the backoff gate directly so tests need not sleep.
func setNextAttempt(t *testing.T, repo *SQLiteRepository, id string, at time.Time) {
	t.Helper()
	_, err := repo.db.Exec("UPDATE queue_items SET next_attempt_at = ? WHERE id = ?", at.UnixNano(), id)
	require.NoError(t, err)
}

func TestMarkCompletedRequiresProcessing(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.InsertItem(ctx, newItem("item-0", time.Now()))
	require.NoError(t, err)

	err = repo.MarkCompleted(ctx, "item-0", time.Now())
	require.ErrorIs(t, err, models.ErrIllegalTransition)

	err = repo.MarkCompleted(ctx, "missing", time.Now())
	require.ErrorIs(t, err, ErrItemNotFound)

	leased, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	done := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkCompleted(ctx, "item-0", done))

	got, err := repo.GetItem(ctx, "item-0")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
	require.True(t, got.ProcessedAt.Equal(done))
}

func TestMarkFailedStoresReason(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.InsertItem(ctx, newItem("item-0", time.Now()))
	require.NoError(t, err)
	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(ctx, "item-0", "validation rejected: liters must be positive", time.Now()))

	got, err := repo.GetItem(ctx, "item-0")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "validation rejected: liters must be positive", got.Error)
}

func TestScheduleRetryIncrementsRetries(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.InsertItem(ctx, newItem("item-0", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := repo.LeaseNextPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, leased)

		require.NoError(t, repo.ScheduleRetry(ctx, "item-0", "i/o timeout", time.Now().Add(-time.Second)))

		got, err := repo.GetItem(ctx, "item-0")
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, got.Status)
		require.Equal(t, attempt, got.Retries)
	}
}

func TestResetForRetryClearsCounters(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.InsertItem(ctx, newItem("item-0", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	err = repo.ResetForRetry(ctx, "item-0")
	require.ErrorIs(t, err, models.ErrIllegalTransition, "pending items cannot be manually retried")

	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.ScheduleRetry(ctx, "item-0", "i/o timeout", time.Now().Add(-time.Second)))
	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, "item-0", "max retries exceeded", time.Now()))

	require.NoError(t, repo.ResetForRetry(ctx, "item-0"))

	got, err := repo.GetItem(ctx, "item-0")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 0, got.Retries)
	require.Empty(t, got.Error)
	require.Nil(t, got.ProcessedAt)
	require.Nil(t, got.NextAttemptAt)
}

func TestConfirmItemRewritesPayload(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	item := newItem("item-0", time.Now().Add(-time.Minute))
	item.Kind = models.KindVoiceNote
	item.Payload.Transcript = "fed calf allocation two liters"
	_, err := repo.InsertItem(ctx, item)
	require.NoError(t, err)

	err = repo.ConfirmItem(ctx, "item-0", item.Payload)
	require.ErrorIs(t, err, models.ErrIllegalTransition)

	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateItemStatus(ctx, "item-0", models.StatusAwaitingConfirmation))

	confirmed := models.CapturePayload{
		Data:                []byte(`{"animal":"calf-12","liters":"2"}`),
		AudioRef:            item.Payload.AudioRef,
		Transcript:          "fed calf twelve two liters",
		TranscriptConfirmed: true,
	}
	require.NoError(t, repo.ConfirmItem(ctx, "item-0", confirmed))

	got, err := repo.GetItem(ctx, "item-0")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.True(t, got.Payload.TranscriptConfirmed)
	require.Equal(t, "fed calf twelve two liters", got.Payload.Transcript)
}

func TestDeleteOrDefer(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	_, err := repo.InsertItem(ctx, newItem("item-0", base))
	require.NoError(t, err)
	_, err = repo.InsertItem(ctx, newItem("item-1", base.Add(time.Second)))
	require.NoError(t, err)

	deferred, err := repo.DeleteOrDefer(ctx, "item-0")
	require.NoError(t, err)
	require.False(t, deferred)
	_, err = repo.GetItem(ctx, "item-0")
	require.ErrorIs(t, err, ErrItemNotFound)

	_, err = repo.DeleteOrDefer(ctx, "item-0")
	require.ErrorIs(t, err, ErrItemNotFound)

	leased, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, "item-1", leased.ID)

	deferred, err = repo.DeleteOrDefer(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, deferred, "in-flight items must not vanish mid-attempt")

	got, err := repo.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, got.DeleteRequested)

	removed, err := repo.DeleteIfRequested(ctx, "item-1")
	require.NoError(t, err)
	require.False(t, removed, "still processing")

	require.NoError(t, repo.MarkFailed(ctx, "item-1", "remote rejected", time.Now()))

	removed, err = repo.DeleteIfRequested(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, removed)
	_, err = repo.GetItem(ctx, "item-1")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestDeleteIfRequestedNoopWithoutFlag(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	_, err := repo.InsertItem(ctx, newItem("item-0", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, "item-0", time.Now()))

	removed, err := repo.DeleteIfRequested(ctx, "item-0")
	require.NoError(t, err)
	require.False(t, removed)

	_, err = repo.GetItem(ctx, "item-0")
	require.NoError(t, err)
}

func TestResetProcessingRecoversCrashedItems(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	repo, err := NewSQLiteRepository(dbPath, 10)
	require.NoError(t, err)

	_, err = repo.InsertItem(ctx, newItem("item-0", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	leased, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(dbPath, 10)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.ResetProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := reopened.GetItem(ctx, "item-0")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 0, got.Retries, "interrupted attempts do not count against the retry budget")
}

func TestCountsByStatus(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 4; i++ {
		_, err := repo.InsertItem(ctx, newItem(fmt.Sprintf("item-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	_, err := repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, "item-0", time.Now()))
	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, "item-1", "rejected", time.Now()))
	_, err = repo.LeaseNextPending(ctx)
	require.NoError(t, err)

	counts, err := repo.CountsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Pending)
	require.Equal(t, 1, counts.Processing)
	require.Equal(t, 0, counts.AwaitingConfirmation)
	require.Equal(t, 1, counts.Completed)
	require.Equal(t, 1, counts.Failed)
	require.Equal(t, 4, counts.Total())
}

func TestPurgeCompleted(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		_, err := repo.InsertItem(ctx, newItem(fmt.Sprintf("item-%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := repo.LeaseNextPending(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.MarkCompleted(ctx, fmt.Sprintf("item-%d", i), time.Now()))
	}

	n, err := repo.PurgeCompleted(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	count, err := repo.CountItems(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func newLot(id, date, category, quantity string) *models.MilkLot {
	lotDate, _ := time.Parse("2006-01-02", date)
	q, _ := decimal.NewFromString(quantity)
	return &models.MilkLot{
		ID:                id,
		LotDate:           lotDate,
		Category:          category,
		QuantityOriginal:  q,
		QuantityRemaining: q,
	}
}

func TestAddAndGetLot(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "12.75")))

	got, err := repo.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	require.Equal(t, "2025-06-01", got.LotDate.Format("2006-01-02"))
	require.Equal(t, "goat", got.Category)
	require.True(t, got.QuantityOriginal.Equal(dec(t, "12.75")))
	require.True(t, got.QuantityRemaining.Equal(dec(t, "12.75")))
	require.False(t, got.Exhausted)

	_, err = repo.GetLot(ctx, "missing")
	require.ErrorIs(t, err, ErrLotNotFound)
}

func TestListAvailableLotsFIFOOrder(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-c", "2025-06-03", "goat", "5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-a", "2025-06-01", "goat", "5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-b", "2025-06-02", "goat", "5")))

	empty := newLot("lot-empty", "2025-05-30", "goat", "5")
	empty.QuantityRemaining = decimal.Zero
	require.NoError(t, repo.AddLot(ctx, empty))

	spent := newLot("lot-spent", "2025-05-29", "goat", "5")
	spent.Exhausted = true
	require.NoError(t, repo.AddLot(ctx, spent))

	require.NoError(t, repo.AddLot(ctx, newLot("lot-cow", "2025-05-28", "cow", "5")))

	lots, err := repo.ListAvailableLots(ctx, "goat")
	require.NoError(t, err)
	require.Len(t, lots, 3)
	require.Equal(t, "lot-a", lots[0].ID)
	require.Equal(t, "lot-b", lots[1].ID)
	require.Equal(t, "lot-c", lots[2].ID)

	all, err := repo.ListAvailableLots(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "lot-cow", all[0].ID)
}

func TestApplyAndRevertPlanRoundTrip(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-2", "2025-06-02", "goat", "3")))

	plan := &models.AllocationPlan{
		ID: "plan-1",
		Entries: []models.PlanEntry{
			{LotID: "lot-1", Quantity: dec(t, "5")},
			{LotID: "lot-2", Quantity: dec(t, "1")},
		},
	}

	require.NoError(t, repo.ApplyPlan(ctx, plan))

	lot1, err := repo.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, lot1.QuantityRemaining.IsZero())
	lot2, err := repo.GetLot(ctx, "lot-2")
	require.NoError(t, err)
	require.True(t, lot2.QuantityRemaining.Equal(dec(t, "2")))

	require.NoError(t, repo.RevertPlan(ctx, plan))

	lot1, err = repo.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, lot1.QuantityRemaining.Equal(dec(t, "5")))
	lot2, err = repo.GetLot(ctx, "lot-2")
	require.NoError(t, err)
	require.True(t, lot2.QuantityRemaining.Equal(dec(t, "3")))
}

func TestApplyPlanInsufficientQuantityRollsBack(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-2", "2025-06-02", "goat", "3")))

	plan := &models.AllocationPlan{
		ID: "plan-1",
		Entries: []models.PlanEntry{
			{LotID: "lot-1", Quantity: dec(t, "4")},
			{LotID: "lot-2", Quantity: dec(t, "10")},
		},
	}

	err := repo.ApplyPlan(ctx, plan)
	require.ErrorIs(t, err, ErrInsufficientQuantity)

	lot1, err := repo.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, lot1.QuantityRemaining.Equal(dec(t, "5")), "partial application must roll back")
}

func TestRevertPlanNeverOverfills(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "5")))

	plan := &models.AllocationPlan{
		ID:      "plan-1",
		Entries: []models.PlanEntry{{LotID: "lot-1", Quantity: dec(t, "1")}},
	}

	err := repo.RevertPlan(ctx, plan)
	require.Error(t, err)

	lot, err := repo.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, lot.QuantityRemaining.Equal(dec(t, "5")))
}

func TestMarkExhausted(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-2", "2025-06-02", "goat", "5")))

	require.NoError(t, repo.MarkExhausted(ctx, []string{"lot-1"}))
	require.NoError(t, repo.MarkExhausted(ctx, nil))

	lot1, err := repo.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	require.True(t, lot1.Exhausted)
	lot2, err := repo.GetLot(ctx, "lot-2")
	require.NoError(t, err)
	require.False(t, lot2.Exhausted)
}

func TestReplaceAll(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("stale-1", "2025-05-01", "goat", "9")))
	require.NoError(t, repo.AddLot(ctx, newLot("stale-2", "2025-05-02", "goat", "9")))

	fresh := []*models.MilkLot{
		newLot("lot-1", "2025-06-01", "goat", "4.5"),
		newLot("lot-2", "2025-06-02", "cow", "7"),
	}
	require.NoError(t, repo.ReplaceAll(ctx, fresh))

	lots, err := repo.ListLots(ctx)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.Equal(t, "lot-1", lots[0].ID)
	require.Equal(t, "lot-2", lots[1].ID)

	_, err = repo.GetLot(ctx, "stale-1")
	require.ErrorIs(t, err, ErrLotNotFound)
}

func TestTotalAvailableSumsExactly(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "0.1")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-2", "2025-06-02", "goat", "0.2")))

	spent := newLot("lot-3", "2025-06-03", "goat", "9")
	spent.Exhausted = true
	require.NoError(t, repo.AddLot(ctx, spent))

	total, err := repo.TotalAvailable(ctx)
	require.NoError(t, err)
	require.True(t, total.Equal(dec(t, "0.3")), "got %s", total)
}

func TestSummaryByCategory(t *testing.T) {
	repo := newTestRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.AddLot(ctx, newLot("lot-1", "2025-06-01", "goat", "2.5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-2", "2025-06-02", "goat", "1.5")))
	require.NoError(t, repo.AddLot(ctx, newLot("lot-3", "2025-06-03", "cow", "10")))

	empty := newLot("lot-4", "2025-06-04", "cow", "3")
	empty.QuantityRemaining = decimal.Zero
	require.NoError(t, repo.AddLot(ctx, empty))

	summaries, err := repo.SummaryByCategory(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	require.Equal(t, "cow", summaries[0].Category)
	require.Equal(t, 1, summaries[0].Lots)
	require.True(t, summaries[0].Available.Equal(dec(t, "10")))

	require.Equal(t, "goat", summaries[1].Category)
	require.Equal(t, 2, summaries[1].Lots)
	require.True(t, summaries[1].Available.Equal(dec(t, "4")))
}
