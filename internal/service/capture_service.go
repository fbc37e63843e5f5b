package service

import (
	"barnsync/internal/events"
	"barnsync/internal/metrics"
	"barnsync/internal/models"
	"barnsync/internal/repository"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRequest marks caller mistakes that no retry can fix.
var ErrInvalidRequest = errors.New("invalid request")

// CaptureService handles the intake side of the queue: new records, transcript
// confirmations, manual retries and deletions.
type CaptureService struct {
	repo       repository.ItemRepository
	bus        *events.Bus
	metrics    *metrics.Metrics
	maxRetries int
	poke       func()
}

// NewCaptureService creates a new capture service. poke nudges the queue
// processor after intake so new items do not wait for the next poll tick.
func NewCaptureService(repo repository.ItemRepository, bus *events.Bus, m *metrics.Metrics, maxRetries int, poke func()) *CaptureService {
	if poke == nil {
		poke = func() {}
	}
	return &CaptureService{
		repo:       repo,
		bus:        bus,
		metrics:    m,
		maxRetries: maxRetries,
		poke:       poke,
	}
}

// Enqueue validates and stores a newly captured record. When the queue is at
// capacity the oldest records are evicted to make room, each one surfaced as
// a warning event.
func (s *CaptureService) Enqueue(ctx context.Context, kind models.ItemKind, payload models.CapturePayload) (*models.QueueItem, error) {
	return s.enqueue(ctx, kind, payload, s.maxRetries)
}

// EnqueueRecord is the request-shaped variant used by the API and the spool
// watcher. A max_retries override in the request wins over the configured
// default.
func (s *CaptureService) EnqueueRecord(ctx context.Context, req models.CreateRecordRequest) (*models.QueueItem, error) {
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidRequest)
		}
		maxRetries = *req.MaxRetries
	}
	payload := models.CapturePayload{
		Data:                req.Data,
		AudioRef:            req.AudioRef,
		Transcript:          req.Transcript,
		TranscriptConfirmed: req.TranscriptConfirmed,
	}
	return s.enqueue(ctx, req.Kind, payload, maxRetries)
}

func (s *CaptureService) enqueue(ctx context.Context, kind models.ItemKind, payload models.CapturePayload, maxRetries int) (*models.QueueItem, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("%w: data is required", ErrInvalidRequest)
	}
	if kind == models.KindVoiceNote && payload.Transcript == "" && payload.AudioRef == "" {
		return nil, fmt.Errorf("%w: voice notes need a transcript or an audio reference", ErrInvalidRequest)
	}

	item := &models.QueueItem{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		Status:     models.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}

	evicted, err := s.repo.InsertItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	s.metrics.IncrementItemsEnqueued()
	log.Printf("item_id=%s: enqueued, kind=%s", item.ID, item.Kind)

	for _, old := range evicted {
		s.metrics.IncrementItemsEvicted()
		log.Printf("item_id=%s: evicted at capacity to admit item_id=%s", old.ID, item.ID)
		s.bus.Publish(events.Event{
			Type:    events.EventCapacityEvicted,
			ItemID:  old.ID,
			Kind:    old.Kind,
			From:    old.Status,
			Counts:  s.counts(ctx),
			Message: fmt.Sprintf("queue at capacity, evicted oldest item (was %s)", old.Status),
		})
	}

	s.bus.Publish(events.Event{
		Type:   events.EventItemEnqueued,
		ItemID: item.ID,
		Kind:   item.Kind,
		To:     models.StatusPending,
		Counts: s.counts(ctx),
	})

	s.poke()
	return item, nil
}

// ConfirmTranscript stores the reviewed transcript (and optionally corrected
// structured data) of a parked voice note and re-queues it for submission.
func (s *CaptureService) ConfirmTranscript(ctx context.Context, id string, transcript string, data json.RawMessage) error {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return err
	}

	payload := item.Payload
	if transcript != "" {
		payload.Transcript = transcript
	}
	if len(data) > 0 {
		payload.Data = data
	}
	payload.TranscriptConfirmed = true

	if err := s.repo.ConfirmItem(ctx, id, payload); err != nil {
		return err
	}

	log.Printf("item_id=%s: transcript confirmed, re-queued", id)
	s.bus.Publish(events.Event{
		Type:   events.EventItemStatusChanged,
		ItemID: id,
		Kind:   item.Kind,
		From:   item.Status,
		To:     models.StatusPending,
		Counts: s.counts(ctx),
	})

	s.poke()
	return nil
}

// RetryItem puts a failed item back in line with a fresh retry budget.
func (s *CaptureService) RetryItem(ctx context.Context, id string) error {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.ResetForRetry(ctx, id); err != nil {
		return err
	}

	s.metrics.IncrementItemsRetried()
	log.Printf("item_id=%s: manual retry requested", id)
	s.bus.Publish(events.Event{
		Type:   events.EventItemStatusChanged,
		ItemID: id,
		Kind:   item.Kind,
		From:   item.Status,
		To:     models.StatusPending,
		Counts: s.counts(ctx),
	})

	s.poke()
	return nil
}

// DeleteItem removes an item immediately, or defers removal until its
// in-flight attempt settles. Returns whether the deletion was deferred.
func (s *CaptureService) DeleteItem(ctx context.Context, id string) (bool, error) {
	deferred, err := s.repo.DeleteOrDefer(ctx, id)
	if err != nil {
		return false, err
	}

	if deferred {
		log.Printf("item_id=%s: deletion deferred until the in-flight attempt settles", id)
		return true, nil
	}

	log.Printf("item_id=%s: deleted", id)
	s.bus.Publish(events.Event{
		Type:   events.EventItemDeleted,
		ItemID: id,
		Counts: s.counts(ctx),
	})
	return false, nil
}

// PurgeCompleted removes all completed items and reports how many went.
func (s *CaptureService) PurgeCompleted(ctx context.Context) (int, error) {
	n, err := s.repo.PurgeCompleted(ctx)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		log.Printf("purged %d completed item(s)", n)
		s.bus.Publish(events.Event{
			Type:    events.EventItemDeleted,
			Counts:  s.counts(ctx),
			Message: fmt.Sprintf("purged %d completed item(s)", n),
		})
	}
	return n, nil
}

// GetItem retrieves one queue item.
func (s *CaptureService) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	return s.repo.GetItem(ctx, id)
}

// ListByStatus retrieves items in one status, oldest first.
func (s *CaptureService) ListByStatus(ctx context.Context, status models.Status) ([]*models.QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return s.repo.ListItemsByStatus(ctx, status)
}

// Counts returns per-status queue counts.
func (s *CaptureService) Counts(ctx context.Context) (models.QueueCounts, error) {
	return s.repo.CountsByStatus(ctx)
}

// counts is the best-effort variant used when decorating events.
func (s *CaptureService) counts(ctx context.Context) *models.QueueCounts {
	counts, err := s.repo.CountsByStatus(ctx)
	if err != nil {
		log.Printf("failed to read queue counts: %v", err)
		return nil
	}
	return &counts
}
