package service

import (
	"barnsync/internal/events"
	"barnsync/internal/metrics"
	"barnsync/internal/models"
	"barnsync/internal/remote"
	"barnsync/internal/repository"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ProcessorConfig carries the drain loop's tuning knobs.
type ProcessorConfig struct {
	PollInterval  time.Duration
	SubmitTimeout time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	SubmitRate    float64
}

func (c *ProcessorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.SubmitRate <= 0 {
		c.SubmitRate = 4
	}
}

// Processor drains the queue to the remote store. One item is in flight at a
// time, and the whole drain is single-flight: pokes and ticks that land while
// a drain is running are absorbed.
type Processor struct {
	repo    repository.ItemRepository
	store   remote.Store
	monitor *remote.Monitor
	recon   *ReconcileService
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     ProcessorConfig

	limiter *rate.Limiter
	sem     *semaphore.Weighted
	wake    chan struct{}
}

// NewProcessor creates a queue processor.
func NewProcessor(repo repository.ItemRepository, store remote.Store, monitor *remote.Monitor, recon *ReconcileService, bus *events.Bus, m *metrics.Metrics, cfg ProcessorConfig) *Processor {
	cfg.applyDefaults()
	return &Processor{
		repo:    repo,
		store:   store,
		monitor: monitor,
		recon:   recon,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), 1),
		sem:     semaphore.NewWeighted(1),
		wake:    make(chan struct{}, 1),
	}
}

// Poke asks the processor to drain soon. Safe from any goroutine; pokes
// while a drain is pending coalesce.
func (p *Processor) Poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run recovers interrupted work, then drains whenever connectivity returns,
// an intake poke arrives, or the poll ticker fires. Blocks until the context
// is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	recovered, err := p.repo.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted items: %w", err)
	}
	if recovered > 0 {
		log.Printf("recovered %d interrupted item(s) back to pending", recovered)
	}

	unsubscribe := p.bus.Subscribe(func(e events.Event) {
		if e.Online != nil && *e.Online {
			p.Poke()
		}
	}, events.EventConnectivityChanged)
	defer unsubscribe()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
		}
		p.drain(ctx)
	}
}

// drain submits eligible items until the queue is empty, the device goes
// offline, or the context ends. Re-entrant calls return immediately.
func (p *Processor) drain(ctx context.Context) {
	if !p.sem.TryAcquire(1) {
		return
	}
	defer p.sem.Release(1)

	for {
		if ctx.Err() != nil || !p.monitor.Online() {
			return
		}

		item, err := p.repo.LeaseNextPending(ctx)
		if err != nil {
			log.Printf("error leasing next item: %v", err)
			return
		}
		if item == nil {
			return
		}

		p.processItem(ctx, item)
	}
}

// processItem runs one submission attempt for a leased item.
func (p *Processor) processItem(ctx context.Context, item *models.QueueItem) {
	if item.NeedsTranscriptConfirmation() {
		p.parkForConfirmation(ctx, item)
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.returnToPending(item, "processing interrupted")
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	err := p.store.SubmitItem(submitCtx, item)
	cancel()

	if err == nil {
		p.completeItem(ctx, item)
		return
	}

	// an attempt cut short by shutdown or a connectivity drop goes back in
	// line without spending retry budget
	if ctx.Err() != nil || !p.monitor.Online() {
		p.returnToPending(item, "connectivity lost mid-flight")
		return
	}

	var validation *remote.ValidationError
	if errors.As(err, &validation) {
		p.failItem(ctx, item, fmt.Sprintf("remote rejected submission: %s", validation.Reason))
		return
	}

	p.retryOrFail(ctx, item, err)
}

func (p *Processor) parkForConfirmation(ctx context.Context, item *models.QueueItem) {
	if err := models.ValidateTransition(item.Status, models.StatusAwaitingConfirmation); err != nil {
		log.Printf("item_id=%s: %v", item.ID, err)
		return
	}
	if err := p.repo.UpdateItemStatus(ctx, item.ID, models.StatusAwaitingConfirmation); err != nil {
		log.Printf("item_id=%s: error parking for confirmation: %v", item.ID, err)
		return
	}

	log.Printf("item_id=%s: transcript needs confirmation before submit", item.ID)
	p.publishStatus(ctx, item, models.StatusProcessing, models.StatusAwaitingConfirmation, "transcript awaiting confirmation")
}

func (p *Processor) completeItem(ctx context.Context, item *models.QueueItem) {
	if err := p.repo.MarkCompleted(ctx, item.ID, time.Now()); err != nil {
		log.Printf("item_id=%s: error marking completed: %v", item.ID, err)
		return
	}

	p.metrics.IncrementItemsCompleted()
	log.Printf("item_id=%s: submitted to remote store", item.ID)
	p.publishStatus(ctx, item, models.StatusProcessing, models.StatusCompleted, "")

	p.recon.OnItemSubmitted(ctx)
	p.honorDeferredDelete(ctx, item.ID)
}

func (p *Processor) failItem(ctx context.Context, item *models.QueueItem, reason string) {
	if err := p.repo.MarkFailed(ctx, item.ID, reason, time.Now()); err != nil {
		log.Printf("item_id=%s: error marking failed: %v", item.ID, err)
		return
	}

	p.metrics.IncrementItemsFailed()
	log.Printf("item_id=%s: failed permanently, reason: %s", item.ID, reason)
	p.publishStatus(ctx, item, models.StatusProcessing, models.StatusFailed, reason)

	p.honorDeferredDelete(ctx, item.ID)
}

// retryOrFail handles transient submission errors against the retry budget.
func (p *Processor) retryOrFail(ctx context.Context, item *models.QueueItem, cause error) {
	attempt := item.Retries + 1
	if attempt >= item.MaxRetries {
		p.failItem(ctx, item, fmt.Sprintf("max retries exceeded after %d attempts, last error: %v", attempt, cause))
		return
	}

	delay := p.backoff(attempt)
	nextAttempt := time.Now().Add(delay)
	if err := p.repo.ScheduleRetry(ctx, item.ID, cause.Error(), nextAttempt); err != nil {
		log.Printf("item_id=%s: error scheduling retry: %v", item.ID, err)
		return
	}

	p.metrics.IncrementItemsRetried()
	log.Printf("item_id=%s: attempt %d/%d failed, retrying in %s, reason: %v", item.ID, attempt, item.MaxRetries, delay, cause)
	p.publishStatus(ctx, item, models.StatusProcessing, models.StatusPending, fmt.Sprintf("retry %d/%d in %s", attempt, item.MaxRetries, delay))
}

// returnToPending puts an interrupted item back without counting an attempt.
// Uses its own context so a shutdown-cancelled parent cannot strand the item.
func (p *Processor) returnToPending(item *models.QueueItem, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.repo.ReturnToPending(ctx, item.ID); err != nil {
		log.Printf("item_id=%s: error returning to pending: %v", item.ID, err)
		return
	}

	log.Printf("item_id=%s: %s, returned to pending", item.ID, reason)
	p.publishStatus(ctx, item, models.StatusProcessing, models.StatusPending, reason)
}

func (p *Processor) honorDeferredDelete(ctx context.Context, id string) {
	removed, err := p.repo.DeleteIfRequested(ctx, id)
	if err != nil {
		log.Printf("item_id=%s: error honoring deferred deletion: %v", id, err)
		return
	}
	if removed {
		log.Printf("item_id=%s: deferred deletion honored", id)
		p.bus.Publish(events.Event{
			Type:   events.EventItemDeleted,
			ItemID: id,
			Counts: p.currentCounts(ctx),
		})
	}
}

// backoff returns the capped exponential delay before the given attempt's
// retry.
func (p *Processor) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BackoffBase << (attempt - 1)
	if delay <= 0 || delay > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return delay
}

func (p *Processor) publishStatus(ctx context.Context, item *models.QueueItem, from, to models.Status, message string) {
	p.bus.Publish(events.Event{
		Type:    events.EventItemStatusChanged,
		ItemID:  item.ID,
		Kind:    item.Kind,
		From:    from,
		To:      to,
		Counts:  p.currentCounts(ctx),
		Message: message,
	})
}

func (p *Processor) currentCounts(ctx context.Context) *models.QueueCounts {
	counts, err := p.repo.CountsByStatus(ctx)
	if err != nil {
		log.Printf("failed to read queue counts: %v", err)
		return nil
	}
	return &counts
}
