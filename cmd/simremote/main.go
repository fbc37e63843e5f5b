// simremote is an in-memory stand-in for the farm server, for developing and
// demoing syncd without real infrastructure. It speaks the same HTTP surface
// the http remote driver expects and can inject random outages to exercise
// the retry path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"barnsync/internal/remote"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type lotRecord struct {
	payload remote.LotPayload
	lotDate time.Time
}

type farm struct {
	mu         sync.Mutex
	activities map[string]remote.Submission
	lots       map[string]*lotRecord
}

func newFarm() *farm {
	return &farm{
		activities: make(map[string]remote.Submission),
		lots:       make(map[string]*lotRecord),
	}
}

func (f *farm) submitActivity(w http.ResponseWriter, r *http.Request) {
	var submission remote.Submission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "malformed submission body", http.StatusBadRequest)
		return
	}
	if submission.ID == "" {
		http.Error(w, "submission id is required", http.StatusBadRequest)
		return
	}
	if !submission.Kind.Valid() {
		http.Error(w, fmt.Sprintf("unknown activity kind %q", submission.Kind), http.StatusUnprocessableEntity)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.activities[submission.ID]; dup {
		// The client treats 409 as already-delivered, which is exactly
		// what a redelivered submission is.
		http.Error(w, "duplicate submission", http.StatusConflict)
		return
	}
	f.activities[submission.ID] = submission
	log.Printf("activity %s accepted, kind=%s total=%d", submission.ID, submission.Kind, len(f.activities))
	w.WriteHeader(http.StatusCreated)
}

func (f *farm) decrementLot(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "id")

	var req remote.DecrementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed decrement body", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		http.Error(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.lots[lotID]
	if !ok {
		http.Error(w, fmt.Sprintf("lot %s not found", lotID), http.StatusNotFound)
		return
	}
	if rec.payload.QuantityRemaining.LessThan(req.Quantity) {
		http.Error(w, fmt.Sprintf("lot %s holds %s, requested %s",
			lotID, rec.payload.QuantityRemaining, req.Quantity), http.StatusConflict)
		return
	}

	rec.payload.QuantityRemaining = rec.payload.QuantityRemaining.Sub(req.Quantity)
	rec.payload.Exhausted = rec.payload.QuantityRemaining.IsZero()
	log.Printf("lot %s decremented by %s, remaining=%s", lotID, req.Quantity, rec.payload.QuantityRemaining)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec.payload)
}

func (f *farm) listLots(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")

	f.mu.Lock()
	records := make([]*lotRecord, 0, len(f.lots))
	for _, rec := range f.lots {
		if category != "" && rec.payload.Category != category {
			continue
		}
		records = append(records, rec)
	}
	f.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].lotDate.Equal(records[j].lotDate) {
			return records[i].lotDate.Before(records[j].lotDate)
		}
		return records[i].payload.ID < records[j].payload.ID
	})

	payloads := make([]remote.LotPayload, 0, len(records))
	for _, rec := range records {
		payloads = append(payloads, rec.payload)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payloads)
}

func (f *farm) createLot(w http.ResponseWriter, r *http.Request) {
	var payload remote.LotPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed lot body", http.StatusBadRequest)
		return
	}

	lotDate, err := time.Parse("2006-01-02", payload.LotDate)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid lot_date %q, want YYYY-MM-DD", payload.LotDate), http.StatusBadRequest)
		return
	}
	if !payload.QuantityOriginal.IsPositive() {
		http.Error(w, "quantity_original must be positive", http.StatusUnprocessableEntity)
		return
	}
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if payload.QuantityRemaining.IsZero() {
		payload.QuantityRemaining = payload.QuantityOriginal
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.lots[payload.ID]; dup {
		http.Error(w, "duplicate lot id", http.StatusConflict)
		return
	}
	f.lots[payload.ID] = &lotRecord{payload: payload, lotDate: lotDate}
	log.Printf("lot %s created, date=%s quantity=%s", payload.ID, payload.LotDate, payload.QuantityOriginal)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payload)
}

func (f *farm) seedDemoLots() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, seed := range []struct {
		daysAgo  int
		category string
		quantity string
	}{
		{3, "", "40"},
		{2, "", "55"},
		{1, "goat", "12"},
		{0, "", "60"},
	} {
		lotDate := time.Now().AddDate(0, 0, -seed.daysAgo)
		quantity := decimal.RequireFromString(seed.quantity)
		id := fmt.Sprintf("demo-lot-%d", i+1)
		f.lots[id] = &lotRecord{
			payload: remote.LotPayload{
				ID:                id,
				LotDate:           lotDate.Format("2006-01-02"),
				Category:          seed.category,
				QuantityOriginal:  quantity,
				QuantityRemaining: quantity,
			},
			lotDate: lotDate,
		}
	}
	log.Printf("seeded %d demo lots", len(f.lots))
}

// flakiness fails the given fraction of API calls with a 503 so the client's
// retry and backoff behavior can be watched live.
func flakiness(probability float64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if probability > 0 && rand.Float64() < probability {
				log.Printf("injected outage for %s %s", r.Method, r.URL.Path)
				http.Error(w, "injected outage", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flaky := flag.Float64("flaky", 0, "probability (0..1) of answering an API call with 503")
	seed := flag.Bool("seed", false, "start with a few demo lots")
	flag.Parse()

	store := newFarm()
	if *seed {
		store.seedDemoLots()
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(flakiness(*flaky))
		r.Post("/activities", store.submitActivity)
		r.Route("/lots", func(r chi.Router) {
			r.Get("/", store.listLots)
			r.Post("/", store.createLot)
			r.Post("/{id}/decrement", store.decrementLot)
		})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("simremote listening on %s, flaky=%.2f", *addr, *flaky)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	log.Println("simremote stopped")
}
