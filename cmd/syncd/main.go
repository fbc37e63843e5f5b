package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barnsync/internal/cache"
	"barnsync/internal/capture"
	"barnsync/internal/config"
	"barnsync/internal/events"
	"barnsync/internal/handler"
	"barnsync/internal/metrics"
	"barnsync/internal/remote"
	"barnsync/internal/repository"
	"barnsync/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "barnsync.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable queue and lot cache storage
	repo, err := repository.NewSQLiteRepository(cfg.DBPath, cfg.MaxQueueSize)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", cfg.DBPath, err)
	}
	defer repo.Close()

	// Remote store
	store, closeStore, err := buildStore(ctx, cfg.Remote)
	if err != nil {
		log.Fatalf("failed to set up remote store: %v", err)
	}
	defer closeStore()

	bus := events.NewBus(cfg.EventBuffer)
	defer bus.Close()

	m := metrics.NewMetrics()
	monitor := remote.NewMonitor(store, bus, cfg.ProbeInterval.Std())

	// Services
	lotCache := cache.NewLotCache(repo)
	recon := service.NewReconcileService(lotCache, store, nil, bus, m)
	processor := service.NewProcessor(repo, store, monitor, recon, bus, m, service.ProcessorConfig{
		PollInterval:  cfg.PollInterval.Std(),
		SubmitTimeout: cfg.Remote.Timeout.Std(),
		BackoffBase:   cfg.BackoffBase.Std(),
		BackoffMax:    cfg.BackoffMax.Std(),
		SubmitRate:    cfg.SubmitRate,
	})
	captureSvc := service.NewCaptureService(repo, bus, m, cfg.MaxRetries, processor.Poke)
	watcher := capture.NewWatcher(cfg.SpoolDir, captureSvc, cfg.SpoolRescan.Std())

	// Warm the lot cache from remote truth. Offline at boot is normal; the
	// cache serves whatever the last session left behind.
	if err := recon.RefreshLots(ctx); err != nil {
		log.Printf("initial lot refresh unavailable, serving cached lots: %v", err)
	}

	// HTTP surface
	hub := handler.NewHub(bus)
	api := handler.NewAPI(captureSvc, recon, monitor, m, hub)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return processor.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("syncd listening on %s, queue=%s spool=%s remote=%s",
			cfg.ListenAddr, cfg.DBPath, cfg.SpoolDir, cfg.Remote.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("syncd exited with error: %v", err)
	}
	log.Println("syncd stopped")
}

// buildStore constructs the configured remote store and returns a close func.
func buildStore(ctx context.Context, cfg config.RemoteConfig) (remote.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := remote.NewPGStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, pg.Close, nil
	default:
		return remote.NewHTTPStore(cfg.BaseURL, cfg.Timeout.Std()), func() {}, nil
	}
}
