// Package app wires all Scribeflow subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject in-memory stores and a mock provider via functional
// options (WithEventLog, WithResults, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/7788ken/scribeflow/internal/config"
	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	elpg "github.com/7788ken/scribeflow/internal/eventlog/postgres"
	"github.com/7788ken/scribeflow/internal/ingest"
	"github.com/7788ken/scribeflow/internal/notify"
	"github.com/7788ken/scribeflow/internal/observe"
	"github.com/7788ken/scribeflow/internal/results"
	respg "github.com/7788ken/scribeflow/internal/results/postgres"
	"github.com/7788ken/scribeflow/internal/schedule"
	"github.com/7788ken/scribeflow/internal/speakers"
	"github.com/7788ken/scribeflow/internal/worker"
	"github.com/7788ken/scribeflow/pkg/provider/llm"
)

// shutdownGrace is how long Run waits for in-flight HTTP requests on exit.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes and serves the Scribeflow HTTP surface.
type App struct {
	cfg      *config.Config
	provider llm.Provider

	events    eventlog.Store
	results   results.Store
	scheduler *schedule.Scheduler
	ingester  *ingest.Ingester
	journal   *diag.Journal
	recorder  diag.Recorder
	hub       *notify.Hub
	metrics   *observe.Metrics
	tracker   *SessionTracker
	runners   []*worker.Runner

	httpSrv *http.Server

	// ready is probed by /readyz; nil when storage is in-memory.
	ready func(ctx context.Context) error

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEventLog injects an event log store instead of creating one from config.
func WithEventLog(s eventlog.Store) Option {
	return func(a *App) { a.events = s }
}

// WithResults injects a results store instead of creating one from config.
func WithResults(s results.Store) Option {
	return func(a *App) { a.results = s }
}

// WithDiag injects a diagnostics recorder instead of opening the journal
// from config.
func WithDiag(r diag.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetrics injects a metrics instance instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The provider comes
// from main (constructed via the config registry). Use Option functions to
// inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: storage connection, journal
// open, scheduler construction, worker runner start, and HTTP route setup.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: llm provider is required")
	}

	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initDiag(); err != nil {
		return nil, fmt.Errorf("app: init diagnostics: %w", err)
	}

	a.scheduler = schedule.New(schedulerConfig(cfg.Scheduler))
	a.hub = notify.NewHub()
	a.tracker = NewSessionTracker(a.metrics)

	if err := a.initWorkers(); err != nil {
		return nil, fmt.Errorf("app: init workers: %w", err)
	}

	wakers := make([]ingest.Waker, 0, len(a.runners)+1)
	wakers = append(wakers, a.tracker)
	for _, r := range a.runners {
		wakers = append(wakers, r)
	}
	a.ingester = ingest.New(a.events, a.results, speakers.New(), a.metrics, wakers...)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// initStores sets up the event log and results stores. With a configured DSN
// both stores share one pgx pool; otherwise the in-memory implementations
// are used.
func (a *App) initStores(ctx context.Context) error {
	if a.events != nil && a.results != nil {
		return nil // both injected
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		if a.events == nil {
			a.events = eventlog.NewMemStore()
		}
		if a.results == nil {
			a.results = results.NewMemStore()
		}
		slog.Warn("no postgres_dsn configured, using in-memory stores")
		return nil
	}

	store, err := elpg.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	if a.events == nil {
		a.events = store
	}
	if a.results == nil {
		res, err := respg.NewStore(ctx, store.Pool())
		if err != nil {
			store.Close()
			return err
		}
		a.results = res
	}

	pool := store.Pool()
	a.ready = pool.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initDiag opens the sqlite journal when configured. An empty path disables
// the journal; episodes are then only visible in logs and metrics.
func (a *App) initDiag() error {
	if a.recorder != nil {
		return nil
	}

	path := a.cfg.Diagnostics.Path
	if path == "" {
		a.recorder = diag.Nop{}
		return nil
	}

	j, err := diag.Open(path)
	if err != nil {
		return err
	}
	a.journal = j
	a.recorder = j
	a.closers = append(a.closers, j.Close)
	return nil
}

// initWorkers builds the three analyzers and starts a debounced runner for
// each.
func (a *App) initWorkers() error {
	notifier := notify.Multi{a.hub, notify.Log{}}
	deps := worker.Deps{
		Log:       a.events,
		Results:   a.results,
		Provider:  a.provider,
		Scheduler: a.scheduler,
		Notifier:  notifier,
		Diag:      a.recorder,
		Metrics:   a.metrics,
	}
	w := a.cfg.Workers

	turn, err := worker.NewTurnSegmenter(deps, w.Turn.WindowSize)
	if err != nil {
		return fmt.Errorf("turn segmenter: %w", err)
	}
	semantic, err := worker.NewSemanticChunker(deps, w.Semantic.WindowSize, w.Semantic.RequireFinal)
	if err != nil {
		return fmt.Errorf("semantic chunker: %w", err)
	}
	event, err := worker.NewEventSegmenter(deps, w.Event.WindowSize)
	if err != nil {
		return fmt.Errorf("event segmenter: %w", err)
	}

	a.runners = []*worker.Runner{
		worker.NewRunner(turn, w.Turn.Interval()),
		worker.NewRunner(semantic, w.Semantic.Interval()),
		worker.NewRunner(event, w.Event.Interval()),
	}
	for _, r := range a.runners {
		a.closers = append(a.closers, func() error {
			r.Close()
			return nil
		})
	}
	return nil
}

// schedulerConfig converts the YAML tuning into the scheduler's config.
func schedulerConfig(sc config.SchedulerConfig) schedule.Config {
	cfg := schedule.Config{
		Global:  bucketConfig(sc.Global),
		Default: bucketConfig(sc.Default),
	}
	if len(sc.Buckets) > 0 {
		cfg.Buckets = make(map[string]schedule.BucketConfig, len(sc.Buckets))
		for name, b := range sc.Buckets {
			cfg.Buckets[name] = bucketConfig(b)
		}
	}
	return cfg
}

func bucketConfig(b config.BucketEntry) schedule.BucketConfig {
	return schedule.BucketConfig{
		Concurrency: b.Concurrency,
		MinInterval: b.MinInterval(),
		Cooldown:    b.Cooldown(),
		MaxCooldown: b.MaxCooldown(),
	}
}

// Ingester exposes the fragment ingestion facade for embedding callers.
func (a *App) Ingester() *ingest.Ingester { return a.ingester }

// Handler exposes the HTTP surface, mainly for httptest servers.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.hub.Shutdown()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
