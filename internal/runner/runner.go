// Package runner is the run driver: it wires the database, scheduler, cache
// bridge and lint pass together for one engine handle, sequences each run
// (advance step, build, lint, reports, flush), and hands deferred
// after-actions back to the caller so reporting failures can never mask
// build failures.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stepforge/stepforge/internal/cache"
	"github.com/stepforge/stepforge/internal/config"
	"github.com/stepforge/stepforge/internal/ctxlog"
	"github.com/stepforge/stepforge/internal/database"
	"github.com/stepforge/stepforge/internal/events"
	"github.com/stepforge/stepforge/internal/lint"
	"github.com/stepforge/stepforge/internal/registry"
	"github.com/stepforge/stepforge/internal/scheduler"
)

// Options configures Open.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry

	// Remote supplies the transport for Config.RemoteCache. The engine only
	// defines the contract; a nil Remote leaves the remote tier disabled.
	Remote cache.Remote

	Logger *slog.Logger

	// Extras is the process-wide typed side table: each entry's tag must
	// name the dynamic type of its value, validated at Open.
	Extras map[string]any
}

// After holds the deferred actions of one run, for execution by the caller
// outside the build's error handling.
type After []func(ctx context.Context) error

// Run executes the actions in order, returning the first failure.
func (a After) Run(ctx context.Context) error {
	for _, fn := range a {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Handle is one open engine instance. Runs are serialized; the handle owns
// the database, the cache bridge and the event bus for its lifetime.
type Handle struct {
	cfg    *config.Config
	reg    *registry.Registry
	db     *database.DB
	bridge *cache.Bridge
	bus    *events.Bus
	log    *slog.Logger
	extras map[string]any

	mu      sync.Mutex
	created []scheduler.CreatedPair
	errs    []error
}

// Open validates options, opens the database, and prepares the cache bridge
// and event stream.
func Open(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("runner: no registry supplied")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := checkExtras(opts.Extras); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, database.Options{
		Path:     cfg.DatabasePath,
		Registry: opts.Registry,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	var bridge *cache.Bridge
	if cfg.CacheDir != "" {
		var copts []cache.Option
		copts = append(copts, cache.WithLogger(log))
		if cfg.RemoteCache != "" && opts.Remote != nil {
			copts = append(copts, cache.WithRemote(opts.Remote))
		}
		bridge, err = cache.NewBridge(cfg.CacheDir, copts...)
		if err != nil {
			db.CloseNow()
			return nil, err
		}
	}

	h := &Handle{
		cfg:    cfg,
		reg:    opts.Registry,
		db:     db,
		bridge: bridge,
		bus:    events.NewBus(),
		log:    log,
		extras: opts.Extras,
	}
	go h.consumeEvents(h.bus.SubscribeAll(0))
	return h, nil
}

// Run resolves the given top-level keys. The step counter advances exactly
// once, before any scheduling. On build success the optional lint pass runs
// and report files are written; lint findings come back as the error while
// the built results remain valid. The returned After actions are the
// caller's to execute.
func (h *Handle) Run(ctx context.Context, keys ...registry.Key) (After, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx = ctxlog.WithLogger(ctx, h.log)

	if _, err := h.db.AdvanceStep(ctx); err != nil {
		return nil, err
	}

	sched := scheduler.New(h.db, h.reg, scheduler.Options{
		Workers: h.cfg.Workers,
		Staunch: h.cfg.Staunch,
		Bridge:  h.bridge,
		Bus:     h.bus,
	})

	_, buildErr := sched.Build(ctx, keys...)

	h.created = append(h.created, sched.Created()...)
	if buildErr != nil {
		h.errs = append(h.errs, buildErr)
	}
	after := After(sched.AfterActions())

	if buildErr != nil {
		return after, buildErr
	}

	if err := h.writeReports(); err != nil {
		h.log.Warn("runner: failed to write reports", "error", err)
	}

	if h.cfg.Lint {
		if lintErr := lint.Check(ctx, h.db, h.reg, h.created); lintErr != nil {
			return after, lintErr
		}
	}
	return after, nil
}

// Reset prepares the handle for a fresh run without discarding history.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.db.Reset()
}

// Errors returns every build error observed over the handle's lifetime.
func (h *Handle) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// Database exposes the underlying database for read-only introspection.
func (h *Handle) Database() *database.DB {
	return h.db
}

// Close flushes and compacts the journal and releases all resources.
func (h *Handle) Close(ctx context.Context) error {
	h.bus.Close()
	return h.db.Close(ctx)
}

// consumeEvents turns bus traffic into log lines according to verbosity:
// 0 reports only failures, 1 adds per-task build lines, 2 everything.
func (h *Handle) consumeEvents(ch <-chan events.Event) {
	v := h.cfg.Verbosity
	for ev := range ch {
		switch e := ev.(type) {
		case events.TaskFailedEvent:
			h.log.Error("task failed", "key", e.Key.String(), "error", e.Err)
		case events.TaskBuiltEvent:
			if v >= 1 {
				h.log.Info("built", "key", e.Key.String(), "took", e.Duration, "changed", e.Changed)
			}
		case events.TaskCacheHitEvent:
			if v >= 1 {
				h.log.Info("cache hit", "key", e.Key.String())
			}
		case events.TaskReusedEvent:
			if v >= 2 {
				h.log.Debug("reused", "key", e.Key.String())
			}
		case events.TaskStartedEvent:
			if v >= 2 {
				h.log.Debug("started", "key", e.Key.String())
			}
		case events.RunFinishedEvent:
			if v >= 1 {
				h.log.Info("run finished",
					"built", e.Built, "reused", e.Reused,
					"cache_hits", e.CacheHits, "failed", e.Failed)
			}
		}
	}
}

// checkExtras validates the typed side table: every tag must name the
// dynamic type of its value.
func checkExtras(extras map[string]any) error {
	for tag, v := range extras {
		if got := fmt.Sprintf("%T", v); got != tag {
			return &MismatchedExtraError{Tag: tag, Got: got}
		}
	}
	return nil
}
