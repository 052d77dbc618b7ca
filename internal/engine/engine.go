// Package engine coordinates the replication lifecycle: discovering source
// files, advancing each job through staging, publish and verification on
// both targets, and removing sources once every copy has proven itself.
//
// A single dispatcher goroutine owns discovery and scheduling. Workers
// execute exactly one step per dispatch and every step persists its outcome
// before the job becomes eligible again, so the engine can be killed at any
// instant and resume from the state database.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/config"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/copier"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/event"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/filter"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/model"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/stats"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/store"
)

// Archiver moves expired job records out of the state database. Nil disables
// retention.
type Archiver interface {
	Sweep(ctx context.Context) (int, error)
}

// Options wires an Engine's collaborators.
type Options struct {
	Config   config.Config
	Store    *store.Store
	Copier   *copier.Copier
	Filter   *filter.Set
	Log      *slog.Logger
	Stats    *stats.Collector
	Events   *event.Ring
	Archiver Archiver
}

// Engine runs the replication loop.
type Engine struct {
	cfg      config.Config
	store    *store.Store
	cop      *copier.Copier
	filt     *filter.Set
	log      *slog.Logger
	stats    *stats.Collector
	events   *event.Ring
	archiver Archiver

	locks    *lockTable
	sem      chan struct{} // worker slots
	wg       sync.WaitGroup
	draining atomic.Bool

	// fatalc carries a state store failure out of the dispatch path. No
	// progress can be recorded without the store, so the loop stops.
	fatalc chan error

	// settle tracks source files waiting to stop changing. Touched only by
	// the dispatcher goroutine.
	settle map[string]candidate

	// base parents all step contexts. It is independent of Run's ctx so
	// cancellation starts a drain instead of aborting in-flight copies; it
	// is cut only when the grace period runs out.
	base       context.Context
	cancelBase context.CancelFunc
}

// New creates an Engine from opts.
func New(opts Options) *Engine {
	workers := opts.Config.Replication.Workers
	if workers <= 0 {
		workers = 1
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Events == nil {
		opts.Events = event.NewRing(0)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        opts.Config,
		store:      opts.Store,
		cop:        opts.Copier,
		filt:       opts.Filter,
		log:        opts.Log,
		stats:      opts.Stats,
		events:     opts.Events,
		archiver:   opts.Archiver,
		locks:      newLockTable(),
		sem:        make(chan struct{}, workers),
		fatalc:     make(chan error, 1),
		settle:     make(map[string]candidate),
		base:       base,
		cancelBase: cancel,
	}
}

// Run executes the replication loop until ctx is cancelled, then drains
// in-flight steps within the shutdown grace period.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.cop.Prepare(e.cfg.Targets.Primary.Root, e.cfg.Targets.Research.Root); err != nil {
		return err
	}
	if err := e.recover(ctx); err != nil {
		return err
	}

	scan := time.NewTicker(e.cfg.Replication.ScanInterval.Std())
	defer scan.Stop()
	tick := time.NewTicker(e.cfg.Replication.TickInterval.Std())
	defer tick.Stop()

	var retire <-chan time.Time
	if e.archiver != nil && e.cfg.Retention.Interval.Std() > 0 {
		rt := time.NewTicker(e.cfg.Retention.Interval.Std())
		defer rt.Stop()
		retire = rt.C
	}

	e.log.Info("engine running",
		"workers", cap(e.sem),
		"scan_interval", e.cfg.Replication.ScanInterval.Std(),
		"tick_interval", e.cfg.Replication.TickInterval.Std())

	// First pass immediately; resumed jobs should not wait a full interval.
	e.discover(ctx)
	e.advanceDue(ctx)
	e.stats.MarkTick()

	for {
		select {
		case <-ctx.Done():
			return e.drain()
		case err := <-e.fatalc:
			e.log.Error("state store unavailable, stopping", "error", err)
			_ = e.drain()
			return err
		case <-scan.C:
			e.discover(ctx)
			e.stats.MarkTick()
		case <-tick.C:
			e.advanceDue(ctx)
			e.stats.MarkTick()
		case <-retire:
			e.retire(ctx)
		}
	}
}

// advanceDue dispatches one step for every runnable job, bounded by the
// worker pool.
func (e *Engine) advanceDue(ctx context.Context) {
	jobs, err := e.store.ListIncomplete(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.fatal(fmt.Errorf("list incomplete jobs: %w", err))
		return
	}
	now := time.Now()
	for _, job := range jobs {
		if e.draining.Load() {
			return
		}
		if !job.Runnable(now) {
			continue
		}
		select {
		case e.sem <- struct{}{}:
		default:
			return // pool saturated; the rest wait for the next tick
		}
		if !e.locks.TryLock(job.ID) {
			<-e.sem
			continue
		}
		e.wg.Add(1)
		go func(j *model.Job) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			defer e.locks.Unlock(j.ID)
			if e.draining.Load() {
				return
			}
			e.step(j)
		}(job)
	}
}

// fatal hands a store failure to the run loop. Only the first report is
// kept; by then the loop is already on its way down.
func (e *Engine) fatal(err error) {
	select {
	case e.fatalc <- err:
	default:
	}
}

// persistFailed handles a failed state write. Progress that cannot be
// recorded must not keep going, so the caller returns and the process
// goes down; restart recovery reconciles whatever the filesystem got
// ahead on. Cancellation is not a store fault, a drain is already
// underway.
func (e *Engine) persistFailed(op string, err error, attrs ...any) {
	if errors.Is(err, context.Canceled) {
		return
	}
	e.log.Error(op, append(attrs, "error", err)...)
	e.fatal(fmt.Errorf("%s: %w", op, err))
}

// drain stops admitting work, waits out in-flight steps for the grace
// period, then cuts their contexts and waits for them to unwind.
func (e *Engine) drain() error {
	e.draining.Store(true)
	e.log.Info("draining", "grace", e.cfg.Shutdown.Grace.Std())

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(e.cfg.Shutdown.Grace.Std()):
		graceful = false
		e.cancelBase()
		<-done
	}
	e.cancelBase()

	snap := e.stats.Snapshot()
	if !graceful {
		e.log.Warn("shutdown grace expired, in-flight steps aborted", "summary", snap.String())
		return nil
	}
	e.log.Info("engine stopped", "summary", snap.String())
	return nil
}

// retire delegates one retention sweep to the archiver.
func (e *Engine) retire(ctx context.Context) {
	n, err := e.archiver.Sweep(ctx)
	if err != nil {
		e.log.Error("retention sweep", "error", err)
	}
	if n > 0 {
		e.stats.AddJobsArchived(int64(n))
		e.events.Record(event.Event{Type: event.JobsArchived, Size: int64(n)})
		e.log.Info("job records archived", "count", n)
	}
}
