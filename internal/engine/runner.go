package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/recast/internal/ident"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/ranking"
)

// Runner defaults.
const (
	DefaultLeaseName = "pipeline"
	DefaultLeaseTTL  = 10 * time.Minute

	// runSlack covers ranking and outcome writes on top of the publishes.
	runSlack = 2 * time.Minute
)

// RunBudget is the longest a pipeline run can take when every entry of a
// full batch runs into the publish timeout one after another.
func RunBudget(batchSize int, publishTimeout time.Duration) time.Duration {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	return time.Duration(batchSize)*publishTimeout + runSlack
}

// Leaser grants a named, expiring lease to one holder at a time.
type Leaser interface {
	// Acquire takes or renews the lease for holder. It returns false while
	// another holder's lease is unexpired.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	// Release drops the lease if holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

// LeaseStore is the lease table of the queue store.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// StoreLeaser implements Leaser on the queue database.
type StoreLeaser struct {
	store LeaseStore
	clock Clock
}

// NewStoreLeaser creates a StoreLeaser. A nil clock uses the system clock.
func NewStoreLeaser(s LeaseStore, clock Clock) *StoreLeaser {
	if clock == nil {
		clock = SystemClock{}
	}
	return &StoreLeaser{store: s, clock: clock}
}

// Acquire implements Leaser.
func (l *StoreLeaser) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return l.store.AcquireLease(ctx, name, holder, l.clock.Now(), ttl)
}

// Release implements Leaser.
func (l *StoreLeaser) Release(ctx context.Context, name, holder string) error {
	return l.store.ReleaseLease(ctx, name, holder)
}

// Ranker is the ranking pass run before each tick.
type Ranker interface {
	Run(ctx context.Context) (ranking.Report, error)
}

// Ticker is the executor pass of a run.
type Ticker interface {
	TickAs(ctx context.Context, token string) (TickReport, error)
}

// EnqueueObserver counts entries the ranker enqueued.
type EnqueueObserver interface {
	AddEnqueued(n int)
}

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunToken string          `json:"run_token"`
	Ranking  *ranking.Report `json:"ranking,omitempty"`
	Tick     TickReport      `json:"tick"`
}

// RunnerConfig holds runner settings.
type RunnerConfig struct {
	LeaseName string
	LeaseTTL  time.Duration
	// RenewEvery is the lease renewal period during a run. Defaults to a
	// third of LeaseTTL.
	RenewEvery time.Duration
}

// Runner executes pipeline runs one at a time.
//
// Exclusion is layered: an in-process guard rejects overlapping calls
// without touching the database, and the lease rejects runs from other
// processes sharing the store.
type Runner struct {
	ranker   Ranker
	ticker   Ticker
	leaser   Leaser
	cfg      RunnerConfig
	ids      ident.Generator
	observer EnqueueObserver
	logger   logging.Logger
	running  atomic.Bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerTokens sets the run token generator.
func WithRunnerTokens(g ident.Generator) RunnerOption {
	return func(r *Runner) {
		r.ids = g
	}
}

// WithEnqueueObserver sets the observer for ranker enqueue counts.
func WithEnqueueObserver(o EnqueueObserver) RunnerOption {
	return func(r *Runner) {
		r.observer = o
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l logging.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner. A nil ranker disables the ranking step.
func NewRunner(ranker Ranker, ticker Ticker, leaser Leaser, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.LeaseName == "" {
		cfg.LeaseName = DefaultLeaseName
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RenewEvery <= 0 || cfg.RenewEvery >= cfg.LeaseTTL {
		cfg.RenewEvery = cfg.LeaseTTL / 3
	}
	r := &Runner{
		ranker: ranker,
		ticker: ticker,
		leaser: leaser,
		cfg:    cfg,
		ids:    ident.UUIDv7Generator{},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether a run is in progress in this process.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run ranks and then ticks the executor under a fresh run token.
//
// Returns ErrAlreadyRunning when another run holds the guard or the lease.
// A ranking failure is logged and the tick still runs; both errors are
// joined in the result.
func (r *Runner) Run(ctx context.Context) (RunReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	token := r.ids.Generate()
	report := RunReport{RunToken: token}
	log := r.logger.WithField("run_token", token)

	ok, err := r.leaser.Acquire(ctx, r.cfg.LeaseName, token, r.cfg.LeaseTTL)
	if err != nil {
		return report, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		return report, ErrAlreadyRunning
	}
	defer func() {
		if err := r.leaser.Release(context.WithoutCancel(ctx), r.cfg.LeaseName, token); err != nil {
			log.WithError(err).Warn("Failed to release run lease")
		}
	}()

	ctx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	stopRenew := r.keepLease(ctx, stopRun, token, log)
	defer stopRenew()

	var errs []error
	if r.ranker != nil {
		rep, err := r.ranker.Run(ctx)
		if err != nil {
			log.WithError(err).Error("Ranking failed")
			errs = append(errs, err)
		} else {
			report.Ranking = &rep
			if r.observer != nil {
				r.observer.AddEnqueued(rep.Enqueued)
			}
		}
	}

	tick, err := r.ticker.TickAs(ctx, token)
	report.Tick = tick
	if err != nil {
		log.WithError(err).Error("Executor tick failed")
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// keepLease renews the run lease every RenewEvery until the returned stop
// function is called. Losing the lease to another holder cancels the run,
// so no further entries are claimed.
func (r *Runner) keepLease(ctx context.Context, lost context.CancelFunc, token string, log logging.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.RenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.leaser.Acquire(ctx, r.cfg.LeaseName, token, r.cfg.LeaseTTL)
				if err != nil {
					log.WithError(err).Warn("Failed to renew run lease")
					continue
				}
				if !ok {
					log.Error("Run lease taken by another holder, stopping run")
					lost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
