package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/recast/internal/dedup"
	"github.com/roach88/recast/internal/engine"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/publish"
	"github.com/roach88/recast/internal/ranking"
	"github.com/roach88/recast/internal/store"
	"github.com/roach88/recast/internal/testutil"
)

// Harness wires the ranker, executor and retry policy to one store with a
// fixed clock and sequential ids.
type Harness struct {
	store    *store.Store
	clock    *testutil.FixedClock
	sink     *testutil.RecordingSink
	ranker   *ranking.Ranker
	executor *engine.Executor
	retry    *engine.RetryPolicy
	logger   logging.Logger
}

// New builds a harness for scenario over an already opened store.
func New(st *store.Store, scenario *Scenario, logger logging.Logger) *Harness {
	if logger == nil {
		logger = logging.Discard()
	}
	clock := testutil.NewFixedClock(scenario.Now)
	sink := &testutil.RecordingSink{}
	ids := testutil.NewSequenceGenerator("e")
	cfg := scenario.Config

	registry := publish.NewRegistry()
	for _, platform := range cfg.Platforms {
		registry.Register(platform, scriptedPublisher(platform, scenario.Publishers[platform]))
	}

	checker := dedup.New(st, dedup.WithNow(clock.Now))
	ranker := ranking.NewRanker(st, checker, ranking.Config{
		TopK:         cfg.TopK,
		CooldownDays: cfg.CooldownDays,
		Spacing:      cfg.Spacing,
		Platforms:    cfg.Platforms,
	}, ranking.WithNow(clock.Now), ranking.WithIDGenerator(ids), ranking.WithLogger(logger))

	executor := engine.NewExecutor(st, registry, engine.Config{
		BatchSize:           cfg.BatchSize,
		Concurrency:         1,
		MaxPostsPerDay:      cfg.MaxPostsPerDay,
		MaxPostsPerPlatform: cfg.MaxPostsPerPlatform,
	},
		engine.WithClock(clock),
		engine.WithSink(sink),
		engine.WithLogger(logger),
	)

	retry := engine.NewRetryPolicy(st, engine.RetryConfig{MaxAttempts: cfg.MaxAttempts},
		engine.WithRetryClock(clock),
		engine.WithRetryIDs(ids),
		engine.WithRetryLogger(logger),
	)

	return &Harness{
		store:    st,
		clock:    clock,
		sink:     sink,
		ranker:   ranker,
		executor: executor,
		retry:    retry,
		logger:   logger,
	}
}

// scriptedPublisher turns outcome names into a ScriptedPublisher.
func scriptedPublisher(platform model.Platform, scripts map[string][]string) *testutil.ScriptedPublisher {
	pub := testutil.NewScriptedPublisher(platform)
	sources := make([]string, 0, len(scripts))
	for source := range scripts {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		for _, o := range scripts[source] {
			switch o {
			case OutcomeTransient:
				pub.FailTransient(source, "scripted transient failure")
			case OutcomeConfig:
				pub.FailConfig(source, "scripted config failure")
			default:
				pub.On(source, testutil.Outcome{})
			}
		}
	}
	return pub
}

// Run executes scenario against a throwaway SQLite database.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "recast-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "recast.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	return New(st, scenario, nil).Run(ctx, scenario)
}

// Run seeds content and executes every step in order. The returned error
// covers harness failures only; failed expectations are recorded in the
// Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	result := NewResult()

	for _, item := range scenario.Content {
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = scenario.Now
		}
		if err := h.store.UpsertContentItem(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to seed content %s: %w", item.SourceID, err)
		}
	}

	seen := 0
	for i, step := range scenario.Steps {
		stepNo := i + 1
		report, err := h.runStep(ctx, stepNo, step)
		if err != nil {
			report.Err = err.Error()
		}
		result.Steps = append(result.Steps, report)

		transitions := h.sink.Transitions()
		for _, t := range transitions[seen:] {
			result.Trace = append(result.Trace, TraceEvent{
				Seq:      len(result.Trace) + 1,
				Step:     stepNo,
				Action:   step.Action,
				EntryID:  t.EntryID,
				Platform: t.Platform,
				From:     t.From,
				To:       t.To,
				Error:    t.ErrorMessage,
			})
		}
		seen = len(transitions)

		for _, msg := range checkExpect(step, report, err) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", stepNo, step.Action, msg))
		}
	}

	entries, err := h.store.ListEntries(ctx, store.EntryFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for _, e := range entries {
		result.Entries = append(result.Entries, EntryState{
			ID:         e.ID,
			SourceID:   e.SourceContentID,
			Platform:   e.TargetPlatform,
			Status:     e.Status,
			Priority:   e.Priority,
			RetryCount: e.RetryCount,
		})
	}

	for _, a := range scenario.Assertions {
		if err := evaluateAssertion(result, a); err != nil {
			result.AddError(err.Error())
		}
	}

	h.logger.WithFields(logging.Fields{
		"scenario": scenario.Name,
		"steps":    len(scenario.Steps),
		"pass":     result.Pass,
	}).Debug("Scenario finished")
	return result, nil
}

func (h *Harness) runStep(ctx context.Context, stepNo int, step Step) (StepReport, error) {
	var report StepReport

	switch step.Action {
	case ActionRank:
		r, err := h.ranker.Run(ctx)
		report.Enqueued = r.Enqueued
		report.Existing = r.Existing
		report.Cooldown = r.Cooldown
		report.Duplicates = r.Duplicates
		return report, err

	case ActionTick:
		r, err := h.executor.TickAs(ctx, fmt.Sprintf("tick-%d", stepNo))
		report.Claimed = r.Claimed
		report.Completed = r.Completed
		report.Failed = r.Failed
		report.SkippedDailyCap = r.SkippedDailyCap
		report.SkippedPlatformCap = r.SkippedPlatformCap
		if err == nil && len(r.Errors) > 0 {
			err = errors.New(r.Errors[0])
		}
		return report, err

	case ActionRetry:
		r, err := h.retry.Sweep(ctx)
		report.Requeued = r.Requeued
		return report, err

	case ActionCancel:
		prior, err := h.executor.Cancel(ctx, step.Entry)
		report.PreviousStatus = prior
		return report, err

	case ActionAdvance:
		h.clock.Advance(step.Duration)
		return report, nil
	}
	return report, fmt.Errorf("unknown action %q", step.Action)
}
