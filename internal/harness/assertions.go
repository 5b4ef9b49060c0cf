package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/recast/internal/model"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s: %s %s -> %s\n", ev.Seq, ev.Step, ev.EntryID, ev.Platform, ev.From, ev.To)
		}
	}
	return buf.String()
}

// checkExpect compares a step's outcome with its expect clause and returns
// one message per mismatch.
func checkExpect(step Step, got StepReport, err error) []string {
	exp := step.Expect
	if exp == nil {
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
		return nil
	}

	var msgs []string
	if exp.Error != nil {
		switch {
		case err == nil:
			msgs = append(msgs, fmt.Sprintf("expected error containing %q, got none", *exp.Error))
		case !strings.Contains(err.Error(), *exp.Error):
			msgs = append(msgs, fmt.Sprintf("expected error containing %q, got %q", *exp.Error, err.Error()))
		}
	} else if err != nil {
		msgs = append(msgs, fmt.Sprintf("unexpected error: %v", err))
	}

	counts := []struct {
		name string
		want *int
		got  int
	}{
		{"enqueued", exp.Enqueued, got.Enqueued},
		{"existing", exp.Existing, got.Existing},
		{"cooldown", exp.Cooldown, got.Cooldown},
		{"duplicates", exp.Duplicates, got.Duplicates},
		{"claimed", exp.Claimed, got.Claimed},
		{"completed", exp.Completed, got.Completed},
		{"failed", exp.Failed, got.Failed},
		{"skipped_daily_cap", exp.SkippedDailyCap, got.SkippedDailyCap},
		{"skipped_platform_cap", exp.SkippedPlatformCap, got.SkippedPlatformCap},
		{"requeued", exp.Requeued, got.Requeued},
	}
	for _, c := range counts {
		if c.want != nil && *c.want != c.got {
			msgs = append(msgs, fmt.Sprintf("%s: expected %d, got %d", c.name, *c.want, c.got))
		}
	}

	if exp.PreviousStatus != nil && *exp.PreviousStatus != got.PreviousStatus {
		msgs = append(msgs, fmt.Sprintf("previous_status: expected %s, got %s", *exp.PreviousStatus, got.PreviousStatus))
	}
	return msgs
}

// evaluateAssertion dispatches one assertion against a finished result.
func evaluateAssertion(r *Result, a Assertion) error {
	switch a.Type {
	case AssertEntryCount:
		return assertEntryCount(r, a)
	case AssertFinalState:
		return assertFinalState(r, a)
	case AssertTraceCount:
		return assertTraceCount(r, a)
	case AssertTraceOrder:
		return assertTraceOrder(r, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

func assertEntryCount(r *Result, a Assertion) error {
	n := 0
	for _, e := range r.Entries {
		if a.Status == "" || e.Status == a.Status {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertEntryCount,
			Expected: fmt.Sprintf("%d entries%s", a.Count, statusSuffix(a.Status)),
			Actual:   fmt.Sprintf("%d entries%s", n, statusSuffix(a.Status)),
		}
	}
	return nil
}

func assertFinalState(r *Result, a Assertion) error {
	var entry *EntryState
	for i := range r.Entries {
		if r.Entries[i].ID == a.Entry {
			entry = &r.Entries[i]
			break
		}
	}
	if entry == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("entry %s to exist", a.Entry),
			Actual:   "not found",
			Trace:    r.Trace,
		}
	}

	var diffs []string
	exp := a.Expect
	if exp.Status != "" && exp.Status != entry.Status {
		diffs = append(diffs, fmt.Sprintf("status=%s (want %s)", entry.Status, exp.Status))
	}
	if exp.SourceID != "" && exp.SourceID != entry.SourceID {
		diffs = append(diffs, fmt.Sprintf("source_id=%s (want %s)", entry.SourceID, exp.SourceID))
	}
	if exp.Platform != "" && exp.Platform != entry.Platform {
		diffs = append(diffs, fmt.Sprintf("platform=%s (want %s)", entry.Platform, exp.Platform))
	}
	if exp.Priority != nil && *exp.Priority != entry.Priority {
		diffs = append(diffs, fmt.Sprintf("priority=%d (want %d)", entry.Priority, *exp.Priority))
	}
	if exp.RetryCount != nil && *exp.RetryCount != entry.RetryCount {
		diffs = append(diffs, fmt.Sprintf("retry_count=%d (want %d)", entry.RetryCount, *exp.RetryCount))
	}
	if len(diffs) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("entry %s to match", a.Entry),
			Actual:   strings.Join(diffs, ", "),
			Trace:    r.Trace,
		}
	}
	return nil
}

func assertTraceCount(r *Result, a Assertion) error {
	n := 0
	for _, ev := range r.Trace {
		if a.To == "" || ev.To == a.To {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d transitions%s", a.Count, statusSuffix(a.To)),
			Actual:   fmt.Sprintf("%d transitions%s", n, statusSuffix(a.To)),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the listed entries completed in that order.
func assertTraceOrder(r *Result, a Assertion) error {
	completedAt := make(map[string]int)
	for _, ev := range r.Trace {
		if ev.To != model.StatusCompleted {
			continue
		}
		if _, ok := completedAt[ev.EntryID]; !ok {
			completedAt[ev.EntryID] = ev.Seq
		}
	}

	last := 0
	for _, id := range a.Entries {
		seq, ok := completedAt[id]
		if !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("entry %s to complete", id),
				Actual:   "never completed",
				Trace:    r.Trace,
			}
		}
		if seq < last {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("completion order %s", strings.Join(a.Entries, ", ")),
				Actual:   fmt.Sprintf("%s completed out of order", id),
				Trace:    r.Trace,
			}
		}
		last = seq
	}
	return nil
}

func statusSuffix(s model.Status) string {
	if s == "" {
		return ""
	}
	return " with status " + string(s)
}
