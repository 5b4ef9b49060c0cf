package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recast/internal/model"
)

func intp(n int) *int { return &n }

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Step: 1, EntryID: "e-001", From: model.StatusQueued, To: model.StatusProcessing},
		{Seq: 2, Step: 1, EntryID: "e-001", From: model.StatusProcessing, To: model.StatusCompleted},
		{Seq: 3, Step: 1, EntryID: "e-002", From: model.StatusQueued, To: model.StatusProcessing},
		{Seq: 4, Step: 1, EntryID: "e-002", From: model.StatusProcessing, To: model.StatusFailed},
	}
	r.Entries = []EntryState{
		{ID: "e-001", SourceID: "ig_a", Platform: model.PlatformInstagram, Status: model.StatusCompleted, Priority: 1},
		{ID: "e-002", SourceID: "ig_a", Platform: model.PlatformYouTube, Status: model.StatusFailed, Priority: 1, RetryCount: 1},
	}
	return r
}

func TestEvaluateAssertion(t *testing.T) {
	tests := []struct {
		name    string
		a       Assertion
		wantErr string
	}{
		{"entry count all", Assertion{Type: AssertEntryCount, Count: 2}, ""},
		{"entry count by status", Assertion{Type: AssertEntryCount, Status: model.StatusFailed, Count: 1}, ""},
		{"entry count mismatch", Assertion{Type: AssertEntryCount, Status: model.StatusQueued, Count: 1}, "0 entries with status queued"},
		{"final state", Assertion{Type: AssertFinalState, Entry: "e-002", Expect: EntryCheck{Status: model.StatusFailed, RetryCount: intp(1)}}, ""},
		{"final state mismatch", Assertion{Type: AssertFinalState, Entry: "e-001", Expect: EntryCheck{Platform: model.PlatformYouTube, Priority: intp(3)}}, "platform=instagram (want youtube), priority=1 (want 3)"},
		{"final state missing", Assertion{Type: AssertFinalState, Entry: "e-404"}, "not found"},
		{"trace count", Assertion{Type: AssertTraceCount, To: model.StatusProcessing, Count: 2}, ""},
		{"trace count mismatch", Assertion{Type: AssertTraceCount, Count: 3}, "4 transitions"},
		{"trace order never completed", Assertion{Type: AssertTraceOrder, Entries: []string{"e-001", "e-002"}}, "never completed"},
		{"unknown", Assertion{Type: "vibes"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluateAssertion(sampleResult(), tt.a)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssertTraceOrder_OutOfOrder(t *testing.T) {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, EntryID: "e-002", To: model.StatusCompleted},
		{Seq: 2, EntryID: "e-001", To: model.StatusCompleted},
	}

	require.NoError(t, assertTraceOrder(r, Assertion{Entries: []string{"e-002", "e-001"}}))

	err := assertTraceOrder(r, Assertion{Entries: []string{"e-001", "e-002"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceOrder, ae.Type)
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestCheckExpect(t *testing.T) {
	errText := "invalid queue transition"
	prev := model.StatusCompleted

	msgs := checkExpect(Step{Action: ActionTick, Expect: &Expect{Claimed: intp(2), Failed: intp(0)}},
		StepReport{Claimed: 2, Failed: 1}, nil)
	assert.Equal(t, []string{"failed: expected 0, got 1"}, msgs)

	msgs = checkExpect(Step{Action: ActionCancel, Expect: &Expect{Error: &errText, PreviousStatus: &prev}},
		StepReport{PreviousStatus: model.StatusCompleted}, errors.New("cancel entry e-1: completed -> cancelled: invalid queue transition"))
	assert.Empty(t, msgs)

	msgs = checkExpect(Step{Action: ActionCancel, Expect: &Expect{Error: &errText}}, StepReport{}, nil)
	assert.Len(t, msgs, 1)

	msgs = checkExpect(Step{Action: ActionRank}, StepReport{}, errors.New("boom"))
	assert.Equal(t, []string{"unexpected error: boom"}, msgs)
}
