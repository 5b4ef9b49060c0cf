package harness

import (
	"github.com/roach88/recast/internal/model"
)

// TraceEvent is one status transition observed while running a scenario.
type TraceEvent struct {
	Seq      int            `json:"seq"`
	Step     int            `json:"step"`
	Action   string         `json:"action"`
	EntryID  string         `json:"entry_id"`
	Platform model.Platform `json:"platform"`
	From     model.Status   `json:"from"`
	To       model.Status   `json:"to"`
	Error    string         `json:"error,omitempty"`
}

// EntryState is the final state of one queue entry.
type EntryState struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	Platform   model.Platform `json:"platform"`
	Status     model.Status   `json:"status"`
	Priority   int            `json:"priority"`
	RetryCount int            `json:"retry_count"`
}

// StepReport holds the counters one step produced. Only the fields of the
// step's action are set.
type StepReport struct {
	Enqueued           int          `json:"enqueued,omitempty"`
	Existing           int          `json:"existing,omitempty"`
	Cooldown           int          `json:"cooldown,omitempty"`
	Duplicates         int          `json:"duplicates,omitempty"`
	Claimed            int          `json:"claimed,omitempty"`
	Completed          int          `json:"completed,omitempty"`
	Failed             int          `json:"failed,omitempty"`
	SkippedDailyCap    int          `json:"skipped_daily_cap,omitempty"`
	SkippedPlatformCap int          `json:"skipped_platform_cap,omitempty"`
	Requeued           int          `json:"requeued,omitempty"`
	PreviousStatus     model.Status `json:"previous_status,omitempty"`
	Err                string       `json:"error,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass    bool         `json:"pass"`
	Trace   []TraceEvent `json:"trace"`
	Steps   []StepReport `json:"steps"`
	Entries []EntryState `json:"entries"`
	Errors  []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Steps:   []StepReport{},
		Entries: []EntryState{},
	}
}

// AddError records a failed check and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
