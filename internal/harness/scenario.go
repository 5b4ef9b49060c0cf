package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/recast/internal/model"
)

// Scenario defines one queue scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Now is the fixed clock's starting time.
	Now time.Time `yaml:"now"`

	Config Settings `yaml:"config"`

	// Content is upserted before the first step.
	Content []model.ContentItem `yaml:"content"`

	// Publishers scripts outcomes per platform and source id. Unscripted
	// publishes succeed.
	Publishers map[model.Platform]map[string][]string `yaml:"publishers,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Settings are the engine knobs a scenario may set. Zero values take the
// engine defaults.
type Settings struct {
	Platforms           []model.Platform `yaml:"platforms"`
	TopK                int              `yaml:"top_k"`
	CooldownDays        int              `yaml:"cooldown_days"`
	Spacing             time.Duration    `yaml:"spacing"`
	BatchSize           int              `yaml:"batch_size"`
	MaxPostsPerDay      int              `yaml:"max_posts_per_day"`
	MaxPostsPerPlatform int              `yaml:"max_posts_per_platform"`
	MaxAttempts         int              `yaml:"max_attempts"`
}

// Step is one scenario action.
type Step struct {
	Action string `yaml:"action"`
	// Entry is the entry id for cancel.
	Entry string `yaml:"entry,omitempty"`
	// Duration is the clock advance for advance.
	Duration time.Duration `yaml:"duration,omitempty"`
	Expect   *Expect       `yaml:"expect,omitempty"`
}

// Expect checks a step's counters. Only set fields are compared.
type Expect struct {
	Enqueued           *int          `yaml:"enqueued,omitempty"`
	Existing           *int          `yaml:"existing,omitempty"`
	Cooldown           *int          `yaml:"cooldown,omitempty"`
	Duplicates         *int          `yaml:"duplicates,omitempty"`
	Claimed            *int          `yaml:"claimed,omitempty"`
	Completed          *int          `yaml:"completed,omitempty"`
	Failed             *int          `yaml:"failed,omitempty"`
	SkippedDailyCap    *int          `yaml:"skipped_daily_cap,omitempty"`
	SkippedPlatformCap *int          `yaml:"skipped_platform_cap,omitempty"`
	Requeued           *int          `yaml:"requeued,omitempty"`
	PreviousStatus     *model.Status `yaml:"previous_status,omitempty"`
	// Error is a substring the step's error must contain.
	Error *string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final queue.
type Assertion struct {
	// Type is one of entry_count, final_state, trace_count or trace_order.
	Type string `yaml:"type"`

	// Status filters entry_count; empty counts every entry.
	Status model.Status `yaml:"status,omitempty"`
	// Count is the expected number for entry_count and trace_count.
	Count int `yaml:"count,omitempty"`

	// Entry and Expect drive final_state.
	Entry  string     `yaml:"entry,omitempty"`
	Expect EntryCheck `yaml:"expect,omitempty"`

	// To filters trace_count by target status.
	To model.Status `yaml:"to,omitempty"`

	// Entries lists entry ids in the order their first completion must
	// appear, for trace_order.
	Entries []string `yaml:"entries,omitempty"`
}

// EntryCheck is a subset match against one final entry.
type EntryCheck struct {
	Status     model.Status   `yaml:"status,omitempty"`
	SourceID   string         `yaml:"source_id,omitempty"`
	Platform   model.Platform `yaml:"platform,omitempty"`
	Priority   *int           `yaml:"priority,omitempty"`
	RetryCount *int           `yaml:"retry_count,omitempty"`
}

// Step actions.
const (
	ActionRank    = "rank"
	ActionTick    = "tick"
	ActionRetry   = "retry"
	ActionCancel  = "cancel"
	ActionAdvance = "advance"
)

// Assertion types.
const (
	AssertEntryCount = "entry_count"
	AssertFinalState = "final_state"
	AssertTraceCount = "trace_count"
	AssertTraceOrder = "trace_order"
)

// Publisher outcome scripts.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeConfig    = "config"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Now.IsZero() {
		return fmt.Errorf("now is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Config.Platforms) == 0 {
		return fmt.Errorf("config.platforms must be non-empty")
	}
	for _, p := range s.Config.Platforms {
		if !p.Valid() {
			return fmt.Errorf("config.platforms: unknown platform %q", p)
		}
	}

	for i, item := range s.Content {
		if item.SourceID == "" {
			return fmt.Errorf("content[%d]: source_id is required", i)
		}
	}

	for platform, scripts := range s.Publishers {
		if !platform.Valid() {
			return fmt.Errorf("publishers: unknown platform %q", platform)
		}
		for source, outcomes := range scripts {
			for _, o := range outcomes {
				switch o {
				case OutcomeOK, OutcomeTransient, OutcomeConfig:
				default:
					return fmt.Errorf("publishers.%s.%s: unknown outcome %q", platform, source, o)
				}
			}
		}
	}

	for i, step := range s.Steps {
		switch step.Action {
		case ActionRank, ActionTick, ActionRetry:
		case ActionCancel:
			if step.Entry == "" {
				return fmt.Errorf("steps[%d]: cancel requires entry", i)
			}
		case ActionAdvance:
			if step.Duration <= 0 {
				return fmt.Errorf("steps[%d]: advance requires a positive duration", i)
			}
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertEntryCount, AssertTraceCount:
		case AssertFinalState:
			if a.Entry == "" {
				return fmt.Errorf("assertions[%d]: final_state requires entry", i)
			}
		case AssertTraceOrder:
			if len(a.Entries) < 2 {
				return fmt.Errorf("assertions[%d]: trace_order requires at least two entries", i)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}
