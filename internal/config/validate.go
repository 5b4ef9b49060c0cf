package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSrc string

// Validation error codes (E200-E299)
const (
	ErrSchema           = "E200" // value rejected by the CUE schema
	ErrTimezone         = "E201" // timezone cannot be loaded
	ErrPlatformEndpoint = "E202" // enabled platform has no endpoint
	ErrRetryDelays      = "E203" // retry.max_delay below retry.base_delay
	ErrRedisAddr        = "E204" // redis lease backend without redis.addr
	ErrSchemaCompile    = "E299" // embedded schema failed to compile
)

// ValidationError represents one rejected setting.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is every problem found in one configuration.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

var (
	schemaMu   sync.Mutex
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSrc, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = err
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// Validate checks cfg against the schema and cross-field rules.
// Returns all errors found (does not fail-fast).
func Validate(cfg Config) ValidationErrors {
	var errs ValidationErrors

	ctx, def, err := loadSchema()
	if err != nil {
		return ValidationErrors{{Field: "schema", Message: err.Error(), Code: ErrSchemaCompile}}
	}

	// Nil collections encode as null, which the schema rejects.
	if cfg.Platforms == nil {
		cfg.Platforms = map[string]PlatformConfig{}
	}
	if cfg.Kafka.Brokers == nil {
		cfg.Kafka.Brokers = []string{}
	}

	schemaMu.Lock()
	unified := def.Unify(ctx.Encode(cfg))
	err = unified.Validate(cue.Concrete(true))
	schemaMu.Unlock()
	if err != nil {
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			errs = append(errs, ValidationError{
				Field:   strings.Join(e.Path(), "."),
				Message: fmt.Sprintf(format, args...),
				Code:    ErrSchema,
			})
		}
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "timezone",
				Message: fmt.Sprintf("unknown timezone %q", cfg.Timezone),
				Code:    ErrTimezone,
			})
		}
	}

	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if pc := cfg.Platforms[name]; pc.Enabled && pc.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "platforms." + name + ".endpoint",
				Message: "enabled platform requires an endpoint",
				Code:    ErrPlatformEndpoint,
			})
		}
	}

	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, ValidationError{
			Field:   "retry.max_delay",
			Message: fmt.Sprintf("%s is below retry.base_delay %s", cfg.Retry.MaxDelay, cfg.Retry.BaseDelay),
			Code:    ErrRetryDelays,
		})
	}

	if cfg.Lease.Backend == LeaseRedis && cfg.Redis.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.addr",
			Message: "redis lease backend requires redis.addr",
			Code:    ErrRedisAddr,
		})
	}

	return errs
}
