package operations

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"time"

	"github.com/rendis/sagaflow/internal/expressions"
	"github.com/rendis/sagaflow/pkg/schema"
)

// DefaultMaxSleep caps any sleep request when no maximum is configured.
const DefaultMaxSleep = 7 * 24 * time.Hour

const sleepSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string", "minLength": 1},
    "duration_ms": {"type": "integer", "minimum": 0}
  },
  "minProperties": 1,
  "maxProperties": 1,
  "additionalProperties": false
}`

// maxDurationMS is the largest millisecond count a time.Duration holds.
const maxDurationMS = math.MaxInt64 / int64(time.Millisecond)

// durationSyntax matches an unsigned Go duration string such as "3000000h"
// or "1h30m0.5s".
var durationSyntax = regexp.MustCompile(`^\+?(\d+(\.\d*)?|\.\d+)(ns|us|µs|μs|ms|s|m|h)((\d+(\.\d*)?|\.\d+)(ns|us|µs|μs|ms|s|m|h))*$`)

type sleepOptions struct {
	Duration   string `json:"duration"`
	DurationMS *int64 `json:"duration_ms"`
}

// sleepOp pauses the step for min(requested, max). It only computes the
// duration; the runner turns it into a timer suspension that the expiry
// sweep resumes, so a long sleep holds no goroutine. The runner adds
// elapsed_ms to the output when the timer fires.
type sleepOp struct {
	max time.Duration
}

// NewSleep creates the sleep operation with the given hard maximum.
func NewSleep(max time.Duration) Operation {
	if max <= 0 {
		max = DefaultMaxSleep
	}
	return &sleepOp{max: max}
}

func (o *sleepOp) Type() string { return TypeSleep }

func (o *sleepOp) Definition() Definition {
	return Definition{
		Description:   "Pause the run for a duration (Go duration string or milliseconds), capped at the configured maximum " + o.max.String(),
		OptionsSchema: json.RawMessage(sleepSchema),
	}
}

// CheckOptions verifies the duration parses.
func (o *sleepOp) CheckOptions(options json.RawMessage) error {
	_, err := o.requested(options)
	return err
}

func (o *sleepOp) Execute(_ context.Context, options json.RawMessage, _ *expressions.Scope) (*Result, error) {
	requested, err := o.requested(options)
	if err != nil {
		return nil, err
	}

	actual, capped := o.Bound(requested)
	return &Result{
		Success: true,
		Data: map[string]any{
			"requested_ms": requested.Milliseconds(),
			"duration_ms":  actual.Milliseconds(),
			"capped":       capped,
		},
		Sleep: actual,
	}, nil
}

// Bound returns min(requested, max) and whether the cap applied.
func (o *sleepOp) Bound(requested time.Duration) (time.Duration, bool) {
	if requested > o.max {
		return o.max, true
	}
	return requested, false
}

func (o *sleepOp) requested(options json.RawMessage) (time.Duration, error) {
	var opts sleepOptions
	if err := decodeOptions(o.Type(), options, &opts); err != nil {
		return 0, err
	}

	if opts.DurationMS != nil {
		if *opts.DurationMS > maxDurationMS {
			return math.MaxInt64, nil
		}
		return time.Duration(*opts.DurationMS) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(opts.Duration)
	if err != nil {
		// Well-formed but past the int64 range: saturate so Bound caps it.
		if durationSyntax.MatchString(opts.Duration) {
			return math.MaxInt64, nil
		}
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", opts.Duration).WithCause(err)
	}
	if d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "sleep: negative duration %q", opts.Duration)
	}
	return d, nil
}
