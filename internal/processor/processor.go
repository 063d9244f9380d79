package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Result is what a successful run produces
type Result struct {
	Output     json.RawMessage
	ActualCost int64
}

// Processor performs the work of one tool. It knows nothing about billing or queueing.
type Processor interface {
	Slug() string
	// Estimate returns the credits to reserve for input, or a *domain.ValidationError
	Estimate(input []byte) (int64, error)
	// Process returns errors wrapped with domain.Transient or domain.Permanent
	Process(ctx context.Context, job *domain.ToolJob) (*Result, error)
}

// Validator is implemented by tool inputs that check their own invariants
type Validator interface {
	Validate() error
}

// Typed adapts a strongly typed tool to the Processor interface. The queue only ever
// sees raw JSON; decoding and validation happen here, at the processor boundary.
type Typed[In any] struct {
	slug     string
	estimate func(in In) (int64, error)
	process  func(ctx context.Context, job *domain.ToolJob, in In) (*Result, error)
}

// NewTyped creates a Processor from typed estimate and process functions
func NewTyped[In any](
	slug string,
	estimate func(in In) (int64, error),
	process func(ctx context.Context, job *domain.ToolJob, in In) (*Result, error),
) *Typed[In] {
	return &Typed[In]{slug: slug, estimate: estimate, process: process}
}

func (t *Typed[In]) Slug() string {
	return t.slug
}

// Decode parses raw into In, rejecting unknown fields, then runs its Validate method if any
func (t *Typed[In]) Decode(raw []byte) (In, error) {
	var in In
	if len(bytes.TrimSpace(raw)) == 0 {
		return in, domain.NewValidationError("input", "is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, domain.NewValidationError("input", "invalid %s input: %v", t.slug, err)
	}
	if dec.More() {
		return in, domain.NewValidationError("input", "unexpected data after %s input", t.slug)
	}

	if v, ok := any(&in).(Validator); ok {
		if err := v.Validate(); err != nil {
			return in, err
		}
	}
	return in, nil
}

func (t *Typed[In]) Estimate(raw []byte) (int64, error) {
	in, err := t.Decode(raw)
	if err != nil {
		return 0, err
	}
	cost, err := t.estimate(in)
	if err != nil {
		return 0, err
	}
	if cost < 0 {
		return 0, fmt.Errorf("%s estimated a negative cost %d", t.slug, cost)
	}
	return cost, nil
}

func (t *Typed[In]) Process(ctx context.Context, job *domain.ToolJob) (*Result, error) {
	in, err := t.Decode(job.Input)
	if err != nil {
		return nil, domain.Permanent(err)
	}

	res, err := t.process(ctx, job, in)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if res == nil || len(res.Output) == 0 {
		return nil, domain.Permanent(errors.New(t.slug + " returned no output"))
	}
	return res, nil
}

// classify leaves explicitly classified errors alone. Cancellation is transient and
// anything else is treated as transient so that the attempt budget decides.
func classify(ctx context.Context, err error) error {
	var (
		transient *domain.TransientProcessingError
		permanent *domain.PermanentProcessingError
	)
	if errors.As(err, &transient) || errors.As(err, &permanent) {
		return err
	}
	if domain.IsPermanent(err) {
		return domain.Permanent(err)
	}
	if ctx.Err() != nil {
		return domain.Transient(fmt.Errorf("%w: %w", ctx.Err(), err))
	}
	return domain.Transient(err)
}
