package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Limits is a request ceiling over a fixed window
type Limits struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

// Policy holds independent ceilings for authenticated and anonymous callers
type Policy struct {
	Authenticated Limits `yaml:"authenticated"`
	Anonymous     Limits `yaml:"anonymous"`
}

// Config maps tools to policies; tools without an entry use Default
type Config struct {
	Default Policy            `yaml:"default"`
	Tools   map[string]Policy `yaml:"tools"`
}

// PolicyFor returns the policy that applies to a tool
func (c Config) PolicyFor(toolSlug string) Policy {
	if p, ok := c.Tools[toolSlug]; ok {
		return p
	}
	return c.Default
}

// Validate checks every configured window spec
func (c Config) Validate() error {
	check := func(name string, l Limits) error {
		if l.Limit <= 0 {
			return fmt.Errorf("rate limit %s: limit must be greater than 0", name)
		}
		if _, err := ParseWindow(l.Window); err != nil {
			return fmt.Errorf("rate limit %s: %w", name, err)
		}
		return nil
	}

	if err := check("default.authenticated", c.Default.Authenticated); err != nil {
		return err
	}
	if err := check("default.anonymous", c.Default.Anonymous); err != nil {
		return err
	}
	for slug, p := range c.Tools {
		if err := check(slug+".authenticated", p.Authenticated); err != nil {
			return err
		}
		if err := check(slug+".anonymous", p.Anonymous); err != nil {
			return err
		}
	}
	return nil
}

// Window is the state of one counting window after an increment
type Window struct {
	Start time.Time
	End   time.Time
	Count int
}

// Store atomically counts a request against the window containing now,
// opening a fresh window with count 1 when none covers now.
type Store interface {
	Increment(ctx context.Context, identifier, toolSlug string, window time.Duration, now time.Time) (Window, error)
}

// Purger removes windows that ended before the cutoff
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed     bool
	Count       int
	Limit       int
	WindowStart time.Time
	WindowEnd   time.Time
	RetryAfter  time.Duration
}

// Limiter enforces fixed-window request ceilings per (identifier, tool)
type Limiter struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a new Limiter
func NewLimiter(store Store, config Config, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Check counts one request for identifier on toolSlug and compares it with limits
func (l *Limiter) Check(ctx context.Context, identifier, toolSlug string, limits Limits) (Decision, error) {
	window, err := ParseWindow(limits.Window)
	if err != nil {
		return Decision{}, err
	}

	now := l.now().UTC()
	w, err := l.store.Increment(ctx, identifier, toolSlug, window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	d := Decision{
		Allowed:     w.Count <= limits.Limit,
		Count:       w.Count,
		Limit:       limits.Limit,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}
	if !d.Allowed {
		d.RetryAfter = w.End.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
		l.logger.Info("Rate limit exceeded",
			slog.String("identifier", identifier),
			slog.String("tool_slug", toolSlug),
			slog.Int("count", w.Count),
			slog.Int("limit", limits.Limit),
			slog.Duration("retry_after", d.RetryAfter),
		)
	}

	return d, nil
}

// CheckActor picks the caller identity and the authenticated or anonymous ceiling,
// returning a RateLimitedError when the request is over the limit
func (l *Limiter) CheckActor(ctx context.Context, actor domain.Actor, toolSlug string) error {
	identifier := actor.RateLimitIdentifier()
	if identifier == "" {
		return domain.NewValidationError("actor", "caller identity is required")
	}

	policy := l.config.PolicyFor(toolSlug)
	limits := policy.Anonymous
	if actor.IsAuthenticated() {
		limits = policy.Authenticated
	}

	d, err := l.Check(ctx, identifier, toolSlug, limits)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &domain.RateLimitedError{
			Identifier: identifier,
			ToolSlug:   toolSlug,
			RetryAfter: d.RetryAfter,
		}
	}
	return nil
}
