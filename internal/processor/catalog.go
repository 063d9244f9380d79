package processor

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// Tool holds the catalog settings of one tool
type Tool struct {
	Slug        string        `yaml:"slug"`
	BaseCost    int64         `yaml:"base_cost"`
	UnitCost    int64         `yaml:"unit_cost"`
	MaxAttempts int           `yaml:"max_attempts"`
	TTL         time.Duration `yaml:"ttl"`
	Timeout     time.Duration `yaml:"timeout"`
	Priority    int           `yaml:"priority"`
	// Anonymous allows callers without a user identity; their jobs are not metered
	Anonymous bool `yaml:"anonymous"`
}

// Cost is BaseCost plus UnitCost per measured unit
func (t Tool) Cost(units int64) int64 {
	if units < 0 {
		units = 0
	}
	return t.BaseCost + units*t.UnitCost
}

// Catalog is the set of tools the service offers, keyed by slug
type Catalog map[string]Tool

// NewCatalog validates tools and indexes them by slug
func NewCatalog(tools []Tool) (Catalog, error) {
	c := make(Catalog, len(tools))
	for _, t := range tools {
		if t.Slug == "" {
			return nil, fmt.Errorf("tool slug is required")
		}
		if _, dup := c[t.Slug]; dup {
			return nil, fmt.Errorf("tool %q listed twice", t.Slug)
		}
		if t.BaseCost < 0 || t.UnitCost < 0 {
			return nil, fmt.Errorf("tool %q: costs must not be negative", t.Slug)
		}
		if t.MaxAttempts <= 0 {
			return nil, fmt.Errorf("tool %q: max_attempts must be greater than 0", t.Slug)
		}
		if t.TTL <= 0 {
			return nil, fmt.Errorf("tool %q: ttl must be greater than 0", t.Slug)
		}
		if t.Timeout <= 0 {
			return nil, fmt.Errorf("tool %q: timeout must be greater than 0", t.Slug)
		}
		c[t.Slug] = t
	}
	return c, nil
}

// Get returns the tool or domain.ErrUnknownTool
func (c Catalog) Get(slug string) (Tool, error) {
	t, ok := c[slug]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", domain.ErrUnknownTool, slug)
	}
	return t, nil
}

// Slugs lists the catalog slugs in order
func (c Catalog) Slugs() []string {
	slugs := make([]string, 0, len(c))
	for slug := range c {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
