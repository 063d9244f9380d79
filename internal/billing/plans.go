package billing

import "fmt"

// Plan is a subscription tier and the credits it includes per period
type Plan struct {
	ID              string `yaml:"id"`
	IncludedCredits int64  `yaml:"included_credits"`
}

// Plans indexes the plan catalog by id
type Plans map[string]Plan

// NewPlans validates and indexes plans
func NewPlans(plans []Plan) (Plans, error) {
	out := make(Plans, len(plans))
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if p.IncludedCredits < 0 {
			return nil, fmt.Errorf("plan %q: included_credits must not be negative", p.ID)
		}
		if _, dup := out[p.ID]; dup {
			return nil, fmt.Errorf("plan %q listed twice", p.ID)
		}
		out[p.ID] = p
	}
	return out, nil
}
