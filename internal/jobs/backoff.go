package jobs

import "time"

// Backoff computes the delay before a failed attempt is retried
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// DefaultBackoff doubles from 2s up to 5m
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}

// Delay returns Base * 2^(attempt-1), capped at Max
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
