// Package retry computes bounded exponential backoff delays.
package retry

import (
	"math"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy is used when a caller leaves fields unset.
var DefaultPolicy = Policy{
	Initial:    200 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
}

// Delay returns the wait before the given retry (1 is the first retry).
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		retry = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(retry-1))
	if d > float64(p.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	return p
}
