package core

import "time"

// RateLimitState captures per-upstream rate window state.
type RateLimitState struct {
	RequestCount int
	WindowStart  time.Time
	BackoffUntil *time.Time
	Last429At    *time.Time
}

// Clone returns a deep copy so stores never share pointers with callers.
func (s *RateLimitState) Clone() *RateLimitState {
	if s == nil {
		return nil
	}
	out := *s
	if s.BackoffUntil != nil {
		until := *s.BackoffUntil
		out.BackoffUntil = &until
	}
	if s.Last429At != nil {
		at := *s.Last429At
		out.Last429At = &at
	}
	return &out
}
