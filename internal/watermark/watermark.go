// Package watermark classifies records as on-time or late against a
// per-stream event-time watermark.
package watermark

import "time"

// DefaultAllowedLateness is how far behind the maximum observed event time a
// record may be and still be accepted.
const DefaultAllowedLateness = 2 * time.Minute

// Outcome is the classification of a single record.
type Outcome int

const (
	OnTime Outcome = iota
	Late
)

func (o Outcome) String() string {
	if o == Late {
		return "late"
	}
	return "on_time"
}

// State is the persisted watermark state of one stream.
type State struct {
	MaxEventTime    time.Time     `json:"maxEventTime"`
	AllowedLateness time.Duration `json:"allowedLateness"`
}

// Watermark returns MaxEventTime - AllowedLateness, or the zero time when no
// event has been observed.
func (s State) Watermark() time.Time {
	if s.MaxEventTime.IsZero() {
		return time.Time{}
	}
	return s.MaxEventTime.Add(-s.AllowedLateness)
}

// Tracker maintains the watermark of one stream. It is owned by a single
// pipeline and is not safe for concurrent use.
type Tracker struct {
	state State
}

// NewTracker resumes tracking from a previously persisted state. A zero
// AllowedLateness in the state is replaced by lateness.
func NewTracker(state State, lateness time.Duration) *Tracker {
	if lateness <= 0 {
		lateness = DefaultAllowedLateness
	}
	state.AllowedLateness = lateness
	return &Tracker{state: state}
}

// Observe advances the maximum event time with t, then classifies t against
// the resulting watermark. A record exactly at the watermark is on time.
func (t *Tracker) Observe(eventTime time.Time) Outcome {
	if eventTime.After(t.state.MaxEventTime) {
		t.state.MaxEventTime = eventTime
	}
	if eventTime.Before(t.state.Watermark()) {
		return Late
	}
	return OnTime
}

// State returns a snapshot of the tracker state.
func (t *Tracker) State() State {
	return t.state
}
