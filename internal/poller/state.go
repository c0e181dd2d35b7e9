package poller

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"
)

// Default bounds for the delay before a poll connection is reopened.
const (
	DefaultMinDelay = 3 * time.Second
	DefaultMaxDelay = 8 * time.Second
)

// pollAction is appended to the base URL, which is expected to end in an
// open query parameter such as "/push?_action_=".
const pollAction = "Poll&_req_="

// State is the mutable state owned by one poll loop: the request counter
// that makes every poll URL unique, and the shutdown flag.
//
// The flag is only ever set, never cleared. Both fields are safe for
// concurrent use; the loop and whatever schedules it share a *State.
type State struct {
	requestID atomic.Uint64
	dying     atomic.Bool
}

// NewState returns a State whose counter starts at seed. The first call to
// [State.Next] returns seed+1.
func NewState(seed uint64) *State {
	s := &State{}
	s.requestID.Store(seed)
	return s
}

// Next increments the counter and returns the new value.
func (s *State) Next() uint64 {
	return s.requestID.Add(1)
}

// RequestID returns the most recently issued request id (or the seed).
func (s *State) RequestID() uint64 {
	return s.requestID.Load()
}

// Die sets the shutdown flag. It reports whether this call was the one that
// set it.
func (s *State) Die() bool {
	return s.dying.CompareAndSwap(false, true)
}

// Dying reports whether shutdown has been requested.
func (s *State) Dying() bool {
	return s.dying.Load()
}

// PollURL builds the URL for request id on base.
func PollURL(base string, id uint64) string {
	return base + pollAction + strconv.FormatUint(id, 10)
}

// DelayRange is the half-open interval [Min, Max) from which reopen delays
// are drawn uniformly.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// DefaultDelayRange returns [3s, 8s).
func DefaultDelayRange() DelayRange {
	return DelayRange{Min: DefaultMinDelay, Max: DefaultMaxDelay}
}

// Draw picks a delay using rnd, which must return values in [0, 1).
// A nil rnd uses the global math/rand/v2 source.
func (r DelayRange) Draw(rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	span := r.Max - r.Min
	if span <= 0 {
		return r.Min
	}
	d := r.Min + time.Duration(rnd()*float64(span))
	// float rounding can land exactly on Max for rnd values near 1
	if d >= r.Max {
		d = r.Max - 1
	}
	if d < r.Min {
		d = r.Min
	}
	return d
}
