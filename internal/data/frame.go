package data

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"ktrdr/internal/errs"
	"ktrdr/internal/timeutil"
)

// Bar is a single OHLCV candle. TS is always UTC.
type Bar struct {
	TS     time.Time `json:"timestamp"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Frame is an ordered sequence of bars with a strictly increasing UTC index.
// Frames are read-only after construction; use Clone before mutating.
type Frame struct {
	bars []Bar
}

// NewFrame validates bars and wraps them in a Frame. Bars must already be
// sorted; validation enforces the index and OHLC invariants.
func NewFrame(bars []Bar) (*Frame, error) {
	f := &Frame{bars: bars}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the frame invariants: aware-UTC strictly monotonic index
// without duplicates, high >= max(open, close), low <= min(open, close), and
// non-negative volume.
func (f *Frame) Validate() error {
	var result *multierror.Error
	var prev time.Time
	for i, b := range f.bars {
		if !timeutil.IsUTC(b.TS) {
			return errs.New(errs.TimezoneViolation, "bar %d timestamp %s is not UTC", i, b.TS)
		}
		if i > 0 && !b.TS.After(prev) {
			result = multierror.Append(result, fmt.Errorf("bar %d: index not strictly increasing (%s after %s)", i, b.TS, prev))
		}
		if b.High < b.Open || b.High < b.Close {
			result = multierror.Append(result, fmt.Errorf("bar %d: high %v below open/close", i, b.High))
		}
		if b.Low > b.Open || b.Low > b.Close {
			result = multierror.Append(result, fmt.Errorf("bar %d: low %v above open/close", i, b.Low))
		}
		if b.Volume < 0 {
			result = multierror.Append(result, fmt.Errorf("bar %d: negative volume %v", i, b.Volume))
		}
		prev = b.TS
	}
	if err := result.ErrorOrNil(); err != nil {
		return errs.Wrap(errs.InvalidInput, err, "invalid bar frame")
	}
	return nil
}

// Len returns the number of bars.
func (f *Frame) Len() int { return len(f.bars) }

// Bar returns the bar at index i.
func (f *Frame) Bar(i int) Bar { return f.bars[i] }

// Bars returns the underlying slice. Callers must treat it as read-only.
func (f *Frame) Bars() []Bar { return f.bars }

// Index returns the UTC timestamps of all bars.
func (f *Frame) Index() []time.Time {
	idx := make([]time.Time, len(f.bars))
	for i, b := range f.bars {
		idx[i] = b.TS
	}
	return idx
}

// Closes returns the close column.
func (f *Frame) Closes() []float64 {
	out := make([]float64, len(f.bars))
	for i, b := range f.bars {
		out[i] = b.Close
	}
	return out
}

// Column returns a named OHLCV column (open, high, low, close, volume).
func (f *Frame) Column(name string) ([]float64, error) {
	out := make([]float64, len(f.bars))
	for i, b := range f.bars {
		switch name {
		case "open":
			out[i] = b.Open
		case "high":
			out[i] = b.High
		case "low":
			out[i] = b.Low
		case "close":
			out[i] = b.Close
		case "volume":
			out[i] = b.Volume
		default:
			return nil, fmt.Errorf("unknown bar column %q", name)
		}
	}
	return out, nil
}

// Clone returns a deep copy safe to mutate.
func (f *Frame) Clone() *Frame {
	bars := make([]Bar, len(f.bars))
	copy(bars, f.bars)
	return &Frame{bars: bars}
}

// Slice returns the sub-frame with timestamps in the half-open range
// [start, end). A nil bound leaves that side unbounded.
func (f *Frame) Slice(rng *Range) *Frame {
	if rng == nil {
		return f
	}
	lo, hi := 0, len(f.bars)
	for lo < hi && !rng.Start.IsZero() && f.bars[lo].TS.Before(rng.Start) {
		lo++
	}
	for hi > lo && !rng.End.IsZero() && !f.bars[hi-1].TS.Before(rng.End) {
		hi--
	}
	return &Frame{bars: f.bars[lo:hi]}
}

// Range is a half-open [Start, End) time interval. Zero bounds are unbounded.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Span returns the inclusive first/last timestamps of the frame, or false for
// an empty frame.
func (f *Frame) Span() (Range, bool) {
	if len(f.bars) == 0 {
		return Range{}, false
	}
	return Range{Start: f.bars[0].TS, End: f.bars[len(f.bars)-1].TS}, true
}

// ValidateUTC asserts the frame index is aware-UTC. It is the persistence
// write gate; backends call it before any write and after any read.
func ValidateUTC(f *Frame) error {
	for i, b := range f.bars {
		if _, err := timeutil.EnsureUTC(b.TS); err != nil {
			return errs.New(errs.TimezoneViolation, "bar %d: %v", i, err)
		}
	}
	return nil
}
