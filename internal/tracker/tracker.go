// Package tracker learns per-device advertising cadence from accepted
// advertisement timestamps. The manager uses the learned interval to decide
// when a history entry is stale and when a quiet device should be marked
// unavailable.
package tracker

import "github.com/srg/bluehub/adv"

// AdvertisingTimesNeeded is how many timestamps are retained per address. The
// interval is derived once the window is full.
const AdvertisingTimesNeeded = 6

// BufferingWobbleSeconds gives scanners leeway for buffered delivery before a
// device is considered overdue.
const BufferingWobbleSeconds = 3.0

// Tracker keeps a bounded FIFO of recent advertisement timestamps per
// address. All state is owned by the event loop.
type Tracker struct {
	// Intervals holds the learned advertising interval per address: the
	// minimum gap between successive advertisements over a full window.
	Intervals map[string]float64

	// FallbackIntervals holds caller-supplied overrides used when no
	// interval has been learned yet.
	FallbackIntervals map[string]float64

	// Sources records which scanner the samples for an address came from.
	Sources map[string]string

	timings map[string][]float64
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		Intervals:         map[string]float64{},
		FallbackIntervals: map[string]float64{},
		Sources:           map[string]string{},
		timings:           map[string][]float64{},
	}
}

// Collect appends the advertisement's timestamp to the per-address window,
// trimming it to the last AdvertisingTimesNeeded samples. Samples attributed
// to a non-authoritative source are discarded: once an address is tracked for
// one scanner, another scanner's timings would corrupt the learned cadence.
func (t *Tracker) Collect(info *adv.ServiceInfo) {
	if source, ok := t.Sources[info.Address]; ok && source != info.Source {
		return
	}
	t.Sources[info.Address] = info.Source
	timings := append(t.timings[info.Address], info.Time)
	if len(timings) > AdvertisingTimesNeeded {
		timings = timings[len(timings)-AdvertisingTimesNeeded:]
	}
	t.timings[info.Address] = timings
	if len(timings) < AdvertisingTimesNeeded {
		return
	}
	interval := timings[1] - timings[0]
	for i := 2; i < len(timings); i++ {
		if gap := timings[i] - timings[i-1]; gap < interval {
			interval = gap
		}
	}
	t.Intervals[info.Address] = interval
}

// Interval returns the effective interval for an address: the learned one,
// falling back to a caller-supplied override. ok is false when neither is
// known.
func (t *Tracker) Interval(address string) (float64, bool) {
	if interval, ok := t.Intervals[address]; ok {
		return interval, true
	}
	interval, ok := t.FallbackIntervals[address]
	return interval, ok
}

// RemoveAddress purges every trace of an address.
func (t *Tracker) RemoveAddress(address string) {
	delete(t.Intervals, address)
	delete(t.Sources, address)
	delete(t.timings, address)
}

// RemoveFallbackInterval drops the override for an address.
func (t *Tracker) RemoveFallbackInterval(address string) {
	delete(t.FallbackIntervals, address)
}

// RemoveSource purges every address attributed to a scanner. Called when the
// scanner is unregistered, since its timings no longer describe a live path.
func (t *Tracker) RemoveSource(source string) {
	for address, trackedSource := range t.Sources {
		if trackedSource == source {
			t.RemoveAddress(address)
		}
	}
}

// Diagnostics returns the tracker state for the manager's diagnostics dump.
func (t *Tracker) Diagnostics() map[string]any {
	return map[string]any{
		"intervals":          t.Intervals,
		"fallback_intervals": t.FallbackIntervals,
		"sources":            t.Sources,
		"timings":            t.timings,
	}
}
