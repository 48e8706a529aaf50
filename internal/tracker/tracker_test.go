package tracker_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/tracker"
)

const address = "AA:BB:CC:DD:EE:01"

func info(source string, t float64) *adv.ServiceInfo {
	return &adv.ServiceInfo{Address: address, Source: source, Time: t}
}

func TestCollectLearnsMinimumGapAfterFullWindow(t *testing.T) {
	tr := tracker.New()

	for _, ts := range []float64{0, 2, 3, 5, 9, 10} {
		tr.Collect(info("hci0", ts))
	}

	require.Equal(t, 1.0, tr.Intervals[address])
	require.Equal(t, "hci0", tr.Sources[address])
}

func TestCollectNeedsFullWindow(t *testing.T) {
	tr := tracker.New()

	for _, ts := range []float64{0, 2, 4} {
		tr.Collect(info("hci0", ts))
	}

	_, ok := tr.Intervals[address]
	require.False(t, ok)
}

func TestCollectDiscardsNonAuthoritativeSource(t *testing.T) {
	tr := tracker.New()

	tr.Collect(info("hci0", 0))
	tr.Collect(info("remote-1", 1))

	require.Equal(t, "hci0", tr.Sources[address])

	// The foreign samples must not contribute: five more authoritative
	// samples complete the window with gaps of 2.
	for _, ts := range []float64{2, 4, 6, 8, 10} {
		tr.Collect(info("hci0", ts))
	}
	require.Equal(t, 2.0, tr.Intervals[address])
}

func TestIntervalFallsBackToOverride(t *testing.T) {
	tr := tracker.New()

	_, ok := tr.Interval(address)
	require.False(t, ok)

	tr.FallbackIntervals[address] = 12.5
	interval, ok := tr.Interval(address)
	require.True(t, ok)
	require.Equal(t, 12.5, interval)
}

func TestRemoveAddress(t *testing.T) {
	tr := tracker.New()
	for _, ts := range []float64{0, 1, 2, 3, 4, 5} {
		tr.Collect(info("hci0", ts))
	}

	tr.RemoveAddress(address)

	require.Empty(t, tr.Intervals)
	require.Empty(t, tr.Sources)
}

func TestRemoveSourcePurgesOnlyItsAddresses(t *testing.T) {
	tr := tracker.New()
	other := "AA:BB:CC:DD:EE:02"
	tr.Collect(info("hci0", 0))
	tr.Collect(&adv.ServiceInfo{Address: other, Source: "remote-1", Time: 0})

	tr.RemoveSource("hci0")

	_, ok := tr.Sources[address]
	require.False(t, ok)
	require.Equal(t, "remote-1", tr.Sources[other])
}
