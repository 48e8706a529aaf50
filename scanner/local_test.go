package scanner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/loop"
	"github.com/srg/bluehub/scanner"
)

type fakeRadio struct {
	mu      sync.Mutex
	startFn func(ctx context.Context, mode scanner.Mode) error
	modes   []scanner.Mode
	handler func(scanner.Event)
	stops   int
}

func (r *fakeRadio) Start(ctx context.Context, mode scanner.Mode, handler func(scanner.Event)) error {
	r.mu.Lock()
	r.modes = append(r.modes, mode)
	r.handler = handler
	fn := r.startFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, mode)
	}
	return nil
}

func (r *fakeRadio) Stop(context.Context) error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) attemptedModes() []scanner.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scanner.Mode(nil), r.modes...)
}

func (r *fakeRadio) currentHandler() func(scanner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// fakeClock is a monotonic time source that tests can advance from a
// different goroutine than the one reading it.
type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(seconds float64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

func newLocalScanner(radio *fakeRadio, sink scanner.Sink, clock func() float64) *scanner.LocalScanner {
	return scanner.NewLocalScanner(scanner.Config{
		Source:      "hci0",
		Adapter:     "hci0",
		Connectable: true,
		Mode:        scanner.ModeActive,
		Sink:        sink,
		Clock:       clock,
	}, radio)
}

func TestStartActiveSucceeds(t *testing.T) {
	radio := &fakeRadio{}
	s := newLocalScanner(radio, nil, nil)

	require.NoError(t, s.Start(context.Background()))

	require.Equal(t, scanner.StateScanning, s.ScannerState())
	require.Equal(t, scanner.ModeActive, s.CurrentMode())
	require.True(t, s.Scanning())
	require.Equal(t, []scanner.Mode{scanner.ModeActive}, radio.attemptedModes())
}

func TestStartFallsBackToPassiveOnce(t *testing.T) {
	radio := &fakeRadio{}
	radio.startFn = func(_ context.Context, mode scanner.Mode) error {
		if mode == scanner.ModeActive {
			return errors.New("active scan unsupported")
		}
		return nil
	}
	s := newLocalScanner(radio, nil, nil)

	require.NoError(t, s.Start(context.Background()))

	require.Equal(t, scanner.ModePassive, s.CurrentMode())
	require.Equal(t, []scanner.Mode{scanner.ModeActive, scanner.ModePassive}, radio.attemptedModes())
}

func TestStartFailsInBothModes(t *testing.T) {
	radio := &fakeRadio{}
	radio.startFn = func(context.Context, scanner.Mode) error {
		return errors.New("radio unavailable")
	}
	s := newLocalScanner(radio, nil, nil)

	err := s.Start(context.Background())

	require.Error(t, err)
	require.ErrorIs(t, err, scanner.ErrStartFailed)
	var startErr *scanner.StartError
	require.ErrorAs(t, err, &startErr)
	require.Equal(t, scanner.ModePassive, startErr.Mode)
	require.Equal(t, scanner.StateFailed, s.ScannerState())
	require.False(t, s.Scanning())
}

func TestStopDuringStartForcesIdle(t *testing.T) {
	radio := &fakeRadio{}
	started := make(chan struct{})
	radio.startFn = func(ctx context.Context, _ scanner.Mode) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	s := newLocalScanner(radio, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(context.Background())
	}()

	<-started
	require.NoError(t, s.Stop(context.Background()))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after stop")
	}
	require.Equal(t, scanner.StateIdle, s.ScannerState())
}

func TestStopIsIdempotent(t *testing.T) {
	radio := &fakeRadio{}
	s := newLocalScanner(radio, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	radio.mu.Lock()
	defer radio.mu.Unlock()
	require.Equal(t, 1, radio.stops)
}

func TestDriverEventPublishesServiceInfo(t *testing.T) {
	now := 100.0
	sink := &recordingSink{}
	radio := &fakeRadio{}
	s := newLocalScanner(radio, sink, func() float64 { return now })

	require.NoError(t, s.Start(context.Background()))
	radio.handler(scanner.Event{
		Address:      "AA:BB:CC:DD:EE:01",
		RSSI:         -70,
		LocalName:    "Thermo",
		ServiceUUIDs: []string{"0000180f-0000-1000-8000-00805f9b34fb"},
		TxPower:      adv.NoTxPower,
	})

	require.Len(t, sink.published, 1)
	info := sink.published[0]
	require.Equal(t, "hci0", info.Source)
	require.True(t, info.Connectable)
	require.Equal(t, 100.0, info.Time)
	require.Equal(t, "Thermo", info.Name)
	require.Equal(t, "hci0", info.Device.Details["source"])

	_, ok := s.DiscoveredServiceInfo("AA:BB:CC:DD:EE:01")
	require.True(t, ok)
}

// Lifecycle against a live loop: the radio I/O runs on the caller goroutine
// while every state mutation lands on the loop that is concurrently
// processing advertisements.
func TestLifecycleWithLiveLoop(t *testing.T) {
	lp := loop.New(nil)
	lp.Start()
	defer lp.Stop()

	clock := &fakeClock{}
	radio := &fakeRadio{}
	s := scanner.NewLocalScanner(scanner.Config{
		Source:      "hci0",
		Adapter:     "hci0",
		Connectable: true,
		Mode:        scanner.ModeActive,
		Loop:        lp,
		Clock:       clock.Now,
	}, radio)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	var state scanner.State
	require.NoError(t, lp.Call(ctx, func() { state = s.ScannerState() }))
	require.Equal(t, scanner.StateScanning, state)

	radio.currentHandler()(scanner.Event{Address: "AA:BB:CC:DD:EE:01", RSSI: -50})
	require.Eventually(t, func() bool {
		_, ok := s.DiscoveredServiceInfo("AA:BB:CC:DD:EE:01")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, lp.Call(ctx, func() { state = s.ScannerState() }))
	require.Equal(t, scanner.StateIdle, state)
}

// A radio that goes quiet is restarted by the watchdog through
// stopping → idle → starting while the loop keeps running.
func TestWatchdogRestartsQuietScanner(t *testing.T) {
	lp := loop.New(nil)
	lp.Start()
	defer lp.Stop()

	clock := &fakeClock{}
	radio := &fakeRadio{}
	s := scanner.NewLocalScanner(scanner.Config{
		Source:           "hci0",
		Adapter:          "hci0",
		Connectable:      true,
		Mode:             scanner.ModeActive,
		Loop:             lp,
		Clock:            clock.Now,
		WatchdogInterval: 20 * time.Millisecond,
		WatchdogTimeout:  50 * time.Millisecond,
	}, radio)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// Silence the radio well past the watchdog timeout.
	clock.Advance(10.0)

	require.Eventually(t, func() bool {
		return len(radio.attemptedModes()) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		var state scanner.State
		if err := lp.Call(ctx, func() { state = s.ScannerState() }); err != nil {
			return false
		}
		return state == scanner.StateScanning
	}, 5*time.Second, 5*time.Millisecond)

	radio.mu.Lock()
	stops := radio.stops
	radio.mu.Unlock()
	require.GreaterOrEqual(t, stops, 1)

	require.NoError(t, s.Stop(ctx))
}

func TestWatchdogTriggeredAfterSilence(t *testing.T) {
	now := 0.0
	radio := &fakeRadio{}
	s := newLocalScanner(radio, nil, func() float64 { return now })

	require.NoError(t, s.Start(context.Background()))
	require.False(t, s.WatchdogTriggered())

	now = 91.0
	require.True(t, s.WatchdogTriggered())

	radio.handler(scanner.Event{Address: "AA:BB:CC:DD:EE:01", RSSI: -50})
	require.False(t, s.WatchdogTriggered())
}
