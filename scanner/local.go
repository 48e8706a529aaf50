package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/loop"
)

// Watchdog cadence for local radios. A radio that produced no advertisement
// for WatchdogTimeout is assumed wedged and is restarted.
const (
	WatchdogInterval = 30 * time.Second
	WatchdogTimeout  = 90 * time.Second
)

// State is the lifecycle state of a local scanner.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateScanning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateScanning:
		return "scanning"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Event is one normalized advertisement from a radio driver. Drivers may
// produce events on their own goroutines; the local scanner marshals them
// onto the event loop.
type Event struct {
	Address          string
	RSSI             int
	LocalName        string
	ServiceUUIDs     []string
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
	TxPower          int
	Connectable      bool
	Raw              []byte
	Details          map[string]any
}

// Radio abstracts an OS radio driver. Start begins delivering events to the
// handler and returns once scanning is established; Stop tears it down.
type Radio interface {
	Start(ctx context.Context, mode Mode, handler func(Event)) error
	Stop(ctx context.Context) error
}

// LocalScanner drives a radio attached to the host. It owns a
// start/stop lifecycle with a single automatic active→passive fallback and a
// watchdog that restarts a radio that has gone quiet.
type LocalScanner struct {
	BaseScanner

	radio Radio
	state State

	watchdogInterval time.Duration
	watchdogTimeout  time.Duration

	startStopLock  sync.Mutex
	cancelMu       sync.Mutex
	startCancel    context.CancelFunc
	cancelWatchdog *loop.TimerHandle
}

// NewLocalScanner creates a local scanner over the given radio.
func NewLocalScanner(cfg Config, radio Radio) *LocalScanner {
	s := &LocalScanner{
		BaseScanner:      newBaseScanner(cfg),
		radio:            radio,
		watchdogInterval: cfg.WatchdogInterval,
		watchdogTimeout:  cfg.WatchdogTimeout,
	}
	if s.watchdogInterval <= 0 {
		s.watchdogInterval = WatchdogInterval
	}
	if s.watchdogTimeout <= 0 {
		s.watchdogTimeout = WatchdogTimeout
	}
	s.scanning = false
	return s
}

// ScannerState returns the current lifecycle state. Like all scanner state
// it is owned by the event loop; read it from there when a loop is attached.
func (s *LocalScanner) ScannerState() State {
	return s.state
}

// runOnLoop executes fn on the event loop, which owns all scanner state.
// Without a loop the caller goroutine is the owner and fn runs inline.
func (s *LocalScanner) runOnLoop(ctx context.Context, fn func()) error {
	if s.lp == nil {
		fn()
		return nil
	}
	return s.lp.Call(ctx, fn)
}

// Start brings the radio up in the requested mode. A failed active start is
// retried once in passive mode before the error surfaces and the scanner is
// left in the failed state. The blocking radio I/O runs on the caller
// goroutine; every state mutation is marshaled onto the event loop. Start and
// Stop are serialised by the start/stop lock and must not be invoked from the
// loop goroutine; a Stop issued while a start is outstanding cancels it.
func (s *LocalScanner) Start(ctx context.Context) error {
	s.startStopLock.Lock()
	defer s.startStopLock.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	s.setStartCancel(cancel)
	defer func() {
		cancel()
		s.setStartCancel(nil)
	}()

	if err := s.runOnLoop(ctx, func() {
		s.state = StateStarting
	}); err != nil {
		return err
	}
	mode := s.requestedMode
	if mode == ModeNone {
		mode = ModeActive
	}

	err := s.radio.Start(startCtx, mode, s.onDriverEvent)
	if err != nil && startCtx.Err() == nil && mode == ModeActive {
		s.log.WithError(err).Warn("Active scan failed, falling back to passive")
		mode = ModePassive
		err = s.radio.Start(startCtx, mode, s.onDriverEvent)
	}
	if startCtx.Err() != nil {
		// Stop raced the start and won; the checkpoint state is restored
		// even though the caller context is already cancelled.
		if loopErr := s.runOnLoop(context.Background(), func() {
			s.state = StateIdle
		}); loopErr != nil {
			return loopErr
		}
		return startCtx.Err()
	}
	if err != nil {
		if loopErr := s.runOnLoop(context.Background(), func() {
			s.state = StateFailed
			s.scanning = false
		}); loopErr != nil {
			return loopErr
		}
		return &StartError{Scanner: s.name, Mode: mode, Err: err}
	}

	if err := s.runOnLoop(context.Background(), func() {
		s.state = StateScanning
		s.currentMode = mode
		s.scanning = true
		s.startTime = s.now()
		s.lastDetection = s.startTime
		s.scheduleWatchdog()
	}); err != nil {
		return err
	}
	s.log.WithField("mode", mode.String()).Info("Scanner started")
	return nil
}

// Stop tears the radio down and returns the scanner to idle. Issued during a
// start it cancels the outstanding attempt first. Like Start, the radio I/O
// happens off-loop and the state transitions on it.
func (s *LocalScanner) Stop(ctx context.Context) error {
	s.cancelMu.Lock()
	if s.startCancel != nil {
		s.startCancel()
	}
	s.cancelMu.Unlock()
	s.startStopLock.Lock()
	defer s.startStopLock.Unlock()

	wasIdle := false
	if err := s.runOnLoop(ctx, func() {
		s.stopWatchdog()
		if s.state == StateIdle {
			wasIdle = true
			return
		}
		s.state = StateStopping
	}); err != nil {
		return err
	}
	if wasIdle {
		return nil
	}
	err := s.radio.Stop(ctx)
	if loopErr := s.runOnLoop(context.Background(), func() {
		s.state = StateIdle
		s.scanning = false
		s.currentMode = ModeNone
	}); loopErr != nil {
		return loopErr
	}
	if err != nil {
		s.log.WithError(err).Warn("Radio stop reported an error")
	}
	return err
}

func (s *LocalScanner) setStartCancel(cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.startCancel = cancel
	s.cancelMu.Unlock()
}

func (s *LocalScanner) onDriverEvent(ev Event) {
	if s.lp == nil {
		s.handleDriverEvent(ev)
		return
	}
	s.lp.Dispatch(func() {
		s.handleDriverEvent(ev)
	})
}

func (s *LocalScanner) handleDriverEvent(ev Event) {
	now := s.now()
	name := ev.LocalName
	hasLocalName := name != ""
	if !hasLocalName {
		name = ev.Address
	}
	details := map[string]any{"source": s.source}
	for k, v := range ev.Details {
		details[k] = v
	}
	info := &adv.ServiceInfo{
		Name:             name,
		HasLocalName:     hasLocalName,
		Address:          ev.Address,
		RSSI:             ev.RSSI,
		ManufacturerData: ev.ManufacturerData,
		ServiceData:      ev.ServiceData,
		ServiceUUIDs:     ev.ServiceUUIDs,
		Source:           s.source,
		Device:           &adv.Device{Address: ev.Address, Name: name, Details: details},
		Raw:              ev.Raw,
		Connectable:      s.connectable,
		Time:             now,
		TxPower:          ev.TxPower,
	}
	s.publish(info)
}

func (s *LocalScanner) scheduleWatchdog() {
	if s.lp == nil {
		return
	}
	s.stopWatchdog()
	s.cancelWatchdog = s.lp.CallLater(s.watchdogInterval, s.watchdogTick)
}

func (s *LocalScanner) stopWatchdog() {
	if s.cancelWatchdog != nil {
		s.cancelWatchdog.Cancel()
		s.cancelWatchdog = nil
	}
}

func (s *LocalScanner) watchdogTick() {
	if s.WatchdogTriggered() {
		s.log.WithField("time_since_last_detection", s.TimeSinceLastDetection()).
			Warn("Scanner has gone quiet, restarting")
		s.scanning = false
		go s.restart()
		return
	}
	s.scanning = len(s.connectInProgress) == 0
	s.cancelWatchdog = s.lp.CallLater(s.watchdogInterval, s.watchdogTick)
}

// WatchdogTriggered reports whether the radio has been silent past the
// watchdog timeout.
func (s *LocalScanner) WatchdogTriggered() bool {
	return s.TimeSinceLastDetection() > s.watchdogTimeout.Seconds()
}

// restart cycles the scanner through stopping → idle → starting after the
// watchdog tripped.
func (s *LocalScanner) restart() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("Watchdog stop failed")
	}
	if err := s.Start(ctx); err != nil {
		s.log.WithError(err).Error("Watchdog restart failed")
		return
	}
	s.log.Info("Scanner restarted after going quiet")
}
