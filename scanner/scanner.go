// Package scanner holds the scanner state shared by every advertisement
// source: local radios driven by the host and remote scanners that push
// advertisements in over external transports.
package scanner

import (
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/loop"
)

// Mode is the scanning mode of a radio.
type Mode int

const (
	ModeNone Mode = iota
	ModePassive
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeActive:
		return "active"
	default:
		return "none"
	}
}

// Connection-path scoring penalties. A connection already in progress on a
// scanner weighs heavier than a past failure.
const (
	inProgressPenalty      = 2.0
	previousFailurePenalty = 0.5
)

// Sink receives merged advertisements from a scanner. The manager implements
// it; scanners hold it as a non-owning reference.
type Sink interface {
	ScannerAdvReceived(info *adv.ServiceInfo)
}

// Scanner is the surface the manager needs from any scanner kind.
type Scanner interface {
	Source() string
	Adapter() string
	Name() string
	IsConnectable() bool
	Scanning() bool
	CurrentMode() Mode

	TimeSinceLastDetection() float64
	DiscoveredAddresses() []string
	DiscoveredServiceInfo(address string) (*adv.ServiceInfo, bool)
	GetDiscoveredDeviceAdvertisementData(address string) (*adv.Device, *adv.Advertisement, bool)

	ConnectionsInProgress() int
	ConnectionFailures(address string) int
	InProgressAddresses() []string
	ScoreConnectionPath(rssiDiff float64, address string) float64
	ClearConnectionHistory()
	SetConnectionObserver(observer func(source string))

	Diagnostics() map[string]any
}

// Config carries the construction parameters shared by all scanner kinds.
type Config struct {
	Source      string
	Adapter     string
	Name        string
	Connectable bool
	Mode        Mode

	Loop   *loop.Loop
	Sink   Sink
	Logger *logrus.Logger

	// WatchdogInterval and WatchdogTimeout override the local-scanner
	// watchdog cadence; zero selects the defaults.
	WatchdogInterval time.Duration
	WatchdogTimeout  time.Duration

	// Clock overrides the monotonic time source, for tests.
	Clock func() float64
}

// BaseScanner holds the state common to local and remote scanners: identity,
// mode, last-seen clock, the discovered table and connection-slot
// bookkeeping. Lifecycle and slot state is owned by the event loop; the
// discovered table is a lock-free map so diagnostics can read it from any
// goroutine.
type BaseScanner struct {
	source        string
	adapter       string
	name          string
	connectable   bool
	requestedMode Mode
	currentMode   Mode

	scanning      bool
	lastDetection float64
	startTime     float64

	connectInProgress map[string]int
	connectFailures   map[string]int

	discovered *hashmap.Map[string, *adv.ServiceInfo]

	lp       *loop.Loop
	sink     Sink
	observer func(source string)
	log      *logrus.Entry
	now      func() float64
}

func newBaseScanner(cfg Config) BaseScanner {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Source
	}
	now := cfg.Clock
	if now == nil {
		now = loop.MonotonicTime
	}
	return BaseScanner{
		source:            cfg.Source,
		adapter:           cfg.Adapter,
		name:              name,
		connectable:       cfg.Connectable,
		requestedMode:     cfg.Mode,
		scanning:          true,
		connectInProgress: map[string]int{},
		connectFailures:   map[string]int{},
		discovered:        hashmap.New[string, *adv.ServiceInfo](),
		lp:                cfg.Loop,
		sink:              cfg.Sink,
		log: logger.WithFields(logrus.Fields{
			"scanner": name,
			"source":  cfg.Source,
			"adapter": cfg.Adapter,
		}),
		now: now,
	}
}

func (s *BaseScanner) Source() string      { return s.source }
func (s *BaseScanner) Adapter() string     { return s.adapter }
func (s *BaseScanner) Name() string        { return s.name }
func (s *BaseScanner) IsConnectable() bool { return s.connectable }
func (s *BaseScanner) Scanning() bool      { return s.scanning }
func (s *BaseScanner) CurrentMode() Mode   { return s.currentMode }

// TimeSinceLastDetection returns seconds since the scanner last saw any
// advertisement.
func (s *BaseScanner) TimeSinceLastDetection() float64 {
	return s.now() - s.lastDetection
}

// DiscoveredAddresses returns the addresses currently in the discovered
// table.
func (s *BaseScanner) DiscoveredAddresses() []string {
	addresses := make([]string, 0, s.discovered.Len())
	s.discovered.Range(func(address string, _ *adv.ServiceInfo) bool {
		addresses = append(addresses, address)
		return true
	})
	return addresses
}

// DiscoveredServiceInfo returns the scanner's last merged record for an
// address.
func (s *BaseScanner) DiscoveredServiceInfo(address string) (*adv.ServiceInfo, bool) {
	return s.discovered.Get(address)
}

// GetDiscoveredDeviceAdvertisementData returns the device handle and the
// advertisement projection for a discovered address.
func (s *BaseScanner) GetDiscoveredDeviceAdvertisementData(address string) (*adv.Device, *adv.Advertisement, bool) {
	info, ok := s.discovered.Get(address)
	if !ok {
		return nil, nil, false
	}
	return info.Device, info.Advertisement(), true
}

// AddConnecting records a connection attempt to address on this scanner.
func (s *BaseScanner) AddConnecting(address string) {
	s.connectInProgress[address]++
	s.scanning = len(s.connectInProgress) == 0
	s.notifyConnectionChange()
}

// FinishedConnecting records the outcome of a connection attempt. A
// successful connection clears the failure history for the address.
func (s *BaseScanner) FinishedConnecting(address string, connected bool) {
	count, ok := s.connectInProgress[address]
	switch {
	case !ok:
		s.log.WithField("address", address).Warn("Removing a non-existing connection attempt")
	case count <= 1:
		delete(s.connectInProgress, address)
	default:
		s.connectInProgress[address] = count - 1
	}
	if connected {
		delete(s.connectFailures, address)
	} else {
		s.connectFailures[address]++
	}
	s.scanning = len(s.connectInProgress) == 0
	s.notifyConnectionChange()
}

// ClearConnectionHistory forgets all in-progress and failed connection
// bookkeeping, used when the scanner is registered or unregistered.
func (s *BaseScanner) ClearConnectionHistory() {
	s.connectInProgress = map[string]int{}
	s.connectFailures = map[string]int{}
}

// ConnectionsInProgress returns the total number of outstanding connection
// attempts on this scanner.
func (s *BaseScanner) ConnectionsInProgress() int {
	inProgress := 0
	for _, count := range s.connectInProgress {
		inProgress += count
	}
	return inProgress
}

// ConnectionFailures returns how many consecutive attempts to address have
// failed on this scanner.
func (s *BaseScanner) ConnectionFailures(address string) int {
	return s.connectFailures[address]
}

// InProgressAddresses returns the distinct addresses with an outstanding
// connection attempt.
func (s *BaseScanner) InProgressAddresses() []string {
	addresses := make([]string, 0, len(s.connectInProgress))
	for address := range s.connectInProgress {
		addresses = append(addresses, address)
	}
	return addresses
}

// ScoreConnectionPath scores this scanner as a connection path for address.
// Higher is better. rssiDiff is the advantage of this scanner's signal over
// the strongest alternative; busy scanners and scanners that already failed
// for the address score lower. The in-progress penalty counts distinct
// addresses being connected, not attempts. Equal scores are not broken
// here, and the manager does not compare scores across scanners.
func (s *BaseScanner) ScoreConnectionPath(rssiDiff float64, address string) float64 {
	return rssiDiff -
		inProgressPenalty*float64(len(s.connectInProgress)) -
		previousFailurePenalty*float64(s.connectFailures[address])
}

// SetConnectionObserver installs the manager's slot-accounting hook. The
// reference is non-owning; the manager replaces it with nil at unregister.
func (s *BaseScanner) SetConnectionObserver(observer func(source string)) {
	s.observer = observer
}

func (s *BaseScanner) notifyConnectionChange() {
	if s.observer != nil {
		s.observer(s.source)
	}
}

func (s *BaseScanner) publish(info *adv.ServiceInfo) {
	s.discovered.Set(info.Address, info)
	s.lastDetection = info.Time
	s.scanning = len(s.connectInProgress) == 0
	if s.sink != nil {
		s.sink.ScannerAdvReceived(info)
	}
}

// Diagnostics returns a snapshot of the scanner state.
func (s *BaseScanner) Diagnostics() map[string]any {
	discovered := make([]map[string]any, 0, s.discovered.Len())
	s.discovered.Range(func(_ string, info *adv.ServiceInfo) bool {
		discovered = append(discovered, info.AsDict())
		return true
	})
	return map[string]any{
		"name":           s.name,
		"source":         s.source,
		"adapter":        s.adapter,
		"connectable":    s.connectable,
		"scanning":       s.scanning,
		"requested_mode": s.requestedMode.String(),
		"current_mode":   s.currentMode.String(),
		"start_time":     s.startTime,
		"last_detection": s.lastDetection,
		"monotonic_time": s.now(),
		"discovered":     discovered,
	}
}
