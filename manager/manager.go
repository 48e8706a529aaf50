// Package manager fans in advertisements from every registered scanner,
// maintains the authoritative per-device view across sources, dispatches
// matching advertisements to subscribers and accounts for connection slots
// per adapter.
package manager

import (
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/loop"
	"github.com/srg/bluehub/internal/tracker"
	"github.com/srg/bluehub/scanner"
)

// Filters restricts an advertisement callback to matching devices. An empty
// filter matches everything.
type Filters struct {
	UUIDs []string
}

// AdvertisementCallback receives the device handle and the advertisement
// projection for each accepted advertisement.
type AdvertisementCallback func(device *adv.Device, advertisement *adv.Advertisement)

// ServiceInfoCallback receives the last known record for a device, used for
// unavailability notifications.
type ServiceInfoCallback func(info *adv.ServiceInfo)

// DeviceAdvertisement pairs a device handle with its advertisement.
type DeviceAdvertisement struct {
	Device        *adv.Device
	Advertisement *adv.Advertisement
}

type bleakCallbackEntry struct {
	callback AdvertisementCallback
	filters  Filters
}

// Manager is the multi-scanner fan-in. All mutable state is owned by the
// event loop; methods must be invoked on it.
type Manager struct {
	cfg *Config
	lp  *loop.Loop
	log *logrus.Entry
	now func() float64

	tracker            *tracker.Tracker
	allHistory         map[string]*adv.ServiceInfo
	connectableHistory map[string]*adv.ServiceInfo

	connectableScanners    map[scanner.Scanner]struct{}
	nonConnectableScanners map[scanner.Scanner]struct{}
	sources                *orderedmap.OrderedMap[string, scanner.Scanner]
	adapterSources         map[string]string
	adapterSlots           map[string]int
	allocations            map[string]*SlotAllocations

	bleakCallbacks                  map[*bleakCallbackEntry]struct{}
	unavailableCallbacks            map[string]map[*serviceInfoCallbackEntry]struct{}
	connectableUnavailableCallbacks map[string]map[*serviceInfoCallbackEntry]struct{}
	disappearedCallbacks            map[*disappearedCallbackEntry]struct{}
	allocationsCallbacks            map[string]map[*allocationCallbackEntry]struct{}
	registrationCallbacks           map[string]map[*registrationCallbackEntry]struct{}

	dirtyAllocations           map[string]struct{}
	allocationsNotifyScheduled bool

	cancelUnavailableTracking *loop.TimerHandle
	recoverySem               chan struct{}
	shutdown                  bool
}

// New creates a manager. A nil cfg uses defaults; logger nil falls back to
// logrus.New(). The loop is required in production; tests may drive the
// manager from a single goroutine and drain the loop manually.
func New(cfg *Config, lp *loop.Loop, logger *logrus.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.normalize()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg: cfg,
		lp:  lp,
		log: logger.WithField("component", "manager"),
		now: loop.MonotonicTime,

		tracker:            tracker.New(),
		allHistory:         map[string]*adv.ServiceInfo{},
		connectableHistory: map[string]*adv.ServiceInfo{},

		connectableScanners:    map[scanner.Scanner]struct{}{},
		nonConnectableScanners: map[scanner.Scanner]struct{}{},
		sources:                orderedmap.New[string, scanner.Scanner](),
		adapterSources:         map[string]string{},
		adapterSlots:           map[string]int{},
		allocations:            map[string]*SlotAllocations{},

		bleakCallbacks:                  map[*bleakCallbackEntry]struct{}{},
		unavailableCallbacks:            map[string]map[*serviceInfoCallbackEntry]struct{}{},
		connectableUnavailableCallbacks: map[string]map[*serviceInfoCallbackEntry]struct{}{},
		disappearedCallbacks:            map[*disappearedCallbackEntry]struct{}{},
		allocationsCallbacks:            map[string]map[*allocationCallbackEntry]struct{}{},
		registrationCallbacks:           map[string]map[*registrationCallbackEntry]struct{}{},

		dirtyAllocations: map[string]struct{}{},
		recoverySem:      make(chan struct{}, 1),
	}
}

// SetClock overrides the monotonic clock, for tests.
func (m *Manager) SetClock(now func() float64) {
	m.now = now
}

// Setup schedules the periodic availability sweep.
func (m *Manager) Setup() {
	m.scheduleUnavailableTracking()
}

// Stop halts background tracking. Registered scanners are left in place.
func (m *Manager) Stop() {
	m.shutdown = true
	if m.cancelUnavailableTracking != nil {
		m.cancelUnavailableTracking.Cancel()
		m.cancelUnavailableTracking = nil
	}
}

// staleSeconds is how long a history entry for address may go unrefreshed
// before any other source may take it over, and equally how long before the
// device is considered unavailable.
func (m *Manager) staleSeconds(address string) float64 {
	interval, ok := m.tracker.Interval(address)
	if !ok {
		interval = m.cfg.DefaultStaleSeconds
	}
	if interval < m.cfg.FallbackMaximumStaleSeconds {
		interval = m.cfg.FallbackMaximumStaleSeconds
	}
	return interval + m.cfg.TrackerWobbleSeconds
}

// preferPrevious reports whether the existing entry should be kept over a
// fresh advertisement from a different source.
func (m *Manager) preferPrevious(prev, fresh *adv.ServiceInfo) bool {
	if fresh.Time-prev.Time > m.staleSeconds(fresh.Address) {
		m.log.WithFields(logrus.Fields{
			"address": fresh.Address,
			"from":    m.describeSource(prev),
			"to":      m.describeSource(fresh),
		}).Debug("Switching source: previous advertisement is stale")
		return false
	}
	if fresh.RSSI-m.cfg.RSSISwitchThreshold >= prev.RSSI {
		m.log.WithFields(logrus.Fields{
			"address": fresh.Address,
			"from":    m.describeSource(prev),
			"to":      m.describeSource(fresh),
			"rssi":    fresh.RSSI,
		}).Debug("Switching source: signal is significantly stronger")
		return false
	}
	return true
}

// ScannerAdvReceived handles a new advertisement from any scanner. Must run
// on the event loop; advertisements from one scanner arrive in delivery
// order.
func (m *Manager) ScannerAdvReceived(info *adv.ServiceInfo) {
	address := info.Address
	old := m.allHistory[address]
	var oldConnectable *adv.ServiceInfo
	if info.Connectable {
		oldConnectable = m.connectableHistory[address]
	}

	if old != nil && info.Source != old.Source && m.sourceStillScanning(old.Source) &&
		m.preferPrevious(old, info) {
		// The previous source keeps the entry. A connectable advertisement
		// may still win the connectable history if that entry is missing,
		// from the same source, no longer scanning, or loses the same
		// comparison.
		if info.Connectable {
			keep := oldConnectable != nil &&
				(oldConnectable == old ||
					(oldConnectable.Source != info.Source &&
						m.sourceStillScanning(oldConnectable.Source) &&
						m.preferPrevious(oldConnectable, info)))
			if !keep {
				m.connectableHistory[address] = info
			}
		}
		return
	}

	if info.Connectable {
		m.connectableHistory[address] = info
	}
	m.allHistory[address] = info

	// Track advertising cadence so staleness and availability adapt to the
	// device. A source change restarts the window.
	if lastSource, ok := m.tracker.Sources[address]; ok && lastSource != info.Source {
		m.tracker.RemoveAddress(address)
	}
	if _, ok := m.tracker.Intervals[address]; !ok {
		m.tracker.Collect(info)
	}

	if !m.passesAppleFilter(info) {
		return
	}

	if len(m.bleakCallbacks) == 0 {
		return
	}
	dispatchInfo := info
	if !info.Connectable && m.connectableHistory[address] != nil {
		// A connectable path exists, so subscribers may act on this
		// advertisement as if it were connectable.
		dispatchInfo = info.AsConnectable()
	}
	advertisement := dispatchInfo.Advertisement()
	for entry := range m.bleakCallbacks {
		m.dispatchBleakCallback(entry, dispatchInfo.Device, advertisement)
	}
}

func (m *Manager) sourceStillScanning(source string) bool {
	s, ok := m.sources.Get(source)
	return ok && s.Scanning()
}

// passesAppleFilter drops Apple-only advertisements whose payload type
// nothing subscribes to. History has already been updated at this point;
// only dispatch is skipped.
func (m *Manager) passesAppleFilter(info *adv.ServiceInfo) bool {
	if len(info.ServiceData) != 0 || len(info.ManufacturerData) != 1 {
		return true
	}
	data, ok := info.ManufacturerData[AppleManufacturerID]
	if !ok {
		return true
	}
	if len(data) == 0 {
		return false
	}
	for _, allowed := range m.cfg.AppleAllowedFirstBytes {
		if data[0] == allowed {
			return true
		}
	}
	return false
}

func (m *Manager) dispatchBleakCallback(entry *bleakCallbackEntry, device *adv.Device, advertisement *adv.Advertisement) {
	if len(entry.filters.UUIDs) > 0 && !uuidsIntersect(entry.filters.UUIDs, advertisement.ServiceUUIDs) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Error in advertisement callback")
		}
	}()
	entry.callback(device, advertisement)
}

func uuidsIntersect(filter, serviceUUIDs []string) bool {
	for _, want := range filter {
		for _, have := range serviceUUIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (m *Manager) describeSource(info *adv.ServiceInfo) string {
	description := info.Source
	if s, ok := m.sources.Get(info.Source); ok {
		description = s.Name()
	}
	if info.Connectable {
		description += " [connectable]"
	}
	return description
}

// BLEDeviceFromAddress returns the device handle for an address, preferring
// the connectable history when requested.
func (m *Manager) BLEDeviceFromAddress(address string, connectable bool) *adv.Device {
	if info := m.lastServiceInfo(address, connectable); info != nil {
		return info.Device
	}
	return nil
}

// AddressPresent reports whether an address is in history.
func (m *Manager) AddressPresent(address string, connectable bool) bool {
	return m.lastServiceInfo(address, connectable) != nil
}

// LastServiceInfo returns the last accepted record for an address.
func (m *Manager) LastServiceInfo(address string, connectable bool) *adv.ServiceInfo {
	return m.lastServiceInfo(address, connectable)
}

func (m *Manager) lastServiceInfo(address string, connectable bool) *adv.ServiceInfo {
	if connectable {
		return m.connectableHistory[address]
	}
	return m.allHistory[address]
}

// RestoreHistory reinjects persisted records into the cross-source view,
// keeping their connectable flag and original observation time. Restoration
// never dispatches callbacks and never touches the tracker, so loading state
// from disk cannot trigger expiry or availability events. Live entries are
// not overwritten.
func (m *Manager) RestoreHistory(infos []*adv.ServiceInfo) {
	for _, info := range infos {
		if _, ok := m.allHistory[info.Address]; ok {
			continue
		}
		m.allHistory[info.Address] = info
		if info.Connectable {
			m.connectableHistory[info.Address] = info
		}
	}
}

// DiscoveredServiceInfo returns every record in the chosen history.
func (m *Manager) DiscoveredServiceInfo(connectable bool) []*adv.ServiceInfo {
	history := m.allHistory
	if connectable {
		history = m.connectableHistory
	}
	infos := make([]*adv.ServiceInfo, 0, len(history))
	for _, info := range history {
		infos = append(infos, info)
	}
	return infos
}

// AllDiscoveredDevices returns the device/advertisement pairs of the full
// cross-source view.
func (m *Manager) AllDiscoveredDevices() []DeviceAdvertisement {
	devices := make([]DeviceAdvertisement, 0, len(m.allHistory))
	for _, info := range m.allHistory {
		devices = append(devices, DeviceAdvertisement{Device: info.Device, Advertisement: info.Advertisement()})
	}
	return devices
}

// ScannerBySource returns the scanner registered under source.
func (m *Manager) ScannerBySource(source string) (scanner.Scanner, bool) {
	return m.sources.Get(source)
}

// ScannerCount returns the number of registered scanners; connectable=true
// counts only connectable ones.
func (m *Manager) ScannerCount(connectable bool) int {
	if connectable {
		return len(m.connectableScanners)
	}
	return len(m.connectableScanners) + len(m.nonConnectableScanners)
}

// CurrentScanners returns the registered scanners in registration order.
func (m *Manager) CurrentScanners() []scanner.Scanner {
	scanners := make([]scanner.Scanner, 0, m.sources.Len())
	for pair := m.sources.Oldest(); pair != nil; pair = pair.Next() {
		scanners = append(scanners, pair.Value)
	}
	return scanners
}

// SetFallbackInterval overrides the availability interval for an address
// until an interval is learned.
func (m *Manager) SetFallbackInterval(address string, interval float64) {
	m.tracker.FallbackIntervals[address] = interval
}

// LearnedInterval returns the tracked advertising interval for an address.
func (m *Manager) LearnedInterval(address string) (float64, bool) {
	interval, ok := m.tracker.Intervals[address]
	return interval, ok
}

// FallbackInterval returns the fallback interval override for an address.
func (m *Manager) FallbackInterval(address string) (float64, bool) {
	interval, ok := m.tracker.FallbackIntervals[address]
	return interval, ok
}

// Diagnostics returns a snapshot of the manager state.
func (m *Manager) Diagnostics() map[string]any {
	allHistory := make([]map[string]any, 0, len(m.allHistory))
	for _, info := range m.allHistory {
		allHistory = append(allHistory, info.AsDict())
	}
	connectableHistory := make([]map[string]any, 0, len(m.connectableHistory))
	for _, info := range m.connectableHistory {
		connectableHistory = append(connectableHistory, info.AsDict())
	}
	scanners := make([]map[string]any, 0, m.sources.Len())
	for pair := m.sources.Oldest(); pair != nil; pair = pair.Next() {
		scanners = append(scanners, pair.Value.Diagnostics())
	}
	allocations := map[string]any{}
	for adapter, allocation := range m.allocations {
		allocations[adapter] = allocation
	}
	return map[string]any{
		"scanners":              scanners,
		"all_history":           allHistory,
		"connectable_history":   connectableHistory,
		"allocations":           allocations,
		"advertisement_tracker": m.tracker.Diagnostics(),
	}
}
