package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/scanner"
)

type serviceInfoCallbackEntry struct {
	callback ServiceInfoCallback
}

type disappearedCallbackEntry struct {
	callback func(address string)
}

type registrationCallbackEntry struct {
	callback func(registration ScannerRegistration)
}

// RegistrationEvent tells a subscriber whether a scanner appeared or went
// away.
type RegistrationEvent int

const (
	ScannerAdded RegistrationEvent = iota
	ScannerRemoved
)

// ScannerRegistration is delivered to scanner-registration subscribers.
type ScannerRegistration struct {
	Event   RegistrationEvent
	Scanner scanner.Scanner
}

// RegisterCallback subscribes to accepted advertisements. The connectable
// history is replayed immediately so a late subscriber still sees devices
// discovered before it registered. The returned func unregisters in O(1) and
// is safe to call during dispatch.
func (m *Manager) RegisterCallback(callback AdvertisementCallback, filters Filters) func() {
	entry := &bleakCallbackEntry{callback: callback, filters: filters}
	m.bleakCallbacks[entry] = struct{}{}
	for _, info := range m.connectableHistory {
		m.dispatchBleakCallback(entry, info.Device, info.Advertisement())
	}
	return func() {
		delete(m.bleakCallbacks, entry)
	}
}

// RegisterUnavailableCallback fires when the address is evicted from
// history. connectable restricts the subscription to the loss of the last
// connectable path.
func (m *Manager) RegisterUnavailableCallback(address string, connectable bool, callback ServiceInfoCallback) func() {
	registry := m.unavailableCallbacks
	if connectable {
		registry = m.connectableUnavailableCallbacks
	}
	callbacks, ok := registry[address]
	if !ok {
		callbacks = map[*serviceInfoCallbackEntry]struct{}{}
		registry[address] = callbacks
	}
	entry := &serviceInfoCallbackEntry{callback: callback}
	callbacks[entry] = struct{}{}
	return func() {
		delete(callbacks, entry)
		if len(callbacks) == 0 {
			delete(registry, address)
		}
	}
}

// RegisterDisappearedCallback fires with the address once a device has no
// remaining source.
func (m *Manager) RegisterDisappearedCallback(callback func(address string)) func() {
	entry := &disappearedCallbackEntry{callback: callback}
	m.disappearedCallbacks[entry] = struct{}{}
	return func() {
		delete(m.disappearedCallbacks, entry)
	}
}

// RegisterScannerRegistrationCallback fires when a scanner is added or
// removed. source restricts the subscription; empty subscribes to all.
func (m *Manager) RegisterScannerRegistrationCallback(source string, callback func(ScannerRegistration)) func() {
	callbacks, ok := m.registrationCallbacks[source]
	if !ok {
		callbacks = map[*registrationCallbackEntry]struct{}{}
		m.registrationCallbacks[source] = callbacks
	}
	entry := &registrationCallbackEntry{callback: callback}
	callbacks[entry] = struct{}{}
	return func() {
		delete(callbacks, entry)
		if len(callbacks) == 0 {
			delete(m.registrationCallbacks, source)
		}
	}
}

// RegisterScanner indexes the scanner, starts slot accounting for its
// adapter and announces the registration. The returned func unregisters the
// scanner and re-elects history owners for everything it had discovered.
func (m *Manager) RegisterScanner(s scanner.Scanner, connectionSlots int) func() {
	m.log.WithField("scanner", s.Name()).Debug("Registering scanner")
	set := m.nonConnectableScanners
	if s.IsConnectable() {
		set = m.connectableScanners
	}
	set[s] = struct{}{}
	s.ClearConnectionHistory()
	m.sources.Set(s.Source(), s)
	m.adapterSources[s.Adapter()] = s.Source()
	s.SetConnectionObserver(m.scannerConnectionChanged)
	if connectionSlots > 0 {
		m.adapterSlots[s.Adapter()] = connectionSlots
		m.recomputeAllocations(s)
	}
	m.fireRegistration(ScannerRegistration{Event: ScannerAdded, Scanner: s})
	return func() {
		m.unregisterScanner(set, s)
	}
}

func (m *Manager) unregisterScanner(set map[scanner.Scanner]struct{}, s scanner.Scanner) {
	m.log.WithField("scanner", s.Name()).Debug("Unregistering scanner")
	m.tracker.RemoveSource(s.Source())
	delete(set, s)
	s.ClearConnectionHistory()
	s.SetConnectionObserver(nil)
	m.sources.Delete(s.Source())
	delete(m.adapterSources, s.Adapter())
	delete(m.adapterSlots, s.Adapter())
	delete(m.allocations, s.Adapter())
	m.electNewOwners(s)
	m.fireRegistration(ScannerRegistration{Event: ScannerRemoved, Scanner: s})
}

// electNewOwners re-runs source selection for every address the departing
// scanner owned in history. The strongest remaining source takes over;
// addresses with no remaining source are left to the availability sweep,
// which will disappear them.
func (m *Manager) electNewOwners(departed scanner.Scanner) {
	for _, address := range departed.DiscoveredAddresses() {
		if old := m.allHistory[address]; old != nil && old.Source == departed.Source() {
			if alternate := m.bestRemainingServiceInfo(address, false); alternate != nil {
				m.allHistory[address] = alternate
			}
		}
		if old := m.connectableHistory[address]; old != nil && old.Source == departed.Source() {
			if alternate := m.bestRemainingServiceInfo(address, true); alternate != nil {
				m.connectableHistory[address] = alternate
			}
		}
	}
}

func (m *Manager) bestRemainingServiceInfo(address string, connectable bool) *adv.ServiceInfo {
	var best *adv.ServiceInfo
	for pair := m.sources.Oldest(); pair != nil; pair = pair.Next() {
		s := pair.Value
		if connectable && !s.IsConnectable() {
			continue
		}
		info, ok := s.DiscoveredServiceInfo(address)
		if !ok {
			continue
		}
		if best == nil || info.RSSI > best.RSSI {
			best = info
		}
	}
	return best
}

func (m *Manager) fireRegistration(registration ScannerRegistration) {
	for _, sourceKey := range []string{registration.Scanner.Source(), ""} {
		callbacks, ok := m.registrationCallbacks[sourceKey]
		if !ok {
			continue
		}
		for entry := range snapshot(callbacks) {
			m.invokeRegistrationCallback(entry, registration)
		}
	}
}

func (m *Manager) invokeRegistrationCallback(entry *registrationCallbackEntry, registration ScannerRegistration) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Error in scanner registration callback")
		}
	}()
	entry.callback(registration)
}

// scheduleUnavailableTracking arms the periodic availability sweep.
func (m *Manager) scheduleUnavailableTracking() {
	if m.lp == nil {
		return
	}
	m.cancelUnavailableTracking = m.lp.CallLater(m.cfg.UnavailableTrackInterval, func() {
		m.checkUnavailable(m.now())
		m.scheduleUnavailableTracking()
	})
}

// checkUnavailable evicts history entries whose device has gone quiet past
// its effective expiry and entries whose only source has been unregistered.
// Callbacks may unregister themselves during dispatch; iteration works on
// snapshots. Running the sweep twice back-to-back evicts nothing new the
// second time.
func (m *Manager) checkUnavailable(now float64) {
	for _, connectable := range []bool{true, false} {
		history := m.allHistory
		registry := m.unavailableCallbacks
		if connectable {
			history = m.connectableHistory
			registry = m.connectableUnavailableCallbacks
		}
		var expired []string
		for address, info := range history {
			if now-info.Time > m.staleSeconds(address) {
				expired = append(expired, address)
			}
		}
		for _, address := range expired {
			info := history[address]
			delete(history, address)
			if !connectable {
				// The all-history pass is the final word on the device;
				// forget its cadence so a reappearance starts fresh.
				m.tracker.RemoveFallbackInterval(address)
				m.tracker.RemoveAddress(address)
			}
			m.fireUnavailable(registry, address, info)
		}
	}
	m.sweepDeparted()
}

// sweepDeparted disappears devices whose owning scanner is gone and that no
// remaining scanner has discovered.
func (m *Manager) sweepDeparted() {
	var departed []string
	for address, info := range m.allHistory {
		if _, ok := m.sources.Get(info.Source); ok {
			continue
		}
		if m.bestRemainingServiceInfo(address, false) == nil {
			departed = append(departed, address)
		}
	}
	for _, address := range departed {
		info := m.allHistory[address]
		delete(m.allHistory, address)
		delete(m.connectableHistory, address)
		m.tracker.RemoveFallbackInterval(address)
		m.tracker.RemoveAddress(address)
		for entry := range snapshot(m.disappearedCallbacks) {
			m.invokeDisappearedCallback(entry, address)
		}
		m.fireUnavailable(m.connectableUnavailableCallbacks, address, info)
		m.fireUnavailable(m.unavailableCallbacks, address, info)
	}
}

func (m *Manager) fireUnavailable(registry map[string]map[*serviceInfoCallbackEntry]struct{}, address string, info *adv.ServiceInfo) {
	callbacks, ok := registry[address]
	if !ok {
		return
	}
	for entry := range snapshot(callbacks) {
		m.invokeUnavailableCallback(entry, info)
	}
}

func (m *Manager) invokeUnavailableCallback(entry *serviceInfoCallbackEntry, info *adv.ServiceInfo) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Error in unavailable callback")
		}
	}()
	entry.callback(info)
}

func (m *Manager) invokeDisappearedCallback(entry *disappearedCallbackEntry, address string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{"panic": r, "address": address}).
				Error("Error in disappeared callback")
		}
	}()
	entry.callback(address)
}

func snapshot[K comparable](set map[K]struct{}) map[K]struct{} {
	copied := make(map[K]struct{}, len(set))
	for k := range set {
		copied[k] = struct{}{}
	}
	return copied
}
