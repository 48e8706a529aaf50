package scanner

import (
	"time"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/loop"
	"github.com/srg/bluehub/internal/storage"
)

// ConnectableFallbackMaximumStaleSeconds is the default lifetime of a remote
// scanner's discovered entries. Remote scanners only track connectable
// devices this way; the manager owns availability for everything else.
const ConnectableFallbackMaximumStaleSeconds = 195.0

// RemoteScanner receives advertisements pushed in by an external transport,
// either pre-parsed or as raw advertising payloads. Partial payloads are
// merged against the previous record for the address so the published view
// is always the union of what the device recently advertised.
type RemoteScanner struct {
	BaseScanner

	expireSeconds float64
	details       map[string]any
	cancelExpire  *loop.TimerHandle
}

// NewRemoteScanner creates a remote scanner. expireSeconds <= 0 selects the
// connectable fallback default.
func NewRemoteScanner(cfg Config, expireSeconds float64) *RemoteScanner {
	if expireSeconds <= 0 {
		expireSeconds = ConnectableFallbackMaximumStaleSeconds
	}
	return &RemoteScanner{
		BaseScanner:   newBaseScanner(cfg),
		expireSeconds: expireSeconds,
		details:       map[string]any{"source": cfg.Source},
	}
}

// ExpireSeconds returns the lifetime applied to discovered entries.
func (s *RemoteScanner) ExpireSeconds() float64 {
	return s.expireSeconds
}

// Setup schedules the periodic expiry sweep and returns a teardown func.
func (s *RemoteScanner) Setup() func() {
	s.startTime = s.now()
	s.lastDetection = s.startTime
	s.scheduleExpire()
	return func() {
		if s.cancelExpire != nil {
			s.cancelExpire.Cancel()
			s.cancelExpire = nil
		}
	}
}

func (s *RemoteScanner) scheduleExpire() {
	if s.lp == nil {
		return
	}
	interval := time.Duration(s.expireSeconds / 2 * float64(time.Second))
	s.cancelExpire = s.lp.CallLater(interval, func() {
		s.ExpireDevices()
		s.scheduleExpire()
	})
}

// ExpireDevices removes discovered entries older than the expiry lifetime.
func (s *RemoteScanner) ExpireDevices() {
	now := s.now()
	var expired []string
	s.discovered.Range(func(address string, info *adv.ServiceInfo) bool {
		if now-info.Time > s.expireSeconds {
			expired = append(expired, address)
		}
		return true
	})
	for _, address := range expired {
		s.discovered.Del(address)
	}
	if len(expired) > 0 {
		s.log.WithField("expired", len(expired)).Debug("Expired stale discovered devices")
	}
}

// OnAdvertisement is the pre-parsed intake path for external transports. The
// caller must invoke it on the event loop; transports running their own
// goroutines marshal through Loop.Dispatch.
func (s *RemoteScanner) OnAdvertisement(
	address string,
	rssi int,
	localName string,
	serviceUUIDs []string,
	serviceData map[string][]byte,
	manufacturerData map[uint16][]byte,
	txPower int,
	details map[string]any,
	monotonicTime float64,
) {
	s.onAdvertisement(address, rssi, localName, serviceUUIDs, serviceData, manufacturerData, txPower, details, monotonicTime, nil)
}

// OnRawAdvertisement parses a raw advertising payload and feeds it through
// the same merge path, retaining the raw bytes on the published record.
func (s *RemoteScanner) OnRawAdvertisement(
	address string,
	rssi int,
	raw []byte,
	details map[string]any,
	monotonicTime float64,
) {
	parsed := adv.Parse(raw)
	localName := ""
	if parsed.HasLocalName {
		localName = parsed.LocalName
	}
	s.onAdvertisement(address, rssi, localName, parsed.ServiceUUIDs, parsed.ServiceData, parsed.ManufacturerData, parsed.TxPower, details, monotonicTime, raw)
}

func (s *RemoteScanner) onAdvertisement(
	address string,
	rssi int,
	localName string,
	serviceUUIDs []string,
	serviceData map[string][]byte,
	manufacturerData map[uint16][]byte,
	txPower int,
	details map[string]any,
	monotonicTime float64,
	raw []byte,
) {
	info := &adv.ServiceInfo{
		Address:          address,
		RSSI:             rssi,
		ServiceUUIDs:     serviceUUIDs,
		ServiceData:      serviceData,
		ManufacturerData: manufacturerData,
		Source:           s.source,
		Connectable:      s.connectable,
		Time:             monotonicTime,
		TxPower:          txPower,
		Raw:              raw,
	}
	prev, hasPrev := s.discovered.Get(address)
	if hasPrev && monotonicTime-prev.Time <= s.expireSeconds {
		s.merge(info, prev, localName, details)
	} else {
		if localName != "" {
			info.Name = localName
			info.HasLocalName = true
		} else {
			info.Name = address
		}
		info.Device = &adv.Device{
			Address: address,
			Name:    info.Name,
			Details: s.mergedDetails(nil, details),
		}
	}
	s.publish(info)
}

// merge carries values of the previous record forward wherever the new
// advertisement left them out. BLE devices rotate partial payloads across
// advertising frames; subscribers expect the merged union, the same way
// BlueZ merges properties on PropertiesChanged.
func (s *RemoteScanner) merge(info, prev *adv.ServiceInfo, localName string, details map[string]any) {
	switch {
	case localName == "" && prev.HasLocalName:
		info.Name = prev.Name
		info.HasLocalName = true
	case localName == "":
		info.Name = prev.Name
	case prev.HasLocalName && len(prev.Name) > len(localName):
		// A shortened-name frame never replaces the longer complete name
		// seen earlier.
		info.Name = prev.Name
		info.HasLocalName = true
	default:
		info.Name = localName
		info.HasLocalName = true
	}

	if len(info.ServiceUUIDs) == 0 {
		info.ServiceUUIDs = prev.ServiceUUIDs
	} else if len(prev.ServiceUUIDs) > 0 {
		info.ServiceUUIDs = unionUUIDs(info.ServiceUUIDs, prev.ServiceUUIDs)
	}

	info.ServiceData = mergeByteMaps(prev.ServiceData, info.ServiceData)
	info.ManufacturerData = mergeUint16Maps(prev.ManufacturerData, info.ManufacturerData)

	prevDetails := map[string]any(nil)
	if prev.Device != nil {
		prevDetails = prev.Device.Details
	}
	info.Device = &adv.Device{
		Address: info.Address,
		Name:    info.Name,
		Details: s.mergedDetails(prevDetails, details),
	}
}

func (s *RemoteScanner) mergedDetails(prev, details map[string]any) map[string]any {
	merged := make(map[string]any, len(s.details)+len(prev)+len(details))
	for k, v := range s.details {
		merged[k] = v
	}
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return merged
}

func unionUUIDs(fresh, prior []string) []string {
	seen := make(map[string]struct{}, len(fresh)+len(prior))
	union := make([]string, 0, len(fresh)+len(prior))
	for _, uuid := range fresh {
		if _, ok := seen[uuid]; !ok {
			seen[uuid] = struct{}{}
			union = append(union, uuid)
		}
	}
	for _, uuid := range prior {
		if _, ok := seen[uuid]; !ok {
			seen[uuid] = struct{}{}
			union = append(union, uuid)
		}
	}
	return union
}

// mergeByteMaps overlays fresh subvalues on the prior map: a key present in
// the new advertisement supersedes the prior entry, everything else is
// carried forward.
func mergeByteMaps(prior, fresh map[string][]byte) map[string][]byte {
	if len(fresh) == 0 {
		return prior
	}
	if len(prior) == 0 {
		return fresh
	}
	merged := make(map[string][]byte, len(prior)+len(fresh))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	return merged
}

func mergeUint16Maps(prior, fresh map[uint16][]byte) map[uint16][]byte {
	if len(fresh) == 0 {
		return prior
	}
	if len(prior) == 0 {
		return fresh
	}
	merged := make(map[uint16][]byte, len(prior)+len(fresh))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	return merged
}

// RestoreDiscovered reinjects persisted history into the discovered table.
// Restoring never publishes to the manager and never reschedules detection
// bookkeeping, so a restart cannot trigger expiry or availability callbacks.
// Entries already past the expiry lifetime are dropped immediately.
func (s *RemoteScanner) RestoreDiscovered(history *storage.DiscoveredDeviceAdvertisementData) {
	for address, record := range history.Devices {
		s.discovered.Set(address, record.ToServiceInfo(address, s.source, s.connectable))
	}
	s.ExpireDevices()
}

// SerializeDiscovered captures the discovered table for persistence.
func (s *RemoteScanner) SerializeDiscovered() *storage.DiscoveredDeviceAdvertisementData {
	devices := map[string]storage.DeviceRecord{}
	s.discovered.Range(func(address string, info *adv.ServiceInfo) bool {
		devices[address] = storage.FromServiceInfo(info)
		return true
	})
	return &storage.DiscoveredDeviceAdvertisementData{
		Connectable:   s.connectable,
		ExpireSeconds: s.expireSeconds,
		Devices:       devices,
	}
}
