// Package storage defines the persisted form of a scanner's discovered
// history. The document is plain JSON so supervisors can dump and restore
// state across restarts without understanding advertisement internals.
package storage

import (
	"encoding/json"

	"github.com/srg/bluehub/adv"
)

// DeviceRecord is one address worth of persisted advertisement state.
type DeviceRecord struct {
	Name             string            `json:"name"`
	HasLocalName     bool              `json:"has_local_name"`
	RSSI             int               `json:"rssi"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	TxPower          int               `json:"tx_power"`
	Time             float64           `json:"time"`
	Raw              []byte            `json:"raw,omitempty"`
	Details          map[string]any    `json:"details,omitempty"`
}

// DiscoveredDeviceAdvertisementData is the persisted envelope for one
// scanner.
type DiscoveredDeviceAdvertisementData struct {
	Connectable   bool                    `json:"connectable"`
	ExpireSeconds float64                 `json:"expire_seconds"`
	Devices       map[string]DeviceRecord `json:"devices"`
}

// FromServiceInfo captures the persistable fields of a record.
func FromServiceInfo(info *adv.ServiceInfo) DeviceRecord {
	var details map[string]any
	if info.Device != nil {
		details = info.Device.Details
	}
	return DeviceRecord{
		Name:             info.Name,
		HasLocalName:     info.HasLocalName,
		RSSI:             info.RSSI,
		ManufacturerData: info.ManufacturerData,
		ServiceData:      info.ServiceData,
		ServiceUUIDs:     info.ServiceUUIDs,
		TxPower:          info.TxPower,
		Time:             info.Time,
		Raw:              info.Raw,
		Details:          details,
	}
}

// ToServiceInfo rebuilds a ServiceInfo owned by the given scanner identity.
// Restored records keep their original observation time so restoring never
// resets expiry accounting.
func (r DeviceRecord) ToServiceInfo(address, source string, connectable bool) *adv.ServiceInfo {
	name := r.Name
	if name == "" {
		name = address
	}
	return &adv.ServiceInfo{
		Name:             name,
		HasLocalName:     r.HasLocalName,
		Address:          address,
		RSSI:             r.RSSI,
		ManufacturerData: r.ManufacturerData,
		ServiceData:      r.ServiceData,
		ServiceUUIDs:     r.ServiceUUIDs,
		Source:           source,
		Device:           &adv.Device{Address: address, Name: name, Details: r.Details},
		Raw:              r.Raw,
		Connectable:      connectable,
		Time:             r.Time,
		TxPower:          r.TxPower,
	}
}

// Dump serializes the envelope.
func Dump(d *DiscoveredDeviceAdvertisementData) ([]byte, error) {
	return json.Marshal(d)
}

// Load parses a previously dumped envelope.
func Load(data []byte) (*DiscoveredDeviceAdvertisementData, error) {
	var d DiscoveredDeviceAdvertisementData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.Devices == nil {
		d.Devices = map[string]DeviceRecord{}
	}
	return &d, nil
}
