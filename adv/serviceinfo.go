// Package adv holds the per-advertisement record shared by scanners and the
// manager, and the parser for raw BLE advertising payloads.
package adv

// Device is the opaque handle published to subscribers alongside an
// advertisement. It carries scanner-specific connection details so a
// connection client can route an attempt back to the owning scanner.
type Device struct {
	Address string         `json:"address"`
	Name    string         `json:"name"`
	Details map[string]any `json:"details,omitempty"`
}

// Advertisement is the projection of a ServiceInfo that subscriber callbacks
// consume. LocalName is nil when the device never advertised a name.
type Advertisement struct {
	LocalName        *string           `json:"local_name"`
	ServiceUUIDs     []string          `json:"service_uuids"`
	ServiceData      map[string][]byte `json:"service_data"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data"`
	TxPower          int               `json:"tx_power"`
	RSSI             int               `json:"rssi"`
	Source           string            `json:"source"`
	Details          map[string]any    `json:"details,omitempty"`
}

// ServiceInfo is an immutable snapshot of one advertisement as observed by
// one scanner. Fields are set once at construction; after the record has been
// handed to the manager it must not be mutated. The Advertisement projection
// is materialised lazily on first use and cached.
type ServiceInfo struct {
	Name             string
	Address          string
	RSSI             int
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	Source           string
	Device           *Device
	Raw              []byte
	Connectable      bool
	Time             float64
	TxPower          int

	// HasLocalName records whether Name came from an advertised local name
	// or is just the address fallback.
	HasLocalName bool

	advertisement *Advertisement
}

// Advertisement returns the cached subscriber projection, building it on
// first call. Only the loop goroutine materialises projections, so no
// synchronisation is needed around the cache.
func (si *ServiceInfo) Advertisement() *Advertisement {
	if si.advertisement == nil {
		var localName *string
		if si.HasLocalName {
			name := si.Name
			localName = &name
		}
		var details map[string]any
		if si.Device != nil {
			details = si.Device.Details
		}
		si.advertisement = &Advertisement{
			LocalName:        localName,
			ServiceUUIDs:     si.ServiceUUIDs,
			ServiceData:      si.ServiceData,
			ManufacturerData: si.ManufacturerData,
			TxPower:          si.TxPower,
			RSSI:             si.RSSI,
			Source:           si.Source,
			Details:          details,
		}
	}
	return si.advertisement
}

// AsConnectable returns a copy marked connectable. The cached projection is
// carried over so the copy never re-parses. Used when a device previously
// seen only passively is also reachable through a connectable scanner.
func (si *ServiceInfo) AsConnectable() *ServiceInfo {
	if si.Connectable {
		return si
	}
	dup := *si
	dup.Connectable = true
	return &dup
}

// AsDict returns a JSON-friendly mapping of the record, used by storage and
// diagnostics.
func (si *ServiceInfo) AsDict() map[string]any {
	return map[string]any{
		"name":              si.Name,
		"address":           si.Address,
		"rssi":              si.RSSI,
		"manufacturer_data": si.ManufacturerData,
		"service_data":      si.ServiceData,
		"service_uuids":     si.ServiceUUIDs,
		"source":            si.Source,
		"connectable":       si.Connectable,
		"time":              si.Time,
		"tx_power":          si.TxPower,
		"raw":               si.Raw,
	}
}
