package adv

import (
	"encoding/hex"
	"fmt"
)

// Parsed is the result of walking a raw advertising payload.
type Parsed struct {
	LocalName        string
	HasLocalName     bool
	ServiceUUIDs     []string
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
	TxPower          int
}

// baseUUIDSuffix is the tail of the Bluetooth base UUID used to expand 16 and
// 32 bit service class UUIDs.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// UUID16 expands a 16-bit service class UUID to its canonical 128-bit form.
func UUID16(v uint16) string {
	return fmt.Sprintf("0000%04x%s", v, baseUUIDSuffix)
}

// UUID32 expands a 32-bit service class UUID to its canonical 128-bit form.
func UUID32(v uint32) string {
	return fmt.Sprintf("%08x%s", v, baseUUIDSuffix)
}

// UUID128 formats a little-endian 16-byte UUID from the wire into canonical
// string form.
func UUID128(b []byte) string {
	r := make([]byte, 16)
	for i := range 16 {
		r[i] = b[15-i]
	}
	h := hex.EncodeToString(r)
	return h[:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:]
}

// Parse walks the AD structures of a raw advertising payload. Each record is
// len, type, value[len-1]; a truncated record terminates the walk, everything
// decoded so far is kept.
func Parse(raw []byte) Parsed {
	p := Parsed{
		ServiceData:      map[string][]byte{},
		ManufacturerData: map[uint16][]byte{},
		TxPower:          NoTxPower,
	}
	var shortName string
	b := raw
	for len(b) > 1 {
		l := int(b[0])
		if l == 0 {
			break
		}
		if len(b) < 1+l {
			break
		}
		typ := b[1]
		value := b[2 : 1+l]
		switch typ {
		case ShortName:
			shortName = string(value)
		case CompleteName:
			p.LocalName = string(value)
			p.HasLocalName = true
		case SomeUUID16, AllUUID16, ServiceSol16:
			for len(value) >= 2 {
				p.ServiceUUIDs = append(p.ServiceUUIDs, UUID16(uint16(value[0])|uint16(value[1])<<8))
				value = value[2:]
			}
		case SomeUUID32, AllUUID32, ServiceSol32:
			for len(value) >= 4 {
				v := uint32(value[0]) | uint32(value[1])<<8 | uint32(value[2])<<16 | uint32(value[3])<<24
				p.ServiceUUIDs = append(p.ServiceUUIDs, UUID32(v))
				value = value[4:]
			}
		case SomeUUID128, AllUUID128, ServiceSol128:
			for len(value) >= 16 {
				p.ServiceUUIDs = append(p.ServiceUUIDs, UUID128(value[:16]))
				value = value[16:]
			}
		case ServiceData16:
			if len(value) >= 2 {
				uuid := UUID16(uint16(value[0]) | uint16(value[1])<<8)
				p.ServiceData[uuid] = append([]byte(nil), value[2:]...)
			}
		case ServiceData32:
			if len(value) >= 4 {
				v := uint32(value[0]) | uint32(value[1])<<8 | uint32(value[2])<<16 | uint32(value[3])<<24
				uuid := UUID32(v)
				p.ServiceData[uuid] = append([]byte(nil), value[4:]...)
				p.ServiceUUIDs = append(p.ServiceUUIDs, uuid)
			}
		case ServiceData128:
			if len(value) >= 16 {
				p.ServiceData[UUID128(value[:16])] = append([]byte(nil), value[16:]...)
			}
		case ManufacturerData:
			if len(value) >= 2 {
				id := uint16(value[0]) | uint16(value[1])<<8
				p.ManufacturerData[id] = append([]byte(nil), value[2:]...)
			}
		case TxPower:
			if len(value) >= 1 {
				p.TxPower = int(int8(value[0]))
			}
		}
		b = b[1+l:]
	}
	if !p.HasLocalName && shortName != "" {
		p.LocalName = shortName
		p.HasLocalName = true
	}
	return p
}
