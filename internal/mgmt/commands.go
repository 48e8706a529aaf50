package mgmt

import (
	"fmt"
	"strconv"
	"strings"
)

// ConnParams is one set of connection interval parameters for
// MGMT_OP_LOAD_CONN_PARAM. Intervals are in 1.25 ms units, the timeout in
// 10 ms units.
type ConnParams struct {
	MinInterval uint16
	MaxInterval uint16
	Latency     uint16
	Timeout     uint16
}

// Parameter sets loaded before a connection attempt. Fast trades power for
// connection setup latency; Medium is the steady-state profile.
var (
	FastConnParams   = ConnParams{MinInterval: 0x0006, MaxInterval: 0x000C, Latency: 0, Timeout: 200}
	MediumConnParams = ConnParams{MinInterval: 0x0018, MaxInterval: 0x0028, Latency: 0, Timeout: 400}
)

func putUint16(dst []byte, v uint16) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}

// EncodeCommand frames a management command: the 6-byte header followed by
// the parameters.
func EncodeCommand(opcode, controller uint16, params []byte) []byte {
	frame := make([]byte, HeaderSize+len(params))
	putUint16(frame[0:], opcode)
	putUint16(frame[2:], controller)
	putUint16(frame[4:], uint16(len(params)))
	copy(frame[HeaderSize:], params)
	return frame
}

// EncodeEvent frames a management event. Events and commands share the same
// header layout, so decode is a left inverse of either encoder.
func EncodeEvent(event, controller uint16, params []byte) []byte {
	return EncodeCommand(event, controller, params)
}

// EncodeDeviceFound builds the parameter payload of a DEVICE_FOUND event for
// the given device. Used by tests and by loopback transports.
func EncodeDeviceFound(address string, addressType byte, rssi int8, flags uint32, adData []byte) ([]byte, error) {
	addr, err := MACToAddress(address)
	if err != nil {
		return nil, err
	}
	params := make([]byte, 0, 14+len(adData))
	params = append(params, addr...)
	params = append(params, addressType, byte(rssi))
	params = append(params,
		byte(flags), byte(flags>>8), byte(flags>>16), byte(flags>>24),
		byte(len(adData)), byte(len(adData)>>8))
	return append(params, adData...), nil
}

// EncodeGetConnections builds a GET_CONNECTIONS command for a controller.
func EncodeGetConnections(controller uint16) []byte {
	return EncodeCommand(OpGetConnections, controller, nil)
}

// EncodeLoadConnParams builds a LOAD_CONN_PARAM command for one device.
func EncodeLoadConnParams(controller uint16, address string, addressType byte, params ConnParams) ([]byte, error) {
	addr, err := MACToAddress(address)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 2+6+1+8)
	putUint16(payload[0:], 1) // param_count
	copy(payload[2:], addr)
	payload[8] = addressType
	putUint16(payload[9:], params.MinInterval)
	putUint16(payload[11:], params.MaxInterval)
	putUint16(payload[13:], params.Latency)
	putUint16(payload[15:], params.Timeout)
	return EncodeCommand(OpLoadConnParam, controller, payload), nil
}

// ParseGetConnectionsResult extracts the connection count from a
// GET_CONNECTIONS completion payload.
func ParseGetConnectionsResult(result CommandResult) (int, error) {
	if result.Status != 0 {
		return 0, &CommandError{Opcode: OpGetConnections, Status: result.Status}
	}
	if len(result.Data) < 2 {
		return 0, fmt.Errorf("%w: short GET_CONNECTIONS response", ErrFraming)
	}
	return int(uint16(result.Data[0]) | uint16(result.Data[1])<<8), nil
}

// MACToAddress converts "AA:BB:CC:DD:EE:FF" to the 6-byte little-endian wire
// form.
func MACToAddress(mac string) ([]byte, error) {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q", mac)
	}
	addr := make([]byte, 6)
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid MAC address %q", mac)
		}
		addr[5-i] = byte(v)
	}
	return addr, nil
}
