// Package mgmt decodes the host-kernel BLE management protocol: framed
// little-endian events about controllers, delivered as a byte stream.
// Everything is little endian on the wire.
package mgmt

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/bluehub/adv"
)

// HeaderSize is event_code (2 bytes), controller_idx (2 bytes), param_len
// (2 bytes).
const HeaderSize = 6

// MaxFrameSize bounds the declared parameter length of a frame. Anything
// larger is a framing error and kills the connection.
const MaxFrameSize = 4096

// Management events.
const (
	EvtCmdComplete           = 0x0001
	EvtCmdStatus             = 0x0002
	EvtDeviceFound           = 0x0012
	EvtAdvMonitorDeviceFound = 0x002F
)

// Management commands.
const (
	OpGetConnections = 0x0015
	OpLoadConnParam  = 0x0035
)

// rssiNotAvailable is the kernel's marker for a missing signal strength.
const rssiNotAvailable = 127

// ErrFraming reports a malformed management payload, such as a
// GET_CONNECTIONS completion too short to carry its count. Framing errors
// found by Feed are not returned as errors; they mark the connection lost.
var ErrFraming = errors.New("management protocol framing error")

// CommandError reports a non-zero command completion status.
type CommandError struct {
	Opcode uint16
	Status byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("management command %#04x failed: status=%#02x", e.Opcode, e.Status)
}

// DeviceFound is a decoded DEVICE_FOUND or ADV_MONITOR_DEVICE_FOUND event.
// The address type is opaque: it is preserved as received and never
// interpreted here.
type DeviceFound struct {
	Controller  uint16
	Address     string
	AddressType byte
	RSSI        int
	Flags       uint32
	Data        []byte
}

// CommandResult is the resolution of a pending management command.
type CommandResult struct {
	Status byte
	Data   []byte
}

// Future resolves once the matching CMD_COMPLETE or CMD_STATUS arrives.
type Future struct {
	ch       chan CommandResult
	resolved bool
}

func newFuture() *Future {
	return &Future{ch: make(chan CommandResult, 1)}
}

// Done returns a channel that yields the command result exactly once.
func (f *Future) Done() <-chan CommandResult {
	return f.ch
}

func (f *Future) resolve(result CommandResult) {
	if f.resolved {
		return
	}
	f.resolved = true
	f.ch <- result
}

type pendingKey struct {
	Opcode     uint16
	Controller uint16
}

// Codec is a non-blocking framed decoder. Feed it bytes as they arrive;
// partial frames stay buffered. Decoded device-found events go to the
// handler, command completions resolve pending futures. On any framing
// error the buffer is cleared, the codec stops decoding and the
// connection-lost hook fires exactly once.
type Codec struct {
	buf *ringbuffer.RingBuffer

	haveHeader bool
	event      uint16
	controller uint16
	paramLen   int

	onDeviceFound    func(DeviceFound)
	onConnectionLost func()
	lost             bool

	pending map[pendingKey]*Future
	log     *logrus.Entry
}

// NewCodec creates a codec. Handlers may be nil.
func NewCodec(onDeviceFound func(DeviceFound), onConnectionLost func(), logger *logrus.Logger) *Codec {
	if logger == nil {
		logger = logrus.New()
	}
	return &Codec{
		buf:              ringbuffer.New(2 * (MaxFrameSize + HeaderSize)),
		onDeviceFound:    onDeviceFound,
		onConnectionLost: onConnectionLost,
		pending:          map[pendingKey]*Future{},
		log:              logger.WithField("component", "mgmt"),
	}
}

// Lost reports whether the connection has been marked lost.
func (c *Codec) Lost() bool {
	return c.lost
}

// SetupCommandResponse registers a future resolved by the completion of
// opcode on the given controller. The caller must CleanupCommandResponse
// when done.
func (c *Codec) SetupCommandResponse(opcode, controller uint16) *Future {
	future := newFuture()
	c.pending[pendingKey{Opcode: opcode, Controller: controller}] = future
	return future
}

// CleanupCommandResponse drops the pending future for opcode.
func (c *Codec) CleanupCommandResponse(opcode, controller uint16) {
	delete(c.pending, pendingKey{Opcode: opcode, Controller: controller})
}

// Feed buffers incoming bytes and decodes every complete frame. It never
// blocks on I/O. After a framing error all further input is discarded.
func (c *Codec) Feed(data []byte) {
	if c.lost {
		return
	}
	if c.buf.Free() < len(data) {
		c.markLost("receive buffer overrun")
		return
	}
	if _, err := c.buf.Write(data); err != nil {
		c.markLost(err.Error())
		return
	}
	for {
		if !c.haveHeader {
			if c.buf.Length() < HeaderSize {
				return
			}
			var header [HeaderSize]byte
			if _, err := c.buf.Read(header[:]); err != nil {
				c.markLost(err.Error())
				return
			}
			c.event = uint16(header[0]) | uint16(header[1])<<8
			c.controller = uint16(header[2]) | uint16(header[3])<<8
			c.paramLen = int(uint16(header[4]) | uint16(header[5])<<8)
			if c.paramLen > MaxFrameSize {
				c.markLost(fmt.Sprintf("declared frame length %d exceeds maximum", c.paramLen))
				return
			}
			c.haveHeader = true
		}
		if c.buf.Length() < c.paramLen {
			return
		}
		params := make([]byte, c.paramLen)
		if c.paramLen > 0 {
			if _, err := c.buf.Read(params); err != nil {
				c.markLost(err.Error())
				return
			}
		}
		c.haveHeader = false
		c.handleFrame(c.event, c.controller, params)
		if c.lost {
			return
		}
	}
}

func (c *Codec) markLost(reason string) {
	c.log.WithField("reason", reason).Warn("Management connection lost")
	c.buf.Reset()
	c.haveHeader = false
	if c.lost {
		return
	}
	c.lost = true
	if c.onConnectionLost != nil {
		c.onConnectionLost()
	}
}

func (c *Codec) handleFrame(event, controller uint16, params []byte) {
	switch event {
	case EvtDeviceFound:
		c.handleDeviceFound(controller, params, 0)
	case EvtAdvMonitorDeviceFound:
		// The monitor handle (2 bytes) precedes the address info.
		c.handleDeviceFound(controller, params, 2)
	case EvtCmdComplete, EvtCmdStatus:
		c.handleCommandResponse(controller, params)
	}
}

func (c *Codec) handleDeviceFound(controller uint16, params []byte, offset int) {
	if len(params) < offset+14 {
		c.log.WithField("len", len(params)).Debug("Short device-found frame, dropped")
		return
	}
	rssi := int(int8(params[offset+7]))
	if rssi == rssiNotAvailable {
		rssi = adv.NoRSSIValue
	}
	flags := uint32(params[offset+8]) |
		uint32(params[offset+9])<<8 |
		uint32(params[offset+10])<<16 |
		uint32(params[offset+11])<<24
	// AD_Data_Length at offset+12/13 is implied by the frame length.
	if c.onDeviceFound != nil {
		c.onDeviceFound(DeviceFound{
			Controller:  controller,
			Address:     AddressToMAC(params[offset : offset+6]),
			AddressType: params[offset+6],
			RSSI:        rssi,
			Flags:       flags,
			Data:        params[offset+14:],
		})
	}
}

func (c *Codec) handleCommandResponse(controller uint16, params []byte) {
	if len(params) < 3 {
		return
	}
	opcode := uint16(params[0]) | uint16(params[1])<<8
	status := params[2]
	if opcode == OpLoadConnParam {
		if status != 0 {
			c.log.WithFields(logrus.Fields{
				"controller": controller,
				"status":     status,
			}).Warn("Failed to load connection parameters")
		}
	}
	key := pendingKey{Opcode: opcode, Controller: controller}
	if future, ok := c.pending[key]; ok {
		delete(c.pending, key)
		future.resolve(CommandResult{Status: status, Data: params[3:]})
	}
}

// AddressToMAC renders a 6-byte little-endian wire address as a MAC string.
func AddressToMAC(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
