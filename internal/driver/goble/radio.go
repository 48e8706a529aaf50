// Package goble adapts a go-ble device into the local scanner's Radio
// interface, converting ble.Advertisement values into normalized scanner
// events.
package goble

import (
	"context"
	"errors"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/scanner"
)

// Radio drives one go-ble device. Scanning runs on its own goroutine; events
// are delivered to the handler from that goroutine and marshaled onto the
// event loop by the local scanner.
type Radio struct {
	dev    ble.Device
	cancel context.CancelFunc
	done   chan struct{}
	logger *logrus.Logger
}

// NewRadio creates an unstarted radio.
func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger}
}

// Start creates the underlying device and begins scanning in the backend's
// default mode. A passive request is only logged; the scan mode is not
// changed.
func (r *Radio) Start(ctx context.Context, mode scanner.Mode, handler func(scanner.Event)) error {
	dev, err := DeviceFactory()
	if err != nil {
		return err
	}
	if mode == scanner.ModePassive {
		r.logger.Debug("Passive scan requested; backend scans in its default mode")
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	r.dev = dev
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		err := dev.Scan(scanCtx, true, func(a ble.Advertisement) {
			handler(convertAdvertisement(a))
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.WithError(err).Warn("BLE scan terminated")
		}
	}()
	return ctx.Err()
}

// Stop cancels scanning and tears the device down.
func (r *Radio) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.cancel = nil
	err := r.dev.Stop()
	r.dev = nil
	return err
}

func convertAdvertisement(a ble.Advertisement) scanner.Event {
	ev := scanner.Event{
		Address:     a.Addr().String(),
		RSSI:        a.RSSI(),
		LocalName:   a.LocalName(),
		TxPower:     a.TxPowerLevel(),
		Connectable: a.Connectable(),
	}
	services := a.Services()
	if len(services) > 0 {
		ev.ServiceUUIDs = make([]string, 0, len(services))
		for _, u := range services {
			ev.ServiceUUIDs = append(ev.ServiceUUIDs, uuidString(u))
		}
	}
	if sd := a.ServiceData(); len(sd) > 0 {
		ev.ServiceData = make(map[string][]byte, len(sd))
		for _, entry := range sd {
			ev.ServiceData[uuidString(entry.UUID)] = entry.Data
		}
	}
	if md := a.ManufacturerData(); len(md) >= 2 {
		id := uint16(md[0]) | uint16(md[1])<<8
		ev.ManufacturerData = map[uint16][]byte{id: md[2:]}
	}
	return ev
}

// uuidString renders a go-ble UUID (little-endian bytes) in the canonical
// 128-bit form used across the module.
func uuidString(u ble.UUID) string {
	switch len(u) {
	case 2:
		return adv.UUID16(uint16(u[0]) | uint16(u[1])<<8)
	case 4:
		return adv.UUID32(uint32(u[0]) | uint32(u[1])<<8 | uint32(u[2])<<16 | uint32(u[3])<<24)
	case 16:
		return adv.UUID128([]byte(u))
	default:
		return u.String()
	}
}
