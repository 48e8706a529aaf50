package mgmt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/mgmt"
)

type codecHarness struct {
	codec     *mgmt.Codec
	found     []mgmt.DeviceFound
	lostCount int
}

func newCodecHarness() *codecHarness {
	h := &codecHarness{}
	h.codec = mgmt.NewCodec(
		func(ev mgmt.DeviceFound) { h.found = append(h.found, ev) },
		func() { h.lostCount++ },
		nil,
	)
	return h
}

func deviceFoundFrame(t *testing.T, controller uint16, address string, rssi int8, adData []byte) []byte {
	t.Helper()
	params, err := mgmt.EncodeDeviceFound(address, 0x01, rssi, 0x00000006, adData)
	require.NoError(t, err)
	return mgmt.EncodeEvent(mgmt.EvtDeviceFound, controller, params)
}

func TestDecodeDeviceFoundInChunks(t *testing.T) {
	h := newCodecHarness()
	adData := []byte{0x02, 0x01, 0x06, 0x05, 0x09, 'T', 'e', 'm', 'p'}
	frame := deviceFoundFrame(t, 0, "AA:BB:CC:DD:EE:01", -60, adData)

	// Feed the frame in three arbitrary chunks; exactly one event must come
	// out with everything intact.
	h.codec.Feed(frame[:3])
	require.Empty(t, h.found)
	h.codec.Feed(frame[3:10])
	require.Empty(t, h.found)
	h.codec.Feed(frame[10:])

	require.Len(t, h.found, 1)
	ev := h.found[0]
	require.Equal(t, "AA:BB:CC:DD:EE:01", ev.Address)
	require.Equal(t, byte(0x01), ev.AddressType)
	require.Equal(t, -60, ev.RSSI)
	require.Equal(t, uint32(0x00000006), ev.Flags)
	require.Equal(t, adData, ev.Data)
	require.Equal(t, 0, h.lostCount)
}

func TestDecodeMultipleFramesInOneFeed(t *testing.T) {
	h := newCodecHarness()
	frame1 := deviceFoundFrame(t, 0, "AA:BB:CC:DD:EE:01", -60, []byte{0x01, 0xFF})
	frame2 := deviceFoundFrame(t, 1, "AA:BB:CC:DD:EE:02", -70, nil)

	h.codec.Feed(append(append([]byte{}, frame1...), frame2...))

	require.Len(t, h.found, 2)
	require.Equal(t, uint16(0), h.found[0].Controller)
	require.Equal(t, uint16(1), h.found[1].Controller)
	require.Equal(t, "AA:BB:CC:DD:EE:02", h.found[1].Address)
}

func TestDecodeAdvMonitorDeviceFound(t *testing.T) {
	h := newCodecHarness()
	params, err := mgmt.EncodeDeviceFound("AA:BB:CC:DD:EE:01", 0x02, -55, 0, []byte{0x01})
	require.NoError(t, err)
	// Monitor handle precedes the address info.
	params = append([]byte{0x07, 0x00}, params...)
	h.codec.Feed(mgmt.EncodeEvent(mgmt.EvtAdvMonitorDeviceFound, 0, params))

	require.Len(t, h.found, 1)
	require.Equal(t, "AA:BB:CC:DD:EE:01", h.found[0].Address)
	require.Equal(t, byte(0x02), h.found[0].AddressType)
	require.Equal(t, -55, h.found[0].RSSI)
}

func TestRSSI127MeansNotAvailable(t *testing.T) {
	h := newCodecHarness()
	h.codec.Feed(deviceFoundFrame(t, 0, "AA:BB:CC:DD:EE:01", 127, nil))

	require.Len(t, h.found, 1)
	require.Equal(t, adv.NoRSSIValue, h.found[0].RSSI)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := newCodecHarness()
	addresses := []string{"AA:BB:CC:DD:EE:01", "01:02:03:04:05:06", "FF:EE:DD:CC:BB:AA"}
	for i, address := range addresses {
		h.codec.Feed(deviceFoundFrame(t, uint16(i), address, int8(-40-i), []byte{byte(i)}))
	}

	require.Len(t, h.found, len(addresses))
	for i, address := range addresses {
		require.Equal(t, address, h.found[i].Address)
		require.Equal(t, -40-i, h.found[i].RSSI)
		require.Equal(t, []byte{byte(i)}, h.found[i].Data)
	}
}

func TestCommandCompleteResolvesFuture(t *testing.T) {
	h := newCodecHarness()
	future := h.codec.SetupCommandResponse(mgmt.OpGetConnections, 0)

	params := []byte{0x15, 0x00, 0x00, 0x03, 0x00}
	h.codec.Feed(mgmt.EncodeEvent(mgmt.EvtCmdComplete, 0, params))

	select {
	case result := <-future.Done():
		require.Equal(t, byte(0), result.Status)
		count, err := mgmt.ParseGetConnectionsResult(result)
		require.NoError(t, err)
		require.Equal(t, 3, count)
	default:
		t.Fatal("future was not resolved")
	}
}

func TestCommandStatusFailureSurfaced(t *testing.T) {
	h := newCodecHarness()
	future := h.codec.SetupCommandResponse(mgmt.OpGetConnections, 2)

	h.codec.Feed(mgmt.EncodeEvent(mgmt.EvtCmdStatus, 2, []byte{0x15, 0x00, 0x14}))

	select {
	case result := <-future.Done():
		require.Equal(t, byte(0x14), result.Status)
		_, err := mgmt.ParseGetConnectionsResult(result)
		require.Error(t, err)
		var cmdErr *mgmt.CommandError
		require.ErrorAs(t, err, &cmdErr)
		require.Equal(t, byte(0x14), cmdErr.Status)
	default:
		t.Fatal("future was not resolved")
	}
}

func TestCommandResponseKeyedByController(t *testing.T) {
	h := newCodecHarness()
	future := h.codec.SetupCommandResponse(mgmt.OpGetConnections, 1)

	// Completion for another controller must not resolve the future.
	h.codec.Feed(mgmt.EncodeEvent(mgmt.EvtCmdComplete, 0, []byte{0x15, 0x00, 0x00, 0x01, 0x00}))
	select {
	case <-future.Done():
		t.Fatal("future resolved by wrong controller")
	default:
	}

	h.codec.Feed(mgmt.EncodeEvent(mgmt.EvtCmdComplete, 1, []byte{0x15, 0x00, 0x00, 0x01, 0x00}))
	select {
	case <-future.Done():
	default:
		t.Fatal("future was not resolved")
	}
}

func TestFramingErrorFiresConnectionLostOnce(t *testing.T) {
	h := newCodecHarness()
	// Declared length exceeds the maximum frame size.
	bad := []byte{0x12, 0x00, 0x00, 0x00, 0xFF, 0x7F}
	h.codec.Feed(bad)

	require.True(t, h.codec.Lost())
	require.Equal(t, 1, h.lostCount)

	// Everything after the framing error is discarded.
	h.codec.Feed(deviceFoundFrame(t, 0, "AA:BB:CC:DD:EE:01", -60, nil))
	require.Empty(t, h.found)
	require.Equal(t, 1, h.lostCount)
}

func TestUnknownEventsAreSkipped(t *testing.T) {
	h := newCodecHarness()
	h.codec.Feed(mgmt.EncodeEvent(0x0042, 0, []byte{0x01, 0x02}))
	h.codec.Feed(deviceFoundFrame(t, 0, "AA:BB:CC:DD:EE:01", -60, nil))

	require.Len(t, h.found, 1)
	require.Equal(t, 0, h.lostCount)
}

func TestEncodeLoadConnParams(t *testing.T) {
	frame, err := mgmt.EncodeLoadConnParams(0, "AA:BB:CC:DD:EE:01", 0x01, mgmt.FastConnParams)
	require.NoError(t, err)

	// Header: opcode, controller 0, 17 byte payload.
	require.Equal(t, []byte{0x35, 0x00, 0x00, 0x00, 0x11, 0x00}, frame[:6])
	// param_count followed by the address in little-endian order.
	require.Equal(t, []byte{0x01, 0x00, 0x01, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, frame[6:14])
	require.Equal(t, byte(0x01), frame[14])
}

func TestMACToAddressRejectsGarbage(t *testing.T) {
	_, err := mgmt.MACToAddress("not-a-mac")
	require.Error(t, err)
	_, err = mgmt.MACToAddress("AA:BB:CC:DD:EE")
	require.Error(t, err)
}
