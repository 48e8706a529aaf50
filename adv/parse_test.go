package adv_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srg/bluehub/adv"
)

// field builds one AD structure: length, type, value.
func field(typ byte, value ...byte) []byte {
	out := []byte{byte(len(value) + 1), typ}
	return append(out, value...)
}

func concat(fields ...[]byte) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, f...)
	}
	return out
}

func TestParseCompleteAdvertisement(t *testing.T) {
	raw := concat(
		field(adv.Flags, 0x06),
		field(adv.CompleteName, 'T', 'e', 'm', 'p', 'o'),
		field(adv.AllUUID16, 0x0F, 0x18),
		field(adv.ServiceData16, 0x0F, 0x18, 0x64),
		field(adv.ManufacturerData, 0x4C, 0x00, 0x02, 0x15),
		field(adv.TxPower, 0xF8),
	)

	parsed := adv.Parse(raw)

	require.True(t, parsed.HasLocalName)
	require.Equal(t, "Tempo", parsed.LocalName)
	require.Equal(t, []string{"0000180f-0000-1000-8000-00805f9b34fb"}, parsed.ServiceUUIDs)
	require.Equal(t, []byte{0x64}, parsed.ServiceData["0000180f-0000-1000-8000-00805f9b34fb"])
	require.Equal(t, []byte{0x02, 0x15}, parsed.ManufacturerData[0x004C])
	require.Equal(t, -8, parsed.TxPower)
}

func TestParseNamePreference(t *testing.T) {
	shortOnly := adv.Parse(field(adv.ShortName, 'A', 'b'))
	require.True(t, shortOnly.HasLocalName)
	require.Equal(t, "Ab", shortOnly.LocalName)

	both := adv.Parse(concat(
		field(adv.ShortName, 'A', 'b'),
		field(adv.CompleteName, 'A', 'b', 'c', 'd'),
	))
	require.Equal(t, "Abcd", both.LocalName)
}

func TestParseUUIDWidths(t *testing.T) {
	uuid128 := []byte{
		0x9E, 0xCA, 0xDC, 0x24, 0x0E, 0xE5, 0xA9, 0xE0,
		0x93, 0xF3, 0xA3, 0xB5, 0x01, 0x00, 0x40, 0x6E,
	}
	raw := concat(
		field(adv.SomeUUID16, 0x0F, 0x18, 0x00, 0x18),
		field(adv.AllUUID32, 0x78, 0x56, 0x34, 0x12),
		field(adv.AllUUID128, uuid128...),
	)

	parsed := adv.Parse(raw)

	require.Equal(t, []string{
		"0000180f-0000-1000-8000-00805f9b34fb",
		"00001800-0000-1000-8000-00805f9b34fb",
		"12345678-0000-1000-8000-00805f9b34fb",
		"6e400001-b5a3-f393-e0a9-e50e24dcca9e",
	}, parsed.ServiceUUIDs)
}

func TestParseServiceData32AddsUUID(t *testing.T) {
	parsed := adv.Parse(field(adv.ServiceData32, 0x78, 0x56, 0x34, 0x12, 0xAA))

	require.Equal(t, []string{"12345678-0000-1000-8000-00805f9b34fb"}, parsed.ServiceUUIDs)
	require.Equal(t, []byte{0xAA}, parsed.ServiceData["12345678-0000-1000-8000-00805f9b34fb"])
}

func TestParseTruncatedRecordKeepsEarlierFields(t *testing.T) {
	raw := concat(
		field(adv.CompleteName, 'O', 'k'),
		[]byte{0x10, adv.ManufacturerData, 0x4C}, // declares 16 bytes, only 2 present
	)

	parsed := adv.Parse(raw)

	require.Equal(t, "Ok", parsed.LocalName)
	require.Empty(t, parsed.ManufacturerData)
}

func TestParseZeroLengthTerminates(t *testing.T) {
	raw := concat(
		field(adv.CompleteName, 'O', 'k'),
		[]byte{0x00},
		field(adv.TxPower, 0x04),
	)

	parsed := adv.Parse(raw)

	require.Equal(t, "Ok", parsed.LocalName)
	require.Equal(t, adv.NoTxPower, parsed.TxPower)
}

func TestParseEmptyPayload(t *testing.T) {
	parsed := adv.Parse(nil)

	require.False(t, parsed.HasLocalName)
	require.Empty(t, parsed.ServiceUUIDs)
	require.Empty(t, parsed.ServiceData)
	require.Empty(t, parsed.ManufacturerData)
	require.Equal(t, adv.NoTxPower, parsed.TxPower)
}
