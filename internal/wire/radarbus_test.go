package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModbusReadRequest(t *testing.T) {
	req := ModbusReadRequest(0x01, 0x0000, 0x0001)
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, req)

	addr, start, count, err := ParseModbusRequest(ModbusReadRequest(0x01, 0x0010, RadarRegisters))
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), addr)
	assert.Equal(t, uint16(0x0010), start)
	assert.Equal(t, uint16(RadarRegisters), count)
}

func TestParseRadarResponse(t *testing.T) {
	sample := RadarSample{DistanceMM: 1800, TempC: -3.5, SignalDB: 41}
	resp := EncodeRadarResponse(0x01, sample)
	require.Len(t, resp, RadarResponseLen)

	got, err := ParseRadarResponse(resp, 0x01)
	require.NoError(t, err)
	assert.Equal(t, 1800.0, got.DistanceMM)
	assert.InDelta(t, -3.5, got.TempC, 1e-9)
	assert.Equal(t, 41.0, got.SignalDB)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"crc", func(b []byte) []byte { b[4] ^= 0x10; return b }},
		{"address", func(b []byte) []byte { return EncodeRadarResponse(0x02, sample) }},
		{"short", func(b []byte) []byte { return b[:len(b)-1] }},
		{"exception", func(b []byte) []byte { return []byte{0x01, 0x83, 0x02, 0xC0, 0xF1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte{}, resp...))
			_, err := ParseRadarResponse(b, 0x01)
			assert.Error(t, err)
		})
	}
}

func TestParseDistLine(t *testing.T) {
	line := FormatDistLine(RadarSample{DistanceMM: 2345, TempC: 12.5, SignalDB: 38})
	assert.Equal(t, "$DIST,2345,12.5,38*", line[:19])

	got, err := ParseDistLine(line)
	require.NoError(t, err)
	assert.Equal(t, 2345.0, got.DistanceMM)
	assert.True(t, math.Abs(got.TempC-12.5) < 1e-9)
	assert.Equal(t, 38.0, got.SignalDB)

	bad := []string{
		"",
		"$GPGGA,123*00",
		"$DIST,2345,12.5,38",
		"$DIST,2345,12.5,38*ZZ",
		"$DIST,2345,12.5*" + "00",
		"$DIST,2346,12.5,38" + line[18:],
	}
	for _, l := range bad {
		_, err := ParseDistLine(l)
		assert.Error(t, err, "accepted %q", l)
	}
}
