package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chrissnell/remoteflood/pkg/crc16"
)

// Radar bus (sensor side) framing. The radar answers a Modbus-RTU style read of three
// holding registers: distance (mm), temperature (0.1 °C, signed) and signal strength (dB).
// Line-protocol radars instead stream "$DIST,<mm>,<temp>,<signal>*<XX>" sentences.

const (
	FuncReadHolding   = 0x03
	RadarRegisters    = 3
	RadarResponseLen  = 3 + 2*RadarRegisters + 2
	ModbusRequestLen  = 8
	DistLinePrefix    = "$DIST,"
	modbusExceptionFn = 0x80
)

var (
	ErrRadarFrame     = errors.New("malformed radar response")
	ErrRadarException = errors.New("radar returned exception")
	ErrDistLine       = errors.New("malformed $DIST sentence")
)

// RadarSample is one raw measurement as reported by the sensor.
type RadarSample struct {
	DistanceMM float64
	TempC      float64
	SignalDB   float64
}

// ModbusReadRequest builds a read-holding-registers request with its CRC.
func ModbusReadRequest(addr uint8, start, count uint16) []byte {
	b := []byte{addr, FuncReadHolding}
	b = binary.BigEndian.AppendUint16(b, start)
	b = binary.BigEndian.AppendUint16(b, count)
	return crc16.AppendLE(b)
}

// ParseModbusRequest is the server side of ModbusReadRequest.
func ParseModbusRequest(b []byte) (addr uint8, start, count uint16, err error) {
	if len(b) != ModbusRequestLen {
		return 0, 0, 0, fmt.Errorf("%w: request length %d", ErrRadarFrame, len(b))
	}
	if !crc16.CheckLE(b) {
		return 0, 0, 0, fmt.Errorf("%w: request CRC", ErrRadarFrame)
	}
	if b[1] != FuncReadHolding {
		return 0, 0, 0, fmt.Errorf("%w: function %#02x", ErrRadarFrame, b[1])
	}
	return b[0], binary.BigEndian.Uint16(b[2:4]), binary.BigEndian.Uint16(b[4:6]), nil
}

// EncodeRadarResponse builds the sensor's reply to a three-register read.
func EncodeRadarResponse(addr uint8, s RadarSample) []byte {
	b := []byte{addr, FuncReadHolding, 2 * RadarRegisters}
	b = binary.BigEndian.AppendUint16(b, uint16(s.DistanceMM))
	b = binary.BigEndian.AppendUint16(b, uint16(int16(s.TempC*10)))
	b = binary.BigEndian.AppendUint16(b, uint16(s.SignalDB))
	return crc16.AppendLE(b)
}

// ParseRadarResponse validates a three-register response from the sensor at addr.
func ParseRadarResponse(b []byte, addr uint8) (RadarSample, error) {
	if len(b) >= 5 && b[1] == FuncReadHolding|modbusExceptionFn {
		return RadarSample{}, fmt.Errorf("%w: code %#02x", ErrRadarException, b[2])
	}
	if len(b) != RadarResponseLen {
		return RadarSample{}, fmt.Errorf("%w: length %d, want %d", ErrRadarFrame, len(b), RadarResponseLen)
	}
	if !crc16.CheckLE(b) {
		return RadarSample{}, fmt.Errorf("%w: CRC mismatch", ErrRadarFrame)
	}
	if b[0] != addr {
		return RadarSample{}, fmt.Errorf("%w: address %#02x, want %#02x", ErrRadarFrame, b[0], addr)
	}
	if b[1] != FuncReadHolding || b[2] != 2*RadarRegisters {
		return RadarSample{}, fmt.Errorf("%w: function %#02x byte count %d", ErrRadarFrame, b[1], b[2])
	}

	return RadarSample{
		DistanceMM: float64(binary.BigEndian.Uint16(b[3:5])),
		TempC:      float64(int16(binary.BigEndian.Uint16(b[5:7]))) / 10,
		SignalDB:   float64(binary.BigEndian.Uint16(b[7:9])),
	}, nil
}

// DistChecksum is the XOR of every byte between '$' and '*'.
func DistChecksum(body string) byte {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return c
}

// FormatDistLine renders a sample as a line-protocol sentence including CRLF.
func FormatDistLine(s RadarSample) string {
	body := fmt.Sprintf("DIST,%d,%.1f,%d", int(s.DistanceMM), s.TempC, int(s.SignalDB))
	return fmt.Sprintf("$%s*%02X\r\n", body, DistChecksum(body))
}

// ParseDistLine parses one line-protocol sentence. Trailing CR/LF is ignored.
func ParseDistLine(line string) (RadarSample, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, DistLinePrefix) {
		return RadarSample{}, fmt.Errorf("%w: %q", ErrDistLine, line)
	}

	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star-1 != 2 {
		return RadarSample{}, fmt.Errorf("%w: missing checksum", ErrDistLine)
	}
	body := line[1:star]
	want, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return RadarSample{}, fmt.Errorf("%w: checksum %q", ErrDistLine, line[star+1:])
	}
	if got := DistChecksum(body); got != byte(want) {
		return RadarSample{}, fmt.Errorf("%w: checksum %02X, want %02X", ErrDistLine, got, want)
	}

	fields := strings.Split(body, ",")
	if len(fields) != 4 {
		return RadarSample{}, fmt.Errorf("%w: %d fields", ErrDistLine, len(fields))
	}

	var s RadarSample
	if s.DistanceMM, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return RadarSample{}, fmt.Errorf("%w: distance: %v", ErrDistLine, err)
	}
	if s.TempC, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return RadarSample{}, fmt.Errorf("%w: temperature: %v", ErrDistLine, err)
	}
	if s.SignalDB, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return RadarSample{}, fmt.Errorf("%w: signal: %v", ErrDistLine, err)
	}
	return s, nil
}
