// Package crc16 implements the reflected 0xA001 (Modbus) CRC16 used on the radar bus
// and on radio frames.
package crc16

const (
	poly = 0xA001
	seed = 0xFFFF
)

var table [256]uint16

func init() {
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
}

// Modbus returns the CRC16 of data.
func Modbus(data []byte) uint16 {
	return Update(seed, data)
}

// Update continues a running CRC with more data.
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = (crc >> 8) ^ table[byte(crc)^b]
	}
	return crc
}

// AppendLE appends the CRC of data low byte first, as Modbus RTU puts it on the wire.
func AppendLE(data []byte) []byte {
	crc := Modbus(data)
	return append(data, byte(crc), byte(crc>>8))
}

// CheckLE reports whether the last two bytes of frame are its little-endian CRC.
func CheckLE(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	crc := Modbus(frame[:n])
	return frame[n] == byte(crc) && frame[n+1] == byte(crc>>8)
}
