package crc16

import "testing"

func TestModbus(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"check string", []byte("123456789"), 0x4B37},
		{"read holding register", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 0x0A84},
		{"empty", nil, 0xFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Modbus(tt.data); got != tt.want {
				t.Errorf("Modbus(% x) = %#04x, want %#04x", tt.data, got, tt.want)
			}
		})
	}
}

func TestAppendAndCheckLE(t *testing.T) {
	frame := AppendLE([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	if frame[6] != 0x84 || frame[7] != 0x0A {
		t.Fatalf("unexpected CRC bytes % x", frame[6:])
	}
	if !CheckLE(frame) {
		t.Fatal("CheckLE rejected a valid frame")
	}

	frame[2] ^= 0xFF
	if CheckLE(frame) {
		t.Fatal("CheckLE accepted a corrupted frame")
	}
}

func TestUpdateIsIncremental(t *testing.T) {
	data := []byte("flood station")
	whole := Modbus(data)
	split := Update(Update(seed, data[:5]), data[5:])
	if whole != split {
		t.Errorf("incremental CRC %#04x != whole CRC %#04x", split, whole)
	}
}
