// Package wire implements the radio frame format exchanged between stations and the
// gateway, its typed payloads, and the radar sensor bus framing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chrissnell/remoteflood/pkg/crc16"
)

const (
	Sync0 = 0xAA
	Sync1 = 0x55

	// BroadcastAddr addresses every node on the channel.
	BroadcastAddr uint8 = 0xFF
	// GatewayAddr is the conventional address of the central gateway.
	GatewayAddr uint8 = 0x00

	HeaderLen = 8 // sync(2) src dst type seq len(2)
	CRCLen    = 2
	MinFrame  = HeaderLen + CRCLen

	// MaxPayload keeps a whole frame inside a 255 byte LoRa packet.
	MaxPayload = 255 - MinFrame
)

var (
	ErrShortFrame      = errors.New("frame too short")
	ErrBadSync         = errors.New("missing sync marker")
	ErrLength          = errors.New("frame length does not match header")
	ErrChecksum        = errors.New("frame checksum mismatch")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Packet is one radio frame. RSSI and SNR are only populated on the receive path when the
// link reports them.
type Packet struct {
	Src     uint8
	Dst     uint8
	Type    MessageType
	Seq     uint8
	Payload []byte
	RSSI    int
	SNR     float64
}

// IsBroadcast reports whether the packet is addressed to every node.
func (p Packet) IsBroadcast() bool {
	return p.Dst == BroadcastAddr
}

func (p Packet) String() string {
	return fmt.Sprintf("%s %#02x->%#02x seq=%d len=%d", p.Type, p.Src, p.Dst, p.Seq, len(p.Payload))
}

// Encode serializes p into a frame. The CRC covers every byte after the sync marker.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	b := make([]byte, 0, MinFrame+len(p.Payload))
	b = append(b, Sync0, Sync1, p.Src, p.Dst, byte(p.Type), p.Seq)
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.Payload)))
	b = append(b, p.Payload...)
	b = binary.BigEndian.AppendUint16(b, crc16.Modbus(b[2:]))
	return b, nil
}

// Decode parses exactly one frame. Any error means no packet; ErrShortFrame means the
// caller may still receive the rest of it.
func Decode(b []byte) (Packet, error) {
	if len(b) < MinFrame {
		return Packet{}, ErrShortFrame
	}
	if b[0] != Sync0 || b[1] != Sync1 {
		return Packet{}, ErrBadSync
	}

	n := int(binary.BigEndian.Uint16(b[6:8]))
	if n > MaxPayload {
		return Packet{}, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, n)
	}
	total := MinFrame + n
	if len(b) < total {
		return Packet{}, ErrShortFrame
	}
	if len(b) != total {
		return Packet{}, fmt.Errorf("%w: have %d bytes, header says %d", ErrLength, len(b), total)
	}

	want := binary.BigEndian.Uint16(b[total-CRCLen:])
	if got := crc16.Modbus(b[2 : total-CRCLen]); got != want {
		return Packet{}, fmt.Errorf("%w: computed %#04x, frame carries %#04x", ErrChecksum, got, want)
	}

	payload := make([]byte, n)
	copy(payload, b[HeaderLen:HeaderLen+n])

	return Packet{
		Src:     b[2],
		Dst:     b[3],
		Type:    MessageType(b[4]),
		Seq:     b[5],
		Payload: payload,
	}, nil
}

// NextFrame scans a receive buffer for the first valid frame. When ok is true, p is the
// frame and consumed covers it plus any garbage before it. When ok is false the caller
// drops consumed bytes and waits for more data. Corrupt frames are skipped by resuming the
// search one byte past their sync marker, and dropped reports how many were skipped.
func NextFrame(buf []byte) (p Packet, consumed int, dropped int, ok bool) {
	off := 0
	for {
		i := indexSync(buf[off:])
		if i < 0 {
			// keep a trailing first sync byte, its partner may still be in flight
			keep := 0
			if len(buf) > off && buf[len(buf)-1] == Sync0 {
				keep = 1
			}
			return Packet{}, len(buf) - keep, dropped, false
		}
		off += i

		rest := buf[off:]
		if len(rest) < MinFrame {
			return Packet{}, off, dropped, false
		}

		n := int(binary.BigEndian.Uint16(rest[6:8]))
		if n > MaxPayload {
			dropped++
			off++
			continue
		}
		total := MinFrame + n
		if len(rest) < total {
			return Packet{}, off, dropped, false
		}

		pkt, err := Decode(rest[:total])
		if err != nil {
			dropped++
			off++
			continue
		}
		return pkt, off + total, dropped, true
	}
}

func indexSync(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == Sync0 && b[i+1] == Sync1 {
			return i
		}
	}
	return -1
}
