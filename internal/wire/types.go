package wire

import "fmt"

// MessageType identifies the payload carried by a packet.
type MessageType uint8

const (
	Heartbeat        MessageType = 0x01
	WaterLevel       MessageType = 0x02
	Weather          MessageType = 0x03
	CloudCover       MessageType = 0x04
	Alert            MessageType = 0x05
	BroadcastCommand MessageType = 0x06
	SirenCommand     MessageType = 0x07
	CalibrateCommand MessageType = 0x08
	Ack              MessageType = 0x09
	Nack             MessageType = 0x0A
)

// KnownTypes lists every message type in wire order.
var KnownTypes = []MessageType{
	Heartbeat, WaterLevel, Weather, CloudCover, Alert,
	BroadcastCommand, SirenCommand, CalibrateCommand, Ack, Nack,
}

// Known reports whether t is part of the closed set of message types.
func (t MessageType) Known() bool {
	switch t {
	case Heartbeat, WaterLevel, Weather, CloudCover, Alert,
		BroadcastCommand, SirenCommand, CalibrateCommand, Ack, Nack:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	switch t {
	case Heartbeat:
		return "heartbeat"
	case WaterLevel:
		return "water-level"
	case Weather:
		return "weather"
	case CloudCover:
		return "cloud-cover"
	case Alert:
		return "alert"
	case BroadcastCommand:
		return "broadcast-cmd"
	case SirenCommand:
		return "siren-cmd"
	case CalibrateCommand:
		return "calibrate-cmd"
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	default:
		return fmt.Sprintf("unknown(%#02x)", uint8(t))
	}
}

// ParseMessageType maps a name as printed by String back to its type.
func ParseMessageType(s string) (MessageType, error) {
	for _, t := range KnownTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}
