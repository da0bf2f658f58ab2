package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxAlertText bounds the message carried by a gateway alert command.
	MaxAlertText = 100
	// MaxBroadcastText bounds the text of a broadcast command.
	MaxBroadcastText = 200
)

var ErrUnknownType = errors.New("unknown message type")

// Message is a typed payload. The set of implementations is closed.
type Message interface {
	Type() MessageType
	MarshalPayload() []byte
	isMessage()
}

type HeartbeatMsg struct {
	UptimeSec uint32
}

type WaterLevelReport struct {
	LevelMM uint16
}

type WeatherReport struct {
	TempDeciC       int16
	HumidityDeciPct uint16
}

type CloudCoverReport struct {
	CoverPct        uint8
	CloudType       uint8
	RainProbability uint8
}

// AlertReport is a station's decision summary sent to the gateway.
type AlertReport struct {
	Level uint8
	Score uint8
}

// AlertCommand is sent by the gateway, usually to every station.
type AlertCommand struct {
	Level   uint8
	Message string
}

type BroadcastCmd struct {
	Repeat uint8
	Text   string
}

type SirenCmd struct {
	On          bool
	DurationSec uint16
}

type CalibrateCmd struct {
	KnownLevelMM uint16
}

type AckMsg struct {
	Seq  uint8
	Kind MessageType
}

type NackMsg struct {
	Seq    uint8
	Kind   MessageType
	Reason uint8
}

// Nack reasons.
const (
	NackMalformed uint8 = 0x01
	NackFailed    uint8 = 0x02
	NackDisabled  uint8 = 0x03
)

func (HeartbeatMsg) Type() MessageType     { return Heartbeat }
func (WaterLevelReport) Type() MessageType { return WaterLevel }
func (WeatherReport) Type() MessageType    { return Weather }
func (CloudCoverReport) Type() MessageType { return CloudCover }
func (AlertReport) Type() MessageType      { return Alert }
func (AlertCommand) Type() MessageType     { return Alert }
func (BroadcastCmd) Type() MessageType     { return BroadcastCommand }
func (SirenCmd) Type() MessageType         { return SirenCommand }
func (CalibrateCmd) Type() MessageType     { return CalibrateCommand }
func (AckMsg) Type() MessageType           { return Ack }
func (NackMsg) Type() MessageType          { return Nack }

func (HeartbeatMsg) isMessage()     {}
func (WaterLevelReport) isMessage() {}
func (WeatherReport) isMessage()    {}
func (CloudCoverReport) isMessage() {}
func (AlertReport) isMessage()      {}
func (AlertCommand) isMessage()     {}
func (BroadcastCmd) isMessage()     {}
func (SirenCmd) isMessage()         {}
func (CalibrateCmd) isMessage()     {}
func (AckMsg) isMessage()           {}
func (NackMsg) isMessage()          {}

func (m HeartbeatMsg) MarshalPayload() []byte {
	return binary.BigEndian.AppendUint32(nil, m.UptimeSec)
}

func (m WaterLevelReport) MarshalPayload() []byte {
	return binary.BigEndian.AppendUint16(nil, m.LevelMM)
}

func (m WeatherReport) MarshalPayload() []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(m.TempDeciC))
	return binary.BigEndian.AppendUint16(b, m.HumidityDeciPct)
}

func (m CloudCoverReport) MarshalPayload() []byte {
	return []byte{m.CoverPct, m.CloudType, m.RainProbability}
}

func (m AlertReport) MarshalPayload() []byte {
	return []byte{m.Level, m.Score}
}

func (m AlertCommand) MarshalPayload() []byte {
	return append([]byte{m.Level}, TruncateUTF8(m.Message, MaxAlertText)...)
}

func (m BroadcastCmd) MarshalPayload() []byte {
	return append([]byte{m.Repeat}, TruncateUTF8(m.Text, MaxBroadcastText)...)
}

func (m SirenCmd) MarshalPayload() []byte {
	var on byte
	if m.On {
		on = 1
	}
	return binary.BigEndian.AppendUint16([]byte{on}, m.DurationSec)
}

func (m CalibrateCmd) MarshalPayload() []byte {
	return binary.BigEndian.AppendUint16(nil, m.KnownLevelMM)
}

func (m AckMsg) MarshalPayload() []byte {
	return []byte{m.Seq, byte(m.Kind)}
}

func (m NackMsg) MarshalPayload() []byte {
	return []byte{m.Seq, byte(m.Kind), m.Reason}
}

// ParseMessage decodes the payload of p into its typed form. Alert payloads are read as
// commands when they come from gateway and as reports otherwise.
func ParseMessage(p Packet, gateway uint8) (Message, error) {
	b := p.Payload

	switch p.Type {
	case Heartbeat:
		if err := need(p, 4); err != nil {
			return nil, err
		}
		return HeartbeatMsg{UptimeSec: binary.BigEndian.Uint32(b)}, nil
	case WaterLevel:
		if err := need(p, 2); err != nil {
			return nil, err
		}
		return WaterLevelReport{LevelMM: binary.BigEndian.Uint16(b)}, nil
	case Weather:
		if err := need(p, 4); err != nil {
			return nil, err
		}
		return WeatherReport{
			TempDeciC:       int16(binary.BigEndian.Uint16(b[0:2])),
			HumidityDeciPct: binary.BigEndian.Uint16(b[2:4]),
		}, nil
	case CloudCover:
		if err := need(p, 3); err != nil {
			return nil, err
		}
		return CloudCoverReport{CoverPct: b[0], CloudType: b[1], RainProbability: b[2]}, nil
	case Alert:
		if p.Src == gateway {
			if err := need(p, 1); err != nil {
				return nil, err
			}
			return AlertCommand{Level: b[0], Message: TruncateUTF8(string(b[1:]), MaxAlertText)}, nil
		}
		if err := need(p, 2); err != nil {
			return nil, err
		}
		return AlertReport{Level: b[0], Score: b[1]}, nil
	case BroadcastCommand:
		if err := need(p, 1); err != nil {
			return nil, err
		}
		return BroadcastCmd{Repeat: b[0], Text: TruncateUTF8(string(b[1:]), MaxBroadcastText)}, nil
	case SirenCommand:
		if err := need(p, 3); err != nil {
			return nil, err
		}
		return SirenCmd{On: b[0] != 0, DurationSec: binary.BigEndian.Uint16(b[1:3])}, nil
	case CalibrateCommand:
		if err := need(p, 2); err != nil {
			return nil, err
		}
		return CalibrateCmd{KnownLevelMM: binary.BigEndian.Uint16(b)}, nil
	case Ack:
		if err := need(p, 2); err != nil {
			return nil, err
		}
		return AckMsg{Seq: b[0], Kind: MessageType(b[1])}, nil
	case Nack:
		if err := need(p, 2); err != nil {
			return nil, err
		}
		n := NackMsg{Seq: b[0], Kind: MessageType(b[1])}
		if len(b) > 2 {
			n.Reason = b[2]
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}
}

func need(p Packet, n int) error {
	if len(p.Payload) < n {
		return fmt.Errorf("%s payload: need %d bytes, have %d", p.Type, n, len(p.Payload))
	}
	return nil
}

// TruncateUTF8 cuts s to at most max bytes without splitting a rune. Invalid sequences
// are kept byte for byte.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
