package radar

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSensor answers polls over net.Pipe. Each poll consumes the next reply; a nil reply
// stays silent so that the driver times out.
type fakeSensor struct {
	protocol string

	mu      sync.Mutex
	replies [][]byte
	polls   int
	dials   int
}

func modbusReply(distanceMM float64) []byte {
	return wire.EncodeRadarResponse(0x01, wire.RadarSample{DistanceMM: distanceMM, TempC: 11.5, SignalDB: 40})
}

func lineReply(distanceMM float64) []byte {
	return []byte(wire.FormatDistLine(wire.RadarSample{DistanceMM: distanceMM, TempC: 11.5, SignalDB: 40}))
}

func (f *fakeSensor) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()

	client, server := net.Pipe()
	go f.serve(server)
	return client, nil
}

func (f *fakeSensor) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if f.protocol == config.ProtocolLine {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		} else {
			req := make([]byte, wire.ModbusRequestLen)
			if _, err := io.ReadFull(r, req); err != nil {
				return
			}
			if _, _, _, err := wire.ParseModbusRequest(req); err != nil {
				return
			}
		}

		f.mu.Lock()
		var reply []byte
		if f.polls < len(f.replies) {
			reply = f.replies[f.polls]
		}
		f.polls++
		f.mu.Unlock()

		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func (f *fakeSensor) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func testConfig(protocol string) config.RadarData {
	return config.RadarData{
		Enabled:      true,
		Protocol:     protocol,
		Hostname:     "radar.test",
		Port:         "4001",
		SlaveAddress: 0x01,
		MountHeight:  5.0,
		MaxRange:     5.0,
		Window:       5,
		Timeout:      config.Duration(100 * time.Millisecond),
	}
}

func newTestDriver(cfg config.RadarData, sensor *fakeSensor) *Driver {
	return New(cfg, zap.NewNop().Sugar(), WithDialer(sensor.dial), WithClock(clockwork.NewFakeClock()))
}

func TestReadModbus(t *testing.T) {
	sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: [][]byte{modbusReply(1800)}}
	d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
	defer d.Close()

	require.NoError(t, d.Connect(context.Background()))
	r := d.Read(context.Background())
	require.True(t, r.Valid, r.Error)
	assert.InDelta(t, 1.8, r.Distance, 1e-9)
	assert.InDelta(t, 3.2, r.Level, 1e-9)
	assert.InDelta(t, 3.2, r.RawLevel, 1e-9)
	assert.InDelta(t, 11.5, r.Temperature, 1e-9)
	assert.Equal(t, 40.0, r.Signal)
}

func TestReadLineProtocol(t *testing.T) {
	sensor := &fakeSensor{protocol: config.ProtocolLine, replies: [][]byte{lineReply(2500), lineReply(2300)}}
	d := newTestDriver(testConfig(config.ProtocolLine), sensor)
	defer d.Close()

	r := d.Read(context.Background())
	require.True(t, r.Valid, r.Error)
	assert.InDelta(t, 2.5, r.Level, 1e-9)

	r = d.Read(context.Background())
	require.True(t, r.Valid, r.Error)
	assert.InDelta(t, 2.7, r.RawLevel, 1e-9)
	assert.InDelta(t, 2.6, r.Level, 1e-9)
}

func TestMovingAverageEvictsOldest(t *testing.T) {
	distances := []float64{2000, 2000, 2000, 2000, 2000, 1000}
	var replies [][]byte
	for _, mm := range distances {
		replies = append(replies, modbusReply(mm))
	}
	sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: replies}
	d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
	defer d.Close()

	var r Reading
	for range distances {
		r = d.Read(context.Background())
		require.True(t, r.Valid, r.Error)
	}
	// window holds 2.0 x4 and 1.0
	assert.InDelta(t, 5.0-1.8, r.Level, 1e-9)
	assert.InDelta(t, 4.0, r.RawLevel, 1e-9)
}

func TestReadFailuresAreInvalidReadings(t *testing.T) {
	badCRC := modbusReply(1800)
	badCRC[len(badCRC)-1] ^= 0xFF

	tests := []struct {
		name    string
		reply   []byte
		wantErr string
	}{
		{"timeout", nil, "did not answer"},
		{"bad crc", badCRC, "CRC"},
		{"exception", []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}, "exception"},
		{"zero distance", modbusReply(0), "outside the valid range"},
		{"beyond max range", modbusReply(5200), "outside the valid range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: [][]byte{tt.reply}}
			d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
			defer d.Close()

			r := d.Read(context.Background())
			assert.False(t, r.Valid)
			assert.Contains(t, r.Error, tt.wantErr)
		})
	}
}

func TestReconnectsAfterTimeout(t *testing.T) {
	sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: [][]byte{nil, modbusReply(1500)}}
	d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
	defer d.Close()

	r := d.Read(context.Background())
	require.False(t, r.Valid)
	assert.Equal(t, 1, sensor.dialCount())

	r = d.Read(context.Background())
	require.True(t, r.Valid, r.Error)
	assert.InDelta(t, 3.5, r.Level, 1e-9)
	assert.Equal(t, 2, sensor.dialCount())
}

func TestDialFailure(t *testing.T) {
	d := New(testConfig(config.ProtocolModbus), zap.NewNop().Sugar(), WithDialer(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}))

	assert.Error(t, d.Connect(context.Background()))
	r := d.Read(context.Background())
	assert.False(t, r.Valid)
	assert.Contains(t, r.Error, "no such device")
}

func TestCalibrate(t *testing.T) {
	replies := [][]byte{modbusReply(1800), modbusReply(1810), modbusReply(1790), modbusReply(1800)}
	sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: replies}
	d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
	defer d.Close()

	for i := 0; i < 3; i++ {
		require.True(t, d.Read(context.Background()).Valid)
	}

	require.NoError(t, d.Calibrate(context.Background(), 3.0))
	assert.InDelta(t, -0.2, d.Offset(), 1e-9)

	r := d.Read(context.Background())
	require.True(t, r.Valid, r.Error)
	assert.True(t, math.Abs(r.Level-3.0) < 0.01, "level %.4f after calibrating to 3.0", r.Level)
}

func TestCalibrateReadsWhenWindowEmpty(t *testing.T) {
	sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: [][]byte{modbusReply(2000), modbusReply(2000)}}
	d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
	defer d.Close()

	require.NoError(t, d.Calibrate(context.Background(), 2.5))
	assert.InDelta(t, -0.5, d.Offset(), 1e-9)

	r := d.Read(context.Background())
	require.True(t, r.Valid)
	assert.InDelta(t, 2.5, r.Level, 1e-9)
}

func TestCalibrateFailsWithoutReading(t *testing.T) {
	sensor := &fakeSensor{protocol: config.ProtocolModbus, replies: [][]byte{nil}}
	d := newTestDriver(testConfig(config.ProtocolModbus), sensor)
	defer d.Close()

	assert.Error(t, d.Calibrate(context.Background(), 2.5))
	assert.Equal(t, 0.0, d.Offset())
}
