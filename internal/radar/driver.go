// Package radar drives the FMCW radar water-level sensor mounted above the river. The
// sensor is polled over a serial line (or a serial-to-TCP bridge) and answers with the
// distance from its antenna to the water surface.
package radar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/jonboulle/clockwork"
	serial "github.com/tarm/goserial"
	"go.uber.org/zap"
)

// linePoll asks a line-protocol sensor in polled mode for one sentence.
const linePoll = "\r\n"

// ErrTimeout is reported when the sensor does not answer within the configured timeout.
var ErrTimeout = errors.New("radar did not answer in time")

// Reading is one water-level sample. An invalid reading carries the reason in Error and
// must not be used for fusion.
type Reading struct {
	Timestamp   time.Time `json:"timestamp"`
	Distance    float64   `json:"distance_m"`
	RawLevel    float64   `json:"raw_level_m"`
	Level       float64   `json:"level_m"`
	Temperature float64   `json:"temperature_c"`
	Signal      float64   `json:"signal_db"`
	Valid       bool      `json:"valid"`
	Error       string    `json:"error,omitempty"`
}

// Dialer opens the byte channel to the sensor.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

type Option func(*Driver)

// WithDialer replaces the serial/TCP dialer derived from the configuration.
func WithDialer(d Dialer) Option {
	return func(drv *Driver) { drv.dial = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(drv *Driver) { drv.clock = c }
}

// Driver owns the channel to one radar sensor. Bus transactions are serialised; the
// filter window and calibration offset are guarded separately so that readers of Offset
// never wait on serial I/O.
type Driver struct {
	config config.RadarData
	logger *zap.SugaredLogger
	clock  clockwork.Clock
	dial   Dialer

	ioMu   sync.Mutex
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	mu     sync.Mutex
	window *Window
	offset float64
}

// New creates a driver. The channel is not opened until Connect or the first Read.
func New(cfg config.RadarData, logger *zap.SugaredLogger, opts ...Option) *Driver {
	d := &Driver{
		config: cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		window: NewWindow(cfg.Window),
		offset: cfg.Offset,
	}
	d.dial = d.defaultDial
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) defaultDial(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.config.SerialDevice != "" {
		d.logger.Debugf("opening radar serial port %s at %d baud", d.config.SerialDevice, d.config.Baud)
		return serial.OpenPort(&serial.Config{Name: d.config.SerialDevice, Baud: d.config.Baud})
	}
	if d.config.Hostname != "" && d.config.Port != "" {
		addr := net.JoinHostPort(d.config.Hostname, d.config.Port)
		d.logger.Debugf("connecting to radar bridge at %s", addr)
		dialer := net.Dialer{Timeout: 10 * time.Second}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return nil, fmt.Errorf("radar: must define either serial-device or hostname+port")
}

// Connect opens the channel to the sensor. It makes a single attempt; a failed Read
// closes the channel and the next Read re-opens it.
func (d *Driver) Connect(ctx context.Context) error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.openLocked(ctx)
}

func (d *Driver) openLocked(ctx context.Context) error {
	if d.rwc != nil {
		return nil
	}
	rwc, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("opening radar channel: %w", err)
	}
	d.rwc = rwc
	d.reader = bufio.NewReader(rwc)
	d.logger.Infof("radar channel open (protocol %s)", d.config.Protocol)
	return nil
}

func (d *Driver) closeLocked() {
	if d.rwc == nil {
		return
	}
	if err := d.rwc.Close(); err != nil {
		d.logger.Debugf("closing radar channel: %v", err)
	}
	d.rwc = nil
	d.reader = nil
}

// Close releases the channel.
func (d *Driver) Close() error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	d.closeLocked()
	return nil
}

// Read polls the sensor once and returns the filtered water level. It never returns an
// error: timeouts, I/O failures and malformed answers produce an invalid Reading.
func (d *Driver) Read(ctx context.Context) Reading {
	now := d.clock.Now()

	sample, err := d.poll(ctx)
	if err != nil {
		d.logger.Warnf("radar read failed: %v", err)
		return Reading{Timestamp: now, Error: err.Error()}
	}

	distance := sample.DistanceMM / 1000
	if distance <= 0 || distance > d.config.MaxRange {
		msg := fmt.Sprintf("distance %.3f m outside the valid range 0-%.2f m", distance, d.config.MaxRange)
		d.logger.Warnf("radar read rejected: %s", msg)
		return Reading{Timestamp: now, Distance: distance, Temperature: sample.TempC, Signal: sample.SignalDB, Error: msg}
	}

	d.mu.Lock()
	d.window.Push(distance)
	mean := d.window.Mean()
	offset := d.offset
	d.mu.Unlock()

	r := Reading{
		Timestamp:   now,
		Distance:    distance,
		RawLevel:    d.config.MountHeight - distance + offset,
		Level:       d.config.MountHeight - mean + offset,
		Temperature: sample.TempC,
		Signal:      sample.SignalDB,
		Valid:       true,
	}
	d.logger.Debugf("radar: distance=%.3f m level=%.3f m (raw %.3f m) temp=%.1f°C signal=%.0f dB",
		r.Distance, r.Level, r.RawLevel, r.Temperature, r.Signal)
	return r
}

// Calibrate sets the offset so that the current filtered level equals knownLevel. If no
// sample has been taken yet the sensor is read first. Mount height is never changed.
func (d *Driver) Calibrate(ctx context.Context, knownLevel float64) error {
	d.mu.Lock()
	empty := d.window.Len() == 0
	d.mu.Unlock()

	if empty {
		if r := d.Read(ctx); !r.Valid {
			return fmt.Errorf("calibration needs a valid reading: %s", r.Error)
		}
	}

	d.mu.Lock()
	old := d.offset
	d.offset = knownLevel - (d.config.MountHeight - d.window.Mean())
	offset := d.offset
	d.mu.Unlock()

	d.logger.Infof("radar calibrated to %.3f m: offset %.3f m -> %.3f m", knownLevel, old, offset)
	return nil
}

// Offset returns the current calibration offset in meters.
func (d *Driver) Offset() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset
}

func (d *Driver) poll(ctx context.Context) (wire.RadarSample, error) {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	if err := d.openLocked(ctx); err != nil {
		return wire.RadarSample{}, err
	}

	sample, err := d.transact(ctx)
	if err != nil {
		// a timed-out or garbled exchange leaves the channel in an unknown state
		d.closeLocked()
		return wire.RadarSample{}, err
	}
	return sample, nil
}

type result struct {
	sample wire.RadarSample
	err    error
}

// transact runs one exchange bounded by the configured timeout. Channels with deadline
// support get one; for the rest the exchange runs in a goroutine that is unblocked by
// closing the channel.
func (d *Driver) transact(ctx context.Context) (wire.RadarSample, error) {
	timeout := d.config.Timeout.D()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if dl, ok := d.rwc.(interface{ SetDeadline(time.Time) error }); ok {
		deadline, _ := ctx.Deadline()
		_ = dl.SetDeadline(deadline)
	}

	rwc, reader := d.rwc, d.reader
	done := make(chan result, 1)
	go func() {
		s, err := d.exchange(rwc, reader)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		var ne net.Error
		if errors.As(r.err, &ne) && ne.Timeout() {
			return wire.RadarSample{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return r.sample, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wire.RadarSample{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return wire.RadarSample{}, ctx.Err()
	}
}

func (d *Driver) exchange(rwc io.ReadWriter, reader *bufio.Reader) (wire.RadarSample, error) {
	switch d.config.Protocol {
	case config.ProtocolLine:
		if _, err := io.WriteString(rwc, linePoll); err != nil {
			return wire.RadarSample{}, fmt.Errorf("writing poll: %w", err)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return wire.RadarSample{}, fmt.Errorf("reading sentence: %w", err)
		}
		return wire.ParseDistLine(line)

	default:
		req := wire.ModbusReadRequest(d.config.SlaveAddress, d.config.StartRegister, wire.RadarRegisters)
		if _, err := rwc.Write(req); err != nil {
			return wire.RadarSample{}, fmt.Errorf("writing request: %w", err)
		}

		// Exception replies are 5 bytes; read the header before committing to a length.
		resp := make([]byte, wire.RadarResponseLen)
		if _, err := io.ReadFull(reader, resp[:3]); err != nil {
			return wire.RadarSample{}, fmt.Errorf("reading response: %w", err)
		}
		n := wire.RadarResponseLen
		if resp[1]&0x80 != 0 {
			n = 5
		}
		if _, err := io.ReadFull(reader, resp[3:n]); err != nil {
			return wire.RadarSample{}, fmt.Errorf("reading response: %w", err)
		}
		return wire.ParseRadarResponse(resp[:n], d.config.SlaveAddress)
	}
}
