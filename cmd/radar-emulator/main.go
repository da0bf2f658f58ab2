// radar-emulator answers Modbus and line-protocol polls the way the radar level sensor
// does, so a station can be run against a TCP bridge without hardware. The simulated
// river follows a slow flood hydrograph: it rises from the base level to the peak and
// recedes again.
package main

import (
	"bytes"
	"flag"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/panjf2000/gnet/v2"
)

type river struct {
	mountHeight float64
	baseLevel   float64
	peakLevel   float64
	period      time.Duration
	start       time.Time
	fixed       *float64
}

// level returns the simulated water level in meters at t.
func (r *river) level(t time.Time) float64 {
	if r.fixed != nil {
		return *r.fixed
	}
	phase := math.Mod(t.Sub(r.start).Seconds()/r.period.Seconds(), 1)
	// raised cosine: base at phase 0 and 1, peak at 0.5
	rise := (1 - math.Cos(2*math.Pi*phase)) / 2
	return r.baseLevel + (r.peakLevel-r.baseLevel)*rise
}

func (r *river) sample(t time.Time) wire.RadarSample {
	level := r.level(t) + rand.Float64()*0.01 - 0.005
	distance := math.Max(0.05, r.mountHeight-level)
	return wire.RadarSample{
		DistanceMM: math.Round(distance * 1000),
		TempC:      12 + 6*math.Sin(2*math.Pi*float64(t.Hour()-9)/24),
		SignalDB:   float64(40 + rand.Intn(8)),
	}
}

type radarServer struct {
	gnet.BuiltinEventEngine

	addr     string
	slave    uint8
	river    *river
	failRate float64
}

func (s *radarServer) OnBoot(eng gnet.Engine) gnet.Action {
	log.Printf("radar emulator listening on %s (slave address %#02x)", s.addr, s.slave)
	return gnet.None
}

func (s *radarServer) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	log.Printf("client connected from %s", c.RemoteAddr())
	return nil, gnet.None
}

func (s *radarServer) OnClose(c gnet.Conn, err error) gnet.Action {
	log.Printf("client %s disconnected", c.RemoteAddr())
	return gnet.None
}

// OnTraffic handles every complete request in the inbound buffer. A Modbus request is
// 8 bytes starting with the slave address; a bare CRLF polls a line-protocol sensor.
func (s *radarServer) OnTraffic(c gnet.Conn) gnet.Action {
	for c.InboundBuffered() > 0 {
		head, err := c.Peek(1)
		if err != nil {
			return gnet.Close
		}

		switch b := head[0]; {
		case b == '\r' || b == '\n':
			c.Discard(1)
			if b == '\n' {
				continue
			}
			s.reply(c, []byte(wire.FormatDistLine(s.river.sample(time.Now()))))

		case c.InboundBuffered() < wire.ModbusRequestLen:
			return gnet.None

		default:
			req, _ := c.Next(wire.ModbusRequestLen)
			addr, start, count, err := wire.ParseModbusRequest(bytes.Clone(req))
			if err != nil {
				log.Printf("dropping request from %s: %v", c.RemoteAddr(), err)
				continue
			}
			if addr != s.slave {
				continue
			}
			if count != wire.RadarRegisters {
				log.Printf("unsupported read of %d registers at %d", count, start)
				continue
			}
			sample := s.river.sample(time.Now())
			s.reply(c, wire.EncodeRadarResponse(addr, sample))
			log.Printf("distance %.0f mm (level %.2f m)", sample.DistanceMM, s.river.mountHeight-sample.DistanceMM/1000)
		}
	}
	return gnet.None
}

func (s *radarServer) reply(c gnet.Conn, b []byte) {
	if s.failRate > 0 && rand.Float64() < s.failRate {
		// stay silent so the driver times out
		return
	}
	if _, err := c.Write(b); err != nil {
		log.Printf("write to %s: %v", c.RemoteAddr(), err)
	}
}

func main() {
	var (
		port        = flag.String("port", "8124", "TCP port to listen on")
		slave       = flag.Uint("slave", 1, "Modbus slave address to answer as")
		mountHeight = flag.Float64("mount-height", 5.0, "Distance from the sensor to the gauge datum in meters")
		baseLevel   = flag.Float64("base-level", 0.8, "Water level at the start of the hydrograph in meters")
		peakLevel   = flag.Float64("peak-level", 3.8, "Water level at the crest in meters")
		period      = flag.Duration("period", 2*time.Hour, "Length of one rise and recession")
		fixed       = flag.Float64("fixed-level", -1, "Report a constant level instead of the hydrograph")
		failRate    = flag.Float64("fail-rate", 0, "Fraction of polls left unanswered")
	)
	flag.Parse()

	if *peakLevel >= *mountHeight {
		log.Fatalf("peak level %.2f m must be below the mount height %.2f m", *peakLevel, *mountHeight)
	}

	r := &river{
		mountHeight: *mountHeight,
		baseLevel:   *baseLevel,
		peakLevel:   *peakLevel,
		period:      *period,
		start:       time.Now(),
	}
	if *fixed >= 0 {
		r.fixed = fixed
	}

	addr := "tcp://:" + *port
	s := &radarServer{addr: addr, slave: uint8(*slave), river: r, failRate: *failRate}
	if err := gnet.Run(s, addr, gnet.WithMulticore(false), gnet.WithTCPNoDelay(gnet.TCPNoDelay)); err != nil {
		log.Fatalf("radar emulator: %v", err)
	}
}
