package station

import (
	"context"
	"time"

	"github.com/chrissnell/remoteflood/internal/wire"
)

// handleCommand applies a command from the gateway. Commands addressed to this station
// are answered with an Ack, or a Nack when they could not be carried out; broadcast
// commands are never answered so that stations do not all transmit at once.
func (c *Controller) handleCommand(ctx context.Context, pkt wire.Packet, msg wire.Message) error {
	reason, handled := c.apply(ctx, msg)
	if !handled || pkt.IsBroadcast() {
		return nil
	}

	var reply wire.Message = wire.AckMsg{Seq: pkt.Seq, Kind: pkt.Type}
	if reason != 0 {
		reply = wire.NackMsg{Seq: pkt.Seq, Kind: pkt.Type, Reason: reason}
	}
	c.deps.Radio.SendMessage(pkt.Src, reply)
	return nil
}

// apply returns the Nack reason, zero on success, and whether msg was a command at all.
func (c *Controller) apply(ctx context.Context, msg wire.Message) (uint8, bool) {
	id := c.deps.Config.ID

	switch m := msg.(type) {
	case wire.AlertCommand:
		c.logger.Warnf("[%s] gateway set alert level %d", id, m.Level)
		c.deps.Alarm.TriggerAlert(int(m.Level), m.Message)
		return 0, true

	case wire.BroadcastCmd:
		repeat := int(m.Repeat)
		if repeat < 1 {
			repeat = 1
		}
		c.logger.Infof("[%s] gateway broadcast (%dx): %q", id, repeat, m.Text)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.deps.Alarm.BroadcastTTS(ctx, m.Text, repeat)
		}()
		return 0, true

	case wire.SirenCmd:
		if m.On {
			c.deps.Alarm.SirenOn(time.Duration(m.DurationSec) * time.Second)
		} else {
			c.deps.Alarm.SirenOff()
		}
		return 0, true

	case wire.CalibrateCmd:
		if c.deps.Radar == nil {
			return wire.NackDisabled, true
		}
		known := float64(m.KnownLevelMM) / 1000
		if err := c.deps.Radar.Calibrate(ctx, known); err != nil {
			c.logger.Errorf("[%s] calibration to %.3f m failed: %v", id, known, err)
			return wire.NackFailed, true
		}
		c.logger.Infof("[%s] radar calibrated to %.3f m", id, known)
		return 0, true

	case wire.AlertReport, wire.HeartbeatMsg, wire.WaterLevelReport, wire.WeatherReport,
		wire.CloudCoverReport, wire.AckMsg, wire.NackMsg:
		// reports from other stations
		return 0, false
	}
	return 0, false
}
