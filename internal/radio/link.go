package radio

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/chrissnell/remoteflood/pkg/config"
	serial "github.com/tarm/goserial"
	"go.uber.org/zap"
)

// Dialer opens the byte channel to the LoRa modem.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// LinkDialer returns a dialer for the configured modem: a transparent UART when a serial
// device is set, otherwise a TCP serial bridge.
func LinkDialer(cfg config.RadioData, logger *zap.SugaredLogger) (Dialer, error) {
	switch {
	case cfg.SerialDevice != "":
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			logger.Debugf("opening radio serial port %s at %d baud", cfg.SerialDevice, cfg.Baud)
			return serial.OpenPort(&serial.Config{Name: cfg.SerialDevice, Baud: cfg.Baud})
		}, nil
	case cfg.Hostname != "" && cfg.Port != "":
		addr := net.JoinHostPort(cfg.Hostname, cfg.Port)
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			logger.Debugf("connecting to radio bridge at %s", addr)
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		}, nil
	default:
		return nil, fmt.Errorf("radio: must define either serial-device or hostname+port")
	}
}
