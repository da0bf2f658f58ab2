package alarm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line is one digital output.
type Line interface {
	Name() string
	Set(on bool) error
}

// NoopLine stands in for an output when no hardware is installed. Writes are logged.
type NoopLine struct {
	name   string
	logger *zap.SugaredLogger
}

func NewNoopLine(name string, logger *zap.SugaredLogger) *NoopLine {
	return &NoopLine{name: name, logger: logger}
}

func (l *NoopLine) Name() string { return l.name }

func (l *NoopLine) Set(on bool) error {
	l.logger.Debugf("alarm line %s -> %v (no hardware)", l.name, on)
	return nil
}

var (
	hostOnce sync.Once
	hostErr  error
)

// PeriphLine drives a GPIO pin through periph.io.
type PeriphLine struct {
	name string
	pin  gpio.PinIO
}

// NewPeriphLine opens the named pin (for example "GPIO17") and drives it low.
func NewPeriphLine(name, pinName string) (*PeriphLine, error) {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return nil, fmt.Errorf("initializing GPIO host drivers: %w", hostErr)
	}

	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("%s: GPIO pin %q not found", name, pinName)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("%s: driving %s low: %w", name, pinName, err)
	}
	return &PeriphLine{name: name, pin: pin}, nil
}

func (l *PeriphLine) Name() string { return l.name }

func (l *PeriphLine) Set(on bool) error {
	return l.pin.Out(gpio.Level(on))
}

// Lines holds the three alarm outputs.
type Lines struct {
	Siren  Line
	Strobe Line
	PA     Line
}

// OpenLines returns GPIO-backed lines when hardware is enabled and logging no-ops
// otherwise.
func OpenLines(hardware bool, sirenPin, strobePin, paPin string, logger *zap.SugaredLogger) (Lines, error) {
	if !hardware {
		return Lines{
			Siren:  NewNoopLine("siren", logger),
			Strobe: NewNoopLine("strobe", logger),
			PA:     NewNoopLine("pa", logger),
		}, nil
	}

	var lines Lines
	var err error
	if lines.Siren, err = NewPeriphLine("siren", sirenPin); err != nil {
		return Lines{}, err
	}
	if lines.Strobe, err = NewPeriphLine("strobe", strobePin); err != nil {
		return Lines{}, err
	}
	if lines.PA, err = NewPeriphLine("pa", paPin); err != nil {
		return Lines{}, err
	}
	return lines, nil
}
