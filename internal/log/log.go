// Package log wraps a process-wide zap logger shared by the station and gateway daemons.
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

var (
	base  *zap.Logger
	sugar *zap.SugaredLogger
)

// Init builds the process logger. Debug mode uses zap's development encoder.
func Init(debug bool) error {
	var (
		l   *zap.Logger
		err error
	)

	if debug {
		l, err = zap.NewDevelopment(zap.AddCallerSkip(1))
	} else {
		l, err = zap.NewProduction(zap.AddCallerSkip(1))
	}
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %v", err)
	}

	base = l
	sugar = l.Sugar()
	return nil
}

func ensure() {
	if base == nil {
		base, _ = zap.NewProduction(zap.AddCallerSkip(1))
		sugar = base.Sugar()
	}
}

// GetZapLogger returns the unsugared logger, used to bridge gorm's logger.
func GetZapLogger() *zap.Logger {
	ensure()
	return base
}

// GetSugaredLogger returns the logger handed to every component constructor.
func GetSugaredLogger() *zap.SugaredLogger {
	ensure()
	return sugar
}

// Component returns a child logger tagged with the component name.
func Component(name string) *zap.SugaredLogger {
	return GetSugaredLogger().With("component", name)
}

// Sync flushes buffered entries.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}

func Debugf(template string, args ...interface{}) {
	GetSugaredLogger().Debugf(template, args...)
}

func Info(args ...interface{}) {
	GetSugaredLogger().Info(args...)
}

func Infof(template string, args ...interface{}) {
	GetSugaredLogger().Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	GetSugaredLogger().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	GetSugaredLogger().Errorf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	GetSugaredLogger().Fatalf(template, args...)
	os.Exit(1)
}
