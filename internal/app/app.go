package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chrissnell/remoteflood/internal/alarm"
	"github.com/chrissnell/remoteflood/internal/cloud"
	"github.com/chrissnell/remoteflood/internal/database"
	"github.com/chrissnell/remoteflood/internal/forecast"
	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/gateway"
	"github.com/chrissnell/remoteflood/internal/humidity"
	"github.com/chrissnell/remoteflood/internal/log"
	"github.com/chrissnell/remoteflood/internal/managers"
	"github.com/chrissnell/remoteflood/internal/observability"
	"github.com/chrissnell/remoteflood/internal/radar"
	"github.com/chrissnell/remoteflood/internal/radio"
	"github.com/chrissnell/remoteflood/internal/recorder"
	"github.com/chrissnell/remoteflood/internal/station"
	"github.com/chrissnell/remoteflood/pkg/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App represents one station or gateway process
type App struct {
	config *config.ConfigData
	logger *zap.SugaredLogger
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	return &App{
		config: cfg,
		logger: logger,
	}
}

// RunStation starts a remote station and blocks until shutdown
func (a *App) RunStation(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.config
	st := cfg.Station
	metrics := observability.NewMetrics()
	a.serveMetrics(ctx, &wg, st.MetricsListen)

	publisher, err := managers.NewPublishManager(ctx, &wg, cfg.Storage, log.Component("storage"), metrics)
	if err != nil {
		return err
	}

	link, err := a.newRadio(st.Address, st.GatewayAddress, metrics)
	if err != nil {
		return err
	}

	alarmLogger := log.Component("alarm")
	lines, err := alarm.OpenLines(st.Alarm.Hardware, st.Alarm.SirenPin, st.Alarm.StrobePin, st.Alarm.PAPin, alarmLogger)
	if err != nil {
		return err
	}
	alarms := alarm.New(st.Alarm, lines, alarm.NewCommandSpeaker(st.Alarm.SpeechCommand), alarmLogger, alarm.WithMetrics(metrics))
	defer alarms.Close()

	deps := station.Deps{
		Config: st,
		Engine: fusion.New(st.ID, cfg.System, fusion.Levels{
			Warning:     st.WarningLevel,
			Critical:    st.CriticalLevel,
			MountHeight: st.Radar.MountHeight,
		}),
		Radio:     link,
		Alarm:     alarms,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    log.Component("station"),
	}

	if st.Radar.Enabled {
		d := radar.New(st.Radar, log.Component("radar"))
		if err := d.Connect(ctx); err != nil {
			// the first sensor cycle retries
			a.logger.Warnf("radar not reachable at startup: %v", err)
		}
		defer d.Close()
		deps.Radar = d
	}

	if st.Humidity.Enabled {
		deps.Humidity = humidity.New(st.Humidity, log.Component("humidity"))
	}

	if st.Camera.Enabled {
		var classifier cloud.Classifier
		if st.Camera.Assisted {
			classifier = cloud.NewHTTPClassifier(st.Camera)
		}
		var opts []cloud.Option
		if st.Location.Lat != 0 || st.Location.Lon != 0 {
			opts = append(opts, cloud.WithLocation(st.Location.Lat, st.Location.Lon))
		}
		deps.Cloud = cloud.NewEstimator(st.Camera, cloud.NewHTTPCamera(st.Camera), classifier, log.Component("cloud"), opts...)
	}

	if st.Forecast.Enabled {
		fc := forecast.New(st.Forecast, st.Location, log.Component("forecast"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			fc.Run(ctx)
		}()
		deps.Forecast = fc
	}

	var rec *recorder.Recorder
	if st.Recorder.Enabled {
		rec = recorder.New(st.Recorder, log.Component("recorder"))
		deps.Recorder = rec
	}

	ctrl, err := station.New(deps)
	if err != nil {
		return err
	}

	link.Start(ctx)
	if err := ctrl.Start(ctx); err != nil {
		link.Stop()
		return err
	}

	log.Infof("station %s started at radio address %#02x", st.ID, st.Address)
	a.waitForShutdown(ctx)
	cancel()

	ctrl.Stop()
	link.Stop()
	if rec != nil {
		rec.Wait()
	}

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

// RunGateway starts the central gateway and blocks until shutdown
func (a *App) RunGateway(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.config
	metrics := observability.NewMetrics()

	publisher, err := managers.NewPublishManager(ctx, &wg, cfg.Storage, log.Component("storage"), metrics)
	if err != nil {
		return err
	}

	link, err := a.newRadio(cfg.Gateway.Address, cfg.Gateway.Address, metrics)
	if err != nil {
		return err
	}

	opts := []gateway.Option{
		gateway.WithPublisher(publisher),
		gateway.WithStorageHealth(publisher.Health),
	}
	if ts := cfg.Storage.TimescaleDB; ts != nil && ts.ConnectionString != "" {
		db := database.NewClient(ts.ConnectionString, log.Component("database"))
		if err := db.Connect(); err != nil {
			// the gateway still relays alerts without its history
			a.logger.Errorf("level history disabled: %v", err)
		} else {
			opts = append(opts, gateway.WithHistory(db))
		}
	}

	srv := gateway.New(cfg.Gateway, link, log.Component("gateway"), opts...)
	if err := srv.Start(ctx, &wg); err != nil {
		return err
	}
	link.Start(ctx)

	log.Infof("gateway started at radio address %#02x with %d known stations", cfg.Gateway.Address, len(cfg.Gateway.Stations))
	a.waitForShutdown(ctx)
	cancel()

	link.Stop()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

func (a *App) newRadio(addr, gatewayAddr uint8, metrics *observability.Metrics) (*radio.Gateway, error) {
	logger := log.Component("radio")
	dial, err := radio.LinkDialer(a.config.Radio, logger)
	if err != nil {
		return nil, err
	}
	return radio.New(addr, dial, logger,
		radio.WithMetrics(metrics),
		radio.WithGatewayAddress(gatewayAddr),
		radio.WithNodeTimeout(a.config.System.NodeTimeout.D()),
		radio.WithReadTimeout(a.config.Radio.ReadTimeout.D()),
	), nil
}

// serveMetrics exposes /metrics on a station. The gateway serves it from its API router.
func (a *App) serveMetrics(ctx context.Context, wg *sync.WaitGroup, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Infof("serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorf("metrics server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}

func (a *App) waitForShutdown(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		log.Infof("received %v, initiating graceful shutdown...", sig)
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}
}
