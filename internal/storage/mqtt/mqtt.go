// Package mqtt publishes flood decisions to an MQTT broker for downstream alerting.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/chrissnell/remoteflood/pkg/config"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Storage publishes every decision to <topic>/<station id>. Decisions at or above
// level 1 are published retained so a late subscriber sees the current alert.
type Storage struct {
	client pahomqtt.Client
	cfg    config.MQTTData
	logger *zap.SugaredLogger
}

// New connects to the broker.
func New(cfg config.MQTTData, logger *zap.SugaredLogger) (*Storage, error) {
	s := &Storage{cfg: cfg, logger: logger}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout.D())
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warnf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.Infof("connected to MQTT broker %s:%d", cfg.Broker, cfg.Port)
	})

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout.D()) {
		return nil, fmt.Errorf("MQTT connection timeout after %v", cfg.ConnectTimeout.D())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connection failed: %w", err)
	}
	return s, nil
}

// StartStorageEngine creates a goroutine loop to receive decisions and publish them.
func (s *Storage) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup) chan<- fusion.FloodDecision {
	s.logger.Info("starting MQTT storage engine...")
	decisionChan := make(chan fusion.FloodDecision, 10)
	wg.Add(1)
	go func() {
		storage.ProcessDecisions(ctx, wg, decisionChan, s.Publish, "MQTT", s.logger)
		s.client.Disconnect(250)
	}()
	return decisionChan
}

// Publish sends one decision.
func (s *Storage) Publish(d fusion.FloodDecision) error {
	topic, payload, retained, err := message(s.cfg.Topic, d)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, s.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func message(base string, d fusion.FloodDecision) (topic string, payload []byte, retained bool, err error) {
	payload, err = json.Marshal(d)
	if err != nil {
		return "", nil, false, fmt.Errorf("serialize decision: %w", err)
	}
	topic = strings.TrimSuffix(base, "/") + "/" + d.StationID
	return topic, payload, d.Level >= fusion.LevelCaution, nil
}

// CheckHealth reports whether the client is connected.
func (s *Storage) CheckHealth(context.Context) *storage.Health {
	if s.client == nil || !s.client.IsConnected() {
		return storage.CreateHealthData(storage.StatusUnhealthy, "MQTT client disconnected", nil)
	}
	return storage.CreateHealthData(storage.StatusHealthy, "MQTT connected to "+s.cfg.Broker, nil)
}
