// Package kafka produces flood decisions to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/fusion"
	"github.com/chrissnell/remoteflood/internal/storage"
	"github.com/chrissnell/remoteflood/pkg/config"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Storage writes each decision keyed by station so a station's decisions stay ordered
// within one partition.
type Storage struct {
	writer  *kafkago.Writer
	brokers []string
	logger  *zap.SugaredLogger
}

func New(cfg config.KafkaData, logger *zap.SugaredLogger) (*Storage, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: brokers and topic are required")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Storage{writer: w, brokers: cfg.Brokers, logger: logger}, nil
}

// StartStorageEngine creates a goroutine loop to receive decisions and produce them.
func (s *Storage) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup) chan<- fusion.FloodDecision {
	s.logger.Info("starting Kafka storage engine...")
	decisionChan := make(chan fusion.FloodDecision, 10)
	wg.Add(1)
	go func() {
		storage.ProcessDecisions(ctx, wg, decisionChan, s.Write, "Kafka", s.logger)
		if err := s.writer.Close(); err != nil {
			s.logger.Errorf("closing Kafka writer: %v", err)
		}
	}()
	return decisionChan
}

// Write produces one decision.
func (s *Storage) Write(d fusion.FloodDecision) error {
	msg, err := serializeToMessage(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.writer.WriteMessages(ctx, msg)
}

func serializeToMessage(d fusion.FloodDecision) (kafkago.Message, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize decision: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(d.StationID),
		Value: data,
		Time:  d.Timestamp,
		Headers: []kafkago.Header{
			{Key: "alert_level", Value: []byte(strconv.Itoa(int(d.Level)))},
			{Key: "decided_at", Value: []byte(d.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}

// CheckHealth dials the first reachable broker.
func (s *Storage) CheckHealth(ctx context.Context) *storage.Health {
	var lastErr error
	for _, b := range s.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return storage.CreateHealthData(storage.StatusHealthy, "Kafka broker reachable: "+b, nil)
	}
	return storage.CreateHealthData(storage.StatusUnhealthy, "no Kafka broker reachable", lastErr)
}
