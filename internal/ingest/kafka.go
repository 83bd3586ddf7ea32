package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

const feedVersion = 1

// feedMessage is the wire form of one appended event on the change feed.
type feedMessage struct {
	Version int                   `json:"v"`
	Event   model.AttendanceEvent `json:"event"`
}

func encodeEvent(ev model.AttendanceEvent) (kafka.Message, error) {
	payload, err := json.Marshal(feedMessage{Version: feedVersion, Event: ev})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(ev.TenantID), Value: payload}, nil
}

func decodeEvent(value []byte) (model.AttendanceEvent, error) {
	var msg feedMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return model.AttendanceEvent{}, err
	}
	if msg.Version != feedVersion {
		return model.AttendanceEvent{}, fmt.Errorf("unsupported feed version %d", msg.Version)
	}
	if msg.Event.TenantID == "" || msg.Event.EventID == "" {
		return model.AttendanceEvent{}, errors.New("feed message missing tenant or event id")
	}
	return msg.Event, nil
}

// KafkaPublisher writes recorded events to the change feed, keyed by tenant
// so that one tenant's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher returns nil when the feed is disabled.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev model.AttendanceEvent) error {
	if p == nil || p.writer == nil {
		return nil
	}
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Republisher receives change sets from the feed; storage.Hub implements it.
type Republisher interface {
	Publish(cs model.ChangeSet)
}

// StartKafka consumes the change feed and republishes every event to the
// local subscribers. Each instance joins its own consumer group so that
// every instance sees every event.
func StartKafka(ctx context.Context, cfg *config.Manager, hub Republisher, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka change feed disabled")
		}
		return
	}
	groupID := instanceGroupID(current.GroupID)
	if logger != nil {
		logger.Info("kafka change feed enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", groupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        current.Brokers,
		Topic:          current.Topic,
		GroupID:        groupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			handleFeedMessage(hub, m, logger)
		}
	}()
}

func handleFeedMessage(hub Republisher, m kafka.Message, logger *slog.Logger) {
	ev, err := decodeEvent(m.Value)
	if err != nil {
		if logger != nil {
			logger.Warn("kafka feed decode error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
		return
	}
	hub.Publish(model.ChangeSet{TenantID: ev.TenantID, Added: []model.AttendanceEvent{ev}})
}

func instanceGroupID(base string) string {
	if base == "" {
		base = "presencewatch"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()[:8]
	}
	return base + "-" + host
}
