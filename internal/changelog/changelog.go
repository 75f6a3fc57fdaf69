// Package changelog implements the append-only, per-topic change-log with
// consumer-group semantics (C6), backed by Redis Streams.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
)

// ChangeEvent is appended to a topic on every successful upstream upsert (§3/§4.5).
type ChangeEvent struct {
	SysID     string                 `json:"sys_id"`
	Table     string                 `json:"table"`
	Kind      string                 `json:"kind"` // created, updated, conflict
	Record    map[string]interface{} `json:"record"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config configures the Redis Streams broker.
type Config struct {
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
}

// Log is the change-log broker.
type Log struct {
	rdb     *redis.Client
	prefix  string
	log     *logger.Logger
	metrics *metrics.Registry
}

// New constructs a Log.
func New(cfg Config, log *logger.Logger, m *metrics.Registry) *Log {
	if log == nil {
		log = logger.NewDefault("changelog")
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "changelog"
	}
	return &Log{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:  cfg.StreamPrefix,
		log:     log,
		metrics: m,
	}
}

func (l *Log) streamKey(topic string) string {
	return fmt.Sprintf("%s:%s", l.prefix, topic)
}

// Append publishes an event to topic's stream, returning its offset (the
// Redis Streams entry id).
func (l *Log) Append(ctx context.Context, topic string, event ChangeEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal change event: %w", err)
	}
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.streamKey(topic),
		Values: map[string]interface{}{"body": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", topic, err)
	}
	if l.metrics != nil {
		l.metrics.ChangeLogAppended.WithLabelValues(topic).Inc()
	}
	return id, nil
}

// RegisterConsumer ensures a consumer group exists for topic, creating the
// stream if absent (MKSTREAM), starting from the beginning of history.
func (l *Log) RegisterConsumer(ctx context.Context, topic, group string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, l.streamKey(topic), group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("register consumer group %s/%s: %w", topic, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Entry is one delivered change-log entry, pairing its stream id (used for Ack)
// with the decoded event.
type Entry struct {
	ID    string
	Event ChangeEvent
}

// Read delivers up to max new entries for group/consumer, blocking up to
// blockMs for new data when none are immediately available (§4.5).
func (l *Log) Read(ctx context.Context, topic, group, consumer string, max int64, blockMs int) ([]Entry, error) {
	if max <= 0 {
		max = 10
	}
	block := time.Duration(blockMs) * time.Millisecond
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.streamKey(topic), ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", topic, group, err)
	}
	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			body, _ := msg.Values["body"].(string)
			var event ChangeEvent
			if err := json.Unmarshal([]byte(body), &event); err != nil {
				l.log.WithField("id", msg.ID).WithError(err).Warn("decode change event failed")
				continue
			}
			entries = append(entries, Entry{ID: msg.ID, Event: event})
		}
	}
	if l.metrics != nil {
		if pending, err := l.Pending(ctx, topic, group); err == nil {
			l.metrics.ChangeLogPending.WithLabelValues(topic, group).Set(float64(pending))
		}
	}
	return entries, nil
}

// Ack acknowledges delivered entries for group, removing them from its
// pending-entries list.
func (l *Log) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.rdb.XAck(ctx, l.streamKey(topic), group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %s/%s: %w", topic, group, err)
	}
	if l.metrics != nil {
		l.metrics.ChangeLogAcked.WithLabelValues(topic, group).Add(float64(len(ids)))
	}
	return nil
}

// Pending reports the count of entries delivered to group but not yet
// acknowledged, so a recovered consumer (or an operator) can size its
// catch-up read (§4.5). Entries never delivered to the group are not counted.
func (l *Log) Pending(ctx context.Context, topic, group string) (int64, error) {
	summary, err := l.rdb.XPending(ctx, l.streamKey(topic), group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending %s/%s: %w", topic, group, err)
	}
	return summary.Count, nil
}

// Unregister removes a consumer group, used on fan-out connection teardown.
func (l *Log) Unregister(ctx context.Context, topic, group string) error {
	if err := l.rdb.XGroupDestroy(ctx, l.streamKey(topic), group).Err(); err != nil {
		return fmt.Errorf("unregister consumer group %s/%s: %w", topic, group, err)
	}
	return nil
}

// TopicFor maps an upstream table to its change-log topic name.
func TopicFor(table string) string {
	return table
}
