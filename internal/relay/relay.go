package relay

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
)

const (
	streamKey     = "monitor_updates_stream"
	consumerGroup = "relay"

	readBlock = 5 * time.Second
	readCount = 10
)

// Update is the monitor_update event workers publish after each check.
// The field set is a wire contract shared with stream consumers;
// IncidentID is present only while an incident is ongoing.
type Update struct {
	Event          string   `json:"event"`
	MonitorID      string   `json:"monitorId"`
	Status         string   `json:"status"`
	OldStatus      string   `json:"oldStatus"`
	ResponseTimeMs int64    `json:"responseTimeMs"`
	Timestamp      string   `json:"timestamp"`
	IncidentID     string   `json:"incidentId,omitempty"`
	Reasons        []string `json:"reasons"`
}

// Relay bridges the durable Redis stream and the in-process hub.
// Every process runs one consumer under a shared group, so each event
// is handled by exactly one process and fanned out locally.
type Relay struct {
	rdb        *redis.Client
	hub        *Hub
	logger     *log.Logger
	consumerID string
}

func New(rdb *redis.Client, hub *Hub) *Relay {
	return &Relay{
		rdb:        rdb,
		hub:        hub,
		logger:     logging.New("RELAY"),
		consumerID: "relay-" + uuid.NewString(),
	}
}

// Publish appends a monitor_update scoped to the owner onto the
// stream.
func (r *Relay) Publish(ctx context.Context, userID string, u Update) error {
	u.Event = "monitor_update"
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"userId": userID, "data": string(data)},
	}).Err()
	if err == nil {
		metrics.RelayEventsTotal.WithLabelValues("published").Inc()
	}
	return err
}

// Run consumes the stream until ctx is done, forwarding each event to
// the owner's room. Unparseable entries are acked with a log so they
// cannot loop.
func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.logger.Printf("Failed to create consumer group: %v", err)
	}
	r.logger.Printf("Relay consumer %s starting", r.consumerID)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.consumeBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("Stream read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) consumeBatch(ctx context.Context) error {
	streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: r.consumerID,
		Streams:  []string{streamKey, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			r.handle(ctx, msg)
		}
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, msg redis.XMessage) {
	userID, uok := msg.Values["userId"].(string)
	data, dok := msg.Values["data"].(string)
	if !uok || !dok {
		r.logger.Printf("Acking unparseable stream entry %s", msg.ID)
		metrics.RelayEventsTotal.WithLabelValues("unparseable").Inc()
	} else {
		r.hub.Broadcast(userID, []byte(data))
	}
	if err := r.rdb.XAck(ctx, streamKey, consumerGroup, msg.ID).Err(); err != nil {
		r.logger.Printf("Failed to ack entry %s: %v", msg.ID, err)
	}
}
