package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
)

// Event kinds.
const (
	KindDispatched = "batch.dispatched"
	KindProgress   = "batch.progress"
	KindCompleted  = "batch.completed"
	KindCancelled  = "batch.cancelled"
	KindLinted     = "sink.linted"
)

// Event is a sink status change pushed to subscribers.
type Event struct {
	Kind   string              `json:"kind"`
	SinkID string              `json:"sink_id,omitempty"`
	Batch  *models.BatchStatus `json:"batch,omitempty"`
	At     time.Time           `json:"at"`
}

// Publisher publishes events on a Redis channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "sinks"
	}
	return &Publisher{client: client, channel: channel}
}

// Publish sends an event. Events are fire and forget.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe streams events until ctx is done. The channel is closed on return.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.FromContext(ctx).WithError(err).Warn("drop malformed broadcast")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
