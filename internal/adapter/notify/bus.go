// Package notify implements the per-conversation notification bus on
// Redis pub/sub, with an optional Kafka mirror for offline analysis.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// Archiver mirrors published events somewhere durable; best-effort.
type Archiver interface {
	Archive(ctx context.Context, conversationID string, raw []byte)
}

// Bus publishes progress events on `conversation:<id>` channels.
// Publication is best-effort by contract: callers log and continue.
type Bus struct {
	rdb      *redis.Client
	archiver Archiver
}

// NewBus wraps an existing Redis client.
func NewBus(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// WithArchiver attaches an event archiver; nil disables mirroring.
func (b *Bus) WithArchiver(a Archiver) *Bus {
	b.archiver = a
	return b
}

func channel(conversationID string) string { return "conversation:" + conversationID }

// Publish sends one event on the conversation channel. Ordering within a
// channel follows publish order on this connection.
func (b *Bus) Publish(ctx domain.Context, conversationID string, ev domain.Event) error {
	if ev.ConversationID == "" {
		ev.ConversationID = conversationID
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=notify.publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel(conversationID), raw).Err(); err != nil {
		return fmt.Errorf("op=notify.publish: %w", err)
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	if b.archiver != nil {
		b.archiver.Archive(ctx, conversationID, raw)
	}
	return nil
}

// Subscribe streams events for one conversation until cancel is called
// or ctx ends. Malformed payloads are dropped with a log line.
func (b *Bus) Subscribe(ctx domain.Context, conversationID string) (<-chan domain.Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, channel(conversationID))
	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=notify.subscribe: %w", err)
	}

	out := make(chan domain.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("dropping malformed bus event",
						slog.String("channel", msg.Channel), slog.Any("error", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return out, cancel, nil
}
