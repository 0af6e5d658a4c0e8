// Package revalidate tells connected clients that issue data changed and
// list or board views should be refetched.
package revalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Signal struct {
	WorkspaceID string    `json:"workspaceId"`
	DisplayID   string    `json:"displayId,omitempty"`
	DocumentKey string    `json:"documentKey,omitempty"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, signal Signal) error
}

// Hub fans signals out to subscribers in this process.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Signal]string
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Signal]string)}
}

// Subscribe registers a listener for one workspace, or every workspace when
// workspaceID is empty.
func (h *Hub) Subscribe(workspaceID string) chan Signal {
	ch := make(chan Signal, 8)
	h.mu.Lock()
	h.subs[ch] = workspaceID
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Signal) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Notify delivers the signal without blocking. A subscriber whose buffer is
// full misses the signal; it will catch up on the next one.
func (h *Hub) Notify(signal Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, workspaceID := range h.subs {
		if workspaceID != "" && workspaceID != signal.WorkspaceID {
			continue
		}
		select {
		case ch <- signal:
		default:
		}
	}
}

func (h *Hub) Publish(_ context.Context, signal Signal) error {
	h.Notify(signal)
	return nil
}

// RedisBus publishes signals on a Redis channel so every API instance can
// forward them to its own Hub.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, signal Signal) error {
	if signal.At.IsZero() {
		signal.At = time.Now().UTC()
	}
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Forward relays every signal on the channel into handle until ctx is done,
// resubscribing when the connection drops.
func (b *RedisBus) Forward(ctx context.Context, log logrus.FieldLogger, handle func(Signal)) {
	for {
		sub := b.client.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				var signal Signal
				if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
					log.WithError(err).Warn("unable to parse revalidation signal")
					continue
				}
				handle(signal)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Error("revalidation channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
