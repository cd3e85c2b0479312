package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Broadcaster fans a serialized snapshot out to every connection subscribed
// to a plan. The registry never talks to a transport directly, so a shared
// pub/sub backend can replace the in-process fan-out without touching the
// connection handling code.
type Broadcaster interface {
	// Publish sends payload to all subscribers of planID, including the
	// publishing process itself.
	Publish(ctx context.Context, planID string, payload []byte) error
	// Start registers the delivery callback and begins receiving.
	Start(deliver func(planID string, payload []byte)) error
	Close() error
}

// LocalBroadcaster delivers snapshots within a single process. This is the
// default backend; it is enough as long as all push connections for a plan
// land on the same server instance.
type LocalBroadcaster struct {
	deliver func(planID string, payload []byte)
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{}
}

func (b *LocalBroadcaster) Start(deliver func(planID string, payload []byte)) error {
	b.deliver = deliver
	return nil
}

func (b *LocalBroadcaster) Publish(_ context.Context, planID string, payload []byte) error {
	if b.deliver != nil {
		b.deliver(planID, payload)
	}
	return nil
}

func (b *LocalBroadcaster) Close() error {
	return nil
}

const snapshotChannel = "wayfare:collab:snapshots"

type snapshotEnvelope struct {
	PlanID  string          `json:"planId"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBroadcaster fans snapshots out through a Redis pub/sub channel so
// connections for one plan may be spread across server instances. Every
// instance publishes mutations it applied and delivers whatever arrives on
// the channel, its own messages included.
type RedisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

func (b *RedisBroadcaster) Start(deliver func(planID string, payload []byte)) error {
	b.pubsub = b.client.Subscribe(context.Background(), snapshotChannel)
	// Force the subscription before returning so no publishes are missed.
	if _, err := b.pubsub.Receive(context.Background()); err != nil {
		return fmt.Errorf("subscribe snapshots: %w", err)
	}

	go func() {
		for msg := range b.pubsub.Channel() {
			var envelope snapshotEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				log.Printf("hub: malformed snapshot envelope: %v", err)
				continue
			}
			deliver(envelope.PlanID, envelope.Payload)
		}
	}()
	return nil
}

func (b *RedisBroadcaster) Publish(ctx context.Context, planID string, payload []byte) error {
	data, err := json.Marshal(snapshotEnvelope{PlanID: planID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal snapshot envelope: %w", err)
	}
	if err := b.client.Publish(ctx, snapshotChannel, data).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
