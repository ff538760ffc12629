package eventbus

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

// RedisBus is the redis pub/sub driver. It is the production default: edge
// nodes and core nodes may live in different processes.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) PublishClient(peerID core.PeerID, r rpc.Rpc) error {
	data, err := r.ToJSON()
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), ClientMessages.forPeer(peerID), data).Err()
}

func (b *RedisBus) PublishServer(msg ServerMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), string(ServerMessages), data).Err()
}

func (b *RedisBus) SubscribeClient(peerID core.PeerID) (Subscription, error) {
	return b.subscribe(ClientMessages.forPeer(peerID))
}

func (b *RedisBus) SubscribeServer() (Subscription, error) {
	return b.subscribe(string(ServerMessages))
}

func (b *RedisBus) subscribe(channel string) (Subscription, error) {
	ctx := context.Background()
	pubsub := b.rdb.Subscribe(ctx, channel)
	// Wait until the subscription is really created.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 256),
	}
	go sub.pump()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Channel() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
