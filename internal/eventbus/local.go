package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

// LocalBus is the in-process driver for single-binary deployments and tests.
// Deliveries to a subscriber whose buffer is full are dropped, matching the
// at-most-once behavior of the pub/sub drivers.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string][]*localSubscription
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[string][]*localSubscription),
	}
}

func (b *LocalBus) PublishClient(peerID core.PeerID, r rpc.Rpc) error {
	data, err := r.ToJSON()
	if err != nil {
		return err
	}
	b.publish(ClientMessages.forPeer(peerID), data)
	return nil
}

func (b *LocalBus) PublishServer(msg ServerMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	b.publish(string(ServerMessages), data)
	return nil
}

func (b *LocalBus) SubscribeClient(peerID core.PeerID) (Subscription, error) {
	return b.subscribe(ClientMessages.forPeer(peerID)), nil
}

func (b *LocalBus) SubscribeServer() (Subscription, error) {
	return b.subscribe(string(ServerMessages)), nil
}

func (b *LocalBus) publish(channel string, payload []byte) {
	b.mu.RLock()
	subs := make([]*localSubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
}

func (b *LocalBus) subscribe(channel string) *localSubscription {
	sub := &localSubscription{
		bus:     b,
		channel: channel,
		out:     make(chan Message, 256),
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	return sub
}

func (b *LocalBus) unsubscribe(sub *localSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
	}
}

type localSubscription struct {
	bus     *LocalBus
	channel string

	mu     sync.Mutex
	closed bool
	out    chan Message
}

func (s *localSubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- Message{Payload: payload}:
	default:
		log.Warn().Str("service", "eventbus").Str("channel", s.channel).Msg("subscriber buffer full, message dropped")
	}
}

func (s *localSubscription) Channel() <-chan Message {
	return s.out
}

func (s *localSubscription) Close() error {
	s.bus.unsubscribe(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}
