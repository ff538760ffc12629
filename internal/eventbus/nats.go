package eventbus

import (
	"github.com/nats-io/nats.go"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

// NatsBus is the NATS driver, selectable with bus.driver = "nats". Same
// contract as RedisBus; channel names are used as subjects.
type NatsBus struct {
	nc *nats.Conn
}

func NewNatsBus(nc *nats.Conn) *NatsBus {
	return &NatsBus{nc: nc}
}

func (b *NatsBus) PublishClient(peerID core.PeerID, r rpc.Rpc) error {
	data, err := r.ToJSON()
	if err != nil {
		return err
	}
	return b.nc.Publish(ClientMessages.forPeer(peerID), data)
}

func (b *NatsBus) PublishServer(msg ServerMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return b.nc.Publish(string(ServerMessages), data)
}

func (b *NatsBus) SubscribeClient(peerID core.PeerID) (Subscription, error) {
	return b.subscribe(ClientMessages.forPeer(peerID))
}

func (b *NatsBus) SubscribeServer() (Subscription, error) {
	return b.subscribe(string(ServerMessages))
}

func (b *NatsBus) subscribe(subject string) (Subscription, error) {
	raw := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, err
	}

	s := &natsSubscription{
		sub:  sub,
		raw:  raw,
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	go s.pump()

	return s, nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	raw  chan *nats.Msg
	out  chan Message
	done chan struct{}
}

func (s *natsSubscription) pump() {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-s.raw:
			if !ok {
				return
			}
			s.out <- Message{Payload: msg.Data}
		case <-s.done:
			return
		}
	}
}

func (s *natsSubscription) Channel() <-chan Message {
	return s.out
}

func (s *natsSubscription) Close() error {
	err := s.sub.Unsubscribe()
	close(s.done)
	return err
}
