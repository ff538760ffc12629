package sfu

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/engine"
)

// Participant is the session-side state of one connection: at most one send
// and one recv transport plus the engine handles it owns. All methods are
// serialized on the participant mutex, which is held across engine calls so
// a close never observes a half-created handle.
type Participant struct {
	ID       core.PeerID
	room     *Room
	viewer   bool
	seq      uint64
	joinedAt time.Time

	mu            sync.Mutex
	closed        bool
	sendTransport *engine.Transport
	recvTransport *engine.Transport
	producers     map[string]engine.Producer
	consumers     map[string]engine.Consumer
}

func newParticipant(id core.PeerID, room *Room, viewer bool, seq uint64) *Participant {
	return &Participant{
		ID:        id,
		room:      room,
		viewer:    viewer,
		seq:       seq,
		joinedAt:  time.Now(),
		producers: make(map[string]engine.Producer),
		consumers: make(map[string]engine.Consumer),
	}
}

func (p *Participant) Viewer() bool {
	return p.viewer
}

// State reports "publishing" while the participant owns producers, otherwise
// "idle".
func (p *Participant) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.producers) > 0 {
		return "publishing"
	}
	return "idle"
}

// CreateTransport returns the participant's transport for the direction,
// creating it on first call. Repeated calls return the same handle.
func (p *Participant) CreateTransport(ctx context.Context, direction engine.Direction) (engine.Transport, error) {
	if direction != engine.DirectionSend && direction != engine.DirectionRecv {
		return engine.Transport{}, ErrBadDirection
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.Transport{}, ErrParticipantClosed
	}

	if direction == engine.DirectionSend && p.sendTransport != nil {
		return *p.sendTransport, nil
	}
	if direction == engine.DirectionRecv && p.recvTransport != nil {
		return *p.recvTransport, nil
	}

	transport, err := p.room.gw.CreateTransport(ctx, direction)
	if err != nil {
		return engine.Transport{}, err
	}

	if direction == engine.DirectionSend {
		p.sendTransport = &transport
	} else {
		p.recvTransport = &transport
	}

	return transport, nil
}

func (p *Participant) ConnectTransport(ctx context.Context, transportID string, negotiation json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrParticipantClosed
	}
	if !p.ownsTransportLocked(transportID) {
		return nil, ErrTransportNotFound
	}

	return p.room.gw.ConnectTransport(ctx, transportID, negotiation)
}

// Produce publishes a track on the send transport and registers it in the
// room. View-only participants are rejected.
func (p *Participant) Produce(ctx context.Context, transportID string, kind engine.MediaKind, media engine.MediaParams, appData map[string]string) (engine.Producer, error) {
	if p.viewer {
		return engine.Producer{}, ErrNotPublisher
	}
	if !kind.Valid() {
		return engine.Producer{}, ErrBadMediaKind
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.Producer{}, ErrParticipantClosed
	}
	if p.sendTransport == nil || p.sendTransport.ID != transportID {
		return engine.Producer{}, ErrTransportNotFound
	}

	producer, err := p.room.gw.Produce(ctx, transportID, kind, media)
	if err != nil {
		return engine.Producer{}, err
	}

	if err := p.room.registerProducer(ProducerDescriptor{
		ID:      producer.ID,
		Kind:    producer.Kind,
		PeerID:  p.ID,
		AppData: appData,
	}); err != nil {
		if closeErr := p.room.gw.CloseProducer(producer.ID); closeErr != nil {
			log.Error().Err(closeErr).Str("service", "sfu").Str("producerID", producer.ID).Msg("close orphaned producer")
		}
		return engine.Producer{}, err
	}

	p.producers[producer.ID] = producer

	return producer, nil
}

// Consume subscribes the recv transport to a producer registered in this
// room. The consumer starts paused.
func (p *Participant) Consume(ctx context.Context, transportID, producerID string, caps engine.Capabilities) (engine.Consumer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.Consumer{}, ErrParticipantClosed
	}
	if p.recvTransport == nil || p.recvTransport.ID != transportID {
		return engine.Consumer{}, ErrTransportNotFound
	}
	if !p.room.HasProducer(producerID) {
		return engine.Consumer{}, ErrProducerNotFound
	}

	consumer, err := p.room.gw.Consume(ctx, transportID, producerID, caps)
	if err != nil {
		return engine.Consumer{}, err
	}

	p.consumers[consumer.ID] = consumer

	return consumer, nil
}

func (p *Participant) ResumeConsumer(ctx context.Context, consumerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrParticipantClosed
	}
	if _, ok := p.consumers[consumerID]; !ok {
		return ErrConsumerNotFound
	}

	return p.room.gw.ResumeConsumer(ctx, consumerID)
}

func (p *Participant) Producers() []engine.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()

	producers := make([]engine.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}

	return producers
}

// Close releases every engine handle the participant owns. Closing a
// transport cascades to its producers and consumers inside the engine.
// Idempotent.
func (p *Participant) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for _, transport := range []*engine.Transport{p.sendTransport, p.recvTransport} {
		if transport == nil {
			continue
		}
		if err := p.room.gw.CloseTransport(transport.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.sendTransport = nil
	p.recvTransport = nil
	p.producers = make(map[string]engine.Producer)
	p.consumers = make(map[string]engine.Consumer)

	return firstErr
}

func (p *Participant) ownsTransportLocked(transportID string) bool {
	if p.sendTransport != nil && p.sendTransport.ID == transportID {
		return true
	}
	if p.recvTransport != nil && p.recvTransport.ID == transportID {
		return true
	}
	return false
}
