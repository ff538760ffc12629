// Package rtc implements the media engine on pion/webrtc: send and recv
// transports are PeerConnections, relay transports are UDP sockets feeding
// a local transcoder, and producers fan RTP out to attached consumers.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/pion/webrtc/v3"
)

var errWrongDirection = errors.New("operation not supported by transport direction")

// transport is what the gateway tracks per transport id. Send and recv
// transports are webrtcTransport, relay transports are relayTransport.
type transport interface {
	Direction() engine.Direction
	Connect(ctx context.Context, negotiation json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Gateway is the pion-backed media engine. All handle maps live behind one
// mutex; packet forwarding never takes it.
type Gateway struct {
	enabledCodecs []config.CodecSpec
	conf          *config.WebRTCConfig
	caps          engine.Capabilities

	mu         sync.Mutex
	transports map[string]transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

func NewGateway(enabledCodecs []config.CodecSpec, conf *config.WebRTCConfig) *Gateway {
	return &Gateway{
		enabledCodecs: enabledCodecs,
		conf:          conf,
		caps:          capabilitiesFor(enabledCodecs),
		transports:    make(map[string]transport),
		producers:     make(map[string]*producer),
		consumers:     make(map[string]*consumer),
	}
}

func (g *Gateway) Capabilities(_ context.Context) (engine.Capabilities, error) {
	return g.caps, nil
}

func (g *Gateway) CreateTransport(_ context.Context, direction engine.Direction) (engine.Transport, error) {
	id := uuid.NewString()

	var t transport
	switch direction {
	case engine.DirectionSend, engine.DirectionRecv:
		wt, err := newWebrtcTransport(id, direction, g.enabledCodecs, g.conf)
		if err != nil {
			return engine.Transport{}, err
		}
		t = wt
	case engine.DirectionRelay:
		t = newRelayTransport(id)
	default:
		return engine.Transport{}, fmt.Errorf("unknown transport direction %q", direction)
	}

	g.mu.Lock()
	g.transports[id] = t
	g.mu.Unlock()

	log.Debug().Str("service", "rtc").Str("transport", id).Str("direction", string(direction)).Msg("transport created")

	return engine.Transport{ID: id, Direction: direction}, nil
}

func (g *Gateway) ConnectTransport(ctx context.Context, transportID string, negotiation json.RawMessage) (json.RawMessage, error) {
	t, err := g.transport(transportID)
	if err != nil {
		return nil, err
	}

	return t.Connect(ctx, negotiation)
}

// Produce claims the next incoming track of the wanted kind on a send
// transport and starts its fan-out. Blocks until the remote side actually
// delivers the track or ctx expires.
func (g *Gateway) Produce(ctx context.Context, transportID string, kind engine.MediaKind, media engine.MediaParams) (engine.Producer, error) {
	t, err := g.transport(transportID)
	if err != nil {
		return engine.Producer{}, err
	}

	wt, ok := t.(*webrtcTransport)
	if !ok || wt.direction != engine.DirectionSend {
		return engine.Producer{}, fmt.Errorf("produce on %s transport: %w", t.Direction(), errWrongDirection)
	}

	remote, err := wt.awaitTrack(ctx, kind)
	if err != nil {
		return engine.Producer{}, fmt.Errorf("waiting for %s track: %w", kind, err)
	}

	p := newProducer(uuid.NewString(), kind, media, wt, remote)

	g.mu.Lock()
	g.producers[p.id] = p
	g.mu.Unlock()

	log.Debug().
		Str("service", "rtc").
		Str("transport", transportID).
		Str("producer", p.id).
		Str("kind", string(kind)).
		Msg("producer bound")

	return engine.Producer{ID: p.id, Kind: kind}, nil
}

func (g *Gateway) Consume(ctx context.Context, transportID, producerID string, caps engine.Capabilities) (engine.Consumer, error) {
	t, err := g.transport(transportID)
	if err != nil {
		return engine.Consumer{}, err
	}

	g.mu.Lock()
	p, ok := g.producers[producerID]
	g.mu.Unlock()
	if !ok {
		return engine.Consumer{}, engine.ErrProducerNotFound
	}

	if !caps.Supports(p.media.MimeType) {
		return engine.Consumer{}, fmt.Errorf("%s: %w", p.media.MimeType, engine.ErrCapabilityMismatch)
	}

	c := &consumer{
		id:          uuid.NewString(),
		transportID: transportID,
		producerID:  producerID,
		kind:        p.kind,
		media:       p.media,
	}

	var negotiation json.RawMessage

	switch dest := t.(type) {
	case *webrtcTransport:
		if dest.direction != engine.DirectionRecv {
			return engine.Consumer{}, fmt.Errorf("consume on %s transport: %w", dest.direction, errWrongDirection)
		}

		track, sender, err := dest.addTrack(webrtc.RTPCodecCapability{
			MimeType:  p.media.MimeType,
			ClockRate: p.media.ClockRate,
			Channels:  p.media.Channels,
		}, consumerTrackID(p.media, c.id), consumerStreamID(p.media, producerID))
		if err != nil {
			return engine.Consumer{}, err
		}

		negotiation, err = dest.offer(ctx)
		if err != nil {
			if removeErr := dest.removeTrack(sender); removeErr != nil {
				log.Error().Err(removeErr).Str("service", "rtc").Str("transport", transportID).Msg("orphaned consumer track removal failed")
			}
			return engine.Consumer{}, err
		}

		c.sink = &trackSink{track: track, sender: sender, transport: dest}
	case *relayTransport:
		c.sink = &relaySink{payloadType: p.media.PayloadType, relay: dest}
	default:
		return engine.Consumer{}, fmt.Errorf("consume on %s transport: %w", t.Direction(), errWrongDirection)
	}

	g.mu.Lock()
	g.consumers[c.id] = c
	g.mu.Unlock()

	p.attach(c)

	log.Debug().
		Str("service", "rtc").
		Str("transport", transportID).
		Str("producer", producerID).
		Str("consumer", c.id).
		Msg("consumer created paused")

	return engine.Consumer{
		ID:          c.id,
		ProducerID:  producerID,
		Kind:        c.kind,
		Media:       c.media,
		Negotiation: negotiation,
	}, nil
}

func (g *Gateway) ResumeConsumer(_ context.Context, consumerID string) error {
	c, err := g.consumer(consumerID)
	if err != nil {
		return err
	}

	c.resume()

	log.Debug().Str("service", "rtc").Str("consumer", consumerID).Msg("consumer resumed")

	return nil
}

func (g *Gateway) RequestKeyframe(_ context.Context, consumerID string) error {
	c, err := g.consumer(consumerID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	p, ok := g.producers[c.producerID]
	g.mu.Unlock()
	if !ok {
		return engine.ErrProducerNotFound
	}

	return p.requestKeyframe()
}

// CloseTransport tears down the transport and everything living on it:
// producers it originated and consumers it delivers. Absent ids are a no-op.
func (g *Gateway) CloseTransport(transportID string) error {
	g.mu.Lock()
	t, ok := g.transports[transportID]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.transports, transportID)

	var producers []*producer
	for id, p := range g.producers {
		if p.origin.id == transportID {
			producers = append(producers, p)
			delete(g.producers, id)
		}
	}

	type attachedConsumer struct {
		c    *consumer
		from *producer
	}
	var consumers []attachedConsumer
	for id, c := range g.consumers {
		if c.transportID == transportID {
			consumers = append(consumers, attachedConsumer{c: c, from: g.producers[c.producerID]})
			delete(g.consumers, id)
		}
	}
	g.mu.Unlock()

	for _, ac := range consumers {
		if ac.from != nil {
			ac.from.detach(ac.c.id)
		}
		if err := ac.c.close(); err != nil {
			log.Debug().Err(err).Str("service", "rtc").Str("consumer", ac.c.id).Msg("consumer close failed")
		}
	}

	for _, p := range producers {
		p.close()
	}

	err := t.Close()

	log.Debug().Str("service", "rtc").Str("transport", transportID).Msg("transport closed")

	return err
}

func (g *Gateway) CloseProducer(producerID string) error {
	g.mu.Lock()
	p, ok := g.producers[producerID]
	if ok {
		delete(g.producers, producerID)
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}

	p.close()

	log.Debug().Str("service", "rtc").Str("producer", producerID).Msg("producer closed")

	return nil
}

func (g *Gateway) CloseConsumer(consumerID string) error {
	g.mu.Lock()
	c, ok := g.consumers[consumerID]
	var from *producer
	if ok {
		delete(g.consumers, consumerID)
		from = g.producers[c.producerID]
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}

	if from != nil {
		from.detach(c.id)
	}

	return c.close()
}

// Close tears down every remaining transport. Used on shutdown after the
// session core has already cascaded; anything still here is a straggler.
func (g *Gateway) Close() error {
	g.mu.Lock()
	ids := make([]string, 0, len(g.transports))
	for id := range g.transports {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := g.CloseTransport(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (g *Gateway) transport(id string) (transport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.transports[id]
	if !ok {
		return nil, engine.ErrTransportNotFound
	}

	return t, nil
}

func (g *Gateway) consumer(id string) (*consumer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.consumers[id]
	if !ok {
		return nil, engine.ErrConsumerNotFound
	}

	return c, nil
}

func consumerTrackID(media engine.MediaParams, consumerID string) string {
	if media.TrackID != "" {
		return media.TrackID
	}
	return consumerID
}

func consumerStreamID(media engine.MediaParams, producerID string) string {
	if media.StreamID != "" {
		return media.StreamID
	}
	return producerID
}
