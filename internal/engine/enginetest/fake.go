// Package enginetest provides an in-memory engine.Gateway for tests of the
// session core and the composition supervisor.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/akosykh/stagecast/internal/engine"
)

// Gateway implements engine.Gateway entirely in memory. Every mutating call
// is recorded so tests can assert on handle lifecycles and keyframe traffic.
type Gateway struct {
	mu sync.Mutex

	caps engine.Capabilities

	transports map[string]engine.Transport
	producers  map[string]engine.Producer
	consumers  map[string]engine.Consumer
	paused     map[string]bool
	connects   map[string]json.RawMessage

	keyframes []string

	closedTransports map[string]int
	closedProducers  map[string]int
	closedConsumers  map[string]int

	nextTransport int
	nextProducer  int
	nextConsumer  int

	// Error injection. When set, the corresponding call fails.
	CreateTransportErr error
	ConnectErr         error
	ProduceErr         error
	ConsumeErr         error
	ResumeErr          error
	KeyframeErr        error

	// Answer returned by ConnectTransport.
	Answer json.RawMessage
}

func New() *Gateway {
	return &Gateway{
		caps: engine.Capabilities{
			Codecs: []engine.CodecCapability{
				{Kind: engine.MediaAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 1, PayloadType: 111},
				{Kind: engine.MediaVideo, MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
			},
		},
		transports:       make(map[string]engine.Transport),
		producers:        make(map[string]engine.Producer),
		consumers:        make(map[string]engine.Consumer),
		paused:           make(map[string]bool),
		connects:         make(map[string]json.RawMessage),
		closedTransports: make(map[string]int),
		closedProducers:  make(map[string]int),
		closedConsumers:  make(map[string]int),
	}
}

func (g *Gateway) Capabilities(_ context.Context) (engine.Capabilities, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.caps, nil
}

func (g *Gateway) CreateTransport(_ context.Context, direction engine.Direction) (engine.Transport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateTransportErr != nil {
		return engine.Transport{}, g.CreateTransportErr
	}
	g.nextTransport++
	t := engine.Transport{
		ID:          fmt.Sprintf("t%d", g.nextTransport),
		Direction:   direction,
		Negotiation: json.RawMessage(`{"offer":"fake"}`),
	}
	g.transports[t.ID] = t
	return t, nil
}

func (g *Gateway) ConnectTransport(_ context.Context, transportID string, negotiation json.RawMessage) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ConnectErr != nil {
		return nil, g.ConnectErr
	}
	if _, ok := g.transports[transportID]; !ok {
		return nil, engine.ErrTransportNotFound
	}
	g.connects[transportID] = append(json.RawMessage(nil), negotiation...)
	return g.Answer, nil
}

func (g *Gateway) Produce(_ context.Context, transportID string, kind engine.MediaKind, _ engine.MediaParams) (engine.Producer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ProduceErr != nil {
		return engine.Producer{}, g.ProduceErr
	}
	if _, ok := g.transports[transportID]; !ok {
		return engine.Producer{}, engine.ErrTransportNotFound
	}
	g.nextProducer++
	p := engine.Producer{ID: fmt.Sprintf("p%d", g.nextProducer), Kind: kind}
	g.producers[p.ID] = p
	return p, nil
}

func (g *Gateway) Consume(_ context.Context, transportID, producerID string, caps engine.Capabilities) (engine.Consumer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ConsumeErr != nil {
		return engine.Consumer{}, g.ConsumeErr
	}
	if _, ok := g.transports[transportID]; !ok {
		return engine.Consumer{}, engine.ErrTransportNotFound
	}
	p, ok := g.producers[producerID]
	if !ok {
		return engine.Consumer{}, engine.ErrProducerNotFound
	}
	media := engine.MediaParams{MimeType: "audio/opus", ClockRate: 48000, Channels: 1, PayloadType: 111}
	if p.Kind == engine.MediaVideo {
		media = engine.MediaParams{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96}
	}
	if len(caps.Codecs) > 0 && !caps.Supports(media.MimeType) {
		return engine.Consumer{}, engine.ErrCapabilityMismatch
	}
	g.nextConsumer++
	c := engine.Consumer{
		ID:         fmt.Sprintf("c%d", g.nextConsumer),
		ProducerID: producerID,
		Kind:       p.Kind,
		Media:      media,
	}
	g.consumers[c.ID] = c
	g.paused[c.ID] = true
	return c, nil
}

func (g *Gateway) ResumeConsumer(_ context.Context, consumerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ResumeErr != nil {
		return g.ResumeErr
	}
	if _, ok := g.consumers[consumerID]; !ok {
		return engine.ErrConsumerNotFound
	}
	g.paused[consumerID] = false
	return nil
}

func (g *Gateway) RequestKeyframe(_ context.Context, consumerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.KeyframeErr != nil {
		return g.KeyframeErr
	}
	if _, ok := g.consumers[consumerID]; !ok {
		return engine.ErrConsumerNotFound
	}
	g.keyframes = append(g.keyframes, consumerID)
	return nil
}

func (g *Gateway) CloseTransport(transportID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closedTransports[transportID]++
	delete(g.transports, transportID)
	return nil
}

func (g *Gateway) CloseProducer(producerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closedProducers[producerID]++
	delete(g.producers, producerID)
	return nil
}

func (g *Gateway) CloseConsumer(consumerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closedConsumers[consumerID]++
	delete(g.consumers, consumerID)
	delete(g.paused, consumerID)
	return nil
}

// Inspection helpers.

func (g *Gateway) OpenTransports() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transports)
}

func (g *Gateway) OpenProducers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.producers)
}

func (g *Gateway) OpenConsumers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.consumers)
}

func (g *Gateway) Paused(consumerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused[consumerID]
}

// KeyframeRequests returns consumer ids in request order.
func (g *Gateway) KeyframeRequests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.keyframes))
	copy(out, g.keyframes)
	return out
}

// ConnectedBlob returns the last negotiation blob fed to the transport.
func (g *Gateway) ConnectedBlob(transportID string) json.RawMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects[transportID]
}

func (g *Gateway) TransportCloses(transportID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closedTransports[transportID]
}
