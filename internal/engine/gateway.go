// Package engine defines the capability contract between the session core
// and the media relay engine. Everything above this package treats transports,
// producers and consumers as opaque handles; everything below it owns
// negotiation, encryption and packet forwarding.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrTransportNotFound  = errors.New("transport not found")
	ErrProducerNotFound   = errors.New("producer not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrCapabilityMismatch = errors.New("capability mismatch")
)

type Direction string

const (
	// DirectionSend accepts media published by a client.
	DirectionSend Direction = "send"
	// DirectionRecv delivers consumed media back to a client.
	DirectionRecv Direction = "recv"
	// DirectionRelay egresses plain RTP toward a local address, one media
	// kind per transport. Used for composition taps.
	DirectionRelay Direction = "relay"
)

// Gateway is the engine boundary. Handle-returning calls may suspend the
// calling goroutine while the engine negotiates; all Close calls are
// idempotent and never fail on repeat. Closing a transport cascades to every
// producer and consumer living on it.
type Gateway interface {
	Capabilities(ctx context.Context) (Capabilities, error)

	CreateTransport(ctx context.Context, direction Direction) (Transport, error)
	// ConnectTransport feeds the remote negotiation blob to the transport and
	// returns the engine's answer parameters. The answer is empty for engines
	// that pre-share everything in the transport handle.
	ConnectTransport(ctx context.Context, transportID string, negotiation json.RawMessage) (json.RawMessage, error)

	Produce(ctx context.Context, transportID string, kind MediaKind, media MediaParams) (Producer, error)
	// Consume binds a producer's media to the given transport. The consumer
	// starts paused and delivers nothing until ResumeConsumer. The requested
	// capabilities must cover the producer's codec, otherwise
	// ErrCapabilityMismatch.
	Consume(ctx context.Context, transportID, producerID string, caps Capabilities) (Consumer, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	// RequestKeyframe asks the producer feeding the consumer for an
	// immediate intra frame.
	RequestKeyframe(ctx context.Context, consumerID string) error

	CloseTransport(transportID string) error
	CloseProducer(producerID string) error
	CloseConsumer(consumerID string) error
}

// Transport is an opaque engine transport handle.
type Transport struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	// Negotiation carries the engine's offer-side parameters: an SDP blob
	// for negotiated engines, ICE/DTLS parameters for engines that publish
	// them up front.
	Negotiation json.RawMessage `json:"negotiation,omitempty"`
}

type Producer struct {
	ID   string    `json:"id"`
	Kind MediaKind `json:"kind"`
}

type Consumer struct {
	ID         string      `json:"id"`
	ProducerID string      `json:"producer_id"`
	Kind       MediaKind   `json:"kind"`
	Media      MediaParams `json:"media"`
	// Negotiation is the refreshed transport offer when adding the consumer
	// changed the transport's negotiated state. Empty otherwise.
	Negotiation json.RawMessage `json:"negotiation,omitempty"`
}
