package service

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
	"github.com/akosykh/stagecast/internal/sfu"
	"github.com/akosykh/stagecast/internal/telemetry"
)

var (
	errNoSession   = errors.New("connection has no joined session")
	errEmptyRoomID = errors.New("empty room id")
)

// Composer is the slice of the composition supervisor the dispatcher drives:
// reconcile after producer changes, stop when the room is gone.
type Composer interface {
	Sync(room *sfu.Room)
	Stop(roomID core.RoomID)
}

// Dispatcher executes client signaling operations against the session core.
// A connection is joined to at most one room at a time; operations before
// join fail with a bad_request error event, operations after leave see their
// session gone. Failures are reported to the originating connection only and
// never touch the room.
type Dispatcher struct {
	gw       engine.Gateway
	registry *sfu.Registry
	bus      eventbus.Publisher
	composer Composer

	mu       sync.Mutex
	sessions map[core.PeerID]core.RoomID
}

func NewDispatcher(
	gw engine.Gateway,
	registry *sfu.Registry,
	bus eventbus.Publisher,
	composer Composer,
	router *eventbus.Router,
) *Dispatcher {
	d := &Dispatcher{
		gw:       gw,
		registry: registry,
		bus:      bus,
		composer: composer,
		sessions: make(map[core.PeerID]core.RoomID),
	}

	if router != nil {
		router.OnJoin(d.Join)
		router.OnCreateTransport(d.CreateTransport)
		router.OnConnectTransport(d.ConnectTransport)
		router.OnProduce(d.Produce)
		router.OnConsume(d.Consume)
		router.OnResumeConsumer(d.ResumeConsumer)
		router.OnCloseSession(d.CloseSession)
	}

	return d
}

// Join puts the connection into the room, creating it on first join. Losing
// the race against empty-room removal retries against a fresh room, so a
// join never fails just because the previous tenants left at the wrong
// moment.
func (d *Dispatcher) Join(peerID core.PeerID, params rpc.JoinParams) error {
	if err := d.join(peerID, params); err != nil {
		d.reportError(peerID, rpc.JoinMethod, err)
		return err
	}
	return nil
}

func (d *Dispatcher) join(peerID core.PeerID, params rpc.JoinParams) error {
	if params.RoomID == "" {
		return errEmptyRoomID
	}

	d.mu.Lock()
	if _, ok := d.sessions[peerID]; ok {
		d.mu.Unlock()
		return sfu.ErrDuplicateParticipant
	}
	d.mu.Unlock()

	caps, err := d.gw.Capabilities(context.Background())
	if err != nil {
		return err
	}

	roomID := core.RoomID(params.RoomID)
	for {
		room := d.registry.CreateOrGet(roomID)
		if _, err := room.Join(peerID, params.Viewer, caps); err != nil {
			if errors.Is(err, sfu.ErrRoomClosed) {
				continue
			}
			return err
		}
		break
	}

	d.mu.Lock()
	d.sessions[peerID] = roomID
	d.mu.Unlock()

	telemetry.ParticipantJoined()

	return nil
}

func (d *Dispatcher) CreateTransport(peerID core.PeerID, params rpc.CreateTransportParams) error {
	if err := d.createTransport(peerID, params); err != nil {
		d.reportError(peerID, rpc.CreateTransportMethod, err)
		return err
	}
	return nil
}

func (d *Dispatcher) createTransport(peerID core.PeerID, params rpc.CreateTransportParams) error {
	_, participant, err := d.participant(peerID)
	if err != nil {
		return err
	}

	transport, err := participant.CreateTransport(context.Background(), engine.Direction(params.Direction))
	if err != nil {
		return err
	}

	d.notify(peerID, rpc.NewTransportCreatedRpc(transport.ID, string(transport.Direction), transport.Negotiation))

	return nil
}

func (d *Dispatcher) ConnectTransport(peerID core.PeerID, params rpc.ConnectTransportParams) error {
	if err := d.connectTransport(peerID, params); err != nil {
		d.reportError(peerID, rpc.ConnectTransportMethod, err)
		return err
	}
	return nil
}

func (d *Dispatcher) connectTransport(peerID core.PeerID, params rpc.ConnectTransportParams) error {
	_, participant, err := d.participant(peerID)
	if err != nil {
		return err
	}

	answer, err := participant.ConnectTransport(context.Background(), params.TransportID, params.Negotiation)
	if err != nil {
		return err
	}

	d.notify(peerID, rpc.NewTransportConnectedRpc(params.TransportID, answer))

	return nil
}

// Produce publishes a track. The room announces new_producer to everyone
// else inside the registration critical section; here only the publisher ack
// and the composition sync remain.
func (d *Dispatcher) Produce(peerID core.PeerID, params rpc.ProduceParams) error {
	if err := d.produce(peerID, params); err != nil {
		d.reportError(peerID, rpc.ProduceMethod, err)
		return err
	}
	return nil
}

func (d *Dispatcher) produce(peerID core.PeerID, params rpc.ProduceParams) error {
	room, participant, err := d.participant(peerID)
	if err != nil {
		return err
	}

	producer, err := participant.Produce(context.Background(), params.TransportID, params.Kind, params.Media, params.AppData)
	if err != nil {
		return err
	}

	d.notify(peerID, rpc.NewProducedRpc(producer.ID))
	d.composer.Sync(room)

	return nil
}

func (d *Dispatcher) Consume(peerID core.PeerID, params rpc.ConsumeParams) error {
	if err := d.consume(peerID, params); err != nil {
		d.reportError(peerID, rpc.ConsumeMethod, err)
		return err
	}
	return nil
}

func (d *Dispatcher) consume(peerID core.PeerID, params rpc.ConsumeParams) error {
	_, participant, err := d.participant(peerID)
	if err != nil {
		return err
	}

	consumer, err := participant.Consume(context.Background(), params.TransportID, params.ProducerID, params.Capabilities)
	if err != nil {
		return err
	}

	d.notify(peerID, rpc.NewConsumedRpc(consumer))

	return nil
}

func (d *Dispatcher) ResumeConsumer(peerID core.PeerID, params rpc.ConsumerParams) error {
	if err := d.resumeConsumer(peerID, params); err != nil {
		d.reportError(peerID, rpc.ResumeConsumerMethod, err)
		return err
	}
	return nil
}

func (d *Dispatcher) resumeConsumer(peerID core.PeerID, params rpc.ConsumerParams) error {
	_, participant, err := d.participant(peerID)
	if err != nil {
		return err
	}

	if err := participant.ResumeConsumer(context.Background(), params.ConsumerID); err != nil {
		return err
	}

	d.notify(peerID, rpc.NewConsumerResumedRpc(params.ConsumerID))

	return nil
}

// CloseSession removes the connection's participant. Removal is fully
// applied before anyone hears about it: the room broadcasts peer_left after
// the cascade, and the composition supervisor reconciles afterwards. A
// connection that never joined is a silent no-op, sockets die like that all
// the time.
func (d *Dispatcher) CloseSession(peerID core.PeerID) error {
	d.mu.Lock()
	roomID, ok := d.sessions[peerID]
	delete(d.sessions, peerID)
	d.mu.Unlock()

	if !ok {
		return nil
	}

	room, ok := d.registry.Get(roomID)
	if !ok {
		return nil
	}

	empty, err := room.Leave(peerID)
	if err != nil {
		if errors.Is(err, sfu.ErrParticipantNotFound) {
			return nil
		}
		d.reportError(peerID, rpc.CloseSessionMethod, err)
		return err
	}

	telemetry.ParticipantLeft()

	if empty && d.registry.RemoveIfEmpty(roomID) {
		d.composer.Stop(roomID)
		return nil
	}

	d.composer.Sync(room)

	return nil
}

// participant resolves the connection's room and participant. Every
// operation except join and close starts here.
func (d *Dispatcher) participant(peerID core.PeerID) (*sfu.Room, *sfu.Participant, error) {
	d.mu.Lock()
	roomID, ok := d.sessions[peerID]
	d.mu.Unlock()
	if !ok {
		return nil, nil, errNoSession
	}

	room, ok := d.registry.Get(roomID)
	if !ok {
		return nil, nil, sfu.ErrRoomNotFound
	}
	participant, ok := room.Participant(peerID)
	if !ok {
		return nil, nil, sfu.ErrParticipantNotFound
	}

	return room, participant, nil
}

func (d *Dispatcher) notify(peerID core.PeerID, msg rpc.Rpc) {
	if err := d.bus.PublishClient(peerID, msg); err != nil {
		log.Error().
			Err(err).
			Str("service", "dispatcher").
			Str("peerID", peerID.String()).
			Str("rpcMethod", string(msg.GetMethod())).
			Msg("publish client message")
	}
}

func (d *Dispatcher) reportError(peerID core.PeerID, method rpc.Method, err error) {
	code := errorCode(err)
	telemetry.ServiceOperationCounter.WithLabelValues(string(method), "error", string(code)).Inc()

	d.notify(peerID, rpc.NewErrorRpc(code, err.Error(), method))
}

// errorCode maps session and engine sentinels onto wire error codes.
func errorCode(err error) rpc.ErrorCode {
	switch {
	case errors.Is(err, sfu.ErrRoomNotFound),
		errors.Is(err, sfu.ErrParticipantNotFound),
		errors.Is(err, sfu.ErrTransportNotFound),
		errors.Is(err, sfu.ErrProducerNotFound),
		errors.Is(err, sfu.ErrConsumerNotFound),
		errors.Is(err, engine.ErrTransportNotFound),
		errors.Is(err, engine.ErrProducerNotFound),
		errors.Is(err, engine.ErrConsumerNotFound):
		return rpc.ErrCodeNotFound
	case errors.Is(err, sfu.ErrDuplicateParticipant):
		return rpc.ErrCodeDuplicateParticipant
	case errors.Is(err, engine.ErrCapabilityMismatch):
		return rpc.ErrCodeCapabilityMismatch
	case errors.Is(err, errNoSession),
		errors.Is(err, errEmptyRoomID),
		errors.Is(err, sfu.ErrNotPublisher),
		errors.Is(err, sfu.ErrBadDirection),
		errors.Is(err, sfu.ErrBadMediaKind),
		errors.Is(err, sfu.ErrRoomClosed),
		errors.Is(err, sfu.ErrParticipantClosed):
		return rpc.ErrCodeBadRequest
	default:
		return rpc.ErrCodeInternal
	}
}
