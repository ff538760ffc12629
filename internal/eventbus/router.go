package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

var (
	errConvertRpc      = errors.New("can't convert rpc to typed message")
	errUndefinedMethod = errors.New("undefined method")
	errNoCallback      = errors.New("no callback registered")
)

// Router subscribes to the server channel and dispatches client operations
// to the registered callbacks. Callback errors are logged here; reporting
// them back to the originating connection is the callback's job.
type Router struct {
	subscriber   Subscriber
	subscription Subscription
	done         chan struct{}

	onJoin             func(core.PeerID, rpc.JoinParams) error
	onCreateTransport  func(core.PeerID, rpc.CreateTransportParams) error
	onConnectTransport func(core.PeerID, rpc.ConnectTransportParams) error
	onProduce          func(core.PeerID, rpc.ProduceParams) error
	onConsume          func(core.PeerID, rpc.ConsumeParams) error
	onResumeConsumer   func(core.PeerID, rpc.ConsumerParams) error
	onCloseSession     func(core.PeerID) error
}

func NewRouter(sub Subscriber) (*Router, error) {
	router := &Router{
		subscriber: sub,
	}
	subscription, err := router.subscriber.SubscribeServer()
	if err != nil {
		return nil, err
	}
	router.subscription = subscription

	return router, nil
}

// Start launches the dispatch loop. The returned channel closes once the
// loop is consuming messages.
func (router *Router) Start() <-chan struct{} {
	log.Debug().Str("service", "router").Msg("start")

	started := make(chan struct{})
	router.done = make(chan struct{})

	go func() {
		defer close(router.done)
		close(started)

		for msg := range router.subscription.Channel() {
			peerID, r, err := parseServerMessage(msg.Payload)
			if err != nil {
				log.Error().Err(err).Str("service", "router").Msg("malformed server message")
				continue
			}
			router.dispatch(peerID, r)
		}
	}()

	return started
}

// Stop closes the subscription and returns a channel that closes when the
// dispatch loop has drained.
func (router *Router) Stop() <-chan struct{} {
	if err := router.subscription.Close(); err != nil {
		log.Error().Err(err).Str("service", "router").Msg("close subscription")
	}
	return router.done
}

func (router *Router) dispatch(peerID core.PeerID, r rpc.Rpc) {
	var err error

	switch r.GetMethod() {
	case rpc.JoinMethod:
		msg, ok := r.(*rpc.JoinRpc)
		if !ok {
			err = errConvertRpc
			break
		}
		err = router.callback(router.onJoin != nil, func() error { return router.onJoin(peerID, msg.Params) })
	case rpc.CreateTransportMethod:
		msg, ok := r.(*rpc.CreateTransportRpc)
		if !ok {
			err = errConvertRpc
			break
		}
		err = router.callback(router.onCreateTransport != nil, func() error { return router.onCreateTransport(peerID, msg.Params) })
	case rpc.ConnectTransportMethod:
		msg, ok := r.(*rpc.ConnectTransportRpc)
		if !ok {
			err = errConvertRpc
			break
		}
		err = router.callback(router.onConnectTransport != nil, func() error { return router.onConnectTransport(peerID, msg.Params) })
	case rpc.ProduceMethod:
		msg, ok := r.(*rpc.ProduceRpc)
		if !ok {
			err = errConvertRpc
			break
		}
		err = router.callback(router.onProduce != nil, func() error { return router.onProduce(peerID, msg.Params) })
	case rpc.ConsumeMethod:
		msg, ok := r.(*rpc.ConsumeRpc)
		if !ok {
			err = errConvertRpc
			break
		}
		err = router.callback(router.onConsume != nil, func() error { return router.onConsume(peerID, msg.Params) })
	case rpc.ResumeConsumerMethod:
		msg, ok := r.(*rpc.ResumeConsumerRpc)
		if !ok {
			err = errConvertRpc
			break
		}
		err = router.callback(router.onResumeConsumer != nil, func() error { return router.onResumeConsumer(peerID, msg.Params) })
	case rpc.CloseSessionMethod:
		err = router.callback(router.onCloseSession != nil, func() error { return router.onCloseSession(peerID) })
	default:
		err = errUndefinedMethod
	}

	if err != nil {
		log.Error().
			Err(err).
			Str("service", "router").
			Str("rpcMethod", string(r.GetMethod())).
			Str("peerID", string(peerID)).
			Msg("dispatch")
	}
}

func (router *Router) callback(registered bool, fn func() error) error {
	if !registered {
		return errNoCallback
	}
	return fn()
}

func parseServerMessage(payload []byte) (core.PeerID, rpc.Rpc, error) {
	msg := &ServerMessage{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return "", nil, err
	}
	if msg.PeerID == "" {
		return "", nil, errors.New("server message without peer id")
	}

	r, err := rpc.RpcFromReader(bytes.NewReader(msg.Rpc))
	if err != nil {
		return "", nil, err
	}

	return msg.PeerID, r, nil
}

func (router *Router) OnJoin(callback func(core.PeerID, rpc.JoinParams) error) {
	router.onJoin = callback
}

func (router *Router) OnCreateTransport(callback func(core.PeerID, rpc.CreateTransportParams) error) {
	router.onCreateTransport = callback
}

func (router *Router) OnConnectTransport(callback func(core.PeerID, rpc.ConnectTransportParams) error) {
	router.onConnectTransport = callback
}

func (router *Router) OnProduce(callback func(core.PeerID, rpc.ProduceParams) error) {
	router.onProduce = callback
}

func (router *Router) OnConsume(callback func(core.PeerID, rpc.ConsumeParams) error) {
	router.onConsume = callback
}

func (router *Router) OnResumeConsumer(callback func(core.PeerID, rpc.ConsumerParams) error) {
	router.onResumeConsumer = callback
}

func (router *Router) OnCloseSession(callback func(core.PeerID) error) {
	router.onCloseSession = callback
}
