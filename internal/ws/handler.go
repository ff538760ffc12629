package ws

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
	"github.com/akosykh/stagecast/internal/telemetry"
)

const (
	wsPeerIDSessionKey       = "peerId"
	wsSubscriptionSessionKey = "subscription"
)

// UpgradeHandler mints a peer id for the connection, subscribes its
// signaling channel and upgrades the request to a websocket. The peer id
// lives exactly as long as the socket.
func UpgradeHandler(subscriber eventbus.Subscriber, websocket *melody.Melody) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID := core.PeerID(uuid.NewString())

		subscription, err := subscriber.SubscribeClient(peerID)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("subscribe signaling channel")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		sessKeys := make(map[string]interface{})
		sessKeys[wsPeerIDSessionKey] = peerID
		sessKeys[wsSubscriptionSessionKey] = subscription

		if err := websocket.HandleRequestWithKeys(w, r, sessKeys); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("upgrade request")
			if err := subscription.Close(); err != nil {
				log.Error().Err(err).Str("service", "ws").Msg("close subscription")
			}
		}
	}
}

// ConnectHandler pumps bus deliveries into the socket until the
// subscription closes.
func ConnectHandler() func(*melody.Session) {
	return func(session *melody.Session) {
		subscription, err := sessionSubscription(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("extract subscription")
			closeSession(session)
			return
		}

		telemetry.SessionStarted()

		go func() {
			for msg := range subscription.Channel() {
				if err := session.Write(msg.Payload); err != nil {
					// session already closed
					return
				}
			}
		}()
	}
}

// DisconnectHandler tears the subscription down and tells the session
// core the peer is gone.
func DisconnectHandler(publisher eventbus.Publisher) func(*melody.Session) {
	return func(session *melody.Session) {
		subscription, err := sessionSubscription(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("extract subscription")
			return
		}

		telemetry.SessionStopped()

		if err := subscription.Close(); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("close subscription")
		}

		peerID, err := sessionPeerID(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("extract peer id")
			return
		}

		closeRpc, err := rpc.NewCloseSessionRpc().ToJSON()
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("marshal close session rpc")
			return
		}
		if err := publisher.PublishServer(eventbus.ServerMessage{PeerID: peerID, Rpc: closeRpc}); err != nil {
			log.Error().Err(err).Str("service", "ws").Str("peer", string(peerID)).Msg("publish close session")
		}
	}
}

// MessageHandler validates the envelope and forwards it to the session
// core. Malformed frames are dropped without closing the socket.
func MessageHandler(publisher eventbus.Publisher) func(*melody.Session, []byte) {
	return func(session *melody.Session, msg []byte) {
		peerID, err := sessionPeerID(session)
		if err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("extract peer id")
			return
		}

		if _, err := rpc.RpcFromReader(bytes.NewReader(msg)); err != nil {
			log.Warn().Err(err).Str("service", "ws").Str("peer", string(peerID)).Msg("drop malformed rpc")
			return
		}

		if err := publisher.PublishServer(eventbus.ServerMessage{PeerID: peerID, Rpc: msg}); err != nil {
			log.Error().Err(err).Str("service", "ws").Str("peer", string(peerID)).Msg("publish rpc")
		}
	}
}

func sessionSubscription(s *melody.Session) (eventbus.Subscription, error) {
	value, ok := s.Keys[wsSubscriptionSessionKey]
	if !ok {
		return nil, fmt.Errorf("no subscription for session")
	}
	subscription, ok := value.(eventbus.Subscription)
	if !ok {
		return nil, fmt.Errorf("unexpected subscription type %T", value)
	}
	return subscription, nil
}

func sessionPeerID(s *melody.Session) (core.PeerID, error) {
	value, ok := s.Keys[wsPeerIDSessionKey]
	if !ok {
		return "", fmt.Errorf("no peer id for session")
	}
	peerID, ok := value.(core.PeerID)
	if !ok {
		return "", fmt.Errorf("unexpected peer id type %T", value)
	}
	return peerID, nil
}

func closeSession(s *melody.Session) {
	if err := s.Close(); err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("close session")
	}
}
