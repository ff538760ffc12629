// Package eventbus carries signaling between the websocket edge and the
// session core: one channel per client connection for server-to-client
// messages, one shared channel for client-to-server messages.
package eventbus

import (
	"encoding/json"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

type Channel string

const (
	ClientMessages Channel = "client_messages"
	ServerMessages Channel = "server_messages"
)

func (c Channel) forPeer(peerID core.PeerID) string {
	return string(c) + ":" + string(peerID)
}

// Message is a single bus delivery.
type Message struct {
	Payload []byte
}

type Subscription interface {
	Channel() <-chan Message
	Close() error
}

type Publisher interface {
	// PublishClient delivers an rpc to exactly one connection.
	PublishClient(peerID core.PeerID, rpc rpc.Rpc) error
	// PublishServer forwards a client's rpc to the session core.
	PublishServer(msg ServerMessage) error
}

type Subscriber interface {
	SubscribeClient(peerID core.PeerID) (Subscription, error)
	SubscribeServer() (Subscription, error)
}

type Bus interface {
	Publisher
	Subscriber
}

// ServerMessage wraps a client's raw rpc with the connection that sent it.
type ServerMessage struct {
	PeerID core.PeerID     `json:"peer_id"`
	Rpc    json.RawMessage `json:"rpc"`
}

func (m ServerMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
