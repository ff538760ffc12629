// Package rpc defines the JSON-RPC 2.0 envelopes exchanged over the signaling
// channel: client-to-server operations and server-to-client notifications.
package rpc

import (
	"encoding/json"
	"errors"
	"io"
)

const jsonRpcVersion = "2.0"

type Method string

// Client to server.
const (
	JoinMethod             Method = "join"
	CreateTransportMethod  Method = "create_transport"
	ConnectTransportMethod Method = "connect_transport"
	ProduceMethod          Method = "produce"
	ConsumeMethod          Method = "consume"
	ResumeConsumerMethod   Method = "resume_consumer"
	CloseSessionMethod     Method = "close_session"
)

// Server to client.
const (
	JoinedMethod             Method = "joined"
	ExistingPeersMethod      Method = "existing_peers"
	ExistingProducersMethod  Method = "existing_producers"
	PeerJoinedMethod         Method = "peer_joined"
	PeerLeftMethod           Method = "peer_left"
	NewProducerMethod        Method = "new_producer"
	TransportCreatedMethod   Method = "transport_created"
	TransportConnectedMethod Method = "transport_connected"
	ProducedMethod           Method = "produced"
	ConsumedMethod           Method = "consumed"
	ConsumerResumedMethod    Method = "consumer_resumed"
	CompositionReadyMethod   Method = "composition_ready"
	CompositionFailedMethod  Method = "composition_failed"
	ErrorMethod              Method = "error"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

func newHead(method Method) jsonRpcHead {
	return jsonRpcHead{Version: jsonRpcVersion, Method: method}
}

// RpcFromReader decodes one envelope into its typed message.
func RpcFromReader(reader io.Reader) (Rpc, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	head := &jsonRpcHead{}
	if err := json.Unmarshal(data, head); err != nil {
		return nil, err
	}

	var msg Rpc
	switch head.Method {
	case JoinMethod:
		msg = &JoinRpc{}
	case CreateTransportMethod:
		msg = &CreateTransportRpc{}
	case ConnectTransportMethod:
		msg = &ConnectTransportRpc{}
	case ProduceMethod:
		msg = &ProduceRpc{}
	case ConsumeMethod:
		msg = &ConsumeRpc{}
	case ResumeConsumerMethod:
		msg = &ResumeConsumerRpc{}
	case CloseSessionMethod:
		msg = &CloseSessionRpc{}
	case JoinedMethod:
		msg = &JoinedRpc{}
	case ExistingPeersMethod:
		msg = &ExistingPeersRpc{}
	case ExistingProducersMethod:
		msg = &ExistingProducersRpc{}
	case PeerJoinedMethod:
		msg = &PeerJoinedRpc{}
	case PeerLeftMethod:
		msg = &PeerLeftRpc{}
	case NewProducerMethod:
		msg = &NewProducerRpc{}
	case TransportCreatedMethod:
		msg = &TransportCreatedRpc{}
	case TransportConnectedMethod:
		msg = &TransportConnectedRpc{}
	case ProducedMethod:
		msg = &ProducedRpc{}
	case ConsumedMethod:
		msg = &ConsumedRpc{}
	case ConsumerResumedMethod:
		msg = &ConsumerResumedRpc{}
	case CompositionReadyMethod:
		msg = &CompositionReadyRpc{}
	case CompositionFailedMethod:
		msg = &CompositionFailedRpc{}
	case ErrorMethod:
		msg = &ErrorRpc{}
	default:
		return nil, ErrUnknownRpcType
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}

	return msg, nil
}
