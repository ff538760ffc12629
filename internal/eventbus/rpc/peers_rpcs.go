package rpc

import (
	"encoding/json"

	"github.com/akosykh/stagecast/internal/engine"
)

// ProducerInfo is the wire form of a registered producer.
type ProducerInfo struct {
	ID     string           `json:"id"`
	PeerID string           `json:"peer_id"`
	Kind   engine.MediaKind `json:"kind"`
}

type ExistingPeersParams struct {
	Peers []string `json:"peers"`
}

// ExistingPeersRpc is the first snapshot event a joiner receives.
type ExistingPeersRpc struct {
	jsonRpcHead
	Params ExistingPeersParams `json:"params"`
}

func NewExistingPeersRpc(peers []string) *ExistingPeersRpc {
	return &ExistingPeersRpc{
		jsonRpcHead: newHead(ExistingPeersMethod),
		Params:      ExistingPeersParams{Peers: peers},
	}
}

func (r ExistingPeersRpc) GetMethod() Method {
	return r.Method
}

func (r ExistingPeersRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ExistingProducersParams struct {
	Producers []ProducerInfo `json:"producers"`
}

// ExistingProducersRpc completes the join snapshot. Producers registered
// after the snapshot arrive as NewProducerRpc, never both.
type ExistingProducersRpc struct {
	jsonRpcHead
	Params ExistingProducersParams `json:"params"`
}

func NewExistingProducersRpc(producers []ProducerInfo) *ExistingProducersRpc {
	return &ExistingProducersRpc{
		jsonRpcHead: newHead(ExistingProducersMethod),
		Params:      ExistingProducersParams{Producers: producers},
	}
}

func (r ExistingProducersRpc) GetMethod() Method {
	return r.Method
}

func (r ExistingProducersRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type PeerParams struct {
	PeerID string `json:"peer_id"`
}

type PeerJoinedRpc struct {
	jsonRpcHead
	Params PeerParams `json:"params"`
}

func NewPeerJoinedRpc(peerID string) *PeerJoinedRpc {
	return &PeerJoinedRpc{
		jsonRpcHead: newHead(PeerJoinedMethod),
		Params:      PeerParams{PeerID: peerID},
	}
}

func (r PeerJoinedRpc) GetMethod() Method {
	return r.Method
}

func (r PeerJoinedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type PeerLeftRpc struct {
	jsonRpcHead
	Params PeerParams `json:"params"`
}

func NewPeerLeftRpc(peerID string) *PeerLeftRpc {
	return &PeerLeftRpc{
		jsonRpcHead: newHead(PeerLeftMethod),
		Params:      PeerParams{PeerID: peerID},
	}
}

func (r PeerLeftRpc) GetMethod() Method {
	return r.Method
}

func (r PeerLeftRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
