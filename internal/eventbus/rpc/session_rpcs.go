package rpc

import (
	"encoding/json"

	"github.com/akosykh/stagecast/internal/engine"
)

type JoinParams struct {
	RoomID string `json:"room_id"`
	Viewer bool   `json:"viewer"`
}

// JoinRpc puts the connection into the room, creating the room on first join.
type JoinRpc struct {
	jsonRpcHead
	Params JoinParams `json:"params"`
}

func NewJoinRpc(roomID string, viewer bool) *JoinRpc {
	return &JoinRpc{
		jsonRpcHead: newHead(JoinMethod),
		Params:      JoinParams{RoomID: roomID, Viewer: viewer},
	}
}

func (r JoinRpc) GetMethod() Method {
	return r.Method
}

func (r JoinRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type JoinedParams struct {
	RoomID       string              `json:"room_id"`
	PeerID       string              `json:"peer_id"`
	Capabilities engine.Capabilities `json:"capabilities"`
}

// JoinedRpc acknowledges a join and carries the engine capabilities the
// client needs before consuming.
type JoinedRpc struct {
	jsonRpcHead
	Params JoinedParams `json:"params"`
}

func NewJoinedRpc(roomID, peerID string, caps engine.Capabilities) *JoinedRpc {
	return &JoinedRpc{
		jsonRpcHead: newHead(JoinedMethod),
		Params:      JoinedParams{RoomID: roomID, PeerID: peerID, Capabilities: caps},
	}
}

func (r JoinedRpc) GetMethod() Method {
	return r.Method
}

func (r JoinedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// CloseSessionRpc is published by the websocket edge when the socket dies.
type CloseSessionRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewCloseSessionRpc() *CloseSessionRpc {
	return &CloseSessionRpc{
		jsonRpcHead: newHead(CloseSessionMethod),
		Params:      nil,
	}
}

func (r CloseSessionRpc) GetMethod() Method {
	return r.Method
}

func (r CloseSessionRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
