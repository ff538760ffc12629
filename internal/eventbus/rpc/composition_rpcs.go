package rpc

import "encoding/json"

type CompositionReadyParams struct {
	RoomID string `json:"room_id"`
	// Playlist is the manifest path of the composed broadcast.
	Playlist string `json:"playlist"`
}

type CompositionReadyRpc struct {
	jsonRpcHead
	Params CompositionReadyParams `json:"params"`
}

func NewCompositionReadyRpc(roomID, playlist string) *CompositionReadyRpc {
	return &CompositionReadyRpc{
		jsonRpcHead: newHead(CompositionReadyMethod),
		Params:      CompositionReadyParams{RoomID: roomID, Playlist: playlist},
	}
}

func (r CompositionReadyRpc) GetMethod() Method {
	return r.Method
}

func (r CompositionReadyRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type CompositionFailedParams struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

type CompositionFailedRpc struct {
	jsonRpcHead
	Params CompositionFailedParams `json:"params"`
}

func NewCompositionFailedRpc(roomID, reason string) *CompositionFailedRpc {
	return &CompositionFailedRpc{
		jsonRpcHead: newHead(CompositionFailedMethod),
		Params:      CompositionFailedParams{RoomID: roomID, Reason: reason},
	}
}

func (r CompositionFailedRpc) GetMethod() Method {
	return r.Method
}

func (r CompositionFailedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
