package rpc

import "encoding/json"

type CreateTransportParams struct {
	Direction string `json:"direction"`
}

type CreateTransportRpc struct {
	jsonRpcHead
	Params CreateTransportParams `json:"params"`
}

func NewCreateTransportRpc(direction string) *CreateTransportRpc {
	return &CreateTransportRpc{
		jsonRpcHead: newHead(CreateTransportMethod),
		Params:      CreateTransportParams{Direction: direction},
	}
}

func (r CreateTransportRpc) GetMethod() Method {
	return r.Method
}

func (r CreateTransportRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConnectTransportParams struct {
	TransportID string          `json:"transport_id"`
	Negotiation json.RawMessage `json:"negotiation"`
}

type ConnectTransportRpc struct {
	jsonRpcHead
	Params ConnectTransportParams `json:"params"`
}

func NewConnectTransportRpc(transportID string, negotiation json.RawMessage) *ConnectTransportRpc {
	return &ConnectTransportRpc{
		jsonRpcHead: newHead(ConnectTransportMethod),
		Params:      ConnectTransportParams{TransportID: transportID, Negotiation: negotiation},
	}
}

func (r ConnectTransportRpc) GetMethod() Method {
	return r.Method
}

func (r ConnectTransportRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type TransportCreatedParams struct {
	ID          string          `json:"id"`
	Direction   string          `json:"direction"`
	Negotiation json.RawMessage `json:"negotiation,omitempty"`
}

type TransportCreatedRpc struct {
	jsonRpcHead
	Params TransportCreatedParams `json:"params"`
}

func NewTransportCreatedRpc(id, direction string, negotiation json.RawMessage) *TransportCreatedRpc {
	return &TransportCreatedRpc{
		jsonRpcHead: newHead(TransportCreatedMethod),
		Params:      TransportCreatedParams{ID: id, Direction: direction, Negotiation: negotiation},
	}
}

func (r TransportCreatedRpc) GetMethod() Method {
	return r.Method
}

func (r TransportCreatedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type TransportConnectedParams struct {
	TransportID string `json:"transport_id"`
	// Negotiation carries the engine answer for SDP-negotiated engines.
	Negotiation json.RawMessage `json:"negotiation,omitempty"`
}

type TransportConnectedRpc struct {
	jsonRpcHead
	Params TransportConnectedParams `json:"params"`
}

func NewTransportConnectedRpc(transportID string, negotiation json.RawMessage) *TransportConnectedRpc {
	return &TransportConnectedRpc{
		jsonRpcHead: newHead(TransportConnectedMethod),
		Params:      TransportConnectedParams{TransportID: transportID, Negotiation: negotiation},
	}
}

func (r TransportConnectedRpc) GetMethod() Method {
	return r.Method
}

func (r TransportConnectedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
