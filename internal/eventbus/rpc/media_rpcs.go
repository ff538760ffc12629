package rpc

import (
	"encoding/json"

	"github.com/akosykh/stagecast/internal/engine"
)

type ProduceParams struct {
	TransportID string             `json:"transport_id"`
	Kind        engine.MediaKind   `json:"kind"`
	Media       engine.MediaParams `json:"media"`
	AppData     map[string]string  `json:"app_data,omitempty"`
}

type ProduceRpc struct {
	jsonRpcHead
	Params ProduceParams `json:"params"`
}

func NewProduceRpc(transportID string, kind engine.MediaKind, media engine.MediaParams, appData map[string]string) *ProduceRpc {
	return &ProduceRpc{
		jsonRpcHead: newHead(ProduceMethod),
		Params: ProduceParams{
			TransportID: transportID,
			Kind:        kind,
			Media:       media,
			AppData:     appData,
		},
	}
}

func (r ProduceRpc) GetMethod() Method {
	return r.Method
}

func (r ProduceRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ProducedParams struct {
	ProducerID string `json:"producer_id"`
}

type ProducedRpc struct {
	jsonRpcHead
	Params ProducedParams `json:"params"`
}

func NewProducedRpc(producerID string) *ProducedRpc {
	return &ProducedRpc{
		jsonRpcHead: newHead(ProducedMethod),
		Params:      ProducedParams{ProducerID: producerID},
	}
}

func (r ProducedRpc) GetMethod() Method {
	return r.Method
}

func (r ProducedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type NewProducerRpc struct {
	jsonRpcHead
	Params ProducerInfo `json:"params"`
}

func NewNewProducerRpc(info ProducerInfo) *NewProducerRpc {
	return &NewProducerRpc{
		jsonRpcHead: newHead(NewProducerMethod),
		Params:      info,
	}
}

func (r NewProducerRpc) GetMethod() Method {
	return r.Method
}

func (r NewProducerRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConsumeParams struct {
	TransportID  string              `json:"transport_id"`
	ProducerID   string              `json:"producer_id"`
	Capabilities engine.Capabilities `json:"capabilities"`
}

type ConsumeRpc struct {
	jsonRpcHead
	Params ConsumeParams `json:"params"`
}

func NewConsumeRpc(transportID, producerID string, caps engine.Capabilities) *ConsumeRpc {
	return &ConsumeRpc{
		jsonRpcHead: newHead(ConsumeMethod),
		Params: ConsumeParams{
			TransportID:  transportID,
			ProducerID:   producerID,
			Capabilities: caps,
		},
	}
}

func (r ConsumeRpc) GetMethod() Method {
	return r.Method
}

func (r ConsumeRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConsumedParams struct {
	ConsumerID  string             `json:"consumer_id"`
	ProducerID  string             `json:"producer_id"`
	Kind        engine.MediaKind   `json:"kind"`
	Media       engine.MediaParams `json:"media"`
	Negotiation json.RawMessage    `json:"negotiation,omitempty"`
}

type ConsumedRpc struct {
	jsonRpcHead
	Params ConsumedParams `json:"params"`
}

func NewConsumedRpc(consumer engine.Consumer) *ConsumedRpc {
	return &ConsumedRpc{
		jsonRpcHead: newHead(ConsumedMethod),
		Params: ConsumedParams{
			ConsumerID:  consumer.ID,
			ProducerID:  consumer.ProducerID,
			Kind:        consumer.Kind,
			Media:       consumer.Media,
			Negotiation: consumer.Negotiation,
		},
	}
}

func (r ConsumedRpc) GetMethod() Method {
	return r.Method
}

func (r ConsumedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConsumerParams struct {
	ConsumerID string `json:"consumer_id"`
}

type ResumeConsumerRpc struct {
	jsonRpcHead
	Params ConsumerParams `json:"params"`
}

func NewResumeConsumerRpc(consumerID string) *ResumeConsumerRpc {
	return &ResumeConsumerRpc{
		jsonRpcHead: newHead(ResumeConsumerMethod),
		Params:      ConsumerParams{ConsumerID: consumerID},
	}
}

func (r ResumeConsumerRpc) GetMethod() Method {
	return r.Method
}

func (r ResumeConsumerRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConsumerResumedRpc struct {
	jsonRpcHead
	Params ConsumerParams `json:"params"`
}

func NewConsumerResumedRpc(consumerID string) *ConsumerResumedRpc {
	return &ConsumerResumedRpc{
		jsonRpcHead: newHead(ConsumerResumedMethod),
		Params:      ConsumerParams{ConsumerID: consumerID},
	}
}

func (r ConsumerResumedRpc) GetMethod() Method {
	return r.Method
}

func (r ConsumerResumedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
