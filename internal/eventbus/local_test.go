package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

func receiveOne(t *testing.T, sub Subscription) Message {
	t.Helper()

	select {
	case msg := <-sub.Channel():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestLocalBusClientChannelIsolation(t *testing.T) {
	bus := NewLocalBus()

	subA, err := bus.SubscribeClient("peer-a")
	require.NoError(t, err)
	subB, err := bus.SubscribeClient("peer-b")
	require.NoError(t, err)

	err = bus.PublishClient("peer-a", rpc.NewPeerJoinedRpc("peer-c"))
	require.NoError(t, err)

	msg := receiveOne(t, subA)
	assert.Contains(t, string(msg.Payload), "peer_joined")

	select {
	case <-subB.Channel():
		t.Fatal("message leaked to another peer channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusServerChannelFanIn(t *testing.T) {
	bus := NewLocalBus()

	sub, err := bus.SubscribeServer()
	require.NoError(t, err)

	require.NoError(t, bus.PublishServer(ServerMessage{PeerID: "p1", Rpc: []byte(`{"jsonrpc":"2.0","method":"join","params":{"room_id":"r"}}`)}))
	require.NoError(t, bus.PublishServer(ServerMessage{PeerID: "p2", Rpc: []byte(`{"jsonrpc":"2.0","method":"close_session","params":null}`)}))

	first := receiveOne(t, sub)
	second := receiveOne(t, sub)

	assert.Contains(t, string(first.Payload), `"p1"`)
	assert.Contains(t, string(second.Payload), `"p2"`)
}

func TestLocalBusCloseStopsDelivery(t *testing.T) {
	bus := NewLocalBus()

	sub, err := bus.SubscribeClient("peer-a")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	// A publish after close must not panic on the closed channel.
	err = bus.PublishClient("peer-a", rpc.NewPeerLeftRpc("peer-b"))
	require.NoError(t, err)

	_, ok := <-sub.Channel()
	assert.False(t, ok)
}
