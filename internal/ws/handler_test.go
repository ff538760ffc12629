package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

type wsEnv struct {
	bus    *eventbus.LocalBus
	app    *App
	server *httptest.Server
}

func newWsEnv(t *testing.T) *wsEnv {
	t.Helper()

	bus := eventbus.NewLocalBus()
	app := New(AppOptions{
		Publisher:      bus,
		Subscriber:     bus,
		MaxMessageSize: 64 * 1024,
	})

	server := httptest.NewServer(app.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(func() { app.Shutdown() })

	return &wsEnv{bus: bus, app: app, server: server}
}

func (env *wsEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func nextServerMessage(t *testing.T, sub eventbus.Subscription) eventbus.ServerMessage {
	t.Helper()

	select {
	case msg, ok := <-sub.Channel():
		require.True(t, ok, "server channel closed")

		var sm eventbus.ServerMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &sm))
		return sm
	case <-time.After(2 * time.Second):
		t.Fatal("no server message")
		return eventbus.ServerMessage{}
	}
}

func rpcMethod(t *testing.T, payload []byte) rpc.Method {
	t.Helper()

	var head struct {
		Method rpc.Method `json:"method"`
	}
	require.NoError(t, json.Unmarshal(payload, &head))
	return head.Method
}

func TestEdgeForwardsInboundRpcs(t *testing.T) {
	env := newWsEnv(t)

	serverSub, err := env.bus.SubscribeServer()
	require.NoError(t, err)
	t.Cleanup(func() { serverSub.Close() })

	conn := env.dial(t)

	join, err := rpc.NewJoinRpc("room-1", false).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))

	sm := nextServerMessage(t, serverSub)
	assert.NotEmpty(t, sm.PeerID)
	assert.JSONEq(t, string(join), string(sm.Rpc))

	// Same socket, same peer id.
	createTransport, err := rpc.NewCreateTransportRpc("send").ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, createTransport))

	next := nextServerMessage(t, serverSub)
	assert.Equal(t, sm.PeerID, next.PeerID)
	assert.Equal(t, rpc.CreateTransportMethod, rpcMethod(t, next.Rpc))
}

func TestEdgeMintsDistinctPeerIDs(t *testing.T) {
	env := newWsEnv(t)

	serverSub, err := env.bus.SubscribeServer()
	require.NoError(t, err)
	t.Cleanup(func() { serverSub.Close() })

	join, err := rpc.NewJoinRpc("room-1", false).ToJSON()
	require.NoError(t, err)

	first := env.dial(t)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, join))
	firstPeer := nextServerMessage(t, serverSub).PeerID

	second := env.dial(t)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, join))
	secondPeer := nextServerMessage(t, serverSub).PeerID

	assert.NotEqual(t, firstPeer, secondPeer)
}

func TestEdgeDeliversOutboundRpcs(t *testing.T) {
	env := newWsEnv(t)

	serverSub, err := env.bus.SubscribeServer()
	require.NoError(t, err)
	t.Cleanup(func() { serverSub.Close() })

	conn := env.dial(t)

	join, err := rpc.NewJoinRpc("room-1", false).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))
	peerID := nextServerMessage(t, serverSub).PeerID

	outbound := rpc.NewPeerJoinedRpc("peer-9")
	require.NoError(t, env.bus.PublishClient(peerID, outbound))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	expected, err := outbound.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(expected), string(frame))
}

func TestEdgeDropsMalformedFrames(t *testing.T) {
	env := newWsEnv(t)

	serverSub, err := env.bus.SubscribeServer()
	require.NoError(t, err)
	t.Cleanup(func() { serverSub.Close() })

	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not an rpc")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"bogus"}`)))

	select {
	case msg := <-serverSub.Channel():
		t.Fatalf("malformed frame reached the bus: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	// The socket survives bad frames.
	join, err := rpc.NewJoinRpc("room-1", false).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))

	sm := nextServerMessage(t, serverSub)
	assert.Equal(t, rpc.JoinMethod, rpcMethod(t, sm.Rpc))
}

func TestEdgeReportsDisconnects(t *testing.T) {
	env := newWsEnv(t)

	serverSub, err := env.bus.SubscribeServer()
	require.NoError(t, err)
	t.Cleanup(func() { serverSub.Close() })

	conn := env.dial(t)

	join, err := rpc.NewJoinRpc("room-1", false).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))
	peerID := nextServerMessage(t, serverSub).PeerID

	require.NoError(t, conn.Close())

	sm := nextServerMessage(t, serverSub)
	assert.Equal(t, peerID, sm.PeerID)
	assert.Equal(t, rpc.CloseSessionMethod, rpcMethod(t, sm.Rpc))
}
