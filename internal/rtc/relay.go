package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/engine"
)

var errRelayNotConnected = errors.New("relay transport not connected")

// relayConnectParams is the negotiation blob a relay transport expects:
// the local address the transcoder listens on. The RTCP port is part of
// the allocated quadruple and advertised in the tap's session description;
// the relay itself only sends RTP.
type relayConnectParams struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	RTCPPort int    `json:"rtcp_port"`
}

// relayTransport egresses one producer's RTP as plain UDP toward a local
// transcoder listener. Connect dials the destination; consumers on the
// transport share the dialed socket.
type relayTransport struct {
	id string

	mu   sync.Mutex
	conn *net.UDPConn
}

func newRelayTransport(id string) *relayTransport {
	return &relayTransport{id: id}
}

func (t *relayTransport) Direction() engine.Direction {
	return engine.DirectionRelay
}

func (t *relayTransport) Connect(_ context.Context, negotiation json.RawMessage) (json.RawMessage, error) {
	var params relayConnectParams
	if err := json.Unmarshal(negotiation, &params); err != nil {
		return nil, fmt.Errorf("malformed relay address: %w", err)
	}

	ip := net.ParseIP(params.IP)
	if ip == nil || params.Port <= 0 {
		return nil, fmt.Errorf("bad relay address %s:%d", params.IP, params.Port)
	}

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: ip, Port: params.Port})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	log.Debug().
		Str("service", "rtc").
		Str("transport", t.id).
		Str("addr", conn.RemoteAddr().String()).
		Int("rtcpPort", params.RTCPPort).
		Msg("relay connected")

	return nil, nil
}

func (t *relayTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil

	return err
}

func (t *relayTransport) writeRTP(buf []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errRelayNotConnected
	}

	_, err := conn.Write(buf)

	return err
}
