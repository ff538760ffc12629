package rtc

import (
	"sync/atomic"

	"github.com/akosykh/stagecast/internal/engine"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// consumer binds one producer to one destination transport. Consumers are
// created paused and deliver nothing until resumed.
type consumer struct {
	id          string
	transportID string
	producerID  string
	kind        engine.MediaKind
	media       engine.MediaParams

	live atomic.Bool
	sink consumerSink
}

func (c *consumer) paused() bool {
	return !c.live.Load()
}

func (c *consumer) resume() {
	c.live.Store(true)
}

func (c *consumer) deliver(pkt *rtp.Packet) error {
	return c.sink.write(pkt)
}

func (c *consumer) close() error {
	return c.sink.close()
}

type consumerSink interface {
	write(pkt *rtp.Packet) error
	close() error
}

// trackSink feeds a local track on a recv PeerConnection. Pion rewrites
// SSRC and payload type per binding on write.
type trackSink struct {
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	transport *webrtcTransport
}

func (s *trackSink) write(pkt *rtp.Packet) error {
	return s.track.WriteRTP(pkt)
}

func (s *trackSink) close() error {
	return s.transport.removeTrack(s.sender)
}

// relaySink marshals packets onto the relay transport's UDP socket,
// stamping the payload type the tap's session description advertises.
type relaySink struct {
	payloadType uint8
	relay       *relayTransport
}

func (s *relaySink) write(pkt *rtp.Packet) error {
	header := pkt.Header
	header.PayloadType = s.payloadType

	buf, err := (&rtp.Packet{Header: header, Payload: pkt.Payload}).Marshal()
	if err != nil {
		return err
	}

	return s.relay.writeRTP(buf)
}

func (s *relaySink) close() error {
	return nil
}
