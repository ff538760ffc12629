package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

const (
	rtcpPLIInterval            = time.Second * 3
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default

	trackArrivalBuffer = 8
)

// webrtcTransport is a send or recv transport backed by one PeerConnection.
// Incoming remote tracks are parked on kind-keyed channels and claimed by
// Produce; the PeerConnection callbacks never touch state outside the
// transport.
type webrtcTransport struct {
	id        string
	direction engine.Direction
	pc        *webrtc.PeerConnection

	audioArrivals chan *webrtc.TrackRemote
	videoArrivals chan *webrtc.TrackRemote
}

func newWebrtcTransport(
	id string,
	direction engine.Direction,
	enabledCodecs []config.CodecSpec,
	conf *config.WebRTCConfig,
) (*webrtcTransport, error) {
	directionConf := conf.Publisher
	if direction == engine.DirectionRecv {
		directionConf = conf.Subscriber
	}

	pc, err := newPeerConnection(enabledCodecs, directionConf, conf)
	if err != nil {
		return nil, err
	}

	t := &webrtcTransport{
		id:            id,
		direction:     direction,
		pc:            pc,
		audioArrivals: make(chan *webrtc.TrackRemote, trackArrivalBuffer),
		videoArrivals: make(chan *webrtc.TrackRemote, trackArrivalBuffer),
	}

	if direction == engine.DirectionSend {
		pc.OnTrack(t.onTrack)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("service", "rtc").Str("transport", t.id).Str("state", state.String()).Msg("connection state changed")
	})

	return t, nil
}

func newPeerConnection(
	enabledCodecs []config.CodecSpec,
	directionConf config.DirectionConfig,
	conf *config.WebRTCConfig,
) (*webrtc.PeerConnection, error) {
	me, err := createMediaEngine(enabledCodecs, directionConf)
	if err != nil {
		return nil, err
	}

	registry, err := createInterceptorRegistry(me)
	if err != nil {
		return nil, err
	}

	se := conf.SettingEngine
	se.DisableMediaEngineCopy(true)
	se.DisableSRTPReplayProtection(true)
	se.DisableSRTCPReplayProtection(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	return api.NewPeerConnection(conf.Configuration)
}

func (t *webrtcTransport) Direction() engine.Direction {
	return t.direction
}

// Connect finishes negotiation with the remote side. An offer makes the
// transport answer and return its full local description once candidates
// are gathered; an answer completes a negotiation this transport started
// with a consumer offer.
func (t *webrtcTransport) Connect(ctx context.Context, negotiation json.RawMessage) (json.RawMessage, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(negotiation, &sd); err != nil {
		return nil, fmt.Errorf("malformed session description: %w", err)
	}

	switch sd.Type {
	case webrtc.SDPTypeOffer:
		return t.answer(ctx, sd)
	case webrtc.SDPTypeAnswer:
		return nil, t.pc.SetRemoteDescription(sd)
	default:
		return nil, fmt.Errorf("unsupported session description type %q", sd.Type)
	}
}

func (t *webrtcTransport) Close() error {
	return t.pc.Close()
}

func (t *webrtcTransport) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Debug().
		Str("service", "rtc").
		Str("transport", t.id).
		Str("kind", remote.Kind().String()).
		Str("track", remote.ID()).
		Msg("incoming media track")

	arrivals := t.videoArrivals
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		arrivals = t.audioArrivals
	}

	select {
	case arrivals <- remote:
	default:
		log.Warn().Str("service", "rtc").Str("transport", t.id).Msg("unclaimed incoming track dropped")
	}
}

// awaitTrack blocks until the remote side delivers a track of the wanted
// kind or the context expires.
func (t *webrtcTransport) awaitTrack(ctx context.Context, kind engine.MediaKind) (*webrtc.TrackRemote, error) {
	arrivals := t.videoArrivals
	if kind == engine.MediaAudio {
		arrivals = t.audioArrivals
	}

	select {
	case remote := <-arrivals:
		return remote, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *webrtcTransport) answer(ctx context.Context, offer webrtc.SessionDescription) (json.RawMessage, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(t.pc.LocalDescription())
}

// offer renegotiates after a local track change and returns the refreshed
// local description once candidates are gathered.
func (t *webrtcTransport) offer(ctx context.Context) (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(t.pc.LocalDescription())
}

func (t *webrtcTransport) addTrack(codec webrtc.RTPCodecCapability, trackID, streamID string) (*webrtc.TrackLocalStaticRTP, *webrtc.RTPSender, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, streamID)
	if err != nil {
		return nil, nil, err
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, nil, err
	}

	// Incoming RTCP has to be drained for the interceptors to run.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	return local, sender, nil
}

func (t *webrtcTransport) removeTrack(sender *webrtc.RTPSender) error {
	return t.pc.RemoveTrack(sender)
}

func (t *webrtcTransport) writePLI(ssrc webrtc.SSRC) error {
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
}
