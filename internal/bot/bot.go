// Package bot is a headless publishing probe. It dials the signaling socket
// like a real client, joins a room as a publisher and feeds looping media
// from disk through a send transport. Point it at a running server to
// exercise the whole signaling and media path from outside.
package bot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

const (
	handshakeTimeout = 45 * time.Second
	closeGrace       = time.Second

	botStreamID = "stagecast-bot"
	videoFourCC = "VP80"

	// Payload types must match what the offer registers below: the produce
	// parameters end up verbatim in composition tap descriptions.
	videoPayloadType = 96
	videoClockRate   = 90000
	audioPayloadType = 111
	opusSampleRate   = 48000

	oggPageInterval = 20 * time.Millisecond
)

// Bot publishes one VP8 track from an IVF file and one Opus track from an
// Ogg file into a room, looping both until interrupted.
type Bot struct {
	url       string
	roomID    string
	videoPath string
	audioPath string

	conn *websocket.Conn
	pc   *webrtc.PeerConnection

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample

	connected     chan struct{}
	connectedOnce sync.Once

	writeMu sync.Mutex
}

func New(url, roomID, videoPath, audioPath string) (*Bot, error) {
	for _, path := range []string{videoPath, audioPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}

	return &Bot{
		url:       url,
		roomID:    roomID,
		videoPath: videoPath,
		audioPath: audioPath,
		connected: make(chan struct{}),
	}, nil
}

func (bot *Bot) Close() {
	if bot.pc != nil {
		bot.pc.Close()
	}

	if bot.conn != nil {
		bot.conn.Close()
	}
}

// Start dials the signaling socket, joins the room and runs until the server
// drops the connection or the process is interrupted.
func (bot *Bot) Start() error {
	defer bot.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, resp, err := dialer.Dial(bot.url, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	bot.conn = conn

	if err := bot.send(rpc.NewJoinRpc(bot.roomID, false)); err != nil {
		return err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if err := bot.readRPC(conn); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("signaling read")
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			log.Info().Str("service", "bot").Msg("interrupt")

			// Close cleanly: send a close message, then wait briefly for the
			// server to close its side.
			bot.writeMu.Lock()
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			bot.writeMu.Unlock()
			if err != nil {
				return err
			}

			select {
			case <-done:
			case <-time.After(closeGrace):
			}
			return nil
		}
	}
}

// readRPC processes one server envelope. Negotiation runs inline: nothing
// the server sends between transport_created and transport_connected needs
// handling, so blocking the read loop during candidate gathering is fine.
func (bot *Bot) readRPC(conn *websocket.Conn) error {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	p, err := rpc.RpcFromReader(bytes.NewReader(message))
	if err != nil {
		return err
	}

	switch msg := p.(type) {
	case *rpc.JoinedRpc:
		log.Info().
			Str("service", "bot").
			Str("roomID", msg.Params.RoomID).
			Str("peerID", msg.Params.PeerID).
			Msg("joined")

		return bot.send(rpc.NewCreateTransportRpc(string(engine.DirectionSend)))
	case *rpc.TransportCreatedRpc:
		return bot.negotiate(msg.Params.ID)
	case *rpc.TransportConnectedRpc:
		return bot.publish(msg.Params.TransportID, msg.Params.Negotiation)
	case *rpc.ProducedRpc:
		log.Info().
			Str("service", "bot").
			Str("producerID", msg.Params.ProducerID).
			Msg("producing")
	case *rpc.ErrorRpc:
		return fmt.Errorf("server error on %s: %s (%s)", msg.Params.Method, msg.Params.Message, msg.Params.Code)
	default:
		log.Debug().
			Str("service", "bot").
			Str("rpcMethod", string(p.GetMethod())).
			Msg("room event ignored")
	}

	return nil
}

// negotiate builds the publisher PeerConnection, adds both tracks and sends
// the full offer once candidates are gathered.
func (bot *Bot) negotiate(transportID string) error {
	pc, err := newPeerConnection()
	if err != nil {
		return err
	}
	bot.pc = pc

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug().Str("service", "bot").Str("state", state.String()).Msg("ice connection state changed")

		if state == webrtc.ICEConnectionStateConnected {
			bot.connectedOnce.Do(func() { close(bot.connected) })
		}
	})

	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: videoClockRate,
	}, "video", botStreamID)
	if err != nil {
		return err
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  2,
	}, "audio", botStreamID)
	if err != nil {
		return err
	}

	for _, track := range []webrtc.TrackLocal{videoTrack, audioTrack} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}

		// Incoming RTCP has to be drained for the interceptors to run.
		go func(sender *webrtc.RTPSender) {
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(rtcpBuf); err != nil {
					return
				}
			}
		}(sender)
	}

	bot.videoTrack = videoTrack
	bot.audioTrack = audioTrack

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	<-gatherComplete

	negotiation, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return err
	}

	return bot.send(rpc.NewConnectTransportRpc(transportID, negotiation))
}

// publish applies the server's answer, starts both media feeds and asks the
// server to claim the tracks. The server parks produce requests until the
// first packets arrive, so ordering against ICE completion does not matter.
func (bot *Bot) publish(transportID string, negotiation json.RawMessage) error {
	if bot.pc == nil {
		return errors.New("transport connected without a pending negotiation")
	}
	if len(negotiation) == 0 {
		return errors.New("transport connected without an answer")
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(negotiation, &answer); err != nil {
		return fmt.Errorf("malformed answer: %w", err)
	}

	if err := bot.pc.SetRemoteDescription(answer); err != nil {
		return err
	}

	go bot.streamVideo()
	go bot.streamAudio()

	err := bot.send(rpc.NewProduceRpc(transportID, engine.MediaVideo, engine.MediaParams{
		MimeType:    webrtc.MimeTypeVP8,
		ClockRate:   videoClockRate,
		PayloadType: videoPayloadType,
		TrackID:     "video",
		StreamID:    botStreamID,
	}, nil))
	if err != nil {
		return err
	}

	return bot.send(rpc.NewProduceRpc(transportID, engine.MediaAudio, engine.MediaParams{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   opusSampleRate,
		Channels:    2,
		PayloadType: audioPayloadType,
		TrackID:     "audio",
		StreamID:    botStreamID,
	}, nil))
}

// streamVideo feeds IVF frames once ICE is up, reopening the file at EOF so
// the track runs until the process stops.
func (bot *Bot) streamVideo() {
	<-bot.connected

	for {
		if err := bot.playVideoFile(); err != nil {
			log.Error().Err(err).Str("service", "bot").Str("file", bot.videoPath).Msg("video feed stopped")
			return
		}
	}
}

func (bot *Bot) playVideoFile() error {
	file, err := os.Open(bot.videoPath)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}
	if header.FourCC != videoFourCC {
		return fmt.Errorf("unsupported ivf codec %q, want VP8", header.FourCC)
	}

	// Pace frames with a ticker at the file's own frame rate; sleeping would
	// accumulate the time spent parsing.
	frameDuration := time.Millisecond * time.Duration(
		(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		return fmt.Errorf("ivf header has unusable timebase %d/%d", header.TimebaseNumerator, header.TimebaseDenominator)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := bot.videoTrack.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}

		<-ticker.C
	}
}

// streamAudio feeds Ogg pages once ICE is up, reopening the file at EOF.
func (bot *Bot) streamAudio() {
	<-bot.connected

	for {
		if err := bot.playAudioFile(); err != nil {
			log.Error().Err(err).Str("service", "bot").Str("file", bot.audioPath).Msg("audio feed stopped")
			return
		}
	}
}

func (bot *Bot) playAudioFile() error {
	file, err := os.Open(bot.audioPath)
	if err != nil {
		return err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(oggPageInterval)
	defer ticker.Stop()

	// Each page's duration comes from the granule position delta, counted in
	// samples at 48kHz.
	var lastGranule uint64
	for {
		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration((sampleCount/opusSampleRate)*1000) * time.Millisecond

		if err := bot.audioTrack.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			return err
		}

		<-ticker.C
	}
}

// send marshals and writes one envelope. gorilla allows a single concurrent
// writer, so writes are serialized.
func (bot *Bot) send(msg rpc.Rpc) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	bot.writeMu.Lock()
	defer bot.writeMu.Unlock()

	return bot.conn.WriteMessage(websocket.TextMessage, payload)
}

// newPeerConnection builds a publisher PeerConnection offering exactly the
// two codecs the bot sends, with pinned payload types.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   opusSampleRate,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: videoClockRate,
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
}
