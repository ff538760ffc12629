package rtc

import (
	"strings"

	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

type codecEntry struct {
	kind   engine.MediaKind
	params webrtc.RTPCodecParameters
}

// codecTable lists every codec the engine knows how to relay. Registration
// and the advertised capability set are both derived from it, filtered by
// the enabled codec specs from config.
func codecTable(rtcpFeedback config.RTCPFeedbackConfig) []codecEntry {
	return []codecEntry{
		{
			kind: engine.MediaAudio,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeOpus,
					ClockRate:    48000,
					Channels:     1,
					SDPFmtpLine:  "minptime=10;useinbandfec=1",
					RTCPFeedback: rtcpFeedback.Audio,
				},
				PayloadType: 111,
			},
		},
		{
			kind: engine.MediaVideo,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP8,
					ClockRate:    90000,
					RTCPFeedback: rtcpFeedback.Video,
				},
				PayloadType: 96,
			},
		},
		{
			kind: engine.MediaVideo,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP9,
					ClockRate:    90000,
					SDPFmtpLine:  "profile-id=0",
					RTCPFeedback: rtcpFeedback.Video,
				},
				PayloadType: 98,
			},
		},
		{
			kind: engine.MediaVideo,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeH264,
					ClockRate:    90000,
					SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
					RTCPFeedback: rtcpFeedback.Video,
				},
				PayloadType: 125,
			},
		},
	}
}

func createMediaEngine(enabledCodecs []config.CodecSpec, directionConfig config.DirectionConfig) (*webrtc.MediaEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine, enabledCodecs, directionConfig.RTCPFeedback); err != nil {
		return nil, err
	}

	if err := registerHeaderExtensions(mediaEngine, directionConfig.RTPHeaderExtension); err != nil {
		return nil, err
	}

	return mediaEngine, nil
}

// createInterceptorRegistry builds the RTP/RTCP pipeline (NACKs, receiver
// reports and friends) for one PeerConnection. A fresh registry is required
// per connection when the API is constructed manually.
func createInterceptorRegistry(mediaEngine *webrtc.MediaEngine) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return registry, nil
}

func registerCodecs(
	mediaEngine *webrtc.MediaEngine,
	enabledCodecs []config.CodecSpec,
	rtcpFeedback config.RTCPFeedbackConfig,
) error {
	for _, entry := range codecTable(rtcpFeedback) {
		if !isCodecEnabled(enabledCodecs, entry.params.RTPCodecCapability) {
			continue
		}

		codecType := webrtc.RTPCodecTypeVideo
		if entry.kind == engine.MediaAudio {
			codecType = webrtc.RTPCodecTypeAudio
		}

		if err := mediaEngine.RegisterCodec(entry.params, codecType); err != nil {
			return err
		}
	}

	return nil
}

func registerHeaderExtensions(me *webrtc.MediaEngine, rtpHeaderExtension config.RTPHeaderExtensionConfig) error {
	for _, extension := range rtpHeaderExtension.Video {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	for _, extension := range rtpHeaderExtension.Audio {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	return nil
}

// capabilitiesFor is the codec set advertised to joining participants. It
// mirrors exactly what registerCodecs will accept.
func capabilitiesFor(enabledCodecs []config.CodecSpec) engine.Capabilities {
	var caps engine.Capabilities

	for _, entry := range codecTable(config.RTCPFeedbackConfig{}) {
		if !isCodecEnabled(enabledCodecs, entry.params.RTPCodecCapability) {
			continue
		}

		caps.Codecs = append(caps.Codecs, engine.CodecCapability{
			Kind:        entry.kind,
			MimeType:    entry.params.MimeType,
			ClockRate:   entry.params.ClockRate,
			Channels:    entry.params.Channels,
			PayloadType: uint8(entry.params.PayloadType),
			SDPFmtpLine: entry.params.SDPFmtpLine,
		})
	}

	return caps
}

func isCodecEnabled(codecs []config.CodecSpec, cap webrtc.RTPCodecCapability) bool {
	for _, codec := range codecs {
		if !strings.EqualFold(codec.Mime, cap.MimeType) {
			continue
		}
		if codec.FmtpLine == "" || strings.EqualFold(codec.FmtpLine, cap.SDPFmtpLine) {
			return true
		}
	}
	return false
}
