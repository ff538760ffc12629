package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"
)

const (
	envPrefix = "STAGECAST"

	frameMarking = "urn:ietf:params:rtp-hdrext:framemarking"
)

var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	WS      WSConfig      `mapstructure:"ws"`
	Bus     BusConfig     `mapstructure:"bus"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Nats    NatsConfig    `mapstructure:"nats"`
	DB      DBConfig      `mapstructure:"db"`
	Log     LogConfig     `mapstructure:"log"`
	RTC     RTCConfig     `mapstructure:"rtc"`
	Peer    PeerConfig    `mapstructure:"peer"`
	Compose ComposeConfig `mapstructure:"compose"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type WSConfig struct {
	Addr           string `mapstructure:"addr"`
	MaxMessageSize int64  `mapstructure:"max_message_size"`
}

// BusConfig selects the event bus driver: redis, nats or local.
type BusConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NatsConfig struct {
	URL string `mapstructure:"url"`
}

// DBConfig points at the broadcasts history database. An empty DSN
// disables history persistence.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type RTCConfig struct {
	ICEPortRangeStart uint32 `mapstructure:"ice_port_range_start"`
	ICEPortRangeEnd   uint32 `mapstructure:"ice_port_range_end"`
}

type CodecSpec struct {
	Mime     string `mapstructure:"mime"`
	FmtpLine string `mapstructure:"fmtp_line"`
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec `mapstructure:"enabled_codecs"`
}

// ComposeConfig tunes the broadcast composition pipeline. The relay port
// range must not overlap the ICE range.
type ComposeConfig struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	OutputDir        string        `mapstructure:"output_dir"`
	RelayHost        string        `mapstructure:"relay_host"`
	PortRangeStart   int           `mapstructure:"port_range_start"`
	PortRangeEnd     int           `mapstructure:"port_range_end"`
	Width            int           `mapstructure:"width"`
	Height           int           `mapstructure:"height"`
	Framerate        int           `mapstructure:"framerate"`
	SegmentSeconds   int           `mapstructure:"segment_seconds"`
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	ReadinessPoll    time.Duration `mapstructure:"readiness_poll"`
	KeyframeInterval time.Duration `mapstructure:"keyframe_interval"`
	KeyframeWarmup   time.Duration `mapstructure:"keyframe_warmup"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
}

// NewConfig returns the built-in defaults without reading a config file.
func NewConfig() *Config {
	conf, err := Load("")
	if err != nil {
		panic(err)
	}
	return conf
}

// Load reads the optional config file at path and applies STAGECAST_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":3001")
	v.SetDefault("http.cert_file", "")
	v.SetDefault("http.key_file", "")

	v.SetDefault("ws.addr", ":3002")
	v.SetDefault("ws.max_message_size", 1024)

	v.SetDefault("bus.driver", "redis")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("db.dsn", "")

	v.SetDefault("log.level", "debug")
	v.SetDefault("log.pretty", false)

	v.SetDefault("rtc.ice_port_range_start", 50000)
	v.SetDefault("rtc.ice_port_range_end", 60000)

	v.SetDefault("peer.enabled_codecs", []map[string]interface{}{
		{"mime": webrtc.MimeTypeOpus},
		{"mime": webrtc.MimeTypeVP8},
	})

	v.SetDefault("compose.ffmpeg_path", "ffmpeg")
	v.SetDefault("compose.output_dir", "/tmp/stagecast/hls")
	v.SetDefault("compose.relay_host", "127.0.0.1")
	v.SetDefault("compose.port_range_start", 40000)
	v.SetDefault("compose.port_range_end", 40999)
	v.SetDefault("compose.width", 1280)
	v.SetDefault("compose.height", 720)
	v.SetDefault("compose.framerate", 30)
	v.SetDefault("compose.segment_seconds", 2)
	v.SetDefault("compose.start_timeout", "30s")
	v.SetDefault("compose.readiness_poll", "250ms")
	v.SetDefault("compose.keyframe_interval", "1s")
	v.SetDefault("compose.keyframe_warmup", "10s")
	v.SetDefault("compose.stop_grace", "5s")
}

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	Publisher     DirectionConfig
	Subscriber    DirectionConfig
}

type RTPHeaderExtensionConfig struct {
	Audio []string
	Video []string
}

type RTCPFeedbackConfig struct {
	Audio []webrtc.RTCPFeedback
	Video []webrtc.RTCPFeedback
}

type DirectionConfig struct {
	RTPHeaderExtension RTPHeaderExtensionConfig
	RTCPFeedback       RTCPFeedbackConfig
}

func NewWebRTCConfig(config *Config) (*WebRTCConfig, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(DefaultStunServers))
	for _, addr := range DefaultStunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{"stun:" + addr}})
	}

	c := webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	s := webrtc.SettingEngine{}

	networkTypes := make([]webrtc.NetworkType, 0, 4)
	// Use only UDP
	networkTypes = append(networkTypes,
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
	)
	if err := s.SetEphemeralUDPPortRange(uint16(config.RTC.ICEPortRangeStart), uint16(config.RTC.ICEPortRangeEnd)); err != nil {
		return nil, err
	}
	s.SetNetworkTypes(networkTypes)

	// publisher configuration
	publisherConfig := DirectionConfig{
		RTPHeaderExtension: RTPHeaderExtensionConfig{
			Audio: []string{
				sdp.SDESMidURI,
				sdp.SDESRTPStreamIDURI,
				sdp.AudioLevelURI,
			},
			Video: []string{
				sdp.SDESMidURI,
				sdp.SDESRTPStreamIDURI,
				sdp.TransportCCURI,
				frameMarking,
			},
		},
		RTCPFeedback: RTCPFeedbackConfig{
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBGoogREMB},
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
	}

	// subscriber configuration
	subscriberConfig := DirectionConfig{
		RTCPFeedback: RTCPFeedbackConfig{
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
	}

	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
		Publisher:     publisherConfig,
		Subscriber:    subscriberConfig,
	}, nil
}
