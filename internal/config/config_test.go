package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	conf := NewConfig()

	assert.Equal(t, ":3001", conf.HTTP.Addr)
	assert.Equal(t, ":3002", conf.WS.Addr)
	assert.Equal(t, int64(1024), conf.WS.MaxMessageSize)
	assert.Equal(t, "redis", conf.Bus.Driver)
	assert.Equal(t, "localhost:6379", conf.Redis.Addr)
	assert.Empty(t, conf.DB.DSN)

	assert.Equal(t, uint32(50000), conf.RTC.ICEPortRangeStart)
	assert.Equal(t, uint32(60000), conf.RTC.ICEPortRangeEnd)

	require.Len(t, conf.Peer.EnabledCodecs, 2)
	assert.Equal(t, webrtc.MimeTypeOpus, conf.Peer.EnabledCodecs[0].Mime)
	assert.Equal(t, webrtc.MimeTypeVP8, conf.Peer.EnabledCodecs[1].Mime)

	assert.Equal(t, "ffmpeg", conf.Compose.FFmpegPath)
	assert.Equal(t, 40000, conf.Compose.PortRangeStart)
	assert.Equal(t, 1280, conf.Compose.Width)
	assert.Equal(t, 720, conf.Compose.Height)
	assert.Equal(t, 2, conf.Compose.SegmentSeconds)
	assert.Equal(t, 30*time.Second, conf.Compose.StartTimeout)
	assert.Equal(t, 250*time.Millisecond, conf.Compose.ReadinessPoll)
	assert.Equal(t, 5*time.Second, conf.Compose.StopGrace)
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
http:
  addr: ":8080"
compose:
  segment_seconds: 4
  start_timeout: 1m
peer:
  enabled_codecs:
    - mime: audio/opus
    - mime: video/VP8
    - mime: video/VP9
      fmtp_line: profile-id=0
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", conf.HTTP.Addr)
	assert.Equal(t, 4, conf.Compose.SegmentSeconds)
	assert.Equal(t, time.Minute, conf.Compose.StartTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, ":3002", conf.WS.Addr)

	require.Len(t, conf.Peer.EnabledCodecs, 3)
	assert.Equal(t, "video/VP9", conf.Peer.EnabledCodecs[2].Mime)
	assert.Equal(t, "profile-id=0", conf.Peer.EnabledCodecs[2].FmtpLine)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STAGECAST_HTTP_ADDR", ":9999")
	t.Setenv("STAGECAST_BUS_DRIVER", "nats")

	conf, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", conf.HTTP.Addr)
	assert.Equal(t, "nats", conf.Bus.Driver)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewWebRTCConfig(t *testing.T) {
	conf, err := NewWebRTCConfig(NewConfig())
	require.NoError(t, err)

	assert.Equal(t, webrtc.SDPSemanticsUnifiedPlan, conf.Configuration.SDPSemantics)
	assert.Len(t, conf.Configuration.ICEServers, len(DefaultStunServers))
	assert.NotEmpty(t, conf.Publisher.RTPHeaderExtension.Video)
	assert.NotEmpty(t, conf.Subscriber.RTCPFeedback.Video)
}
