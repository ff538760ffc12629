package bot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "video.ivf")
	audioPath := filepath.Join(dir, "audio.ogg")
	writeIVF(t, videoPath, "VP80", 1, 1000, [][]byte{{0x01}})
	writeOgg(t, audioPath, 1)

	t.Run("requires the video file", func(t *testing.T) {
		_, err := New("ws://localhost/ws", "room-1", filepath.Join(dir, "absent.ivf"), audioPath)
		assert.Error(t, err)
	})

	t.Run("requires the audio file", func(t *testing.T) {
		_, err := New("ws://localhost/ws", "room-1", videoPath, filepath.Join(dir, "absent.ogg"))
		assert.Error(t, err)
	})

	t.Run("accepts existing media", func(t *testing.T) {
		b, err := New("ws://localhost/ws", "room-1", videoPath, audioPath)
		require.NoError(t, err)
		assert.NotNil(t, b)
	})
}

// TestBotSignalsPublishIntent drives the probe against a scripted signaling
// server: the bot has to join the room as a publisher, ask for a send
// transport and stop once the server reports an error.
func TestBotSignalsPublishIntent(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "video.ivf")
	audioPath := filepath.Join(dir, "audio.ogg")
	writeIVF(t, videoPath, "VP80", 1, 1000, [][]byte{{0x01}})
	writeOgg(t, audioPath, 1)

	inbound := make(chan []byte, 8)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			inbound <- payload

			head := struct {
				Method rpc.Method `json:"method"`
			}{}
			if err := json.Unmarshal(payload, &head); err != nil {
				t.Errorf("malformed client frame: %v", err)
				return
			}

			switch head.Method {
			case rpc.JoinMethod:
				writeRpc(t, conn, rpc.NewJoinedRpc("room-1", "peer-1", engine.Capabilities{}))
			case rpc.CreateTransportMethod:
				writeRpc(t, conn, rpc.NewErrorRpc(rpc.ErrCodeInternal, "probe rejected", rpc.CreateTransportMethod))
			}
		}
	}))
	defer server.Close()

	b, err := New("ws"+strings.TrimPrefix(server.URL, "http"), "room-1", videoPath, audioPath)
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- b.Start() }()

	join := nextFrame(t, inbound)
	expectedJoin, err := rpc.NewJoinRpc("room-1", false).ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(expectedJoin), string(join))

	create := nextFrame(t, inbound)
	expectedCreate, err := rpc.NewCreateTransportRpc("send").ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(expectedCreate), string(create))

	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop after the server error")
	}
}

func TestPlayVideoFile(t *testing.T) {
	dir := t.TempDir()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: videoClockRate,
	}, "video", botStreamID)
	require.NoError(t, err)

	t.Run("plays every frame and stops at EOF", func(t *testing.T) {
		path := filepath.Join(dir, "ok.ivf")
		writeIVF(t, path, "VP80", 1, 1000, [][]byte{{0x01}, {0x02}, {0x03}})

		b := &Bot{videoPath: path, videoTrack: track}
		require.NoError(t, b.playVideoFile())
	})

	t.Run("rejects non-vp8 files", func(t *testing.T) {
		path := filepath.Join(dir, "vp9.ivf")
		writeIVF(t, path, "VP90", 1, 1000, [][]byte{{0x01}})

		b := &Bot{videoPath: path, videoTrack: track}
		err := b.playVideoFile()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported ivf codec")
	})

	t.Run("rejects files without a timebase", func(t *testing.T) {
		path := filepath.Join(dir, "zero.ivf")
		writeIVF(t, path, "VP80", 0, 1000, [][]byte{{0x01}})

		b := &Bot{videoPath: path, videoTrack: track}
		assert.Error(t, b.playVideoFile())
	})

	t.Run("rejects files that are not ivf", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.ivf")
		require.NoError(t, os.WriteFile(path, []byte("no"), 0o644))

		b := &Bot{videoPath: path, videoTrack: track}
		assert.Error(t, b.playVideoFile())
	})
}

func TestPlayAudioFile(t *testing.T) {
	dir := t.TempDir()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  2,
	}, "audio", botStreamID)
	require.NoError(t, err)

	t.Run("plays every page and stops at EOF", func(t *testing.T) {
		path := filepath.Join(dir, "ok.ogg")
		writeOgg(t, path, 3)

		b := &Bot{audioPath: path, audioTrack: track}
		require.NoError(t, b.playAudioFile())
	})

	t.Run("rejects files that are not ogg", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.ogg")
		require.NoError(t, os.WriteFile(path, []byte("no"), 0o644))

		b := &Bot{audioPath: path, audioTrack: track}
		assert.Error(t, b.playAudioFile())
	})
}

func nextFrame(t *testing.T, inbound <-chan []byte) []byte {
	t.Helper()

	select {
	case payload := <-inbound:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("no client frame arrived")
		return nil
	}
}

func writeRpc(t *testing.T, conn *websocket.Conn, msg rpc.Rpc) {
	t.Helper()

	payload, err := msg.ToJSON()
	if err != nil {
		t.Errorf("marshal %s: %v", msg.GetMethod(), err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Errorf("write %s: %v", msg.GetMethod(), err)
	}
}

// writeIVF builds a minimal IVF container: the 32 byte file header followed
// by 12 byte frame headers and their payloads.
func writeIVF(t *testing.T, path, fourCC string, timebaseNum, timebaseDen uint32, frames [][]byte) {
	t.Helper()

	buf := &bytes.Buffer{}
	buf.WriteString("DKIF")
	binary.Write(buf, binary.LittleEndian, uint16(0))  // version
	binary.Write(buf, binary.LittleEndian, uint16(32)) // header size
	buf.WriteString(fourCC)
	binary.Write(buf, binary.LittleEndian, uint16(320)) // width
	binary.Write(buf, binary.LittleEndian, uint16(240)) // height
	binary.Write(buf, binary.LittleEndian, timebaseDen)
	binary.Write(buf, binary.LittleEndian, timebaseNum)
	binary.Write(buf, binary.LittleEndian, uint32(len(frames)))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // unused

	for i, frame := range frames {
		binary.Write(buf, binary.LittleEndian, uint32(len(frame)))
		binary.Write(buf, binary.LittleEndian, uint64(i))
		buf.Write(frame)
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeOgg(t *testing.T, path string, packets int) {
	t.Helper()

	writer, err := oggwriter.New(path, opusSampleRate, 2)
	require.NoError(t, err)

	for i := 0; i < packets; i++ {
		require.NoError(t, writer.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}))
	}

	require.NoError(t, writer.Close())
}
