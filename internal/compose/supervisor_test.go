package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/engine/enginetest"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
	"github.com/akosykh/stagecast/internal/sfu"
)

// fakeTranscoder records launches and hands out controllable processes.
type fakeTranscoder struct {
	mu       sync.Mutex
	starts   [][]string
	procs    []*fakeProcess
	startErr error
	onStart  func(args []string)
}

func (f *fakeTranscoder) Start(args []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}

	argsCopy := append([]string(nil), args...)
	f.starts = append(f.starts, argsCopy)
	if f.onStart != nil {
		f.onStart(argsCopy)
	}

	proc := &fakeProcess{exited: make(chan struct{})}
	f.procs = append(f.procs, proc)
	return proc, nil
}

func (f *fakeTranscoder) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeTranscoder) lastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.starts) == 0 {
		return nil
	}
	return f.starts[len(f.starts)-1]
}

func (f *fakeTranscoder) lastProc() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

type fakeProcess struct {
	mu     sync.Mutex
	exited chan struct{}
	err    error
	done   bool
	stops  int
	grace  time.Duration
}

func (p *fakeProcess) Done() <-chan struct{} { return p.exited }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Stop(grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.grace = grace
	if !p.done {
		p.done = true
		close(p.exited)
	}
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		p.err = err
		p.done = true
		close(p.exited)
	}
}

func (p *fakeProcess) stopCalls() (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops, p.grace
}

// fakeStore records history calls in order.
type fakeStore struct {
	mu       sync.Mutex
	saved    []Broadcast
	live     []string
	finished []finishedCall
}

type finishedCall struct {
	id     string
	status JobStatus
	detail string
}

func (s *fakeStore) Save(b *Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *b)
	return nil
}

func (s *fakeStore) SetLive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = append(s.live, id)
	return nil
}

func (s *fakeStore) SetFinished(id string, status JobStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, finishedCall{id: id, status: status, detail: detail})
	return nil
}

func (s *fakeStore) GetAll(page int, perPage int) ([]*Broadcast, error) {
	return nil, nil
}

// blockingGateway parks Consume calls until the gate opens, so tests can
// freeze a job mid construction.
type blockingGateway struct {
	*enginetest.Gateway
	gate chan struct{}
}

func (g *blockingGateway) Consume(ctx context.Context, transportID, producerID string, caps engine.Capabilities) (engine.Consumer, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return engine.Consumer{}, ctx.Err()
	}
	return g.Gateway.Consume(ctx, transportID, producerID, caps)
}

type composeEnv struct {
	gw   *enginetest.Gateway
	bus  *eventbus.LocalBus
	reg  *sfu.Registry
	tc   *fakeTranscoder
	sup  *Supervisor
	conf config.ComposeConfig
}

func testComposeConfig(t *testing.T) config.ComposeConfig {
	t.Helper()

	return config.ComposeConfig{
		OutputDir:        t.TempDir(),
		RelayHost:        "127.0.0.1",
		PortRangeStart:   42000,
		PortRangeEnd:     42255,
		Width:            1280,
		Height:           720,
		Framerate:        30,
		SegmentSeconds:   2,
		StartTimeout:     2 * time.Second,
		ReadinessPoll:    10 * time.Millisecond,
		KeyframeInterval: 20 * time.Millisecond,
		KeyframeWarmup:   500 * time.Millisecond,
		StopGrace:        time.Second,
	}
}

func newComposeEnv(t *testing.T, mutate func(*config.ComposeConfig)) *composeEnv {
	t.Helper()

	conf := testComposeConfig(t)
	if mutate != nil {
		mutate(&conf)
	}

	gw := enginetest.New()
	bus := eventbus.NewLocalBus()
	tc := &fakeTranscoder{onStart: writeHLSOutput(t)}
	sup := NewSupervisor(gw, tc, nil, conf)
	t.Cleanup(sup.Shutdown)

	return &composeEnv{
		gw:   gw,
		bus:  bus,
		reg:  sfu.NewRegistry(gw, bus),
		tc:   tc,
		sup:  sup,
		conf: conf,
	}
}

// writeHLSOutput simulates the transcoder reaching its first segment the
// moment it starts.
func writeHLSOutput(t *testing.T) func(args []string) {
	t.Helper()

	return func(args []string) {
		if len(args) == 0 {
			return
		}
		dir := filepath.Dir(args[len(args)-1])

		segment := "segment_00000.ts"
		if err := os.WriteFile(filepath.Join(dir, segment), []byte{0x47}, 0o644); err != nil {
			t.Error(err)
			return
		}
		manifest := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.000,\n" + segment + "\n"
		if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(manifest), 0o644); err != nil {
			t.Error(err)
		}
	}
}

func (e *composeEnv) addPublisher(t *testing.T, room *sfu.Room, peerID string) {
	t.Helper()

	ctx := context.Background()
	caps, err := e.gw.Capabilities(ctx)
	require.NoError(t, err)

	participant, err := room.Join(core.PeerID(peerID), false, caps)
	require.NoError(t, err)

	transport, err := participant.CreateTransport(ctx, engine.DirectionSend)
	require.NoError(t, err)

	_, err = participant.Produce(ctx, transport.ID, engine.MediaVideo, engine.MediaParams{MimeType: "video/VP8"}, nil)
	require.NoError(t, err)
	_, err = participant.Produce(ctx, transport.ID, engine.MediaAudio, engine.MediaParams{MimeType: "audio/opus"}, nil)
	require.NoError(t, err)
}

func (e *composeEnv) publishingRoom(t *testing.T, roomID string, publishers int) *sfu.Room {
	t.Helper()

	room := e.reg.CreateOrGet(core.RoomID(roomID))
	for i := 0; i < publishers; i++ {
		e.addPublisher(t, room, fmt.Sprintf("peer-%d", i))
	}
	return room
}

func awaitStatus(t *testing.T, sup *Supervisor, roomID core.RoomID, want JobStatus) JobInfo {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := sup.Status(roomID); ok && info.Status == want {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}

	info, ok := sup.Status(roomID)
	t.Fatalf("room %s never reached %s (known=%v info=%+v)", roomID, want, ok, info)
	return JobInfo{}
}

func awaitRpcMethod(t *testing.T, sub eventbus.Subscription, method rpc.Method) json.RawMessage {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-sub.Channel():
			var head struct {
				Method rpc.Method `json:"method"`
			}
			require.NoError(t, json.Unmarshal(msg.Payload, &head))
			if head.Method == method {
				return msg.Payload
			}
		case <-deadline:
			t.Fatalf("no %s rpc arrived", method)
		}
	}
}

func TestSupervisorStartComposesRoom(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 2)

	sub, err := env.bus.SubscribeClient("peer-0")
	require.NoError(t, err)
	defer sub.Close()

	descriptor, err := env.sup.Start(room)
	require.NoError(t, err)
	assert.Equal(t, core.RoomID("room-1"), descriptor.RoomID)
	assert.Equal(t, "side_by_side", descriptor.Layout)
	assert.Equal(t, "/hls/room-1/index.m3u8", descriptor.Playlist)

	awaitStatus(t, env.sup, room.ID, StatusLive)

	// two publisher send transports plus two relay transports per tap
	assert.Equal(t, 6, env.gw.OpenTransports())
	assert.Equal(t, 1, env.tc.startCount())

	// every tap consumer was unpaused once the process was up
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		assert.False(t, env.gw.Paused(id), "consumer %s still paused", id)
	}

	// warm-up keyframes target the video consumers only
	requests := env.gw.KeyframeRequests()
	assert.NotEmpty(t, requests)
	for _, id := range requests {
		assert.Contains(t, []string{"c1", "c3"}, id)
	}

	// the first relay was pointed at one of the allocated quadruples
	var target struct {
		IP       string `json:"ip"`
		Port     int    `json:"port"`
		RTCPPort int    `json:"rtcp_port"`
	}
	require.NoError(t, json.Unmarshal(env.gw.ConnectedBlob("t3"), &target))
	assert.Equal(t, "127.0.0.1", target.IP)
	assert.GreaterOrEqual(t, target.Port, env.conf.PortRangeStart)
	assert.Less(t, target.Port, env.conf.PortRangeEnd)
	assert.Equal(t, 0, target.Port%2)
	assert.Equal(t, target.Port+1, target.RTCPPort)

	// tap descriptions are on disk next to the output
	jobDir := filepath.Join(env.conf.OutputDir, "room-1")
	for _, name := range []string{"tap-0-video.sdp", "tap-0-audio.sdp", "tap-1-video.sdp", "tap-1-audio.sdp"} {
		_, err := os.Stat(filepath.Join(jobDir, name))
		assert.NoError(t, err, name)
	}

	payload := awaitRpcMethod(t, sub, rpc.CompositionReadyMethod)
	var ready rpc.CompositionReadyRpc
	require.NoError(t, json.Unmarshal(payload, &ready))
	assert.Equal(t, "room-1", ready.Params.RoomID)
	assert.Equal(t, "/hls/room-1/index.m3u8", ready.Params.Playlist)
}

func TestSupervisorStartIsIdempotent(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 2)

	first, err := env.sup.Start(room)
	require.NoError(t, err)
	awaitStatus(t, env.sup, room.ID, StatusLive)

	second, err := env.sup.Start(room)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.tc.startCount())
}

func TestSupervisorConcurrentStartsConverge(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 3)

	const starters = 8
	descriptors := make([]Descriptor, starters)
	errs := make([]error, starters)

	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			descriptors[i], errs[i] = env.sup.Start(room)
		}(i)
	}
	wg.Wait()

	for i := 0; i < starters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, descriptors[0], descriptors[i])
	}

	awaitStatus(t, env.sup, room.ID, StatusLive)
	assert.Equal(t, 1, env.tc.startCount())
}

func TestSupervisorRefusesOverCapacity(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 5)

	freeBefore := env.sup.ports.Free()

	_, err := env.sup.Start(room)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// nothing was claimed: no job, no process, no relays, no ports, no files
	_, known := env.sup.Status(room.ID)
	assert.False(t, known)
	assert.Equal(t, 0, env.tc.startCount())
	assert.Equal(t, 5, env.gw.OpenTransports())
	assert.Equal(t, freeBefore, env.sup.ports.Free())

	entries, err := os.ReadDir(env.conf.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSupervisorStartNeedsCompletePairs(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.reg.CreateOrGet(core.RoomID("room-1"))

	// video-only publisher is not eligible
	ctx := context.Background()
	caps, err := env.gw.Capabilities(ctx)
	require.NoError(t, err)
	participant, err := room.Join(core.PeerID("peer-0"), false, caps)
	require.NoError(t, err)
	transport, err := participant.CreateTransport(ctx, engine.DirectionSend)
	require.NoError(t, err)
	_, err = participant.Produce(ctx, transport.ID, engine.MediaVideo, engine.MediaParams{MimeType: "video/VP8"}, nil)
	require.NoError(t, err)

	_, err = env.sup.Start(room)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSupervisorStopMidAllocation(t *testing.T) {
	conf := testComposeConfig(t)
	gw := enginetest.New()
	blocked := &blockingGateway{Gateway: gw, gate: make(chan struct{})}
	tc := &fakeTranscoder{}
	sup := NewSupervisor(blocked, tc, nil, conf)
	t.Cleanup(sup.Shutdown)

	reg := sfu.NewRegistry(gw, eventbus.NewLocalBus())
	env := &composeEnv{gw: gw, reg: reg, tc: tc, sup: sup, conf: conf}
	room := env.publishingRoom(t, "room-1", 2)

	freeBefore := sup.ports.Free()

	_, err := sup.Start(room)
	require.NoError(t, err)

	// the pipeline is now parked inside the first Consume call
	stopped := make(chan struct{})
	go func() {
		sup.Stop(room.ID)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop never finished")
	}

	info, known := sup.Status(room.ID)
	require.True(t, known)
	assert.Equal(t, StatusStopped, info.Status)

	// partial construction was fully unwound
	assert.Equal(t, 0, tc.startCount())
	assert.Equal(t, 2, gw.OpenTransports(), "only the publisher send transports survive")
	assert.Equal(t, freeBefore, sup.ports.Free())

	_, err = os.Stat(filepath.Join(conf.OutputDir, "room-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorReadinessTimeout(t *testing.T) {
	env := newComposeEnv(t, func(conf *config.ComposeConfig) {
		conf.StartTimeout = 150 * time.Millisecond
	})
	env.tc.onStart = nil // transcoder runs but never produces a segment

	room := env.publishingRoom(t, "room-1", 1)

	sub, err := env.bus.SubscribeClient("peer-0")
	require.NoError(t, err)
	defer sub.Close()

	_, err = env.sup.Start(room)
	require.NoError(t, err)

	info := awaitStatus(t, env.sup, room.ID, StatusFailed)
	assert.Contains(t, info.Detail, ErrReadinessTimeout.Error())

	proc := env.tc.lastProc()
	require.NotNil(t, proc)
	stops, grace := proc.stopCalls()
	assert.Equal(t, 1, stops)
	assert.Equal(t, env.conf.StopGrace, grace)

	// the room was told about the failure
	awaitRpcMethod(t, sub, rpc.CompositionFailedMethod)

	// and everything was unwound
	assert.Equal(t, 1, env.gw.OpenTransports())
	_, err = os.Stat(filepath.Join(env.conf.OutputDir, "room-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorProcessExitFailsJob(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 2)

	_, err := env.sup.Start(room)
	require.NoError(t, err)
	awaitStatus(t, env.sup, room.ID, StatusLive)

	env.tc.lastProc().exit(errors.New("exit status 1: rtp timeout"))

	info := awaitStatus(t, env.sup, room.ID, StatusFailed)
	assert.Contains(t, info.Detail, ErrProcessFailure.Error())
	assert.Contains(t, info.Detail, "rtp timeout")

	assert.Equal(t, 2, env.gw.OpenTransports())
	_, err = os.Stat(filepath.Join(env.conf.OutputDir, "room-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorStopRemovesEverything(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 2)

	_, err := env.sup.Start(room)
	require.NoError(t, err)
	awaitStatus(t, env.sup, room.ID, StatusLive)

	freeBefore := env.sup.ports.Free()

	env.sup.Stop(room.ID)

	info, known := env.sup.Status(room.ID)
	require.True(t, known)
	assert.Equal(t, StatusStopped, info.Status)

	assert.Equal(t, 2, env.gw.OpenTransports())
	assert.Equal(t, freeBefore+2, env.sup.ports.Free(), "both tap quadruples returned")

	_, err = os.Stat(filepath.Join(env.conf.OutputDir, "room-1"))
	assert.True(t, os.IsNotExist(err))

	// repeated stops are no-ops
	env.sup.Stop(room.ID)
	env.sup.Stop(core.RoomID("never-existed"))
}

func TestSupervisorSyncStartsWhenEligible(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 1)

	env.sup.Sync(room)

	info := awaitStatus(t, env.sup, room.ID, StatusLive)
	assert.Equal(t, "full", info.Layout)
	assert.Equal(t, 1, env.tc.startCount())
}

func TestSupervisorSyncLeavesHealthyJobAlone(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 2)

	env.sup.Sync(room)
	awaitStatus(t, env.sup, room.ID, StatusLive)

	env.sup.Sync(room)
	env.sup.Sync(room)

	assert.Equal(t, 1, env.tc.startCount())
	info, _ := env.sup.Status(room.ID)
	assert.Equal(t, StatusLive, info.Status)
}

func TestSupervisorSyncRecomposesOnSourceLoss(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 2)

	env.sup.Sync(room)
	awaitStatus(t, env.sup, room.ID, StatusLive)
	first, _ := env.sup.Status(room.ID)
	assert.Equal(t, "side_by_side", first.Layout)

	_, err := room.Leave(core.PeerID("peer-1"))
	require.NoError(t, err)

	env.sup.Sync(room)

	info := awaitStatus(t, env.sup, room.ID, StatusLive)
	assert.Equal(t, "full", info.Layout)
	assert.Equal(t, 2, env.tc.startCount())
}

func TestSupervisorSyncIgnoresOverCapacity(t *testing.T) {
	env := newComposeEnv(t, nil)
	room := env.publishingRoom(t, "room-1", 5)

	env.sup.Sync(room)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, env.tc.startCount())
	_, known := env.sup.Status(room.ID)
	assert.False(t, known)
}

func TestSupervisorShutdownStopsAllJobs(t *testing.T) {
	env := newComposeEnv(t, nil)
	roomA := env.publishingRoom(t, "room-a", 1)
	roomB := env.publishingRoom(t, "room-b", 2)

	_, err := env.sup.Start(roomA)
	require.NoError(t, err)
	_, err = env.sup.Start(roomB)
	require.NoError(t, err)
	awaitStatus(t, env.sup, roomA.ID, StatusLive)
	awaitStatus(t, env.sup, roomB.ID, StatusLive)

	env.sup.Shutdown()

	infoA, _ := env.sup.Status(roomA.ID)
	infoB, _ := env.sup.Status(roomB.ID)
	assert.Equal(t, StatusStopped, infoA.Status)
	assert.Equal(t, StatusStopped, infoB.Status)

	// only the three publisher send transports remain
	assert.Equal(t, 3, env.gw.OpenTransports())
}

func TestSupervisorRecordsHistory(t *testing.T) {
	conf := testComposeConfig(t)
	gw := enginetest.New()
	tc := &fakeTranscoder{onStart: writeHLSOutput(t)}
	store := &fakeStore{}
	sup := NewSupervisor(gw, tc, store, conf)
	t.Cleanup(sup.Shutdown)

	env := &composeEnv{gw: gw, reg: sfu.NewRegistry(gw, eventbus.NewLocalBus()), tc: tc, sup: sup, conf: conf}
	room := env.publishingRoom(t, "room-1", 1)

	_, err := sup.Start(room)
	require.NoError(t, err)
	awaitStatus(t, sup, room.ID, StatusLive)

	sup.Stop(room.ID)

	store.mu.Lock()
	defer store.mu.Unlock()

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, "room-1", saved.RoomID)
	assert.Equal(t, "full", saved.Layout)
	assert.Equal(t, "/hls/room-1/index.m3u8", saved.Playlist)
	assert.Equal(t, string(StatusAllocating), saved.Status)

	require.Len(t, store.live, 1)
	assert.Equal(t, saved.ID, store.live[0])

	require.Len(t, store.finished, 1)
	assert.Equal(t, saved.ID, store.finished[0].id)
	assert.Equal(t, StatusStopped, store.finished[0].status)
	assert.Empty(t, store.finished[0].detail)
}
