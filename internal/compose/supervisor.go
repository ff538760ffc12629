// Package compose turns a room's published tracks into a single HLS
// broadcast: every eligible publisher is tapped onto local relay ports,
// an external transcoder stacks the tiles and mixes the audio, and the
// supervisor babysits the process from first segment to teardown.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
	"github.com/akosykh/stagecast/internal/rtc"
	"github.com/akosykh/stagecast/internal/sfu"
	"github.com/akosykh/stagecast/internal/telemetry"
)

// Supervisor owns at most one composition job per room. Explicit starts,
// stops and event-driven reconciliation all funnel through it.
type Supervisor struct {
	gw    engine.Gateway
	ports *rtc.PortsAllocator
	tc    Transcoder
	store BroadcastsDBStorer
	conf  config.ComposeConfig

	mu   sync.Mutex
	jobs map[core.RoomID]*Job
	last map[core.RoomID]JobInfo
}

// NewSupervisor wires the composition pipeline. store may be nil, which
// disables history persistence.
func NewSupervisor(gw engine.Gateway, tc Transcoder, store BroadcastsDBStorer, conf config.ComposeConfig) *Supervisor {
	return &Supervisor{
		gw:    gw,
		ports: rtc.NewPortsAllocator(conf.PortRangeStart, conf.PortRangeEnd),
		tc:    tc,
		store: store,
		conf:  conf,
		jobs:  make(map[core.RoomID]*Job),
		last:  make(map[core.RoomID]JobInfo),
	}
}

// Start launches the room's composition. The job slot is claimed before
// any resource work begins, so concurrent starts for one room converge
// on a single pipeline and all receive the same descriptor. More
// eligible publishers than tiles refuses with ErrCapacityExceeded and
// leaves nothing behind.
func (s *Supervisor) Start(room *sfu.Room) (Descriptor, error) {
	candidates := room.CompositionCandidates()
	if len(candidates) == 0 {
		return Descriptor{}, ErrNoCandidates
	}
	if len(candidates) > maxTiles {
		return Descriptor{}, fmt.Errorf("%d eligible sources: %w", len(candidates), ErrCapacityExceeded)
	}

	layout, err := layoutFor(len(candidates), s.conf.Width, s.conf.Height)
	if err != nil {
		return Descriptor{}, err
	}

	s.mu.Lock()
	if job, ok := s.jobs[room.ID]; ok {
		s.mu.Unlock()
		return job.Descriptor(), nil
	}
	job := newJob(room.ID, layout, s.conf.OutputDir, producerIDs(candidates))
	s.jobs[room.ID] = job
	delete(s.last, room.ID)
	s.mu.Unlock()

	log.Info().
		Str("service", "compose").
		Str("room_id", string(room.ID)).
		Str("layout", layout.ID).
		Int("sources", len(candidates)).
		Msg("starting composition")
	telemetry.CompositionStarted()

	go s.run(job, room, candidates)

	return job.Descriptor(), nil
}

// Stop dismantles the room's composition and waits until every tap,
// port and output file is gone. A room without a job is a no-op.
func (s *Supervisor) Stop(roomID core.RoomID) {
	s.mu.Lock()
	job, ok := s.jobs[roomID]
	s.mu.Unlock()
	if !ok {
		return
	}

	job.requestStop()
	<-job.done
}

// Status reports the room's active job, or the terminal snapshot of the
// last one.
func (s *Supervisor) Status(roomID core.RoomID) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[roomID]; ok {
		return job.Info(), true
	}
	info, ok := s.last[roomID]
	return info, ok
}

// Sync reconciles the room's composition with its current publishers:
// leaves a healthy job alone, restarts when a tapped source went away,
// starts one when sources became eligible. Called after every producer
// arrival and departure.
func (s *Supervisor) Sync(room *sfu.Room) {
	s.mu.Lock()
	job, running := s.jobs[room.ID]
	s.mu.Unlock()

	if running {
		if s.sourcesIntact(job, room) {
			return
		}
		log.Info().
			Str("service", "compose").
			Str("room_id", string(room.ID)).
			Msg("tapped source gone, recomposing")
		s.Stop(room.ID)
	}

	candidates := room.CompositionCandidates()
	if len(candidates) == 0 || len(candidates) > maxTiles {
		return
	}

	if _, err := s.Start(room); err != nil {
		log.Error().
			Err(err).
			Str("service", "compose").
			Str("room_id", string(room.ID)).
			Msg("composition autostart failed")
	}
}

// Shutdown stops every running job. Used on process exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]core.RoomID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// run is the job's pipeline goroutine: build the taps, launch the
// transcoder, wait for the first playable segment, then supervise the
// process until it exits or the job is stopped. Cleanup always runs
// here, exactly once.
func (s *Supervisor) run(job *Job, room *sfu.Room, candidates []sfu.Candidate) {
	defer close(job.done)
	defer s.cleanup(job)

	s.persistNew(job)

	startCtx, cancel := context.WithTimeout(job.ctx, s.conf.StartTimeout)
	defer cancel()

	if err := s.allocate(startCtx, job, candidates); err != nil {
		s.abort(job, room, "allocate", err)
		return
	}
	if err := s.launch(startCtx, job); err != nil {
		s.abort(job, room, "launch", err)
		return
	}

	s.warmup(job)

	if err := s.awaitFirstSegment(startCtx, job); err != nil {
		s.abort(job, room, "readiness", err)
		return
	}

	s.goLive(job, room)
	s.supervise(job, room)
}

// allocate builds one tap per candidate: a port quadruple, a relay
// transport and paused consumer per media kind, and the session
// descriptions the transcoder reads them from. Taps register on the job
// as soon as they hold any resource so cleanup can undo partial work.
func (s *Supervisor) allocate(ctx context.Context, job *Job, candidates []sfu.Candidate) error {
	caps, err := s.gw.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("engine capabilities: %w", err)
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for i, candidate := range candidates {
		quad, err := s.ports.AllocateQuad()
		if err != nil {
			return fmt.Errorf("tap ports for %s: %w", candidate.PeerID, err)
		}

		tile := job.Layout.Tiles[i]
		tap := &Tap{
			PeerID:        candidate.PeerID,
			VideoProducer: candidate.VideoProducer,
			AudioProducer: candidate.AudioProducer,
			Ports:         quad,
			Tile:          tile,
		}
		job.addTap(tap)

		var videoMedia engine.MediaParams
		tap.videoTransport, tap.videoConsumer, videoMedia, err = s.tapLeg(ctx, caps, candidate.VideoProducer, quad.VideoRTP, quad.VideoRTCP)
		if err != nil {
			return fmt.Errorf("video tap for %s: %w", candidate.PeerID, err)
		}

		var audioMedia engine.MediaParams
		tap.audioTransport, tap.audioConsumer, audioMedia, err = s.tapLeg(ctx, caps, candidate.AudioProducer, quad.AudioRTP, quad.AudioRTCP)
		if err != nil {
			return fmt.Errorf("audio tap for %s: %w", candidate.PeerID, err)
		}

		tap.videoSDP = filepath.Join(job.OutputDir, fmt.Sprintf("tap-%d-video.sdp", i))
		tap.audioSDP = filepath.Join(job.OutputDir, fmt.Sprintf("tap-%d-audio.sdp", i))

		videoDesc, err := tapSessionDescription(engine.MediaVideo, videoMedia, s.conf.RelayHost, quad.VideoRTP, quad.VideoRTCP, &tile)
		if err != nil {
			return fmt.Errorf("video tap description: %w", err)
		}
		audioDesc, err := tapSessionDescription(engine.MediaAudio, audioMedia, s.conf.RelayHost, quad.AudioRTP, quad.AudioRTCP, nil)
		if err != nil {
			return fmt.Errorf("audio tap description: %w", err)
		}

		if err := os.WriteFile(tap.videoSDP, videoDesc, 0o644); err != nil {
			return fmt.Errorf("write tap description: %w", err)
		}
		if err := os.WriteFile(tap.audioSDP, audioDesc, 0o644); err != nil {
			return fmt.Errorf("write tap description: %w", err)
		}
	}

	return nil
}

// tapLeg relays one producer onto a local port pair. The transport id
// is returned even on failure so the caller can record it for cleanup.
func (s *Supervisor) tapLeg(ctx context.Context, caps engine.Capabilities, producerID string, rtpPort, rtcpPort int) (string, string, engine.MediaParams, error) {
	t, err := s.gw.CreateTransport(ctx, engine.DirectionRelay)
	if err != nil {
		return "", "", engine.MediaParams{}, fmt.Errorf("create relay: %w", err)
	}

	connectParams, err := json.Marshal(map[string]interface{}{
		"ip":        s.conf.RelayHost,
		"port":      rtpPort,
		"rtcp_port": rtcpPort,
	})
	if err != nil {
		return t.ID, "", engine.MediaParams{}, err
	}
	if _, err := s.gw.ConnectTransport(ctx, t.ID, connectParams); err != nil {
		return t.ID, "", engine.MediaParams{}, fmt.Errorf("connect relay: %w", err)
	}

	consumer, err := s.gw.Consume(ctx, t.ID, producerID, caps)
	if err != nil {
		return t.ID, "", engine.MediaParams{}, fmt.Errorf("consume %s: %w", producerID, err)
	}

	return t.ID, consumer.ID, consumer.Media, nil
}

// launch starts the transcoder over the tap descriptions and unpauses
// the tap consumers so packets begin to flow.
func (s *Supervisor) launch(ctx context.Context, job *Job) error {
	taps := job.tapList()

	params := transcodeParams{
		Layout:         job.Layout,
		Framerate:      s.conf.Framerate,
		SegmentSeconds: s.conf.SegmentSeconds,
		OutputDir:      job.OutputDir,
	}
	for _, tap := range taps {
		params.VideoSDPs = append(params.VideoSDPs, tap.videoSDP)
		params.AudioSDPs = append(params.AudioSDPs, tap.audioSDP)
	}

	proc, err := s.tc.Start(buildTranscodeArgs(params))
	if err != nil {
		return fmt.Errorf("launch transcoder: %w", err)
	}
	job.setProcess(proc)
	job.setStatus(StatusAwaitingFirstSegment)

	for _, tap := range taps {
		if err := s.gw.ResumeConsumer(ctx, tap.videoConsumer); err != nil {
			return fmt.Errorf("resume video tap: %w", err)
		}
		if err := s.gw.ResumeConsumer(ctx, tap.audioConsumer); err != nil {
			return fmt.Errorf("resume audio tap: %w", err)
		}
	}

	return nil
}

// warmup nags the tapped publishers for keyframes until the decoder has
// had a fair chance to lock on. Ends with the warmup window or the job,
// whichever comes first.
func (s *Supervisor) warmup(job *Job) {
	go func() {
		ticker := time.NewTicker(s.conf.KeyframeInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(s.conf.KeyframeWarmup)
		defer deadline.Stop()

		s.requestKeyframes(job)
		for {
			select {
			case <-job.ctx.Done():
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				s.requestKeyframes(job)
			}
		}
	}()
}

func (s *Supervisor) requestKeyframes(job *Job) {
	for _, tap := range job.tapList() {
		if tap.videoConsumer == "" {
			continue
		}
		if err := s.gw.RequestKeyframe(job.ctx, tap.videoConsumer); err != nil {
			log.Debug().
				Err(err).
				Str("service", "compose").
				Str("room_id", string(job.RoomID)).
				Msg("keyframe request failed")
		}
	}
}

// awaitFirstSegment polls the output directory until the manifest
// references a segment that exists on disk. A process exit while
// waiting fails immediately instead of burning the whole deadline.
func (s *Supervisor) awaitFirstSegment(ctx context.Context, job *Job) error {
	proc := job.proc()

	ticker := time.NewTicker(s.conf.ReadinessPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no playable segment after %s: %w", s.conf.StartTimeout, ErrReadinessTimeout)
		case <-proc.Done():
			err := proc.Err()
			if err == nil {
				err = fmt.Errorf("exit status 0")
			}
			return fmt.Errorf("%w: %v", ErrProcessFailure, err)
		case <-ticker.C:
			if segmentReady(job.OutputDir) {
				return nil
			}
		}
	}
}

func (s *Supervisor) goLive(job *Job, room *sfu.Room) {
	job.setStatus(StatusLive)

	descriptor := job.Descriptor()
	log.Info().
		Str("service", "compose").
		Str("room_id", string(job.RoomID)).
		Str("playlist", descriptor.Playlist).
		Msg("composition live")
	telemetry.ServiceOperationCounter.WithLabelValues("composition_start", "success", "").Inc()

	room.Broadcast(rpc.NewCompositionReadyRpc(string(job.RoomID), descriptor.Playlist))
	s.persistLive(job)
}

// supervise watches a live job until the process dies or the job is
// stopped. An unrequested exit is a failure regardless of exit code.
func (s *Supervisor) supervise(job *Job, room *sfu.Room) {
	proc := job.proc()

	select {
	case <-proc.Done():
		if job.stopRequested() {
			return
		}
		err := proc.Err()
		if err == nil {
			err = fmt.Errorf("exit status 0")
		}
		s.abort(job, room, "process", fmt.Errorf("%w: %v", ErrProcessFailure, err))
	case <-job.ctx.Done():
	}
}

// abort marks the job failed and tells the room, unless the job was
// asked to stop, in which case the error is just the teardown biting.
func (s *Supervisor) abort(job *Job, room *sfu.Room, stage string, err error) {
	if job.stopRequested() {
		return
	}

	job.fail(err)
	log.Error().
		Err(err).
		Str("service", "compose").
		Str("room_id", string(job.RoomID)).
		Str("stage", stage).
		Msg("composition failed")
	telemetry.ServiceOperationCounter.WithLabelValues("composition_start", "error", stage).Inc()

	room.Broadcast(rpc.NewCompositionFailedRpc(string(job.RoomID), err.Error()))
}

// cleanup releases whatever the pipeline managed to build: the process,
// every tap's transports and ports, and the output directory. Tolerates
// partially constructed jobs.
func (s *Supervisor) cleanup(job *Job) {
	if job.Status() != StatusFailed {
		job.setStatus(StatusStopping)
	}

	if proc := job.proc(); proc != nil {
		proc.Stop(s.conf.StopGrace)
	}

	for _, tap := range job.tapList() {
		if tap.videoTransport != "" {
			if err := s.gw.CloseTransport(tap.videoTransport); err != nil {
				log.Error().
					Err(err).
					Str("service", "compose").
					Str("room_id", string(job.RoomID)).
					Msg("tap transport close failed")
			}
		}
		if tap.audioTransport != "" {
			if err := s.gw.CloseTransport(tap.audioTransport); err != nil {
				log.Error().
					Err(err).
					Str("service", "compose").
					Str("room_id", string(job.RoomID)).
					Msg("tap transport close failed")
			}
		}
		s.ports.DeallocateQuad(tap.Ports)
	}

	if err := os.RemoveAll(job.OutputDir); err != nil {
		log.Error().
			Err(err).
			Str("service", "compose").
			Str("room_id", string(job.RoomID)).
			Msg("output dir removal failed")
	}

	if job.Status() != StatusFailed {
		job.setStatus(StatusStopped)
	}
	info := job.Info()

	s.mu.Lock()
	delete(s.jobs, job.RoomID)
	s.last[job.RoomID] = info
	s.mu.Unlock()

	s.persistFinished(job, info)
	telemetry.CompositionStopped()

	log.Info().
		Str("service", "compose").
		Str("room_id", string(job.RoomID)).
		Str("status", string(info.Status)).
		Msg("composition closed")
}

func (s *Supervisor) sourcesIntact(job *Job, room *sfu.Room) bool {
	for _, producerID := range job.sources {
		if !room.HasProducer(producerID) {
			return false
		}
	}
	return true
}

func (s *Supervisor) persistNew(job *Job) {
	if s.store == nil {
		return
	}

	record := &Broadcast{
		ID:        job.ID,
		RoomID:    string(job.RoomID),
		Layout:    job.Layout.ID,
		Playlist:  job.Playlist,
		Status:    string(StatusAllocating),
		StartedAt: job.StartedAt,
	}
	if err := s.store.Save(record); err != nil {
		log.Error().
			Err(err).
			Str("service", "compose").
			Str("room_id", string(job.RoomID)).
			Msg("history insert failed")
	}
}

func (s *Supervisor) persistLive(job *Job) {
	if s.store == nil {
		return
	}
	if err := s.store.SetLive(job.ID); err != nil {
		log.Error().
			Err(err).
			Str("service", "compose").
			Str("room_id", string(job.RoomID)).
			Msg("history update failed")
	}
}

func (s *Supervisor) persistFinished(job *Job, info JobInfo) {
	if s.store == nil {
		return
	}
	if err := s.store.SetFinished(job.ID, info.Status, info.Detail); err != nil {
		log.Error().
			Err(err).
			Str("service", "compose").
			Str("room_id", string(job.RoomID)).
			Msg("history update failed")
	}
}

func producerIDs(candidates []sfu.Candidate) []string {
	ids := make([]string, 0, 2*len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.VideoProducer, candidate.AudioProducer)
	}
	return ids
}

// segmentReady reports whether the manifest references a segment that
// is actually on disk.
func segmentReady(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return false
	}
	segment := firstSegment(data)
	if segment == "" {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, segment))
	return err == nil
}

// firstSegment returns the first segment URI in an HLS manifest, or ""
// when the manifest has no media lines yet.
func firstSegment(manifest []byte) string {
	for _, line := range strings.Split(string(manifest), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}
