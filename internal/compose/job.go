package compose

import (
	"context"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/rtc"
)

type JobStatus string

const (
	StatusAllocating           JobStatus = "allocating"
	StatusAwaitingFirstSegment JobStatus = "awaiting_first_segment"
	StatusLive                 JobStatus = "live"
	StatusStopping             JobStatus = "stopping"
	StatusStopped              JobStatus = "stopped"
	StatusFailed               JobStatus = "failed"
)

// Active reports whether a job in this state still holds taps and relay
// ports.
func (s JobStatus) Active() bool {
	switch s {
	case StatusAllocating, StatusAwaitingFirstSegment, StatusLive, StatusStopping:
		return true
	}
	return false
}

// Descriptor is the stable output address of a room's composed
// broadcast. Equal for every start request against the same room.
type Descriptor struct {
	RoomID   core.RoomID `json:"room_id"`
	Layout   string      `json:"layout"`
	Playlist string      `json:"playlist"`
}

// JobInfo is a point-in-time snapshot of a job for status queries.
type JobInfo struct {
	RoomID    core.RoomID `json:"room_id"`
	Status    JobStatus   `json:"status"`
	Layout    string      `json:"layout"`
	Playlist  string      `json:"playlist"`
	Detail    string      `json:"detail,omitempty"`
	StartedAt time.Time   `json:"started_at"`
}

// Tap pins one publisher's media pair to a pair of relay transports and
// a local port quadruple.
type Tap struct {
	PeerID        core.PeerID
	VideoProducer string
	AudioProducer string

	Ports rtc.PortQuadruple
	Tile  Tile

	videoTransport string
	audioTransport string
	videoConsumer  string
	audioConsumer  string

	videoSDP string
	audioSDP string
}

// Job is one composition lifecycle. The pipeline goroutine owns
// construction and teardown; everything else reads through the
// mutex-guarded accessors.
type Job struct {
	ID     string
	RoomID core.RoomID
	Layout Layout

	OutputDir string
	Playlist  string
	StartedAt time.Time

	// sources lists the producer ids the job composes, fixed at start.
	sources []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  JobStatus
	detail  string
	taps    []*Tap
	process Process
}

func newJob(roomID core.RoomID, layout Layout, outputRoot string, sources []string) *Job {
	ctx, cancel := context.WithCancel(context.Background())

	return &Job{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Layout:    layout,
		OutputDir: filepath.Join(outputRoot, string(roomID)),
		Playlist:  path.Join("/hls", string(roomID), manifestName),
		StartedAt: time.Now(),
		sources:   sources,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusAllocating,
	}
}

func (j *Job) Descriptor() Descriptor {
	return Descriptor{
		RoomID:   j.RoomID,
		Layout:   j.Layout.ID,
		Playlist: j.Playlist,
	}
}

func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	return JobInfo{
		RoomID:    j.RoomID,
		Status:    j.status,
		Layout:    j.Layout.ID,
		Playlist:  j.Playlist,
		Detail:    j.detail,
		StartedAt: j.StartedAt,
	}
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(status JobStatus) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
}

// fail records the first failure; later ones keep the original cause.
func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status == StatusFailed {
		return
	}
	j.status = StatusFailed
	j.detail = err.Error()
}

func (j *Job) addTap(tap *Tap) {
	j.mu.Lock()
	j.taps = append(j.taps, tap)
	j.mu.Unlock()
}

func (j *Job) tapList() []*Tap {
	j.mu.Lock()
	defer j.mu.Unlock()

	taps := make([]*Tap, len(j.taps))
	copy(taps, j.taps)
	return taps
}

func (j *Job) setProcess(p Process) {
	j.mu.Lock()
	j.process = p
	j.mu.Unlock()
}

func (j *Job) proc() Process {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.process
}

// requestStop flips the job into teardown. Terminal statuses stay put.
func (j *Job) requestStop() {
	j.mu.Lock()
	if j.status != StatusStopped && j.status != StatusFailed {
		j.status = StatusStopping
	}
	j.mu.Unlock()

	j.cancel()
}

func (j *Job) stopRequested() bool {
	return j.ctx.Err() != nil
}
