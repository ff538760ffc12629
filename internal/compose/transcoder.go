package compose

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Transcoder launches the external compositor.
type Transcoder interface {
	Start(args []string) (Process, error)
}

// Process is one running compositor instance.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err reports the exit error. Meaningful after Done is closed.
	Err() error
	// Stop asks the process to finish and kills it after the grace period.
	Stop(grace time.Duration)
}

// FFmpeg runs compositions through an ffmpeg binary.
type FFmpeg struct {
	path string
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

func (f *FFmpeg) Start(args []string) (Process, error) {
	cmd := exec.Command(f.path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", f.path, err)
	}

	proc := &ffmpegProcess{
		cmd:    cmd,
		stderr: &stderr,
		exited: make(chan struct{}),
	}
	go proc.wait()

	return proc, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	exited chan struct{}

	mu  sync.Mutex
	err error
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		if tail := lastLine(p.stderr.String()); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
	}

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.exited)
}

func (p *ffmpegProcess) Done() <-chan struct{} {
	return p.exited
}

func (p *ffmpegProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *ffmpegProcess) Stop(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}

	// SIGTERM lets ffmpeg finalize the manifest before dying.
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.exited:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
