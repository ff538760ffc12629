package compose

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script standing in for ffmpeg.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func awaitExit(t *testing.T, proc Process) {
	t.Helper()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
}

func TestFFmpegProcessRunsToCompletion(t *testing.T) {
	tc := NewFFmpeg(writeScript(t, "exit 0"))

	proc, err := tc.Start(nil)
	require.NoError(t, err)

	awaitExit(t, proc)
	assert.NoError(t, proc.Err())
}

func TestFFmpegProcessReportsStderrTail(t *testing.T) {
	tc := NewFFmpeg(writeScript(t, "echo first line >&2\necho rtp timeout >&2\nexit 3"))

	proc, err := tc.Start(nil)
	require.NoError(t, err)

	awaitExit(t, proc)
	err = proc.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "rtp timeout")
	assert.NotContains(t, err.Error(), "first line")
}

func TestFFmpegProcessStopTerminates(t *testing.T) {
	tc := NewFFmpeg(writeScript(t, "exec sleep 30"))

	proc, err := tc.Start(nil)
	require.NoError(t, err)

	started := time.Now()
	proc.Stop(5 * time.Second)

	assert.Less(t, time.Since(started), 5*time.Second, "termination should not need the kill escalation")
	awaitExit(t, proc)
	assert.Error(t, proc.Err())
}

func TestFFmpegProcessStopEscalatesToKill(t *testing.T) {
	tc := NewFFmpeg(writeScript(t, "trap ':' TERM\nwhile :; do sleep 0.1; done"))

	proc, err := tc.Start(nil)
	require.NoError(t, err)

	proc.Stop(200 * time.Millisecond)
	awaitExit(t, proc)
	assert.Error(t, proc.Err())
}

func TestFFmpegProcessStopAfterExitIsNoop(t *testing.T) {
	tc := NewFFmpeg(writeScript(t, "exit 0"))

	proc, err := tc.Start(nil)
	require.NoError(t, err)
	awaitExit(t, proc)

	proc.Stop(time.Second)
	proc.Stop(time.Second)
	assert.NoError(t, proc.Err())
}

func TestFFmpegStartFailsOnMissingBinary(t *testing.T) {
	tc := NewFFmpeg(filepath.Join(t.TempDir(), "no-such-ffmpeg"))

	_, err := tc.Start([]string{"-h"})
	assert.Error(t, err)
}
