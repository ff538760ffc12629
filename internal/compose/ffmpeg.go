package compose

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	manifestName   = "index.m3u8"
	segmentPattern = "segment_%05d.ts"

	// playlistWindow bounds the live manifest; older segments are
	// deleted so long broadcasts do not fill the disk.
	playlistWindow = 6
)

// transcodeParams fully determine one transcoder invocation. Equal
// params always render to equal arguments.
type transcodeParams struct {
	VideoSDPs      []string
	AudioSDPs      []string
	Layout         Layout
	Framerate      int
	SegmentSeconds int
	OutputDir      string
}

// buildTranscodeArgs renders the argument list for the composing
// transcoder: every tap's SDP as an RTP input, videos first, then the
// scale and stack graph, one H.264 baseline HLS output with the keyframe
// cadence pinned to the segment length.
func buildTranscodeArgs(p transcodeParams) []string {
	args := []string{"-nostats", "-hide_banner", "-loglevel", "warning"}

	inputs := make([]string, 0, len(p.VideoSDPs)+len(p.AudioSDPs))
	inputs = append(inputs, p.VideoSDPs...)
	inputs = append(inputs, p.AudioSDPs...)
	for _, path := range inputs {
		args = append(args,
			"-protocol_whitelist", "file,udp,rtp",
			"-thread_queue_size", "1024",
			"-i", path,
		)
	}

	keyint := strconv.Itoa(p.Framerate * p.SegmentSeconds)

	args = append(args, "-filter_complex", filterGraph(p.Layout, len(p.VideoSDPs)))
	args = append(args,
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(p.Framerate),
		"-g", keyint,
		"-keyint_min", keyint,
		"-sc_threshold", "0",
		"-flags", "+cgop",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(p.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(playlistWindow),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(p.OutputDir, segmentPattern),
		filepath.Join(p.OutputDir, manifestName),
	)

	return args
}

// filterGraph scales each video input into its tile, stacks the tiles
// onto one canvas and mixes all audio inputs with the longest source
// setting the duration. Input indexes follow the input list order:
// video taps come first, audio taps after them.
func filterGraph(layout Layout, sources int) string {
	var b strings.Builder

	for i, tile := range layout.Tiles {
		fmt.Fprintf(&b,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1[tile%d];",
			i, tile.Width, tile.Height, tile.Width, tile.Height, i)
	}

	if sources == 1 {
		b.WriteString("[tile0]null[vout];")
	} else {
		for i := range layout.Tiles {
			fmt.Fprintf(&b, "[tile%d]", i)
		}
		fmt.Fprintf(&b, "xstack=inputs=%d:layout=%s[vout];", sources, xstackPositions(layout.Tiles))
	}

	for i := 0; i < sources; i++ {
		fmt.Fprintf(&b, "[%d:a]", sources+i)
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest[aout]", sources)

	return b.String()
}

func xstackPositions(tiles []Tile) string {
	positions := make([]string, 0, len(tiles))
	for _, tile := range tiles {
		positions = append(positions, fmt.Sprintf("%d_%d", tile.X, tile.Y))
	}
	return strings.Join(positions, "|")
}
