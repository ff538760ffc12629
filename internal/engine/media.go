package engine

import "strings"

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// CodecCapability describes one codec the engine can relay.
type CodecCapability struct {
	Kind        MediaKind `json:"kind"`
	MimeType    string    `json:"mime_type"`
	ClockRate   uint32    `json:"clock_rate"`
	Channels    uint16    `json:"channels,omitempty"`
	PayloadType uint8     `json:"payload_type"`
	SDPFmtpLine string    `json:"sdp_fmtp_line,omitempty"`
}

type Capabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// Supports reports whether the capability set covers the mime type.
// Matching is case-insensitive per RFC 4855.
func (c Capabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// MediaParams describe a single produced or consumed track.
type MediaParams struct {
	MimeType    string `json:"mime_type"`
	ClockRate   uint32 `json:"clock_rate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payload_type"`
	TrackID     string `json:"track_id,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
}
