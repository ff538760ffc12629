package compose

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/akosykh/stagecast/internal/engine"
)

// tapSessionDescription renders the session description the transcoder
// reads one tap leg from: a single recvonly media section bound to the
// tap's RTP and RTCP ports. Video sections carry the tile geometry as a
// framesize hint.
func tapSessionDescription(kind engine.MediaKind, media engine.MediaParams, addr string, rtpPort, rtcpPort int, tile *Tile) ([]byte, error) {
	parts := strings.SplitN(media.MimeType, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed mime type %q", media.MimeType)
	}
	encoding := parts[1]

	rtpmap := fmt.Sprintf("%d %s/%d", media.PayloadType, encoding, media.ClockRate)
	if media.Channels > 0 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, media.Channels)
	}

	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(kind),
			Port:    sdp.RangedPort{Value: rtpPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(media.PayloadType))},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", rtpmap),
			sdp.NewAttribute("rtcp", strconv.Itoa(rtcpPort)),
			sdp.NewPropertyAttribute("recvonly"),
		},
	}
	if tile != nil {
		m.Attributes = append(m.Attributes, sdp.NewAttribute("framesize",
			fmt.Sprintf("%d %d-%d", media.PayloadType, tile.Width, tile.Height)))
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "stagecast tap",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions:  []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{m},
	}

	return desc.Marshal()
}
