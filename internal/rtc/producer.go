package rtc

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/engine"
	"github.com/pion/webrtc/v3"
)

// producer is one published track: the remote track, the send transport it
// arrived on (keyframe requests go back there) and the fan-out to attached
// consumers.
type producer struct {
	id     string
	kind   engine.MediaKind
	media  engine.MediaParams
	origin *webrtcTransport
	remote *webrtc.TrackRemote

	mu        sync.Mutex
	consumers map[string]*consumer

	done     chan struct{}
	stopOnce sync.Once
}

func newProducer(id string, kind engine.MediaKind, media engine.MediaParams, origin *webrtcTransport, remote *webrtc.TrackRemote) *producer {
	p := &producer{
		id:        id,
		kind:      kind,
		media:     media,
		origin:    origin,
		remote:    remote,
		consumers: make(map[string]*consumer),
		done:      make(chan struct{}),
	}

	go p.forward()

	if kind == engine.MediaVideo {
		go p.keyframeLoop()
	}

	return p
}

// forward pumps RTP from the remote track to every unpaused consumer until
// the track ends or the producer closes.
func (p *producer) forward() {
	for {
		select {
		case <-p.done:
			return
		default:
		}

		pkt, _, err := p.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("track read ended")
			}
			return
		}

		p.mu.Lock()
		for _, c := range p.consumers {
			if c.paused() {
				continue
			}
			if err := c.deliver(pkt); err != nil {
				log.Debug().Err(err).Str("service", "rtc").Str("producer", p.id).Str("consumer", c.id).Msg("consumer write failed")
			}
		}
		p.mu.Unlock()
	}
}

// keyframeLoop asks the publisher for a fresh intra frame every
// rtcpPLIInterval so that late consumers start decoding without waiting for
// the next natural keyframe.
func (p *producer) keyframeLoop() {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.requestKeyframe(); err != nil {
				log.Debug().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("keyframe request failed")
				return
			}
		}
	}
}

func (p *producer) requestKeyframe() error {
	if p.kind != engine.MediaVideo {
		return nil
	}
	return p.origin.writePLI(p.remote.SSRC())
}

func (p *producer) attach(c *consumer) {
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
}

func (p *producer) detach(consumerID string) {
	p.mu.Lock()
	delete(p.consumers, consumerID)
	p.mu.Unlock()
}

func (p *producer) close() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}
