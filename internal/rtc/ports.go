package rtc

import (
	"errors"
	"sync"
)

var ErrNoFreePorts = errors.New("no free udp ports")

// PortQuadruple is the set of local UDP ports one composition tap listens
// on: RTP and RTCP for video plus RTP and RTCP for audio. RTP ports are
// even, RTCP is always RTP+1.
type PortQuadruple struct {
	VideoRTP  int
	VideoRTCP int
	AudioRTP  int
	AudioRTCP int
}

// PortsAllocator hands out process-wide disjoint UDP port quadruples. Taps
// of concurrently running jobs never share a port.
type PortsAllocator struct {
	sync.Mutex
	// even RTP ports; each entry owns the odd RTCP port above it
	udpPorts map[int]bool
}

func NewPortsAllocator(rangeStart, rangeEnd int) *PortsAllocator {
	if rangeStart%2 != 0 {
		rangeStart++
	}

	p := &PortsAllocator{
		udpPorts: make(map[int]bool),
	}

	for i := rangeStart; i+1 < rangeEnd; i += 2 {
		p.udpPorts[i] = false
	}

	return p
}

func (p *PortsAllocator) AllocateQuad() (PortQuadruple, error) {
	p.Lock()
	defer p.Unlock()

	pair := make([]int, 0, 2)
	for port, allocated := range p.udpPorts {
		if allocated {
			continue
		}
		pair = append(pair, port)
		if len(pair) == 2 {
			break
		}
	}

	if len(pair) < 2 {
		return PortQuadruple{}, ErrNoFreePorts
	}

	for _, port := range pair {
		p.udpPorts[port] = true
	}

	return PortQuadruple{
		VideoRTP:  pair[0],
		VideoRTCP: pair[0] + 1,
		AudioRTP:  pair[1],
		AudioRTCP: pair[1] + 1,
	}, nil
}

func (p *PortsAllocator) DeallocateQuad(q PortQuadruple) {
	p.Lock()
	defer p.Unlock()

	for _, port := range []int{q.VideoRTP, q.AudioRTP} {
		if _, ok := p.udpPorts[port]; ok {
			p.udpPorts[port] = false
		}
	}
}

// Free reports how many quadruples are still allocatable.
func (p *PortsAllocator) Free() int {
	p.Lock()
	defer p.Unlock()

	free := 0
	for _, allocated := range p.udpPorts {
		if !allocated {
			free++
		}
	}

	return free / 2
}
