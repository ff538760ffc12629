package sfu

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/eventbus/rpc"
)

// ProducerDescriptor is a room registry entry for one published track.
type ProducerDescriptor struct {
	ID      string            `json:"id"`
	Kind    engine.MediaKind  `json:"kind"`
	PeerID  core.PeerID       `json:"peer_id"`
	AppData map[string]string `json:"app_data,omitempty"`

	seq uint64
}

// Candidate is a participant eligible for composition: it owns at least one
// audio and one video producer. Ordered by join sequence.
type Candidate struct {
	PeerID        core.PeerID
	AudioProducer string
	VideoProducer string
}

// RoomInfo is the read-only view served over HTTP.
type RoomInfo struct {
	ID           core.RoomID `json:"id"`
	Participants int         `json:"participants"`
	Publishers   int         `json:"publishers"`
	Producers    int         `json:"producers"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Room is one session: its participants and its producer registry.
//
// Join snapshots and producer broadcasts are published while holding the room
// lock. That keeps the ordering invariant cheap: a producer is delivered to a
// participant either inside its join snapshot or as a live event, exactly
// once, and never reordered on the wire.
type Room struct {
	ID        core.RoomID
	createdAt time.Time

	gw  engine.Gateway
	bus eventbus.Publisher

	mu           sync.RWMutex
	closed       bool
	joinSeq      uint64
	producerSeq  uint64
	participants map[core.PeerID]*Participant
	producers    map[string]ProducerDescriptor
}

func NewRoom(id core.RoomID, gw engine.Gateway, bus eventbus.Publisher) *Room {
	return &Room{
		ID:           id,
		createdAt:    time.Now(),
		gw:           gw,
		bus:          bus,
		participants: make(map[core.PeerID]*Participant),
		producers:    make(map[string]ProducerDescriptor),
	}
}

// Join registers a new participant and delivers the join snapshot: the ack
// with engine capabilities, the current peers and the current producers.
// Everyone else receives peer_joined.
func (r *Room) Join(peerID core.PeerID, viewer bool, caps engine.Capabilities) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, ok := r.participants[peerID]; ok {
		return nil, ErrDuplicateParticipant
	}

	r.joinSeq++
	participant := newParticipant(peerID, r, viewer, r.joinSeq)
	r.participants[peerID] = participant

	peers := make([]string, 0, len(r.participants)-1)
	for id := range r.participants {
		if id != peerID {
			peers = append(peers, id.String())
		}
	}
	sort.Strings(peers)

	producers := r.producerInfosLocked()

	r.notify(peerID, rpc.NewJoinedRpc(r.ID.String(), peerID.String(), caps))
	r.notify(peerID, rpc.NewExistingPeersRpc(peers))
	r.notify(peerID, rpc.NewExistingProducersRpc(producers))

	joined := rpc.NewPeerJoinedRpc(peerID.String())
	for id := range r.participants {
		if id != peerID {
			r.notify(id, joined)
		}
	}

	log.Debug().
		Str("service", "sfu").
		Str("roomID", r.ID.String()).
		Str("peerID", peerID.String()).
		Bool("viewer", viewer).
		Msg("participant joined")

	return participant, nil
}

// Leave removes the participant, purges its producers from the registry and
// cascades the close of every engine handle it owns. Only then is peer_left
// broadcast, to the set of participants present at removal time. Returns
// whether the room is now empty.
func (r *Room) Leave(peerID core.PeerID) (bool, error) {
	r.mu.Lock()

	participant, ok := r.participants[peerID]
	if !ok {
		empty := len(r.participants) == 0
		r.mu.Unlock()
		return empty, ErrParticipantNotFound
	}

	delete(r.participants, peerID)
	for id, desc := range r.producers {
		if desc.PeerID == peerID {
			delete(r.producers, id)
		}
	}

	recipients := make([]core.PeerID, 0, len(r.participants))
	for id := range r.participants {
		recipients = append(recipients, id)
	}
	empty := len(r.participants) == 0

	r.mu.Unlock()

	if err := participant.Close(); err != nil {
		log.Error().
			Err(err).
			Str("service", "sfu").
			Str("roomID", r.ID.String()).
			Str("peerID", peerID.String()).
			Msg("participant close")
	}

	left := rpc.NewPeerLeftRpc(peerID.String())
	for _, id := range recipients {
		r.notify(id, left)
	}

	log.Debug().
		Str("service", "sfu").
		Str("roomID", r.ID.String()).
		Str("peerID", peerID.String()).
		Msg("participant left")

	return empty, nil
}

// Broadcast delivers an rpc to every current participant.
func (r *Room) Broadcast(msg rpc.Rpc) {
	r.mu.RLock()
	recipients := make([]core.PeerID, 0, len(r.participants))
	for id := range r.participants {
		recipients = append(recipients, id)
	}
	r.mu.RUnlock()

	for _, id := range recipients {
		r.notify(id, msg)
	}
}

func (r *Room) Participant(peerID core.PeerID) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	participant, ok := r.participants[peerID]
	return participant, ok
}

func (r *Room) Peers() []core.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]core.PeerID, 0, len(r.participants))
	for id := range r.participants {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	return peers
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.participants)
}

// Producers returns the registry ordered by registration.
func (r *Room) Producers() []ProducerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	producers := make([]ProducerDescriptor, 0, len(r.producers))
	for _, desc := range r.producers {
		producers = append(producers, desc)
	}
	sort.Slice(producers, func(i, j int) bool { return producers[i].seq < producers[j].seq })

	return producers
}

func (r *Room) HasProducer(producerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.producers[producerID]
	return ok
}

// CompositionCandidates lists participants owning a full audio+video pair,
// ordered by join sequence. Per kind the earliest registered producer wins.
func (r *Room) CompositionCandidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type pair struct {
		audio ProducerDescriptor
		video ProducerDescriptor
	}
	pairs := make(map[core.PeerID]*pair, len(r.participants))

	for _, desc := range r.producers {
		p := pairs[desc.PeerID]
		if p == nil {
			p = &pair{}
			pairs[desc.PeerID] = p
		}
		switch desc.Kind {
		case engine.MediaAudio:
			if p.audio.ID == "" || desc.seq < p.audio.seq {
				p.audio = desc
			}
		case engine.MediaVideo:
			if p.video.ID == "" || desc.seq < p.video.seq {
				p.video = desc
			}
		}
	}

	ordered := make([]*Participant, 0, len(r.participants))
	for _, participant := range r.participants {
		ordered = append(ordered, participant)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	candidates := make([]Candidate, 0, len(ordered))
	for _, participant := range ordered {
		p := pairs[participant.ID]
		if p == nil || p.audio.ID == "" || p.video.ID == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			PeerID:        participant.ID,
			AudioProducer: p.audio.ID,
			VideoProducer: p.video.ID,
		})
	}

	return candidates
}

func (r *Room) Info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	publishers := 0
	for _, participant := range r.participants {
		if !participant.viewer {
			publishers++
		}
	}

	return RoomInfo{
		ID:           r.ID,
		Participants: len(r.participants),
		Publishers:   publishers,
		Producers:    len(r.producers),
		CreatedAt:    r.createdAt,
	}
}

// Close tears the room down without leave broadcasts. Shutdown path.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	participants := make([]*Participant, 0, len(r.participants))
	for _, participant := range r.participants {
		participants = append(participants, participant)
	}
	r.participants = make(map[core.PeerID]*Participant)
	r.producers = make(map[string]ProducerDescriptor)
	r.mu.Unlock()

	for _, participant := range participants {
		if err := participant.Close(); err != nil {
			log.Error().
				Err(err).
				Str("service", "sfu").
				Str("roomID", r.ID.String()).
				Str("peerID", participant.ID.String()).
				Msg("participant close")
		}
	}
}

func (r *Room) markClosedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return false
	}
	r.closed = true

	return true
}

// registerProducer adds the descriptor and announces it to everyone except
// the owner. Register and broadcast share one critical section so a
// concurrent join cannot see the producer twice or miss it.
func (r *Room) registerProducer(desc ProducerDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.participants[desc.PeerID]; !ok {
		return ErrParticipantNotFound
	}

	r.producerSeq++
	desc.seq = r.producerSeq
	r.producers[desc.ID] = desc

	announce := rpc.NewNewProducerRpc(rpc.ProducerInfo{
		ID:     desc.ID,
		PeerID: desc.PeerID.String(),
		Kind:   desc.Kind,
	})
	for id := range r.participants {
		if id != desc.PeerID {
			r.notify(id, announce)
		}
	}

	return nil
}

func (r *Room) producerInfosLocked() []rpc.ProducerInfo {
	producers := make([]ProducerDescriptor, 0, len(r.producers))
	for _, desc := range r.producers {
		producers = append(producers, desc)
	}
	sort.Slice(producers, func(i, j int) bool { return producers[i].seq < producers[j].seq })

	infos := make([]rpc.ProducerInfo, 0, len(producers))
	for _, desc := range producers {
		infos = append(infos, rpc.ProducerInfo{
			ID:     desc.ID,
			PeerID: desc.PeerID.String(),
			Kind:   desc.Kind,
		})
	}

	return infos
}

func (r *Room) notify(peerID core.PeerID, msg rpc.Rpc) {
	if err := r.bus.PublishClient(peerID, msg); err != nil {
		log.Error().
			Err(err).
			Str("service", "sfu").
			Str("roomID", r.ID.String()).
			Str("peerID", peerID.String()).
			Str("rpcMethod", string(msg.GetMethod())).
			Msg("publish client message")
	}
}
