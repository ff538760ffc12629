// Package sfu holds the engine-agnostic session core: the room registry,
// rooms with their producer registries, and participants with their engine
// handles.
package sfu

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/engine"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/telemetry"
)

// Registry owns every live room. Rooms are created on first join and removed
// the moment they become empty, so a registered room always has at least one
// participant except for the short window inside a join.
type Registry struct {
	gw  engine.Gateway
	bus eventbus.Publisher

	mu    sync.RWMutex
	rooms map[core.RoomID]*Room
}

func NewRegistry(gw engine.Gateway, bus eventbus.Publisher) *Registry {
	return &Registry{
		gw:    gw,
		bus:   bus,
		rooms: make(map[core.RoomID]*Room),
	}
}

// CreateOrGet returns the room with the given id, creating it if unknown.
// Concurrent calls with the same id observe the same room.
func (reg *Registry) CreateOrGet(id core.RoomID) *Room {
	reg.mu.RLock()
	room := reg.rooms[id]
	reg.mu.RUnlock()

	if room != nil {
		return room
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[id]; ok {
		return room
	}

	room = NewRoom(id, reg.gw, reg.bus)
	reg.rooms[id] = room

	telemetry.RoomOpened()
	log.Debug().Str("service", "sfu").Str("roomID", id.String()).Msg("room created")

	return room
}

func (reg *Registry) Get(id core.RoomID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[id]
	return room, ok
}

// List returns the live rooms ordered by id.
func (reg *Registry) List() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	return rooms
}

func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.rooms)
}

// RemoveIfEmpty deletes the room when it has no participants left. A room
// marked closed here can never accept another join; late joiners land in a
// fresh room instead.
func (reg *Registry) RemoveIfEmpty(id core.RoomID) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		return false
	}
	if !room.markClosedIfEmpty() {
		return false
	}

	delete(reg.rooms, id)

	telemetry.RoomClosed()
	log.Debug().Str("service", "sfu").Str("roomID", id.String()).Msg("room removed")

	return true
}

// Remove force-deletes the room, closing every remaining participant and
// the engine handles they own. Operator path; the natural removal is
// RemoveIfEmpty on last leave.
func (reg *Registry) Remove(id core.RoomID) bool {
	reg.mu.Lock()
	room, ok := reg.rooms[id]
	if ok {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()

	if !ok {
		return false
	}

	room.Close()

	telemetry.RoomClosed()
	log.Debug().Str("service", "sfu").Str("roomID", id.String()).Msg("room force removed")

	return true
}

// Close tears down every room. Used on shutdown only, no leave broadcasts.
func (reg *Registry) Close() {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[core.RoomID]*Room)
	reg.mu.Unlock()

	for _, room := range rooms {
		room.Close()
		telemetry.RoomClosed()
	}
}
