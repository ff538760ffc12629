package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/sfu"
)

// roomView decorates a room snapshot with its composition state.
type roomView struct {
	sfu.RoomInfo
	Composing bool `json:"composing"`
}

// RoomsListHandler serves GET /api/v1/rooms.
func RoomsListHandler(registry *sfu.Registry, composer Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms := registry.List()

		views := make([]roomView, 0, len(rooms))
		for _, room := range rooms {
			views = append(views, newRoomView(room, composer))
		}

		renderJSON(w, http.StatusOK, views)
	}
}

// RoomShowHandler serves GET /api/v1/rooms/{roomID}.
func RoomShowHandler(registry *sfu.Registry, composer Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.RoomID(chi.URLParam(r, "roomID"))

		room, ok := registry.Get(roomID)
		if !ok {
			renderError(w, http.StatusNotFound, "room not found")
			return
		}

		renderJSON(w, http.StatusOK, newRoomView(room, composer))
	}
}

// RoomDeleteHandler serves DELETE /api/v1/rooms/{roomID}: evicts every
// participant, stops any running composition and forgets the room.
// Idempotent, deleting an unknown room is fine.
func RoomDeleteHandler(registry *sfu.Registry, composer Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.RoomID(chi.URLParam(r, "roomID"))

		registry.Remove(roomID)
		composer.Stop(roomID)

		w.WriteHeader(http.StatusNoContent)
	}
}

func newRoomView(room *sfu.Room, composer Composer) roomView {
	info, ok := composer.Status(room.ID)
	return roomView{
		RoomInfo:  room.Info(),
		Composing: ok && info.Status.Active(),
	}
}
