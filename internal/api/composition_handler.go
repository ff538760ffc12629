package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/compose"
	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/sfu"
)

// CompositionStartHandler serves POST /api/v1/rooms/{roomID}/composition.
// Starting a room that is already composing returns the same descriptor.
func CompositionStartHandler(registry *sfu.Registry, composer Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.RoomID(chi.URLParam(r, "roomID"))

		room, ok := registry.Get(roomID)
		if !ok {
			renderError(w, http.StatusNotFound, "room not found")
			return
		}

		descriptor, err := composer.Start(room)
		if err != nil {
			switch {
			case errors.Is(err, compose.ErrNoCandidates):
				renderError(w, http.StatusUnprocessableEntity, err.Error())
			case errors.Is(err, compose.ErrCapacityExceeded):
				renderError(w, http.StatusConflict, err.Error())
			default:
				log.Error().Err(err).Str("service", "web").Str("room", string(roomID)).Msg("start composition")
				renderError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		renderJSON(w, http.StatusCreated, descriptor)
	}
}

// CompositionStatusHandler serves GET /api/v1/rooms/{roomID}/composition.
// The last finished job stays queryable after its room is gone.
func CompositionStatusHandler(composer Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.RoomID(chi.URLParam(r, "roomID"))

		info, ok := composer.Status(roomID)
		if !ok {
			renderError(w, http.StatusNotFound, "no composition for room")
			return
		}

		renderJSON(w, http.StatusOK, info)
	}
}

// CompositionStopHandler serves DELETE /api/v1/rooms/{roomID}/composition.
// Stopping an idle room is a no-op.
func CompositionStopHandler(composer Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := core.RoomID(chi.URLParam(r, "roomID"))

		composer.Stop(roomID)

		w.WriteHeader(http.StatusNoContent)
	}
}
