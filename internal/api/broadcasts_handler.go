package api

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/compose"
)

// BroadcastsListHandler serves GET /api/v1/broadcasts. Pagination via
// page and per_page query parameters; the repository applies defaults.
func BroadcastsListHandler(storage compose.BroadcastsDBStorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

		broadcasts, err := storage.GetAll(page, perPage)
		if err != nil {
			log.Error().Err(err).Str("service", "web").Msg("list broadcasts")
			renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		renderJSON(w, http.StatusOK, broadcasts)
	}
}
