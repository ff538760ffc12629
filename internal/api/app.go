// Package api serves the operator HTTP surface: room inventory,
// composition control, HLS output and prometheus metrics. The websocket
// signaling endpoint is mounted here too when the node runs the edge.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akosykh/stagecast/internal/compose"
	"github.com/akosykh/stagecast/internal/core"
	"github.com/akosykh/stagecast/internal/sfu"
)

// Composer is the slice of the composition supervisor the HTTP layer
// drives.
type Composer interface {
	Start(room *sfu.Room) (compose.Descriptor, error)
	Stop(roomID core.RoomID)
	Status(roomID core.RoomID) (compose.JobInfo, bool)
}

// AppOptions is options of the application
type AppOptions struct {
	Registry *sfu.Registry
	Composer Composer

	// HLSRoot is the directory the composition pipeline writes playlists
	// and segments to, one subdirectory per room.
	HLSRoot string

	// Broadcasts lists finished composition history. Nil disables the
	// endpoint.
	Broadcasts compose.BroadcastsDBStorer

	// Websocket handles signaling upgrades. Nil when another node runs
	// the edge.
	Websocket http.HandlerFunc

	router *chi.Mux
}

// App is application for API
type App struct {
	AppOptions
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()

	app := &App{
		options,
	}
	return app
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.Use(middleware.RealIP)
	app.router.Use(middleware.Recoverer)

	app.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/rooms", RoomsListHandler(app.Registry, app.Composer))
		r.Get("/rooms/{roomID}", RoomShowHandler(app.Registry, app.Composer))
		r.Delete("/rooms/{roomID}", RoomDeleteHandler(app.Registry, app.Composer))

		r.Post("/rooms/{roomID}/composition", CompositionStartHandler(app.Registry, app.Composer))
		r.Get("/rooms/{roomID}/composition", CompositionStatusHandler(app.Composer))
		r.Delete("/rooms/{roomID}/composition", CompositionStopHandler(app.Composer))

		if app.Broadcasts != nil {
			r.Get("/broadcasts", BroadcastsListHandler(app.Broadcasts))
		}
	})

	app.router.Get("/hls/{roomID}/{file}", HLSHandler(app.HLSRoot))
	app.router.Get("/metrics", promhttp.Handler().ServeHTTP)

	if app.Websocket != nil {
		app.router.Get("/ws", app.Websocket)
	}

	return app.router
}
