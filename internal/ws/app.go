// Package ws is the signaling edge: it upgrades websocket connections,
// mints a peer id per socket and shuttles rpc envelopes between the
// connection and the event bus.
package ws

import (
	"net/http"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/akosykh/stagecast/internal/eventbus"
)

// AppOptions is options of the application
type AppOptions struct {
	Publisher  eventbus.Publisher
	Subscriber eventbus.Subscriber

	// MaxMessageSize bounds a single inbound frame. Zero keeps the
	// melody default.
	MaxMessageSize int64

	websocket *melody.Melody
}

// App is application for Websocket server
type App struct {
	AppOptions
}

func New(options AppOptions) *App {
	options.websocket = melody.New()
	if options.MaxMessageSize > 0 {
		options.websocket.Config.MaxMessageSize = options.MaxMessageSize
	}

	app := &App{
		options,
	}

	app.websocket.HandleConnect(ConnectHandler())
	app.websocket.HandleDisconnect(DisconnectHandler(app.Publisher))
	app.websocket.HandleMessage(MessageHandler(app.Publisher))
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("websocket session error")
	})

	return app
}

// Handler upgrades signaling connections. Mount it at GET /ws.
func (app *App) Handler() http.HandlerFunc {
	return UpgradeHandler(app.Subscriber, app.websocket)
}

// Shutdown closes every open session.
func (app *App) Shutdown() error {
	return app.websocket.Close()
}
