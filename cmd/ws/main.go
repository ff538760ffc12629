package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "stagecast-ws",
		Usage:       "Standalone websocket signaling edge",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a yaml config file, example: configs/ws.yaml",
			},
		},
		Action: startWs,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startWs(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	initLogger(conf.Log)

	if conf.Bus.Driver == "local" {
		log.Warn().Msg("local bus carries no traffic across processes; use redis or nats")
	}

	bus, err := newBus(conf)
	if err != nil {
		return err
	}

	edge := ws.New(ws.AppOptions{
		Publisher:      bus,
		Subscriber:     bus,
		MaxMessageSize: conf.WS.MaxMessageSize,
	})
	defer func() {
		if err := edge.Shutdown(); err != nil {
			log.Error().Err(err).Msg("close websocket sessions")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", edge.Handler())

	return serve(conf.WS.Addr, r)
}

func initLogger(conf config.LogConfig) {
	if conf.Pretty {
		log.Logger = log.Output(zerolog.NewConsoleWriter())
	}

	level, err := zerolog.ParseLevel(conf.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func newBus(conf *config.Config) (eventbus.Bus, error) {
	switch conf.Bus.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return eventbus.NewRedisBus(rdb), nil
	case "nats":
		nc, err := nats.Connect(conf.Nats.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return eventbus.NewNatsBus(nc), nil
	case "local":
		return eventbus.NewLocalBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", conf.Bus.Driver)
	}
}

func serve(addr string, handler http.Handler) error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")
		close(done)
	})

	go func() {
		<-quit
		log.Warn().Msg("the server is going shutting down")

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}
