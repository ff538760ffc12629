package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/akosykh/stagecast/internal/api"
	"github.com/akosykh/stagecast/internal/compose"
	"github.com/akosykh/stagecast/internal/config"
	"github.com/akosykh/stagecast/internal/eventbus"
	"github.com/akosykh/stagecast/internal/rtc"
	"github.com/akosykh/stagecast/internal/service"
	"github.com/akosykh/stagecast/internal/sfu"
	"github.com/akosykh/stagecast/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "stagecast-server",
		Usage:       "Session orchestration and broadcast composition server",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a yaml config file, example: configs/server.yaml",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	initLogger(conf.Log)

	bus, err := newBus(conf)
	if err != nil {
		return err
	}

	webrtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}
	gw := rtc.NewGateway(conf.Peer.EnabledCodecs, webrtcConf)

	var store compose.BroadcastsDBStorer
	if conf.DB.DSN != "" {
		db, err := sqlx.Connect("pgx", conf.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect broadcasts db: %w", err)
		}
		defer db.Close()
		store = compose.NewBroadcastsRepository(db)
	}

	registry := sfu.NewRegistry(gw, bus)
	supervisor := compose.NewSupervisor(gw, compose.NewFFmpeg(conf.Compose.FFmpegPath), store, conf.Compose)

	router, err := eventbus.NewRouter(bus)
	if err != nil {
		return fmt.Errorf("subscribe server channel: %w", err)
	}
	service.NewDispatcher(gw, registry, bus, supervisor, router)

	edge := ws.New(ws.AppOptions{
		Publisher:      bus,
		Subscriber:     bus,
		MaxMessageSize: conf.WS.MaxMessageSize,
	})

	web := api.NewApp(api.AppOptions{
		Registry:   registry,
		Composer:   supervisor,
		HLSRoot:    conf.Compose.OutputDir,
		Broadcasts: store,
		Websocket:  edge.Handler(),
	})

	<-router.Start()

	defer registry.Close()
	defer supervisor.Shutdown()
	defer func() {
		if err := edge.Shutdown(); err != nil {
			log.Error().Err(err).Msg("close websocket sessions")
		}
	}()
	defer func() { <-router.Stop() }()

	return serve(conf.HTTP, web.Router())
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

func serve(conf config.HTTPConfig, handler http.Handler) error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              conf.Addr,
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

	var serveErr error
	if conf.CertFile != "" && conf.KeyFile != "" {
		serveErr = server.ListenAndServeTLS(conf.CertFile, conf.KeyFile)
	} else {
		serveErr = server.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		return serveErr
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}
