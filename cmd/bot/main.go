package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/akosykh/stagecast/internal/bot"
)

func main() {
	app := &cli.App{
		Name:        "stagecast-bot",
		Usage:       "Headless publisher that feeds looping media into a room",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "ws://localhost:3001/ws",
				Usage: "signaling websocket endpoint",
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "video",
				Value: "video.ivf",
				Usage: "IVF file with the VP8 track to publish",
			},
			&cli.StringFlag{
				Name:  "audio",
				Value: "audio.ogg",
				Usage: "Ogg file with the Opus track to publish",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose logging",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startBot(c *cli.Context) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	b, err := bot.New(c.String("url"), c.String("room"), c.String("video"), c.String("audio"))
	if err != nil {
		return err
	}

	return b.Start()
}
