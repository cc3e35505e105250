// Command realtime-tail subscribes to topics of a realtime endpoint and prints
// every record change it receives.
//
//	realtime-tail --url http://127.0.0.1:8090/api/realtime --topic posts --topic users
//	realtime-tail --config tail.toml --watch
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "realtime-tail",
		Usage: "Print the record changes of realtime topics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path (.toml, .yaml or .yml)",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "Realtime endpoint URL (overrides config url)",
			},
			&cli.StringSliceFlag{
				Name:  "topic",
				Usage: "Topic to subscribe to, can be repeated (overrides config topics)",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: `Request header as "Name: value", can be repeated`,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout of a subscription request",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload the topics when the configuration file changes (the file is the only source of topics)",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "write-config",
				Usage: "Write the configuration resulting from the file and the flags to this path and exit",
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print payloads as received, one per line",
				Value: false,
			},
		},
		Action: tail,
	}
}
