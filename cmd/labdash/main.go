package main

//	@title			LabDash API
//	@version		0.1.0
//	@description	Homelab service discovery, health monitoring and API detection.
//	@BasePath		/api/v1

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/HerbHall/labdash/api/swagger"
	"github.com/HerbHall/labdash/internal/version"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "labdash:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "labdash",
		Usage:   "Homelab service discovery and health monitoring",
		Version: version.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file (default: labdash.yaml in ., ./configs, /etc/labdash)",
				Sources: cli.EnvVars("LD_CONFIG"),
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, background refresh and notifiers",
				Action: runServe,
			},
			{
				Name:  "sync",
				Usage: "Run one discovery refresh and print the summary",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force-api", Usage: "ignore the API detection cache and throttle"},
				},
				Action: runSync,
			},
			{
				Name:  "detect-apis",
				Usage: "Run API detection for every registered service",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "ignore the API detection cache and throttle"},
				},
				Action: runDetectAPIs,
			},
			{
				Name:  "rotate-key",
				Usage: "Re-encrypt stored API credentials under a new key",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "new-key-file",
						Usage:    "key file holding the new key; generated when it does not exist",
						Required: true,
					},
				},
				Action: runRotateKey,
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(_ context.Context, cmd *cli.Command) error {
					_, err := fmt.Fprintln(cmd.Root().Writer, version.Info())
					return err
				},
			},
		},
	}
}
