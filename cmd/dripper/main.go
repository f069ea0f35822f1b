package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "dripper",
		Usage: "Multi-chain testnet faucet CLI",
		Description: `A command-line tool for requesting and inspecting drips from the dripper service.

Use this CLI to request funding, check chain connections, inspect the drip ledger,
and follow drip events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// HTTP API commands
			dripCommand(),
			awaitCommand(),
			chainsCommand(),
			streamCommand(),
			// Local address tooling
			{
				Name:  "address",
				Usage: "Address and funding key utilities",
				Subcommands: []*cli.Command{
					normalizeCommand(),
					fundingCommand(),
				},
			},
			// Ledger inspection commands
			{
				Name:  "db",
				Usage: "Drip ledger inspection commands",
				Subcommands: []*cli.Command{
					listDripsCommand(),
					getDripCommand(),
				},
			},
			// NATS drip event commands
			{
				Name:  "nats",
				Usage: "NATS drip event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "dripper service URL",
				EnvVars: []string{"SERVER_URL", "DRIPPER_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "operator-url",
				Usage:   "dripper operator listener URL (chains, ledger, event stream)",
				EnvVars: []string{"OPERATOR_URL", "DRIPPER_OPERATOR_URL"},
				Value:   "http://localhost:8081",
			},
			&cli.StringFlag{
				Name:    "api-token",
				Usage:   "Bearer token sent with drip requests",
				EnvVars: []string{"DRIP_API_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
