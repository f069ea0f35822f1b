package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/dripper/client"
	"github.com/urfave/cli/v2"
)

// newClient talks to the public listener.
func newClient(c *cli.Context, timeout time.Duration) *client.Client {
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, clientLogger()).
		WithToken(c.String("api-token"))
}

// newOperatorClient talks to the operator listener (chains, ledger, streams).
func newOperatorClient(c *cli.Context, timeout time.Duration) *client.Client {
	return client.NewClient(c.String("operator-url"), &http.Client{Timeout: timeout}, clientLogger())
}

func clientLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func dripCommand() *cli.Command {
	return &cli.Command{
		Name:      "drip",
		Usage:     "Request test tokens for an address on every configured chain",
		ArgsUsage: "REQUESTER_ID ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 60 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: requester id and address")
			}

			result, err := newClient(c, c.Duration("timeout")).Drip(c.Context, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("drip request failed: %w", err)
			}

			if c.Bool("json") {
				if err := outputJSON(c.App.Writer, result); err != nil {
					return err
				}
			} else if result.Success {
				fmt.Fprintf(c.App.Writer, "✓ %s\n", result.Message)
			}

			if !result.Success {
				return fmt.Errorf("%s (%s)", result.Message, result.Status)
			}
			return nil
		},
	}
}

func chainsCommand() *cli.Command {
	return &cli.Command{
		Name:  "chains",
		Usage: "Show every configured chain and its connection state",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			chains, err := newOperatorClient(c, c.Duration("timeout")).Chains(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list chains: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, chains)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NETWORK\tFAMILY\tSTATE\tNEXT NONCE\tFUNDING ADDRESS\tERROR")
			for _, ch := range chains {
				nonce := "-"
				if ch.NextNonce != nil {
					nonce = fmt.Sprintf("%d", *ch.NextNonce)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ch.Network,
					ch.Family,
					ch.State,
					nonce,
					orDash(ch.FundingAddress),
					orDash(ch.Error),
				)
			}
			return w.Flush()
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:  "await",
		Usage: "Block until a drip event matching criteria arrives",
		Description: `Follow the service's drip event stream until an event matches every filter.

Example:
  dripper await --requester user-1 --must-jq '.chains | length > 1'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only consider events with this status (success, funding_failed, ...)",
			},
			&cli.StringFlag{
				Name:  "requester",
				Usage: "Only consider events for this requester id",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			requester := c.String("requester")

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			event, err := newOperatorClient(c, 0).Await(ctx, c.String("status"), func(ev *client.DripEvent) bool {
				if requester != "" && ev.RequesterID != requester {
					return false
				}
				ok, err := filters.Match(ev)
				return err == nil && ok
			})
			if err != nil {
				return fmt.Errorf("failed to await drip event: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, event)
			}
			printEvent(c.App.Writer, event)
			return nil
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream drip events from the service (Server-Sent Events)",
		ArgsUsage: "[status]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "Only print events for which every jq filter is true",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming drip events... (Ctrl+C to stop)\n\n")
			}

			err = newOperatorClient(c, 0).Stream(ctx, c.Args().First(), func(ev *client.DripEvent) error {
				ok, err := filters.Match(ev)
				if err != nil || !ok {
					return nil
				}
				if jsonOutput {
					data, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, string(data))
					return nil
				}
				printEvent(c.App.Writer, ev)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("stream failed: %w", err)
			}
			return nil
		},
	}
}

func printEvent(w io.Writer, ev *client.DripEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Drip %s\n", ev.ID)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Requester:    %s\n", ev.RequesterID)
	fmt.Fprintf(w, "Address:      %s\n", ev.Address)
	fmt.Fprintf(w, "Status:       %s\n", ev.Status)
	fmt.Fprintf(w, "Requested:    %s\n", ev.RequestedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:     %dms\n", ev.DurationMS)
	for _, cr := range ev.Chains {
		mark := "✓"
		if !cr.Success {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-12s nonces=%v txs=%v %s\n", mark, cr.Network, cr.Nonces, cr.TxHashes, cr.Error)
	}
	fmt.Fprintln(w)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
