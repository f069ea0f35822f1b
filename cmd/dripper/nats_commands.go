package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/dripper/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand reads drip events straight from JetStream, bypassing the
// HTTP service.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to drip events on NATS JetStream",
		ArgsUsage: "[status]",
		Description: `Subscribe to real-time drip events published to NATS JetStream.

Events are published to the subject: drips.{status}
Without a status argument every outcome is shown.

Example:
  dripper nats subscribe funding_failed --json`,
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

			natsURL := c.String("nats-url")
			status := c.Args().First()
			jsonOutput := c.Bool("json")

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			sub, err := natspkg.NewSubscriber(natsURL, logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			events, err := sub.Subscribe(ctx, status)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", natspkg.SubjectFor(status))
				fmt.Fprintf(os.Stderr, "   NATS: %s\n", natsURL)
				fmt.Fprintf(os.Stderr, "\nWaiting for drips... (Ctrl-C to exit)\n\n")
			}

			count := 0
			for event := range events {
				ok, err := filters.Match(event)
				if err != nil || !ok {
					continue
				}
				count++

				if jsonOutput {
					data, err := json.Marshal(event)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, string(data))
					continue
				}
				printNATSEvent(c.App.Writer, count, event)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\n✅ Received %d drips\n", count)
			}
			return nil
		},
	}
}

func printNATSEvent(w io.Writer, n int, event *natspkg.DripEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Drip #%d\n", n)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "ID:           %s\n", event.ID)
	fmt.Fprintf(w, "Requester:    %s\n", event.RequesterID)
	fmt.Fprintf(w, "Address:      %s\n", event.Address)
	fmt.Fprintf(w, "Status:       %s\n", event.Status)
	fmt.Fprintf(w, "Duration:     %dms\n", event.DurationMS)
	for _, ch := range event.Chains {
		mark := "✓"
		if !ch.Success {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-12s nonces=%v %s\n", mark, ch.Network, ch.Nonces, ch.Error)
	}
	fmt.Fprintf(w, "Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the DRIPS JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  dripper nats inspect-stream`,
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			fmt.Fprintf(w, "\n")
			return nil
		},
	}
}
