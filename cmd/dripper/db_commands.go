package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/dripper/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listDripsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-drips",
		Usage:   "List drip requests, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "requester",
				Aliases: []string{"r"},
				Usage:   "Filter by requester id",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of drips to show",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of drips to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			drips, err := store.ListDrips(c.Context, db.ListDripsParams{
				RequesterID: c.String("requester"),
				Limit:       int32(c.Int("limit")),
				Offset:      int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list drips: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, drips)
			}

			printDripTable(c.App.Writer, drips)
			fmt.Fprintf(os.Stderr, "\nTotal: %d drips\n", len(drips))
			return nil
		},
	}
}

func getDripCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-drip",
		Usage:     "Get drip details including per-chain submissions",
		Aliases:   []string{"get"},
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: drip id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			drip, err := store.GetDrip(c.Context, c.Args().First())
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("drip %s not found", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get drip: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, drip)
			}

			printDrip(c.App.Writer, drip)
			return nil
		},
	}
}

func printDripTable(out io.Writer, drips []*db.DripRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREQUESTER\tADDRESS\tSTATUS\tCHAINS\tREQUESTED")
	for _, d := range drips {
		ok := 0
		for _, s := range d.Submissions {
			if s.Success {
				ok++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			d.ID,
			d.RequesterID,
			d.Address,
			d.Status,
			ok, len(d.Submissions),
			d.RequestedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func printDrip(w io.Writer, d *db.DripRecord) {
	fmt.Fprintf(w, "ID:           %s\n", d.ID)
	fmt.Fprintf(w, "Requester:    %s\n", d.RequesterID)
	fmt.Fprintf(w, "Address:      %s\n", d.Address)
	fmt.Fprintf(w, "Status:       %s\n", d.Status)
	fmt.Fprintf(w, "Requested At: %s\n", d.RequestedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:     %dms\n", d.DurationMS)
	for _, s := range d.Submissions {
		fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Fprintf(w, "Network:      %s\n", s.Network)
		fmt.Fprintf(w, "Address:      %s\n", s.Address)
		fmt.Fprintf(w, "Success:      %t\n", s.Success)
		fmt.Fprintf(w, "Nonces:       %v\n", s.Nonces)
		fmt.Fprintf(w, "Tx Hashes:    %v\n", s.TxHashes)
		if s.Error != nil {
			fmt.Fprintf(w, "Error:        %s\n", *s.Error)
		}
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}
