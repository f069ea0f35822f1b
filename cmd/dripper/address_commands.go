package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/brojonat/dripper/service/address"
	"github.com/brojonat/dripper/service/config"
	"github.com/brojonat/dripper/service/identity"
	"github.com/urfave/cli/v2"
)

var chainsFileFlag = &cli.StringFlag{
	Name:    "chains-file",
	Usage:   "Chains file to resolve networks from (defaults to one network per family)",
	EnvVars: []string{"CHAINS_FILE"},
}

// exampleChains stands in for a chains file: one network per family.
func exampleChains() []config.Chain {
	return []config.Chain{
		{Network: "substrate", Family: config.FamilySubstrate},
		{Network: "evm", Family: config.FamilyEVM},
		{Network: "solana", Family: config.FamilySolana},
	}
}

func loadChains(c *cli.Context) ([]config.Chain, error) {
	path := c.String("chains-file")
	if path == "" {
		return exampleChains(), nil
	}
	return config.LoadChains(path)
}

// normalizedAddress is one network's view of an address.
type normalizedAddress struct {
	Network string        `json:"network"`
	Family  config.Family `json:"family"`
	Address string        `json:"address,omitempty"`
	Account string        `json:"account,omitempty"`
	Mapped  bool          `json:"mapped"`
	Error   string        `json:"error,omitempty"`
}

func normalizeAll(raw string, chains []config.Chain) []normalizedAddress {
	out := make([]normalizedAddress, 0, len(chains))
	for _, ch := range chains {
		n := normalizedAddress{Network: ch.Network, Family: ch.Family}
		native, err := address.ForChain(ch).Normalize(raw)
		if err != nil {
			n.Error = err.Error()
		} else {
			n.Address = native.Address
			n.Account = address.HexAccount(native.Account)
			n.Mapped = native.Mapped
		}
		out = append(out, n)
	}
	return out
}

func normalizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "normalize",
		Usage:     "Show where a drip to ADDRESS would land on every network",
		ArgsUsage: "ADDRESS",
		Flags:     []cli.Flag{chainsFileFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}

			chains, err := loadChains(c)
			if err != nil {
				return err
			}

			results := normalizeAll(c.Args().First(), chains)
			if c.Bool("json") {
				return outputJSON(c.App.Writer, results)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NETWORK\tFAMILY\tADDRESS\tMAPPED")
			for _, r := range results {
				addr := r.Address
				if r.Error != "" {
					addr = "(invalid)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", r.Network, r.Family, addr, r.Mapped)
			}
			return w.Flush()
		},
	}
}

func fundingCommand() *cli.Command {
	return &cli.Command{
		Name:  "funding",
		Usage: "Show the funding account on every network for a secret",
		Flags: []cli.Flag{
			chainsFileFlag,
			&cli.StringFlag{
				Name:     "seed",
				Usage:    "Funding secret: 32-byte seed (0x-hex or base58) or substrate secret URI",
				EnvVars:  []string{"FUNDING_SEED", "FUNDING_KEY"},
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			id, err := identity.Parse(c.String("seed"))
			if err != nil {
				return err
			}

			chains, err := loadChains(c)
			if err != nil {
				return err
			}

			type funding struct {
				Network string        `json:"network"`
				Family  config.Family `json:"family"`
				Address string        `json:"address,omitempty"`
				Error   string        `json:"error,omitempty"`
			}
			results := make([]funding, 0, len(chains))
			for _, ch := range chains {
				f := funding{Network: ch.Network, Family: ch.Family}
				if addr, err := id.Address(ch); err != nil {
					f.Error = err.Error()
				} else {
					f.Address = addr
				}
				results = append(results, f)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, results)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NETWORK\tFAMILY\tFUNDING ADDRESS")
			for _, f := range results {
				addr := f.Address
				if f.Error != "" {
					addr = "(" + f.Error + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", f.Network, f.Family, addr)
			}
			return w.Flush()
		},
	}
}
