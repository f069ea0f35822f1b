package chain

import (
	"fmt"

	"github.com/brojonat/dripper/service/address"
)

// Build expands the connection's drip recipe into transfer ops addressed to
// dest, in recipe order.
func Build(conn *Connection, dest address.Native) ([]TransferOp, error) {
	recipe := conn.Endpoint.Recipe
	ops := make([]TransferOp, 0, len(recipe.Transfers))

	for i, t := range recipe.Transfers {
		amount, err := t.Value()
		if err != nil {
			return nil, fmt.Errorf("recipe transfer %d: %w", i, err)
		}
		ops = append(ops, TransferOp{
			Network:  conn.Network(),
			Asset:    t.Asset,
			AssetID:  t.AssetID,
			Dest:     dest,
			Amount:   amount,
			GasLimit: t.GasLimit,
		})
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("network %s has an empty recipe", conn.Network())
	}
	return ops, nil
}

// group splits ops into submissions: one per op, or a single one when the
// recipe is batched.
func group(batch bool, ops []TransferOp) [][]TransferOp {
	if batch {
		return [][]TransferOp{ops}
	}
	groups := make([][]TransferOp, len(ops))
	for i := range ops {
		groups[i] = ops[i : i+1]
	}
	return groups
}
