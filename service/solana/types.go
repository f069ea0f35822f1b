package solana

import (
	"github.com/gagliardetto/solana-go"
)

// Transfer is one native SOL transfer decoded from a drip transaction.
type Transfer struct {
	From     solana.PublicKey
	To       solana.PublicKey
	Lamports uint64
}

// DripTx is a signed drip transaction decoded back into our domain model.
type DripTx struct {
	Signature string
	Payer     solana.PublicKey
	Transfers []Transfer
	Memo      string
}
