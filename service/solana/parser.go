package solana

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// memoPrefix tags the sequence number carried in every drip transaction.
const memoPrefix = "dripper:"

// ParseDripTx decodes a serialized transaction and extracts its system
// transfers and memo. Instructions of other programs are ignored.
func ParseDripTx(raw []byte) (*DripTx, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return nil, err
	}
	return parseDripTx(tx)
}

func decodeTx(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

func parseDripTx(tx *solana.Transaction) (*DripTx, error) {
	accountKeys := tx.Message.AccountKeys
	if len(accountKeys) == 0 {
		return nil, fmt.Errorf("transaction has no account keys")
	}

	out := &DripTx{Payer: accountKeys[0]}
	if len(tx.Signatures) > 0 {
		out.Signature = tx.Signatures[0].String()
	}

	for i, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			return nil, fmt.Errorf("instruction %d: program index out of bounds", i)
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(SystemProgramID):
			transfer, err := parseSystemTransfer(instruction, accountKeys)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			out.Transfers = append(out.Transfers, transfer)
		case programID.Equals(MemoProgramIDSPL), programID.Equals(MemoProgramIDLegacy):
			out.Memo = string(instruction.Data)
		}
	}

	return out, nil
}

// parseSystemTransfer extracts source, destination and lamports from a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (Transfer, error) {
	// [0..4]  = instruction type (u32, 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return Transfer{}, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return Transfer{}, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	// accounts: [from, to]
	if len(instruction.Accounts) < 2 {
		return Transfer{}, fmt.Errorf("transfer missing accounts")
	}
	from, to := int(instruction.Accounts[0]), int(instruction.Accounts[1])
	if from >= len(accountKeys) || to >= len(accountKeys) {
		return Transfer{}, fmt.Errorf("transfer account index out of bounds")
	}

	return Transfer{
		From:     accountKeys[from],
		To:       accountKeys[to],
		Lamports: binary.LittleEndian.Uint64(instruction.Data[4:12]),
	}, nil
}

func formatMemo(seq uint64) string {
	return memoPrefix + strconv.FormatUint(seq, 10)
}

// MemoSequence returns the sequence number carried in a drip memo.
func MemoSequence(memo string) (uint64, bool) {
	rest, ok := strings.CutPrefix(memo, memoPrefix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
