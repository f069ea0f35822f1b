package address

import (
	solanago "github.com/gagliardetto/solana-go"
)

// Solana is the codec of solana networks: a base58 32-byte public key.
// EVM addresses are remapped into the same 32-byte space.
type Solana struct{}

func (Solana) Normalize(raw string) (Native, error) {
	raw, err := clean(raw)
	if err != nil {
		return Native{}, err
	}

	if IsEVMAddress(raw) {
		evm, _, err := decodeEVM(raw)
		if err != nil {
			return Native{}, err
		}
		pub := solanago.PublicKeyFromBytes(MapEVM(evm))
		return Native{Address: pub.String(), Account: pub.Bytes(), Mapped: true}, nil
	}

	pub, err := solanago.PublicKeyFromBase58(raw)
	if err != nil {
		return Native{}, ErrInvalidAddress
	}
	return Native{Address: raw, Account: pub.Bytes()}, nil
}
