// Package identity derives the faucet's funding keys for every chain family
// from a single configured secret.
package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/dripper/service/config"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/ethereum/go-ethereum/crypto"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const seedLength = 32

// ErrSeedRequired is returned when an EVM or solana key is requested but the
// configured secret is a substrate secret URI rather than a raw seed.
var ErrSeedRequired = errors.New("funding secret must be a raw 32-byte seed for this chain family")

// Identity holds the funding secret. It is safe for concurrent use.
type Identity struct {
	secret string
	seed   []byte
}

// Parse accepts a 32-byte seed (0x-hex or base58) or any secret URI the
// substrate keyring understands (mnemonic, //Alice, ...).
func Parse(secret string) (*Identity, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("funding secret is empty")
	}

	id := &Identity{secret: secret, seed: parseSeed(secret)}

	if _, err := id.Substrate(config.DefaultSS58Prefix); err != nil {
		return nil, fmt.Errorf("invalid funding secret: %w", err)
	}
	return id, nil
}

func parseSeed(secret string) []byte {
	if strings.HasPrefix(secret, "0x") {
		b, err := hex.DecodeString(secret[2:])
		if err == nil && len(b) == seedLength {
			return b
		}
		return nil
	}
	b, err := base58.Decode(secret)
	if err == nil && len(b) == seedLength {
		return b
	}
	return nil
}

// HasSeed reports whether keys for every chain family can be derived.
func (id *Identity) HasSeed() bool {
	return id.seed != nil
}

// Substrate returns the sr25519 keypair with its address encoded under prefix.
func (id *Identity) Substrate(prefix uint16) (signature.KeyringPair, error) {
	uri := id.secret
	if id.seed != nil {
		uri = "0x" + hex.EncodeToString(id.seed)
	}
	return signature.KeyringPairFromSecret(uri, prefix)
}

// EVM returns the secp256k1 key derived from the seed.
func (id *Identity) EVM() (*ecdsa.PrivateKey, error) {
	if id.seed == nil {
		return nil, ErrSeedRequired
	}
	key, err := crypto.ToECDSA(id.seed)
	if err != nil {
		return nil, fmt.Errorf("derive secp256k1 key: %w", err)
	}
	return key, nil
}

// Solana returns the ed25519 key derived from the seed.
func (id *Identity) Solana() (solanago.PrivateKey, error) {
	if id.seed == nil {
		return nil, ErrSeedRequired
	}
	return solanago.PrivateKey(ed25519.NewKeyFromSeed(id.seed)), nil
}

// Address is the funding account's address on the given chain.
func (id *Identity) Address(chain config.Chain) (string, error) {
	switch chain.Family {
	case config.FamilyEVM:
		key, err := id.EVM()
		if err != nil {
			return "", err
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	case config.FamilySolana:
		key, err := id.Solana()
		if err != nil {
			return "", err
		}
		return key.PublicKey().String(), nil
	default:
		kp, err := id.Substrate(chain.AddressPrefix())
		if err != nil {
			return "", err
		}
		return kp.Address, nil
	}
}

// LogValue keeps the secret out of structured logs.
func (id *Identity) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}
