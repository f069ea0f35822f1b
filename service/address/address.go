// Package address validates and normalizes user supplied addresses into the
// native representation of a target network.
package address

import (
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/brojonat/dripper/service/config"
	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when the input does not decode under the
// target network's address rules.
var ErrInvalidAddress = errors.New("invalid address")

// maxAddressLength bounds the input before any decoding is attempted.
// SS58 addresses are at most 50 characters, EVM addresses 42.
const maxAddressLength = 100

// AccountWidth is the account id width of substrate and solana networks.
const AccountWidth = 32

// EVMTag prefixes a foreign 20-byte address when it is remapped into a
// 32-byte account space.
var EVMTag = [4]byte{'e', 'v', 'm', ':'}

var evmAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Native is an address in the representation of its target network.
type Native struct {
	// Address is the canonical text form on the target network.
	Address string
	// Account is the decoded account id (32 bytes, or 20 on EVM networks).
	Account []byte
	// Mapped reports whether Address was derived from a foreign EVM address.
	Mapped bool
}

// Codec normalizes raw input for one network.
type Codec interface {
	Normalize(raw string) (Native, error)
}

// ForChain returns the codec matching the chain's family.
func ForChain(c config.Chain) Codec {
	switch c.Family {
	case config.FamilyEVM:
		return EVM{}
	case config.FamilySolana:
		return Solana{}
	default:
		return SS58{Prefix: c.AddressPrefix()}
	}
}

// IsEVMAddress reports whether raw looks like a 0x-prefixed 20-byte hex value.
func IsEVMAddress(raw string) bool {
	return evmAddressRegex.MatchString(raw)
}

// MapEVM deterministically remaps a 20-byte address into a 32-byte account:
// the 4-byte tag, the 20 address bytes, then zero padding.
func MapEVM(evm []byte) []byte {
	account := make([]byte, AccountWidth)
	copy(account, EVMTag[:])
	copy(account[len(EVMTag):], evm)
	return account
}

// decodeEVM validates a 0x-prefixed 20-byte hex address. Mixed-case input
// must carry a valid EIP-55 checksum.
func decodeEVM(raw string) ([]byte, string, error) {
	if !IsEVMAddress(raw) {
		return nil, "", ErrInvalidAddress
	}
	addr := common.HexToAddress(raw)
	checksummed := addr.Hex()

	digits := raw[2:]
	if digits != strings.ToLower(digits) && digits != strings.ToUpper(digits) && raw != checksummed {
		return nil, "", ErrInvalidAddress
	}
	return addr.Bytes(), checksummed, nil
}

func clean(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxAddressLength {
		return "", ErrInvalidAddress
	}
	return raw, nil
}

// EVM is the codec of EVM networks. Addresses are returned EIP-55 checksummed.
type EVM struct{}

func (EVM) Normalize(raw string) (Native, error) {
	raw, err := clean(raw)
	if err != nil {
		return Native{}, err
	}
	account, checksummed, err := decodeEVM(raw)
	if err != nil {
		return Native{}, err
	}
	return Native{Address: checksummed, Account: account}, nil
}

// HexAccount renders an account id as 0x-hex.
func HexAccount(account []byte) string {
	return "0x" + hex.EncodeToString(account)
}
