package address

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/vedhavyas/go-subkey/v2"
)

const (
	ss58ChecksumLen = 2
	maxSS58Prefix   = 16383
)

// SS58 is the codec of substrate networks. Any valid SS58 address is accepted
// unchanged regardless of its prefix; EVM addresses are remapped and encoded
// with Prefix.
type SS58 struct {
	Prefix uint16
}

func (c SS58) Normalize(raw string) (Native, error) {
	raw, err := clean(raw)
	if err != nil {
		return Native{}, err
	}

	if IsEVMAddress(raw) {
		evm, _, err := decodeEVM(raw)
		if err != nil {
			return Native{}, err
		}
		account := MapEVM(evm)
		encoded, err := EncodeSS58(account, c.Prefix)
		if err != nil {
			return Native{}, err
		}
		return Native{Address: encoded, Account: account, Mapped: true}, nil
	}

	_, account, err := DecodeSS58(raw)
	if err != nil {
		return Native{}, ErrInvalidAddress
	}
	return Native{Address: raw, Account: account}, nil
}

// EncodeSS58 encodes a 32-byte account id with the given network prefix.
func EncodeSS58(account []byte, prefix uint16) (string, error) {
	if len(account) != AccountWidth {
		return "", fmt.Errorf("account id must be %d bytes, got %d", AccountWidth, len(account))
	}
	if prefix > maxSS58Prefix {
		return "", fmt.Errorf("ss58 prefix %d out of range", prefix)
	}
	return subkey.SS58Encode(account, prefix), nil
}

// DecodeSS58 decodes an address carrying a 32-byte account id and returns its
// prefix and account id. The address must be the canonical encoding of what
// it decodes to, which also covers the checksum.
func DecodeSS58(addr string) (uint16, []byte, error) {
	data, err := base58.Decode(addr)
	if err != nil {
		return 0, nil, fmt.Errorf("base58: %w", err)
	}
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("empty address")
	}

	// go-subkey's decoder refuses a leading 0x7f, a valid two-byte prefix.
	var prefix uint16
	var prefixLen int
	switch {
	case data[0] < 64:
		prefix, prefixLen = uint16(data[0]), 1
	case data[0] < 128:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("truncated prefix")
		}
		lower := uint16(data[0]&0b0011_1111)<<2 | uint16(data[1]>>6)
		upper := uint16(data[1] & 0b0011_1111)
		prefix, prefixLen = lower|upper<<8, 2
	default:
		return 0, nil, fmt.Errorf("reserved prefix byte %d", data[0])
	}

	if len(data) != prefixLen+AccountWidth+ss58ChecksumLen {
		return 0, nil, fmt.Errorf("unexpected length %d", len(data))
	}

	account := make([]byte, AccountWidth)
	copy(account, data[prefixLen:prefixLen+AccountWidth])
	if subkey.SS58Encode(account, prefix) != addr {
		return 0, nil, fmt.Errorf("checksum mismatch")
	}
	return prefix, account, nil
}
