package walletcrypto

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// EncodeBase58 renders raw bytes using the Bitcoin alphabet used by Solana wallets.
func EncodeBase58(raw []byte) string {
	return base58.Encode(raw)
}

// DecodeBase58 parses a Bitcoin-alphabet string. Empty input is malformed.
func DecodeBase58(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty base58 value: %w", ErrMalformedInput)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode base58: %v: %w", err, ErrMalformedInput)
	}
	return raw, nil
}

// DecodeKey parses a Base58 X25519 key and checks its length.
func DecodeKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := DecodeBase58(s)
	if err != nil {
		return key, err
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("key must be %d bytes (got %d): %w", KeySize, len(raw), ErrMalformedInput)
	}
	copy(key[:], raw)
	zeroBytes(raw)
	return key, nil
}
