package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateID generates a random hex ID
func GenerateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b common.Address) bool {
	return strings.EqualFold(a.Hex(), b.Hex())
}

// ParseAddress validates and checksums a hex address.
func ParseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, NewAppError(ErrCodeValidation, "Invalid address", address)
	}
	return common.HexToAddress(address), nil
}

// AddressTopic left-pads an address into a 32 byte log topic.
func AddressTopic(address common.Address) common.Hash {
	return common.BytesToHash(address.Bytes())
}

// GetEventSignature returns the keccak256 hash of an event signature
func GetEventSignature(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// ParseTokenID parses a decimal (or 0x-prefixed hex) token id.
func ParseTokenID(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	id, ok := new(big.Int).SetString(raw, base)
	if !ok || id.Sign() < 0 {
		return nil, NewAppError(ErrCodeValidation, "Invalid token id", raw)
	}
	return id, nil
}
