package domain

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Checks that addr is a base58 encoded 32 byte Solana public key
func ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}

	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalidInput, addr, err)
	}

	return nil
}
