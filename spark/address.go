package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// addressHRP is the human readable part of Spark account addresses.
const addressHRP = "sprt"

// EncodeAddress encodes a 32-byte x-only key as a bech32m Spark address.
func EncodeAddress(keyBytes []byte) (string, error) {
	if len(keyBytes) != 32 {
		return "", fmt.Errorf("spark address key must be 32 bytes, "+
			"got %d", len(keyBytes))
	}

	converted, err := bech32.ConvertBits(keyBytes, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("unable to convert key bits: %w", err)
	}

	addr, err := bech32.EncodeM(addressHRP, converted)
	if err != nil {
		return "", fmt.Errorf("unable to encode spark address: %w", err)
	}

	return addr, nil
}

// DecodeAddress decodes a Spark address back to its 32-byte key.
func DecodeAddress(addr string) ([]byte, error) {
	hrp, data, version, err := bech32.DecodeGeneric(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid spark address: %w", err)
	}
	if hrp != addressHRP {
		return nil, fmt.Errorf("unexpected address prefix %q", hrp)
	}
	if version != bech32.VersionM {
		return nil, fmt.Errorf("spark addresses use bech32m")
	}

	keyBytes, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("unable to convert address bits: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("spark address encodes %d bytes, want 32",
			len(keyBytes))
	}

	return keyBytes, nil
}
