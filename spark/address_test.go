package spark

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAddressRoundTrip covers the Spark bech32m encoding.
func TestAddressRoundTrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}

	addr, err := EncodeAddress(key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "sprt1"))

	decoded, err := DecodeAddress(addr)
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	// Wrong key length.
	_, err = EncodeAddress(key[:31])
	require.Error(t, err)

	// Wrong prefix.
	_, err = DecodeAddress("bc1q" + addr[5:])
	require.Error(t, err)

	// Corrupted checksum.
	corrupted := addr[:len(addr)-1] + "x"
	_, err = DecodeAddress(corrupted)
	require.Error(t, err)
}
