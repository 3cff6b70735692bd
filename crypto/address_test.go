package crypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestDeriveDepositKeysDeterminism checks that the issued address is a pure
// function of (group key, user key, amount, rune, uuid) and that distinct
// intents never collide.
func TestDeriveDepositKeysDeterminism(t *testing.T) {
	t.Parallel()

	groupPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	groupKey := groupPriv.PubKey()

	userPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	userKey := userPriv.PubKey()

	intentID := uuid.MustParse("2d1f2a9b-4c1e-45df-9a8b-47e6c1f0a2d3")

	keys1, err := DeriveDepositKeys(
		groupKey, userKey, 500_000_000, "840002:1", intentID,
	)
	require.NoError(t, err)
	keys2, err := DeriveDepositKeys(
		groupKey, userKey, 500_000_000, "840002:1", intentID,
	)
	require.NoError(t, err)

	addr1, err := keys1.Address(&chaincfg.MainNetParams)
	require.NoError(t, err)
	addr2, err := keys2.Address(&chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, addr1, addr2)

	// bech32m taproot address on mainnet.
	require.Equal(t, "bc1p", addr1[:4])

	// The operational key is the group key plus the intent tweak.
	expected, err := TweakPubKey(groupKey, keys1.IntentTweak)
	require.NoError(t, err)
	require.True(t, expected.IsEqual(keys1.OperationalKey))

	// Addresses across differing intents never collide.
	seen := map[string]struct{}{addr1: {}}
	for amount := uint64(1); amount <= 64; amount++ {
		keys, err := DeriveDepositKeys(
			groupKey, userKey, amount, "840002:1", intentID,
		)
		require.NoError(t, err)

		addr, err := keys.Address(&chaincfg.MainNetParams)
		require.NoError(t, err)

		_, dup := seen[addr]
		require.False(t, dup, "address collision at amount %d", amount)
		seen[addr] = struct{}{}
	}

	// A different uuid changes the address even with identical
	// everything else.
	otherKeys, err := DeriveDepositKeys(
		groupKey, userKey, 500_000_000, "840002:1", uuid.New(),
	)
	require.NoError(t, err)
	otherAddr, err := otherKeys.Address(&chaincfg.MainNetParams)
	require.NoError(t, err)
	require.NotEqual(t, addr1, otherAddr)
}
