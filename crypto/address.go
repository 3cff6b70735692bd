package crypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

// DepositKeys is everything address issuance derives from one intent: the
// operational key P' = Y + t*G, its Taproot output key, and the tweak
// scalars signing sessions need to reproduce the chain.
type DepositKeys struct {
	// IntentTweak is t, binding the address to the intent.
	IntentTweak *secp256k1.ModNScalar

	// OperationalKey is P' = Y + t*G.
	OperationalKey *btcec.PublicKey

	// TapTweak is the BIP-341 scalar committing P' into the output key.
	TapTweak *secp256k1.ModNScalar

	// OutputKey is the Taproot output key the address encodes.
	OutputKey *btcec.PublicKey
}

// DeriveDepositKeys computes the full key chain for a deposit intent.
// Re-derivation from the stored intent is the verifier's first check.
func DeriveDepositKeys(groupKey, userPubKey *btcec.PublicKey, amount uint64,
	runeID string, intentID uuid.UUID) (*DepositKeys, error) {

	intentTweak, err := IntentTweak(userPubKey, amount, runeID, intentID)
	if err != nil {
		return nil, err
	}

	operationalKey, err := TweakPubKey(groupKey, intentTweak)
	if err != nil {
		return nil, fmt.Errorf("unable to derive operational key: %w",
			err)
	}

	tapTweak, err := TaprootTweakScalar(operationalKey)
	if err != nil {
		return nil, err
	}

	return &DepositKeys{
		IntentTweak:    intentTweak,
		OperationalKey: operationalKey,
		TapTweak:       tapTweak,
		OutputKey:      TaprootOutputKey(operationalKey),
	}, nil
}

// Address encodes the output key as a bech32m Taproot address on the given
// network.
func (k *DepositKeys) Address(params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressTaproot(XOnly(k.OutputKey), params)
	if err != nil {
		return "", fmt.Errorf("unable to encode taproot address: %w",
			err)
	}

	return addr.EncodeAddress(), nil
}
