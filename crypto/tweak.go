package crypto

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

// TagIntentTweak is the tagged-hash prefix binding a deposit address to a
// single bridge intent.
var TagIntentTweak = []byte("SparkBridge/tweak")

// IntentTweak derives the deterministic tweak scalar that binds a deposit
// address to one (user, rune, amount, uuid) intent:
//
//	t = H(tag || user_pk || amount_be8 || rune_id || uuid) mod n
//
// Re-deriving from the stored intent always yields the same scalar, which is
// what makes issued addresses auditable by every verifier.
func IntentTweak(userPubKey *btcec.PublicKey, amount uint64, runeID string,
	id uuid.UUID) (*secp256k1.ModNScalar, error) {

	var amountBytes [8]byte
	binary.BigEndian.PutUint64(amountBytes[:], amount)

	hash := TaggedHash(
		TagIntentTweak, userPubKey.SerializeCompressed(),
		amountBytes[:], []byte(runeID), id[:],
	)

	var t secp256k1.ModNScalar
	overflow := t.SetByteSlice(hash[:])
	if overflow || t.IsZero() {
		// A hash at or above the curve order is rejected rather than
		// reduced, and a zero tweak would be a no-op. Unreachable in
		// practice.
		return nil, ErrScalarOutOfRange
	}

	return &t, nil
}

// TweakPubKey returns P + t*G. Errors if the result is the point at
// infinity.
func TweakPubKey(p *btcec.PublicKey, t *secp256k1.ModNScalar) (*btcec.PublicKey, error) {
	var base, point, result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(t, &base)
	p.AsJacobian(&point)
	secp256k1.AddNonConst(&point, &base, &result)

	if result.Z.IsZero() {
		return nil, ErrPointNotOnCurve
	}

	result.ToAffine()

	return btcec.NewPublicKey(&result.X, &result.Y), nil
}

// TaprootOutputKey applies the BIP-341 key-path-only tweak to an internal
// key, returning the output key committed to by a Taproot address.
func TaprootOutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	return txscript.ComputeTaprootKeyNoScript(internalKey)
}

// TaprootTweakScalar returns the BIP-341 tweak scalar
// H_TapTweak(xonly(P)) for a key-path-only spend. Signers add this on top
// of the intent tweak when producing the final witness signature.
func TaprootTweakScalar(internalKey *btcec.PublicKey) (*secp256k1.ModNScalar, error) {
	hash := TaggedHash([]byte("TapTweak"), XOnly(internalKey))

	var t secp256k1.ModNScalar
	overflow := t.SetByteSlice(hash[:])
	if overflow || t.IsZero() {
		return nil, ErrScalarOutOfRange
	}

	return &t, nil
}
