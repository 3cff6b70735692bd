package frost

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/sats-terminal/spark-bridge/crypto"
)

// ErrTweakedKeyAtInfinity is returned when a tweak chain lands on the point
// at infinity.
var ErrTweakedKeyAtInfinity = errors.New("tweaked key is the point at infinity")

// Tweak is one additive modification of the group key. XOnly tweaks (the
// BIP-341 Taproot commitment) apply to the even-y lift of the intermediate
// key, plain tweaks to the key as-is.
type Tweak struct {
	Scalar *secp256k1.ModNScalar
	XOnly  bool
}

// PlainTweak wraps a scalar as an ordinary additive tweak.
func PlainTweak(scalar *secp256k1.ModNScalar) Tweak {
	return Tweak{Scalar: scalar}
}

// XOnlyTweak wraps a scalar as an x-only tweak.
func XOnlyTweak(scalar *secp256k1.ModNScalar) Tweak {
	return Tweak{Scalar: scalar, XOnly: true}
}

// tweakResult is the accumulated effect of a tweak chain on the group key:
//
//	Q = gacc*Y + tacc*G
//
// where gacc ∈ {1, -1} tracks the even-y lifts x-only tweaks forced along
// the way.
type tweakResult struct {
	// key is the final operational key Q.
	key *btcec.PublicKey

	// accNegated is true when gacc = -1.
	accNegated bool

	// acc is tacc.
	acc *secp256k1.ModNScalar
}

// applyTweaks folds a tweak chain over the group key.
func applyTweaks(groupKey *btcec.PublicKey, tweaks []Tweak) (*tweakResult, error) {
	result := &tweakResult{
		key: groupKey,
		acc: new(secp256k1.ModNScalar),
	}

	for _, tweak := range tweaks {
		negate := tweak.XOnly && !crypto.HasEvenY(result.key)

		base := result.key
		if negate {
			base = crypto.NegatePoint(base)
			result.acc.Negate()
			result.accNegated = !result.accNegated
		}

		tweaked, err := crypto.TweakPubKey(base, tweak.Scalar)
		if err != nil {
			return nil, ErrTweakedKeyAtInfinity
		}

		result.key = tweaked
		result.acc.Add(tweak.Scalar)
	}

	return result, nil
}
