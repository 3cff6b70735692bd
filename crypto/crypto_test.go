package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestParseScalar tests rejection of out-of-range scalar encodings.
func TestParseScalar(t *testing.T) {
	t.Parallel()

	// Zero is not a valid scalar.
	_, err := ParseScalar(make([]byte, ScalarSize))
	require.ErrorIs(t, err, ErrScalarOutOfRange)

	// The curve order itself overflows.
	orderBytes, err := hex.DecodeString(
		"fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141",
	)
	require.NoError(t, err)
	_, err = ParseScalar(orderBytes)
	require.ErrorIs(t, err, ErrScalarOutOfRange)

	// Wrong length.
	_, err = ParseScalar([]byte{0x01})
	require.ErrorIs(t, err, ErrScalarOutOfRange)

	// One is fine.
	one := make([]byte, ScalarSize)
	one[ScalarSize-1] = 1
	s, err := ParseScalar(one)
	require.NoError(t, err)
	require.Equal(t, one, scalarSlice(s))
}

func scalarSlice(s *secp256k1.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

// TestScalarPointArithmetic checks that point helpers agree with the group
// law: (a+b)*G == a*G + b*G, s*(t*G) == (s*t)*G, and double negation
// returns the original point.
func TestScalarPointArithmetic(t *testing.T) {
	t.Parallel()

	a := new(secp256k1.ModNScalar).SetInt(1234)
	b := new(secp256k1.ModNScalar).SetInt(5678)

	sum := new(secp256k1.ModNScalar).Set(a)
	sum.Add(b)

	left := ScalarBaseMult(sum)
	right := AddPoints(ScalarBaseMult(a), ScalarBaseMult(b))
	require.True(t, left.IsEqual(right))

	// s*(t*G) == (s*t)*G.
	prod := new(secp256k1.ModNScalar).Set(a)
	prod.Mul(b)
	require.True(t, ScalarMult(a, ScalarBaseMult(b)).IsEqual(
		ScalarBaseMult(prod),
	))

	// Negation round-trips.
	p := ScalarBaseMult(a)
	require.True(t, NegatePoint(NegatePoint(p)).IsEqual(p))
}

// TestIntentTweakDeterminism verifies that the intent tweak is a pure
// function of its inputs and distinguishes every input.
func TestIntentTweakDeterminism(t *testing.T) {
	t.Parallel()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	userKey := privKey.PubKey()

	id := uuid.MustParse("9f4e2a31-7d68-4f7e-8c1d-2f1c5f40a8a1")

	t1, err := IntentTweak(userKey, 500_000_000, "840002:1", id)
	require.NoError(t, err)
	t2, err := IntentTweak(userKey, 500_000_000, "840002:1", id)
	require.NoError(t, err)
	require.Equal(t, t1.Bytes(), t2.Bytes())

	// Any change in the intent changes the tweak.
	t3, err := IntentTweak(userKey, 500_000_001, "840002:1", id)
	require.NoError(t, err)
	require.NotEqual(t, t1.Bytes(), t3.Bytes())

	t4, err := IntentTweak(userKey, 500_000_000, "840002:2", id)
	require.NoError(t, err)
	require.NotEqual(t, t1.Bytes(), t4.Bytes())
}

// TestTweakPubKey checks P + t*G against direct scalar arithmetic.
func TestTweakPubKey(t *testing.T) {
	t.Parallel()

	secret := new(secp256k1.ModNScalar).SetInt(424242)
	tweak := new(secp256k1.ModNScalar).SetInt(171717)

	tweakedSecret := new(secp256k1.ModNScalar).Set(secret)
	tweakedSecret.Add(tweak)

	tweaked, err := TweakPubKey(ScalarBaseMult(secret), tweak)
	require.NoError(t, err)
	require.True(t, tweaked.IsEqual(ScalarBaseMult(tweakedSecret)))
}

// TestTaprootTweakMatchesSchnorrSign verifies the BIP-341 tweak scalar by
// signing with the tweaked secret and verifying under the output key.
func TestTaprootTweakMatchesSchnorrSign(t *testing.T) {
	t.Parallel()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	internalKey := privKey.PubKey()

	outputKey := TaprootOutputKey(internalKey)

	tweak, err := TaprootTweakScalar(internalKey)
	require.NoError(t, err)

	// Lift the internal secret to even-y before tweaking, as BIP-341
	// prescribes.
	secret := new(secp256k1.ModNScalar).Set(&privKey.Key)
	if !HasEvenY(internalKey) {
		secret.Negate()
	}
	secret.Add(tweak)
	if !HasEvenY(ScalarBaseMult(secret)) {
		secret.Negate()
	}

	msg := TaggedHash([]byte("test"), []byte("taproot tweak"))
	sig, err := schnorr.Sign(secp256k1.NewPrivateKey(secret), msg[:])
	require.NoError(t, err)

	require.NoError(t, VerifySchnorr(sig.Serialize(), msg[:], outputKey))
}

// TestLagrangeCoefficient checks interpolation against a known polynomial.
func TestLagrangeCoefficient(t *testing.T) {
	t.Parallel()

	// f(x) = 7 + 3x + 2x^2, so f(0) = 7.
	eval := func(x uint32) *secp256k1.ModNScalar {
		xs := new(secp256k1.ModNScalar).SetInt(x)
		sq := new(secp256k1.ModNScalar).Set(xs)
		sq.Mul(xs)

		out := new(secp256k1.ModNScalar).SetInt(7)
		term := new(secp256k1.ModNScalar).SetInt(3)
		term.Mul(xs)
		out.Add(term)
		term = new(secp256k1.ModNScalar).SetInt(2)
		term.Mul(sq)
		out.Add(term)

		return out
	}

	values := map[uint32]*secp256k1.ModNScalar{
		1: eval(1),
		2: eval(2),
		3: eval(3),
	}

	secret, err := InterpolateAtZero(values)
	require.NoError(t, err)
	require.Equal(t, new(secp256k1.ModNScalar).SetInt(7).Bytes(), secret.Bytes())

	// Any 3-of-5 subset reconstructs the same secret.
	values = map[uint32]*secp256k1.ModNScalar{
		2: eval(2),
		4: eval(4),
		5: eval(5),
	}
	secret, err = InterpolateAtZero(values)
	require.NoError(t, err)
	require.Equal(t, new(secp256k1.ModNScalar).SetInt(7).Bytes(), secret.Bytes())
}

// TestLagrangeCoefficientErrors covers the malformed signer sets.
func TestLagrangeCoefficientErrors(t *testing.T) {
	t.Parallel()

	_, err := LagrangeCoefficient(0, []uint32{1, 2})
	require.ErrorIs(t, err, ErrZeroIndex)

	_, err = LagrangeCoefficient(1, []uint32{1, 1, 2})
	require.ErrorIs(t, err, ErrDuplicateIndex)

	_, err = LagrangeCoefficient(4, []uint32{1, 2, 3})
	require.ErrorIs(t, err, ErrIndexNotInSet)

	_, err = LagrangeCoefficient(1, []uint32{1, 0})
	require.ErrorIs(t, err, ErrZeroIndex)
}

// TestAggregateKeys checks order independence and set binding.
func TestAggregateKeys(t *testing.T) {
	t.Parallel()

	var keys []*btcec.PublicKey
	for i := 0; i < 3; i++ {
		privKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		keys = append(keys, privKey.PubKey())
	}

	agg1, err := AggregateKeys(keys)
	require.NoError(t, err)

	shuffled := []*btcec.PublicKey{keys[2], keys[0], keys[1]}
	agg2, err := AggregateKeys(shuffled)
	require.NoError(t, err)
	require.True(t, agg1.IsEqual(agg2))

	// Dropping a member changes the aggregate.
	agg3, err := AggregateKeys(keys[:2])
	require.NoError(t, err)
	require.False(t, agg1.IsEqual(agg3))

	_, err = AggregateKeys(nil)
	require.Error(t, err)
}

// TestVerifySchnorrRejects covers the failure paths of VerifySchnorr.
func TestVerifySchnorrRejects(t *testing.T) {
	t.Parallel()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	msg := TaggedHash([]byte("test"), []byte("schnorr"))
	sig, err := schnorr.Sign(privKey, msg[:])
	require.NoError(t, err)

	require.NoError(t, VerifySchnorr(sig.Serialize(), msg[:], privKey.PubKey()))

	// Wrong message.
	other := TaggedHash([]byte("test"), []byte("other"))
	require.ErrorIs(
		t, VerifySchnorr(sig.Serialize(), other[:], privKey.PubKey()),
		ErrSignatureInvalid,
	)

	// Truncated signature.
	require.ErrorIs(
		t, VerifySchnorr(sig.Serialize()[:63], msg[:], privKey.PubKey()),
		ErrSignatureInvalid,
	)
}
