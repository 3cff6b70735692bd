// Package crypto implements the secp256k1 primitives shared by the DKG and
// threshold signing engines: scalar and point arithmetic, BIP-340 tagged
// hashes, Taproot tweaks, key aggregation hashing and Lagrange
// interpolation in the scalar field.
package crypto

import (
	"bytes"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrPointNotOnCurve is returned when a serialized public key does
	// not decode to a point on the curve.
	ErrPointNotOnCurve = errors.New("point not on curve")

	// ErrScalarOutOfRange is returned when a 32-byte value is zero or not
	// below the curve order.
	ErrScalarOutOfRange = errors.New("scalar out of range")

	// ErrSignatureInvalid is returned when a Schnorr signature fails
	// BIP-340 verification.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

const (
	// ScalarSize is the byte length of a serialized scalar.
	ScalarSize = 32

	// PubKeyBytesLenCompressed is the byte length of a compressed public
	// key.
	PubKeyBytesLenCompressed = 33
)

// TagKeyAgg is the tagged-hash prefix for the key aggregation coefficient.
var TagKeyAgg = []byte("SparkBridge/keyagg")

// ParsePubKey parses a 33-byte compressed public key, mapping decode
// failures to ErrPointNotOnCurve.
func ParsePubKey(serialized []byte) (*btcec.PublicKey, error) {
	pubKey, err := btcec.ParsePubKey(serialized)
	if err != nil {
		return nil, ErrPointNotOnCurve
	}

	return pubKey, nil
}

// ParseScalar parses a 32-byte big-endian value as a scalar mod the curve
// order, rejecting zero and values >= N.
func ParseScalar(serialized []byte) (*secp256k1.ModNScalar, error) {
	if len(serialized) != ScalarSize {
		return nil, ErrScalarOutOfRange
	}

	var s secp256k1.ModNScalar
	overflow := s.SetByteSlice(serialized)
	if overflow || s.IsZero() {
		return nil, ErrScalarOutOfRange
	}

	return &s, nil
}

// ScalarBytes serializes a scalar to its 32-byte big-endian form.
func ScalarBytes(s *secp256k1.ModNScalar) [ScalarSize]byte {
	return s.Bytes()
}

// ScalarBaseMult returns s*G as a public key.
func ScalarBaseMult(s *secp256k1.ModNScalar) *btcec.PublicKey {
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &result)
	result.ToAffine()

	return btcec.NewPublicKey(&result.X, &result.Y)
}

// ScalarMult returns s*P as a public key.
func ScalarMult(s *secp256k1.ModNScalar, p *btcec.PublicKey) *btcec.PublicKey {
	var point, result secp256k1.JacobianPoint
	p.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(s, &point, &result)
	result.ToAffine()

	return btcec.NewPublicKey(&result.X, &result.Y)
}

// AddPoints returns p1 + p2.
func AddPoints(p1, p2 *btcec.PublicKey) *btcec.PublicKey {
	var j1, j2, result secp256k1.JacobianPoint
	p1.AsJacobian(&j1)
	p2.AsJacobian(&j2)
	secp256k1.AddNonConst(&j1, &j2, &result)
	result.ToAffine()

	return btcec.NewPublicKey(&result.X, &result.Y)
}

// NegatePoint returns -p.
func NegatePoint(p *btcec.PublicKey) *btcec.PublicKey {
	var j secp256k1.JacobianPoint
	p.AsJacobian(&j)
	j.Y.Negate(1)
	j.Y.Normalize()
	j.ToAffine()

	return btcec.NewPublicKey(&j.X, &j.Y)
}

// HasEvenY reports whether the point has an even y coordinate, i.e. whether
// its x-only lift per BIP-340 is the point itself.
func HasEvenY(p *btcec.PublicKey) bool {
	return p.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedEven
}

// XOnly returns the 32-byte x-only serialization of a public key.
func XOnly(p *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(p)
}

// TaggedHash computes the BIP-340 tagged hash
// sha256(sha256(tag) || sha256(tag) || msgs...).
func TaggedHash(tag []byte, msgs ...[]byte) [32]byte {
	return *chainhash.TaggedHash(tag, msgs...)
}

// HashToScalar reduces a tagged hash over the given messages to a scalar mod
// the curve order. The reduction bias is negligible for secp256k1.
func HashToScalar(tag []byte, msgs ...[]byte) *secp256k1.ModNScalar {
	hash := TaggedHash(tag, msgs...)

	var s secp256k1.ModNScalar
	s.SetByteSlice(hash[:])

	return &s
}

// VerifySchnorr checks a 64-byte BIP-340 signature over msgHash under the
// x-only form of pubKey.
func VerifySchnorr(sig []byte, msgHash []byte, pubKey *btcec.PublicKey) error {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return ErrSignatureInvalid
	}

	xOnlyKey, err := schnorr.ParsePubKey(XOnly(pubKey))
	if err != nil {
		return ErrPointNotOnCurve
	}

	if !parsed.Verify(msgHash, xOnlyKey) {
		return ErrSignatureInvalid
	}

	return nil
}

// SortKeys returns the keys sorted by their compressed serialization. The
// order fixes the key aggregation coefficient and must match on every party.
func SortKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(
			sorted[i].SerializeCompressed(),
			sorted[j].SerializeCompressed(),
		) < 0
	})

	return sorted
}

// AggregateKeys combines a set of public keys into a single key using a
// per-key coefficient a_i = H(tag, L || P_i) where L commits to the whole
// sorted set. The result binds a session to the exact set of participants.
func AggregateKeys(keys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(keys) == 0 {
		return nil, ErrPointNotOnCurve
	}

	sorted := SortKeys(keys)

	var setCommitment bytes.Buffer
	for _, key := range sorted {
		setCommitment.Write(key.SerializeCompressed())
	}

	var combined secp256k1.JacobianPoint
	for _, key := range sorted {
		coeff := HashToScalar(
			TagKeyAgg, setCommitment.Bytes(),
			key.SerializeCompressed(),
		)

		var point, term secp256k1.JacobianPoint
		key.AsJacobian(&point)
		secp256k1.ScalarMultNonConst(coeff, &point, &term)
		secp256k1.AddNonConst(&combined, &term, &combined)
	}

	if (combined.X.IsZero() && combined.Y.IsZero()) || combined.Z.IsZero() {
		return nil, ErrPointNotOnCurve
	}

	combined.ToAffine()

	return btcec.NewPublicKey(&combined.X, &combined.Y), nil
}
