// Package frost implements the bridge's two-round threshold Schnorr signing
// protocol. Round one collects per-signer nonce commitments, round two
// collects partial signatures bound to those commitments, and the aggregate
// verifies as a plain BIP-340 signature under the (optionally tweaked)
// group key.
package frost

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/sats-terminal/spark-bridge/crypto"
)

var (
	// ErrWrongState is returned when a protocol message arrives in a
	// state that does not consume it.
	ErrWrongState = errors.New("signing session in wrong state")

	// ErrUnknownSigner is returned for a party index outside the
	// session's share set.
	ErrUnknownSigner = errors.New("unknown signer index")

	// ErrDuplicateCommitment is returned when a signer commits twice in
	// one session.
	ErrDuplicateCommitment = errors.New("duplicate nonce commitment")

	// ErrInvalidPartial is returned when a partial signature fails the
	// per-signer check. It fails the signer, not the session.
	ErrInvalidPartial = errors.New("invalid partial signature")

	// ErrAggregateInvalid is returned when the combined signature does
	// not verify under the operational key.
	ErrAggregateInvalid = errors.New("aggregate signature invalid")

	// ErrNonceReuse is returned when a nonce commitment pair repeats
	// across sessions.
	ErrNonceReuse = errors.New("nonce commitment reused")

	// ErrNotEnoughSigners is returned when aggregation is attempted with
	// fewer valid partials than the threshold.
	ErrNotEnoughSigners = errors.New("not enough valid partial signatures")
)

// tagNonceBinding domain-separates the per-signer binding value that ties a
// nonce pair to the session message and the full commitment set.
var tagNonceBinding = []byte("SparkBridge/nonce-binding")

// NonceCommitment is a signer's round-1 contribution.
type NonceCommitment struct {
	PartyIndex uint32
	D          *btcec.PublicKey
	E          *btcec.PublicKey
}

// PartialSignature is a signer's round-2 contribution.
type PartialSignature struct {
	PartyIndex uint32
	Z          *secp256k1.ModNScalar
}

// bindingContext is everything both sides need to derive the group nonce,
// the challenge, and the per-signer parity adjustments. The aggregator and
// every signer compute it independently from the same inputs and must agree
// bit for bit.
type bindingContext struct {
	// signerSet is the sorted list of participating indexes.
	signerSet []uint32

	// rho maps each signer to its binding scalar.
	rho map[uint32]*secp256k1.ModNScalar

	// groupNonce is R before parity normalization.
	groupNonce *btcec.PublicKey

	// nonceNegated is true when R had odd y, meaning every signer
	// negates its nonce contribution.
	nonceNegated bool

	// operationalKey is the fully tweaked key Q the final signature
	// verifies under (its even-y lift, per BIP-340).
	operationalKey *btcec.PublicKey

	// keyTermNegated is the sign of each signer's keyed term:
	// g_final * gacc over the tweak chain.
	keyTermNegated bool

	// tweakTermNegated is the sign of the accumulated tweak term:
	// g_final alone.
	tweakTermNegated bool

	// tweakAcc is tacc; zero when signing under the bare group key.
	tweakAcc *secp256k1.ModNScalar

	// challenge is the BIP-340 challenge scalar.
	challenge *secp256k1.ModNScalar
}

// deriveBindingContext computes the shared round-2 context from the full
// commitment set.
func deriveBindingContext(groupKey *btcec.PublicKey, tweaks []Tweak,
	msg [32]byte, commitments []*NonceCommitment) (*bindingContext, error) {

	if len(commitments) == 0 {
		return nil, ErrNotEnoughSigners
	}

	sorted := make([]*NonceCommitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartyIndex < sorted[j].PartyIndex
	})

	// Serialize the full commitment list once; it feeds every binding
	// hash so no signer can be rebound to a different set.
	var commitmentList bytes.Buffer
	signerSet := make([]uint32, 0, len(sorted))
	for _, c := range sorted {
		var indexBytes [4]byte
		binary.BigEndian.PutUint32(indexBytes[:], c.PartyIndex)
		commitmentList.Write(indexBytes[:])
		commitmentList.Write(c.D.SerializeCompressed())
		commitmentList.Write(c.E.SerializeCompressed())
		signerSet = append(signerSet, c.PartyIndex)
	}

	ctx := &bindingContext{
		signerSet: signerSet,
		rho:       make(map[uint32]*secp256k1.ModNScalar, len(sorted)),
	}

	// R = Σ (D_j + rho_j * E_j).
	var groupNonce secp256k1.JacobianPoint
	for _, c := range sorted {
		var indexBytes [4]byte
		binary.BigEndian.PutUint32(indexBytes[:], c.PartyIndex)

		rho := crypto.HashToScalar(
			tagNonceBinding, indexBytes[:], msg[:],
			commitmentList.Bytes(),
		)
		ctx.rho[c.PartyIndex] = rho

		bound := crypto.AddPoints(c.D, crypto.ScalarMult(rho, c.E))

		var boundJ secp256k1.JacobianPoint
		bound.AsJacobian(&boundJ)
		secp256k1.AddNonConst(&groupNonce, &boundJ, &groupNonce)
	}

	if groupNonce.Z.IsZero() {
		return nil, fmt.Errorf("group nonce is the point at infinity")
	}
	groupNonce.ToAffine()
	ctx.groupNonce = btcec.NewPublicKey(&groupNonce.X, &groupNonce.Y)
	ctx.nonceNegated = !crypto.HasEvenY(ctx.groupNonce)

	// Fold the tweak chain: Q = gacc*Y + tacc*G.
	tweaked, err := applyTweaks(groupKey, tweaks)
	if err != nil {
		return nil, err
	}
	ctx.operationalKey = tweaked.key

	// BIP-340 verifies under the even-y lift of Q, contributing one
	// final sign flip on everything keyed.
	finalNegated := !crypto.HasEvenY(tweaked.key)
	ctx.keyTermNegated = finalNegated != tweaked.accNegated
	ctx.tweakTermNegated = finalNegated
	ctx.tweakAcc = tweaked.acc

	ctx.challenge = crypto.HashToScalar(
		chainhash.TagBIP0340Challenge,
		crypto.XOnly(ctx.groupNonce), crypto.XOnly(tweaked.key),
		msg[:],
	)

	return ctx, nil
}

// tweakCarrier returns the signer index that folds the tweak term into its
// partial: the smallest index in the set.
func (c *bindingContext) tweakCarrier() uint32 {
	return c.signerSet[0]
}

// expectedPartialPoint computes the public image a valid partial from the
// given signer must have:
//
//	z_i*G == eps_r*(D_i + rho_i*E_i) + eps_k*lambda_i*c*Y_i
//	         (+ eps_t*c*tacc*G for the tweak carrier)
func (c *bindingContext) expectedPartialPoint(commitment *NonceCommitment,
	verificationShare *btcec.PublicKey) (*btcec.PublicKey, error) {

	rho, ok := c.rho[commitment.PartyIndex]
	if !ok {
		return nil, ErrUnknownSigner
	}

	nonceTerm := crypto.AddPoints(
		commitment.D, crypto.ScalarMult(rho, commitment.E),
	)
	if c.nonceNegated {
		nonceTerm = crypto.NegatePoint(nonceTerm)
	}

	lambda, err := crypto.LagrangeCoefficient(
		commitment.PartyIndex, c.signerSet,
	)
	if err != nil {
		return nil, err
	}

	keyCoeff := new(secp256k1.ModNScalar).Set(c.challenge)
	keyCoeff.Mul(lambda)
	if c.keyTermNegated {
		keyCoeff.Negate()
	}

	expected := crypto.AddPoints(
		nonceTerm, crypto.ScalarMult(keyCoeff, verificationShare),
	)

	if !c.tweakAcc.IsZero() &&
		commitment.PartyIndex == c.tweakCarrier() {

		tweakCoeff := new(secp256k1.ModNScalar).Set(c.challenge)
		tweakCoeff.Mul(c.tweakAcc)
		if c.tweakTermNegated {
			tweakCoeff.Negate()
		}
		expected = crypto.AddPoints(
			expected, crypto.ScalarBaseMult(tweakCoeff),
		)
	}

	return expected, nil
}

// verifyAggregate checks the final signature under the operational key.
func (c *bindingContext) verifyAggregate(sig []byte, msg [32]byte) error {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return ErrAggregateInvalid
	}

	xOnlyKey, err := schnorr.ParsePubKey(crypto.XOnly(c.operationalKey))
	if err != nil {
		return ErrAggregateInvalid
	}

	if !parsed.Verify(msg[:], xOnlyKey) {
		return ErrAggregateInvalid
	}

	return nil
}
