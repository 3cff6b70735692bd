package frost

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/dkg"
)

// runSigningSession drives a complete two-round session over freshly
// generated shares and returns the aggregate signature plus the key it must
// verify under.
func runSigningSession(t *testing.T, numParties uint32, msg [32]byte,
	tweaks []Tweak) ([]byte, *btcec.PublicKey) {

	t.Helper()

	shares, err := dkg.RunLocalCeremony(numParties)
	require.NoError(t, err)

	signers := make([]*Signer, numParties)
	for i, share := range shares {
		signers[i], err = NewSigner(share)
		require.NoError(t, err)
	}

	sessionID := uuid.New()
	session := NewSession(
		sessionID, shares[0], msg, tweaks, NewNonceRegistry(),
	)

	// Round 1.
	for _, signer := range signers {
		commitment, err := signer.Commit(sessionID)
		require.NoError(t, err)

		_, err = session.AddCommitment(commitment)
		require.NoError(t, err)
	}
	require.Equal(t, StateAwaitPartials, session.State())

	commitments, err := session.Commitments()
	require.NoError(t, err)

	// Round 2.
	for _, signer := range signers {
		partial, err := signer.Sign(sessionID, msg, tweaks, commitments)
		require.NoError(t, err)
		require.NoError(t, session.AddPartial(partial))
	}

	sig, err := session.Aggregate()
	require.NoError(t, err)
	require.Equal(t, StateAggregated, session.State())

	operationalKey, err := session.OperationalKey()
	require.NoError(t, err)

	return sig, operationalKey
}

// TestSigningWithoutTweak covers plain group-key signatures for every
// deployment threshold.
func TestSigningWithoutTweak(t *testing.T) {
	t.Parallel()

	msg := crypto.TaggedHash([]byte("test"), []byte("plain message"))

	for _, numParties := range []uint32{2, 3, 5} {
		sig, key := runSigningSession(t, numParties, msg, nil)
		require.NoError(t, crypto.VerifySchnorr(sig, msg[:], key))
	}
}

// TestSigningWithTweak exercises tweaked-key signatures across enough
// random tweaks to hit both parities of R and of the tweaked key.
func TestSigningWithTweak(t *testing.T) {
	t.Parallel()

	for i := 0; i < 16; i++ {
		tweakKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		tweak := new(secp256k1.ModNScalar).Set(&tweakKey.Key)

		msg := crypto.TaggedHash(
			[]byte("test"), []byte{byte(i)}, []byte("tweaked"),
		)

		sig, key := runSigningSession(
			t, 3, msg, []Tweak{PlainTweak(tweak)},
		)
		require.NoError(t, crypto.VerifySchnorr(sig, msg[:], key))
	}
}

// TestSigningWithTaprootChain signs under the full deposit-address chain:
// intent tweak followed by the BIP-341 x-only tweak, verifying under the
// independently derived Taproot output key.
func TestSigningWithTaprootChain(t *testing.T) {
	t.Parallel()

	for i := 0; i < 8; i++ {
		shares, err := dkg.RunLocalCeremony(2)
		require.NoError(t, err)

		intentKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		intentTweak := new(secp256k1.ModNScalar).Set(&intentKey.Key)

		// Operational key and its Taproot output key, derived the
		// way address issuance does it.
		operationalKey, err := crypto.TweakPubKey(
			shares[0].GroupKey, intentTweak,
		)
		require.NoError(t, err)

		tapTweak, err := crypto.TaprootTweakScalar(operationalKey)
		require.NoError(t, err)
		outputKey := crypto.TaprootOutputKey(operationalKey)

		tweaks := []Tweak{
			PlainTweak(intentTweak), XOnlyTweak(tapTweak),
		}

		msg := crypto.TaggedHash(
			[]byte("test"), []byte{byte(i)}, []byte("taproot"),
		)

		signers := make([]*Signer, len(shares))
		sessionID := uuid.New()
		session := NewSession(sessionID, shares[0], msg, tweaks, nil)

		for j, share := range shares {
			signers[j], err = NewSigner(share)
			require.NoError(t, err)

			commitment, err := signers[j].Commit(sessionID)
			require.NoError(t, err)
			_, err = session.AddCommitment(commitment)
			require.NoError(t, err)
		}

		commitments, err := session.Commitments()
		require.NoError(t, err)
		for _, signer := range signers {
			partial, err := signer.Sign(
				sessionID, msg, tweaks, commitments,
			)
			require.NoError(t, err)
			require.NoError(t, session.AddPartial(partial))
		}

		sig, err := session.Aggregate()
		require.NoError(t, err)

		// The session's view and the address derivation agree.
		sessionKey, err := session.OperationalKey()
		require.NoError(t, err)
		require.Equal(
			t, crypto.XOnly(outputKey), crypto.XOnly(sessionKey),
		)

		require.NoError(t, crypto.VerifySchnorr(sig, msg[:], outputKey))
	}
}

// TestTweakedKeyMatchesDerivation confirms the signature verifies under the
// independently derived Y + h*G, not just the session's own view of it.
func TestTweakedKeyMatchesDerivation(t *testing.T) {
	t.Parallel()

	shares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)

	tweakKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tweak := new(secp256k1.ModNScalar).Set(&tweakKey.Key)

	expectedKey, err := crypto.TweakPubKey(shares[0].GroupKey, tweak)
	require.NoError(t, err)

	msg := crypto.TaggedHash([]byte("test"), []byte("derived key"))

	tweaks := []Tweak{PlainTweak(tweak)}
	sessionID := uuid.New()
	session := NewSession(sessionID, shares[0], msg, tweaks, nil)

	signers := make([]*Signer, len(shares))
	for i, share := range shares {
		signers[i], err = NewSigner(share)
		require.NoError(t, err)

		commitment, err := signers[i].Commit(sessionID)
		require.NoError(t, err)
		_, err = session.AddCommitment(commitment)
		require.NoError(t, err)
	}

	commitments, err := session.Commitments()
	require.NoError(t, err)
	for _, signer := range signers {
		partial, err := signer.Sign(sessionID, msg, tweaks, commitments)
		require.NoError(t, err)
		require.NoError(t, session.AddPartial(partial))
	}

	sig, err := session.Aggregate()
	require.NoError(t, err)
	require.NoError(t, crypto.VerifySchnorr(sig, msg[:], expectedKey))
}

// TestInvalidPartialRejectedIndividually checks that one bad signer's
// partial is rejected alone: the session stays live, short of quorum.
func TestInvalidPartialRejectedIndividually(t *testing.T) {
	t.Parallel()

	shares, err := dkg.RunLocalCeremony(3)
	require.NoError(t, err)

	msg := crypto.TaggedHash([]byte("test"), []byte("bad partial"))

	sessionID := uuid.New()
	session := NewSession(sessionID, shares[0], msg, nil, nil)

	signers := make([]*Signer, len(shares))
	for i, share := range shares {
		signers[i], err = NewSigner(share)
		require.NoError(t, err)

		commitment, err := signers[i].Commit(sessionID)
		require.NoError(t, err)
		_, err = session.AddCommitment(commitment)
		require.NoError(t, err)
	}

	commitments, err := session.Commitments()
	require.NoError(t, err)

	// Signer 1 and 2 behave; signer 3's partial is corrupted in flight.
	for _, signer := range signers[:2] {
		partial, err := signer.Sign(sessionID, msg, nil, commitments)
		require.NoError(t, err)
		require.NoError(t, session.AddPartial(partial))
	}

	partial, err := signers[2].Sign(sessionID, msg, nil, commitments)
	require.NoError(t, err)
	partial.Z = new(secp256k1.ModNScalar).SetInt(12345)

	err = session.AddPartial(partial)
	require.ErrorIs(t, err, ErrInvalidPartial)

	// Session is still live, short of quorum.
	require.Equal(t, StateAwaitPartials, session.State())
	_, err = session.Aggregate()
	require.ErrorIs(t, err, ErrNotEnoughSigners)
}

// TestCoalitionBelowThresholdCannotForge checks that any M-1 of M signers
// produce an aggregate that fails verification: interpolating a degree M-1
// polynomial from M-1 points cannot hit the group secret.
func TestCoalitionBelowThresholdCannotForge(t *testing.T) {
	t.Parallel()

	for trial := 0; trial < 8; trial++ {
		shares, err := dkg.RunLocalCeremony(3)
		require.NoError(t, err)

		msg := crypto.TaggedHash(
			[]byte("test"), []byte{byte(trial)}, []byte("forge"),
		)

		// Only parties 1 and 2 collude.
		sessionID := uuid.New()
		coalition := shares[:2]

		signers := make([]*Signer, len(coalition))
		commitments := make([]*NonceCommitment, len(coalition))
		for i, share := range coalition {
			signers[i], err = NewSigner(share)
			require.NoError(t, err)
			commitments[i], err = signers[i].Commit(sessionID)
			require.NoError(t, err)
		}

		z := new(secp256k1.ModNScalar)
		for _, signer := range signers {
			partial, err := signer.Sign(
				sessionID, msg, nil, commitments,
			)
			require.NoError(t, err)
			z.Add(partial.Z)
		}

		ctx, err := deriveBindingContext(
			shares[0].GroupKey, nil, msg, commitments,
		)
		require.NoError(t, err)

		sig := serializeSignature(ctx.groupNonce, z)
		require.ErrorIs(
			t, crypto.VerifySchnorr(
				sig, msg[:], shares[0].GroupKey,
			),
			crypto.ErrSignatureInvalid,
		)
	}
}

// TestNonceLifecycle covers single-use nonces and abort.
func TestNonceLifecycle(t *testing.T) {
	t.Parallel()

	shares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)

	signer, err := NewSigner(shares[0])
	require.NoError(t, err)

	sessionID := uuid.New()
	_, err = signer.Commit(sessionID)
	require.NoError(t, err)

	// Double-commit for the same session is refused.
	_, err = signer.Commit(sessionID)
	require.ErrorIs(t, err, ErrDuplicateCommitment)

	// Abort discards the nonces; signing afterwards fails.
	signer.Abort(sessionID)

	msg := crypto.TaggedHash([]byte("test"), []byte("aborted"))
	_, err = signer.Sign(sessionID, msg, nil, nil)
	require.Error(t, err)
}

// TestNonceRegistryDetectsReuse verifies cross-session reuse detection.
func TestNonceRegistryDetectsReuse(t *testing.T) {
	t.Parallel()

	registry := NewNonceRegistry()

	nonces, err := NewNonces()
	require.NoError(t, err)

	commitment := &NonceCommitment{PartyIndex: 1, D: nonces.D, E: nonces.E}

	firstSession := uuid.New()
	require.NoError(t, registry.Observe(firstSession, commitment))

	// Same pair in the same session is idempotent.
	require.NoError(t, registry.Observe(firstSession, commitment))

	// Same pair in another session is reuse.
	err = registry.Observe(uuid.New(), commitment)
	require.ErrorIs(t, err, ErrNonceReuse)

	// After release the pair may appear again.
	registry.Release(firstSession)
	require.NoError(t, registry.Observe(uuid.New(), commitment))
}

// TestNonceNonReuseAcrossSessions samples many sessions for one share and
// asserts no commitment pair ever repeats.
func TestNonceNonReuseAcrossSessions(t *testing.T) {
	t.Parallel()

	shares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)

	signer, err := NewSigner(shares[0])
	require.NoError(t, err)

	seen := make(map[[66]byte]struct{})
	for i := 0; i < 10_000; i++ {
		commitment, err := signer.Commit(uuid.New())
		require.NoError(t, err)

		key := nonceKey(commitment)
		_, dup := seen[key]
		require.False(t, dup, "nonce pair repeated after %d sessions", i)
		seen[key] = struct{}{}
	}
}

// TestSignRejectsForeignCommitmentSet ensures a signer refuses a commitment
// set that does not contain its own round-1 nonces.
func TestSignRejectsForeignCommitmentSet(t *testing.T) {
	t.Parallel()

	shares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)

	signer1, err := NewSigner(shares[0])
	require.NoError(t, err)
	signer2, err := NewSigner(shares[1])
	require.NoError(t, err)

	sessionID := uuid.New()
	_, err = signer1.Commit(sessionID)
	require.NoError(t, err)
	commitment2, err := signer2.Commit(sessionID)
	require.NoError(t, err)

	// Replace signer 1's commitment with a fresh pair it never made.
	forged, err := NewNonces()
	require.NoError(t, err)
	foreign := []*NonceCommitment{
		{PartyIndex: 1, D: forged.D, E: forged.E},
		commitment2,
	}

	msg := crypto.TaggedHash([]byte("test"), []byte("foreign set"))
	_, err = signer1.Sign(sessionID, msg, nil, foreign)
	require.Error(t, err)
}

// TestSessionStateGuards covers out-of-order protocol messages.
func TestSessionStateGuards(t *testing.T) {
	t.Parallel()

	shares, err := dkg.RunLocalCeremony(2)
	require.NoError(t, err)

	msg := crypto.TaggedHash([]byte("test"), []byte("guards"))
	session := NewSession(uuid.New(), shares[0], msg, nil, nil)

	// Partials before commitments complete.
	err = session.AddPartial(&PartialSignature{
		PartyIndex: 1,
		Z:          new(secp256k1.ModNScalar).SetInt(1),
	})
	require.ErrorIs(t, err, ErrWrongState)

	// Aggregate before commitments complete.
	_, err = session.Aggregate()
	require.ErrorIs(t, err, ErrWrongState)

	// Unknown signer index.
	nonces, err := NewNonces()
	require.NoError(t, err)
	_, err = session.AddCommitment(&NonceCommitment{
		PartyIndex: 9, D: nonces.D, E: nonces.E,
	})
	require.ErrorIs(t, err, ErrUnknownSigner)

	// Failing is sticky.
	session.Fail()
	require.Equal(t, StateFailed, session.State())
	_, err = session.AddCommitment(&NonceCommitment{
		PartyIndex: 1, D: nonces.D, E: nonces.E,
	})
	require.ErrorIs(t, err, ErrWrongState)
}
