package frost

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/dkg"
)

// Nonces holds one signer's secret nonce pair for a single session. The
// pair is sampled from the OS CSPRNG, used at most once, and wiped after
// signing.
type Nonces struct {
	d *secp256k1.ModNScalar
	e *secp256k1.ModNScalar

	// D and E are the public commitments d*G and e*G.
	D *btcec.PublicKey
	E *btcec.PublicKey

	used bool
}

// NewNonces samples a fresh nonce pair.
func NewNonces() (*Nonces, error) {
	dKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("unable to sample nonce d: %w", err)
	}
	eKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("unable to sample nonce e: %w", err)
	}

	d := new(secp256k1.ModNScalar).Set(&dKey.Key)
	e := new(secp256k1.ModNScalar).Set(&eKey.Key)

	return &Nonces{
		d: d,
		e: e,
		D: crypto.ScalarBaseMult(d),
		E: crypto.ScalarBaseMult(e),
	}, nil
}

// zeroize wipes the secret nonces.
func (n *Nonces) zeroize() {
	n.d.Zero()
	n.e.Zero()
	n.used = true
}

// Signer produces one party's contributions to signing sessions for a
// single DKG share. It tracks in-flight nonces per session so a nonce is
// never signed with twice, even under concurrent sessions for distinct
// shares.
type Signer struct {
	share *dkg.Share

	mu     sync.Mutex
	nonces map[uuid.UUID]*Nonces
}

// NewSigner wraps a share that carries its secret.
func NewSigner(share *dkg.Share) (*Signer, error) {
	if share.Secret == nil {
		return nil, fmt.Errorf("share %s carries no secret", share.ID)
	}

	return &Signer{
		share:  share,
		nonces: make(map[uuid.UUID]*Nonces),
	}, nil
}

// Share returns the underlying share record.
func (s *Signer) Share() *dkg.Share {
	return s.share
}

// Commit performs round one for the given session, returning the public
// nonce commitment. Committing twice for one session is an error: the
// original nonces would be silently replaced and could leak the share if
// both commitments ended up signed.
func (s *Signer) Commit(sessionID uuid.UUID) (*NonceCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nonces[sessionID]; ok {
		return nil, fmt.Errorf("%w: session %s",
			ErrDuplicateCommitment, sessionID)
	}

	nonces, err := NewNonces()
	if err != nil {
		return nil, err
	}
	s.nonces[sessionID] = nonces

	return &NonceCommitment{
		PartyIndex: s.share.PartyIndex,
		D:          nonces.D,
		E:          nonces.E,
	}, nil
}

// Sign performs round two: given the full commitment set, produce this
// party's partial signature over msg, with the tweak chain applied to the
// group key. The session's nonces are consumed regardless of outcome.
func (s *Signer) Sign(sessionID uuid.UUID, msg [32]byte, tweaks []Tweak,
	commitments []*NonceCommitment) (*PartialSignature, error) {

	s.mu.Lock()
	nonces, ok := s.nonces[sessionID]
	delete(s.nonces, sessionID)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no round-1 nonces for session %s",
			sessionID)
	}
	if nonces.used {
		return nil, ErrNonceReuse
	}
	defer nonces.zeroize()

	ctx, err := deriveBindingContext(
		s.share.GroupKey, tweaks, msg, commitments,
	)
	if err != nil {
		return nil, err
	}

	// Our own commitment must be the one we produced in round one.
	var own *NonceCommitment
	for _, c := range commitments {
		if c.PartyIndex == s.share.PartyIndex {
			own = c
			break
		}
	}
	if own == nil {
		return nil, fmt.Errorf("%w: own index %d not in commitment "+
			"set", ErrUnknownSigner, s.share.PartyIndex)
	}
	if !own.D.IsEqual(nonces.D) || !own.E.IsEqual(nonces.E) {
		return nil, fmt.Errorf("commitment set does not contain our "+
			"round-1 nonces for session %s", sessionID)
	}

	rho := ctx.rho[s.share.PartyIndex]

	// Nonce term: eps_r * (d + rho*e).
	nonceScalar := new(secp256k1.ModNScalar).Set(rho)
	nonceScalar.Mul(nonces.e)
	nonceScalar.Add(nonces.d)
	if ctx.nonceNegated {
		nonceScalar.Negate()
	}

	// Keyed term: eps_y * lambda * c * s_i.
	lambda, err := crypto.LagrangeCoefficient(
		s.share.PartyIndex, ctx.signerSet,
	)
	if err != nil {
		return nil, err
	}

	keyedScalar := new(secp256k1.ModNScalar).Set(ctx.challenge)
	keyedScalar.Mul(lambda)
	keyedScalar.Mul(s.share.Secret)
	if ctx.keyTermNegated {
		keyedScalar.Negate()
	}

	z := new(secp256k1.ModNScalar).Set(nonceScalar)
	z.Add(keyedScalar)

	// The lowest-index signer folds in the accumulated tweak term once.
	if !ctx.tweakAcc.IsZero() && s.share.PartyIndex == ctx.tweakCarrier() {
		tweakScalar := new(secp256k1.ModNScalar).Set(ctx.challenge)
		tweakScalar.Mul(ctx.tweakAcc)
		if ctx.tweakTermNegated {
			tweakScalar.Negate()
		}
		z.Add(tweakScalar)
	}

	return &PartialSignature{
		PartyIndex: s.share.PartyIndex,
		Z:          z,
	}, nil
}

// Abort discards any nonces held for the session, e.g. when the aggregator
// reports a timeout. Safe to call for unknown sessions.
func (s *Signer) Abort(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nonces, ok := s.nonces[sessionID]; ok {
		nonces.zeroize()
		delete(s.nonces, sessionID)
	}
}
