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

// SessionState enumerates the aggregator-side session machine. The states
// are persisted verbatim so a session can be rehydrated after restart.
type SessionState uint8

const (
	// StateAwaitNonces is the initial state, collecting round-1
	// commitments.
	StateAwaitNonces SessionState = iota

	// StateAwaitPartials means all commitments arrived and round-2
	// requests went out.
	StateAwaitPartials

	// StateAggregated is terminal success.
	StateAggregated

	// StateFailed is terminal failure (timeout, quorum loss, invalid
	// aggregate).
	StateFailed
)

// String returns a stable name used in storage and logs.
func (s SessionState) String() string {
	switch s {
	case StateAwaitNonces:
		return "await_nonces"
	case StateAwaitPartials:
		return "await_partials"
	case StateAggregated:
		return "aggregated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown<%d>", s)
	}
}

// NonceRegistry remembers every nonce commitment pair it has seen so reuse
// is detected the moment it happens, per the signing contract. Entries for
// a session are retained until the session reaches a terminal state plus
// the caller's grace period.
type NonceRegistry struct {
	mu sync.Mutex

	// seen maps the commitment pair encoding to the session that first
	// presented it.
	seen map[[66]byte]uuid.UUID

	// bySession tracks which pairs each session introduced, for release.
	bySession map[uuid.UUID][][66]byte
}

// NewNonceRegistry creates an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{
		seen:      make(map[[66]byte]uuid.UUID),
		bySession: make(map[uuid.UUID][][66]byte),
	}
}

func nonceKey(c *NonceCommitment) [66]byte {
	var key [66]byte
	copy(key[:33], c.D.SerializeCompressed())
	copy(key[33:], c.E.SerializeCompressed())

	return key
}

// Observe records a commitment pair, failing if it was already seen in any
// session other than the given one.
func (r *NonceRegistry) Observe(sessionID uuid.UUID, c *NonceCommitment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nonceKey(c)
	if owner, ok := r.seen[key]; ok {
		if owner == sessionID {
			return nil
		}
		return fmt.Errorf("%w: party %d, first seen in session %s",
			ErrNonceReuse, c.PartyIndex, owner)
	}

	r.seen[key] = sessionID
	r.bySession[sessionID] = append(r.bySession[sessionID], key)

	return nil
}

// Release forgets the pairs a terminal session introduced. Called after the
// post-timeout grace period so late partials can never be mixed into a new
// session with the same share.
func (r *NonceRegistry) Release(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.bySession[sessionID] {
		delete(r.seen, key)
	}
	delete(r.bySession, sessionID)
}

// Session is the aggregator's view of one signing session. All methods are
// safe for concurrent use; the session lock is held for the duration of
// aggregation.
type Session struct {
	// ID is the session identifier shared with every participant.
	ID uuid.UUID

	// ShareID names the DKG share being signed with.
	ShareID uuid.UUID

	mu sync.Mutex

	state SessionState

	// share is the aggregator's (possibly public-only) share record;
	// only the group key and verification shares are used.
	share *dkg.Share

	// msg is the 32-byte message hash under signature.
	msg [32]byte

	// tweaks is the operational-key tweak chain, possibly empty.
	tweaks []Tweak

	// threshold is the number of commitments and valid partials needed.
	threshold uint32

	commitments map[uint32]*NonceCommitment
	partials    map[uint32]*secp256k1.ModNScalar

	// ctx is derived once the commitment set completes.
	ctx *bindingContext

	registry *NonceRegistry
}

// NewSession opens an aggregator session for the given share and message.
// The registry may be shared across sessions to enforce global nonce
// uniqueness; nil disables the check (tests only).
func NewSession(id uuid.UUID, share *dkg.Share, msg [32]byte,
	tweaks []Tweak, registry *NonceRegistry) *Session {

	return &Session{
		ID:          id,
		ShareID:     share.ID,
		state:       StateAwaitNonces,
		share:       share,
		msg:         msg,
		tweaks:      tweaks,
		threshold:   share.NumParties,
		commitments: make(map[uint32]*NonceCommitment),
		partials:    make(map[uint32]*secp256k1.ModNScalar),
		registry:    registry,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Msg returns the message hash under signature.
func (s *Session) Msg() [32]byte {
	return s.msg
}

// AddCommitment ingests a round-1 commitment. It returns true once the
// commitment set is complete and the session has moved to AwaitPartials.
func (s *Session) AddCommitment(c *NonceCommitment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitNonces {
		return false, fmt.Errorf("%w: %v", ErrWrongState, s.state)
	}

	if c.PartyIndex == 0 || c.PartyIndex > s.share.NumParties {
		return false, ErrUnknownSigner
	}
	if _, ok := s.commitments[c.PartyIndex]; ok {
		return false, fmt.Errorf("%w: party %d",
			ErrDuplicateCommitment, c.PartyIndex)
	}

	if s.registry != nil {
		if err := s.registry.Observe(s.ID, c); err != nil {
			return false, err
		}
	}

	s.commitments[c.PartyIndex] = c

	if uint32(len(s.commitments)) < s.threshold {
		return false, nil
	}

	ctx, err := deriveBindingContext(
		s.share.GroupKey, s.tweaks, s.msg, s.commitmentSlice(),
	)
	if err != nil {
		s.state = StateFailed
		return false, err
	}

	s.ctx = ctx
	s.state = StateAwaitPartials

	return true, nil
}

// Commitments returns the full commitment set, for broadcasting with the
// round-2 request. Only valid once AwaitPartials is reached.
func (s *Session) Commitments() ([]*NonceCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitPartials {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, s.state)
	}

	return s.commitmentSlice(), nil
}

func (s *Session) commitmentSlice() []*NonceCommitment {
	out := make([]*NonceCommitment, 0, len(s.commitments))
	for _, c := range s.commitments {
		out = append(out, c)
	}

	return out
}

// AddPartial verifies and records a round-2 partial signature. An invalid
// partial is rejected and attributed to its signer without failing the
// session; the caller decides whether quorum is still reachable.
func (s *Session) AddPartial(p *PartialSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitPartials {
		return fmt.Errorf("%w: %v", ErrWrongState, s.state)
	}

	commitment, ok := s.commitments[p.PartyIndex]
	if !ok {
		return ErrUnknownSigner
	}

	verificationShare, ok := s.share.VerificationShares[p.PartyIndex]
	if !ok {
		return ErrUnknownSigner
	}

	expected, err := s.ctx.expectedPartialPoint(
		commitment, verificationShare,
	)
	if err != nil {
		return err
	}

	if !crypto.ScalarBaseMult(p.Z).IsEqual(expected) {
		return fmt.Errorf("%w: party %d", ErrInvalidPartial,
			p.PartyIndex)
	}

	s.partials[p.PartyIndex] = p.Z

	return nil
}

// Aggregate combines the collected partials into a 64-byte BIP-340
// signature and verifies it under the operational key. On success the
// session is terminal; an invalid aggregate fails the session.
func (s *Session) Aggregate() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitPartials {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, s.state)
	}

	if uint32(len(s.partials)) < s.threshold {
		return nil, fmt.Errorf("%w: have %d, need %d",
			ErrNotEnoughSigners, len(s.partials), s.threshold)
	}

	z := new(secp256k1.ModNScalar)
	for _, partial := range s.partials {
		z.Add(partial)
	}

	sig := serializeSignature(s.ctx.groupNonce, z)

	if err := s.ctx.verifyAggregate(sig, s.msg); err != nil {
		s.state = StateFailed
		return nil, err
	}

	s.state = StateAggregated

	return sig, nil
}

// Fail moves the session to the terminal failed state, e.g. on timeout or
// quorum loss.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAggregated {
		s.state = StateFailed
	}
}

// OperationalKey returns the key the final signature verifies under. Only
// valid once the commitment set is complete.
func (s *Session) OperationalKey() (*btcec.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, s.state)
	}

	return s.ctx.operationalKey, nil
}

// serializeSignature encodes (x_only(R), z) as a 64-byte signature.
func serializeSignature(r *btcec.PublicKey, z *secp256k1.ModNScalar) []byte {
	sig := make([]byte, 64)
	copy(sig[:32], crypto.XOnly(r))
	zBytes := z.Bytes()
	copy(sig[32:], zBytes[:])

	return sig
}
