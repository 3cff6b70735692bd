// Package dkg implements the two-round Pedersen distributed key generation
// protocol the bridge uses to produce its threshold-held group keys. All M
// parties contribute a random polynomial; the group secret is the sum of the
// constant terms and no party ever learns more than its own share of it.
package dkg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/crypto"
)

var (
	// ErrWrongState is returned when a round message arrives while the
	// participant is not in the state that consumes it.
	ErrWrongState = errors.New("dkg participant in wrong state")

	// ErrInvalidProof is returned when a party's proof of knowledge of
	// its polynomial constant term does not verify.
	ErrInvalidProof = errors.New("invalid proof of knowledge")

	// ErrInvalidShare is returned when a round-2 share does not match the
	// sender's committed polynomial. Per protocol this aborts the DKG.
	ErrInvalidShare = errors.New("share does not match commitments")

	// ErrMissingParty is returned when a round completes without a
	// contribution from every party.
	ErrMissingParty = errors.New("missing contribution from party")

	// ErrBadPartyIndex is returned for indexes outside 1..M.
	ErrBadPartyIndex = errors.New("party index out of range")
)

// tagProofOfKnowledge domain-separates the round-1 Schnorr proof challenge.
var tagProofOfKnowledge = []byte("SparkBridge/dkg-pok")

// State enumerates the participant state machine. The protocol is strictly
// linear: Round1 -> Round2 -> Done, with Failed absorbing any verification
// failure.
type State uint8

const (
	StateRound1 State = iota
	StateRound2
	StateDone
	StateFailed
)

// String returns a human readable state name.
func (s State) String() string {
	switch s {
	case StateRound1:
		return "round1"
	case StateRound2:
		return "round2"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown<%d>", s)
	}
}

// Round1Broadcast is a party's public round-1 contribution: the commitments
// to its polynomial coefficients and a proof of knowledge of the constant
// term.
type Round1Broadcast struct {
	// PartyIndex identifies the sender, 1..M.
	PartyIndex uint32

	// Commitments are {f_i,k * G} for k = 0..M-1.
	Commitments []*btcec.PublicKey

	// ProofR and ProofMu form a Schnorr proof of knowledge of f_i(0)
	// relative to Commitments[0].
	ProofR  *btcec.PublicKey
	ProofMu *secp256k1.ModNScalar
}

// Round2Share is the evaluation f_from(to), sent over an authenticated
// channel to exactly one recipient.
type Round2Share struct {
	FromIndex uint32
	ToIndex   uint32
	Value     *secp256k1.ModNScalar
}

// Config fixes the ceremony parameters for one participant.
type Config struct {
	// NumParties is M, the total (and threshold) party count.
	NumParties uint32

	// PartyIndex is this party's fixed index, 1..M.
	PartyIndex uint32
}

// Participant runs one party's side of the ceremony.
type Participant struct {
	cfg Config

	state State

	// poly holds this party's secret polynomial coefficients, constant
	// term first. Zeroized on completion.
	poly []*secp256k1.ModNScalar

	// commitments collects every party's round-1 commitment vector,
	// keyed by party index.
	commitments map[uint32][]*btcec.PublicKey

	// received collects incoming round-2 share values keyed by sender.
	received map[uint32]*secp256k1.ModNScalar
}

// NewParticipant samples this party's polynomial and returns the participant
// along with its round-1 broadcast.
func NewParticipant(cfg Config) (*Participant, *Round1Broadcast, error) {
	if cfg.NumParties < 2 {
		return nil, nil, fmt.Errorf("need at least 2 parties, got %d",
			cfg.NumParties)
	}
	if cfg.PartyIndex == 0 || cfg.PartyIndex > cfg.NumParties {
		return nil, nil, ErrBadPartyIndex
	}

	// Degree M-1 polynomial, f(0) is the contribution to the group
	// secret.
	poly := make([]*secp256k1.ModNScalar, cfg.NumParties)
	commitments := make([]*btcec.PublicKey, cfg.NumParties)
	for k := range poly {
		coeffKey, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("unable to sample "+
				"coefficient: %w", err)
		}

		coeff := new(secp256k1.ModNScalar).Set(&coeffKey.Key)
		poly[k] = coeff
		commitments[k] = crypto.ScalarBaseMult(coeff)
	}

	proofR, proofMu, err := proveConstantTerm(
		cfg.PartyIndex, poly[0], commitments[0],
	)
	if err != nil {
		return nil, nil, err
	}

	p := &Participant{
		cfg:         cfg,
		state:       StateRound1,
		poly:        poly,
		commitments: make(map[uint32][]*btcec.PublicKey),
		received:    make(map[uint32]*secp256k1.ModNScalar),
	}
	p.commitments[cfg.PartyIndex] = commitments

	broadcast := &Round1Broadcast{
		PartyIndex:  cfg.PartyIndex,
		Commitments: commitments,
		ProofR:      proofR,
		ProofMu:     proofMu,
	}

	return p, broadcast, nil
}

// State returns the participant's current protocol state.
func (p *Participant) State() State {
	return p.state
}

// ProcessRound1 consumes the full set of round-1 broadcasts (including this
// party's own) and emits the round-2 shares destined for every other party.
// Any invalid proof fails the ceremony deterministically.
func (p *Participant) ProcessRound1(
	broadcasts []*Round1Broadcast) ([]*Round2Share, error) {

	if p.state != StateRound1 {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, p.state)
	}

	for _, b := range broadcasts {
		if b.PartyIndex == 0 || b.PartyIndex > p.cfg.NumParties {
			p.fail()
			return nil, ErrBadPartyIndex
		}
		if b.PartyIndex == p.cfg.PartyIndex {
			continue
		}
		if uint32(len(b.Commitments)) != p.cfg.NumParties {
			p.fail()
			return nil, fmt.Errorf("party %d committed %d "+
				"coefficients, want %d", b.PartyIndex,
				len(b.Commitments), p.cfg.NumParties)
		}

		err := verifyConstantTerm(
			b.PartyIndex, b.Commitments[0], b.ProofR, b.ProofMu,
		)
		if err != nil {
			p.fail()
			return nil, fmt.Errorf("party %d: %w",
				b.PartyIndex, err)
		}

		p.commitments[b.PartyIndex] = b.Commitments
	}

	if uint32(len(p.commitments)) != p.cfg.NumParties {
		p.fail()
		return nil, ErrMissingParty
	}

	// Keep our own evaluation, emit one share per peer.
	p.received[p.cfg.PartyIndex] = evalPoly(p.poly, p.cfg.PartyIndex)

	shares := make([]*Round2Share, 0, p.cfg.NumParties-1)
	for j := uint32(1); j <= p.cfg.NumParties; j++ {
		if j == p.cfg.PartyIndex {
			continue
		}

		shares = append(shares, &Round2Share{
			FromIndex: p.cfg.PartyIndex,
			ToIndex:   j,
			Value:     evalPoly(p.poly, j),
		})
	}

	p.state = StateRound2

	return shares, nil
}

// ProcessRound2 consumes the shares addressed to this party and finalizes
// the ceremony, returning this party's durable share record.
func (p *Participant) ProcessRound2(shares []*Round2Share) (*Share, error) {
	if p.state != StateRound2 {
		return nil, fmt.Errorf("%w: %v", ErrWrongState, p.state)
	}

	for _, s := range shares {
		if s.ToIndex != p.cfg.PartyIndex {
			continue
		}

		senderCommitments, ok := p.commitments[s.FromIndex]
		if !ok {
			p.fail()
			return nil, fmt.Errorf("%w: %d", ErrMissingParty,
				s.FromIndex)
		}

		// f_i(j)*G must equal the committed polynomial evaluated in
		// the exponent at j.
		expected := evalCommitments(senderCommitments, p.cfg.PartyIndex)
		if !crypto.ScalarBaseMult(s.Value).IsEqual(expected) {
			p.fail()
			return nil, fmt.Errorf("party %d: %w", s.FromIndex,
				ErrInvalidShare)
		}

		p.received[s.FromIndex] = s.Value
	}

	if uint32(len(p.received)) != p.cfg.NumParties {
		p.fail()
		return nil, ErrMissingParty
	}

	// s_i = Σ_j f_j(i).
	secret := new(secp256k1.ModNScalar)
	for _, v := range p.received {
		secret.Add(v)
	}

	// Combined commitment polynomial C(x) = Σ_j C_j(x); C(0) is the
	// group key and C(i) is party i's verification share.
	combined := make([]*btcec.PublicKey, p.cfg.NumParties)
	for k := uint32(0); k < p.cfg.NumParties; k++ {
		var sum *btcec.PublicKey
		for j := uint32(1); j <= p.cfg.NumParties; j++ {
			c := p.commitments[j][k]
			if sum == nil {
				sum = c
				continue
			}
			sum = crypto.AddPoints(sum, c)
		}
		combined[k] = sum
	}

	groupKey := combined[0]

	// Normalize the group key to even y so its x-only form verifies
	// directly under BIP-340. Negating the key means every party negates
	// its secret share and the whole commitment polynomial.
	if !crypto.HasEvenY(groupKey) {
		secret.Negate()
		for k := range combined {
			combined[k] = crypto.NegatePoint(combined[k])
		}
		groupKey = combined[0]
	}

	verificationShares := make(map[uint32]*btcec.PublicKey, p.cfg.NumParties)
	for j := uint32(1); j <= p.cfg.NumParties; j++ {
		verificationShares[j] = evalCommitments(combined, j)
	}

	share := &Share{
		ID:                 uuid.New(),
		PartyIndex:         p.cfg.PartyIndex,
		NumParties:         p.cfg.NumParties,
		Secret:             secret,
		GroupKey:           groupKey,
		Commitments:        combined,
		VerificationShares: verificationShares,
	}

	p.zeroize()
	p.state = StateDone

	return share, nil
}

// fail moves the participant to the terminal failed state and wipes secret
// material.
func (p *Participant) fail() {
	p.zeroize()
	p.state = StateFailed
}

func (p *Participant) zeroize() {
	for k := range p.poly {
		p.poly[k].Zero()
	}
	p.poly = nil
}

// evalPoly evaluates the secret polynomial at a party index using Horner's
// rule.
func evalPoly(poly []*secp256k1.ModNScalar, index uint32) *secp256k1.ModNScalar {
	x := new(secp256k1.ModNScalar).SetInt(index)

	result := new(secp256k1.ModNScalar)
	for k := len(poly) - 1; k >= 0; k-- {
		result.Mul(x)
		result.Add(poly[k])
	}

	return result
}

// evalCommitments evaluates a commitment vector in the exponent:
// Σ_k index^k * C_k.
func evalCommitments(commitments []*btcec.PublicKey, index uint32) *btcec.PublicKey {
	x := new(secp256k1.ModNScalar).SetInt(index)
	power := new(secp256k1.ModNScalar).SetInt(1)

	result := commitments[0]
	for k := 1; k < len(commitments); k++ {
		power.Mul(x)
		term := crypto.ScalarMult(
			new(secp256k1.ModNScalar).Set(power), commitments[k],
		)
		result = crypto.AddPoints(result, term)
	}

	return result
}

// proveConstantTerm builds the Schnorr proof of knowledge of f(0).
func proveConstantTerm(index uint32, a0 *secp256k1.ModNScalar,
	c0 *btcec.PublicKey) (*btcec.PublicKey, *secp256k1.ModNScalar, error) {

	nonceKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to sample proof nonce: %w",
			err)
	}

	k := new(secp256k1.ModNScalar).Set(&nonceKey.Key)
	r := crypto.ScalarBaseMult(k)

	c := proofChallenge(index, c0, r)

	// mu = k + c * a0.
	mu := new(secp256k1.ModNScalar).Set(c)
	mu.Mul(a0)
	mu.Add(k)

	return r, mu, nil
}

// verifyConstantTerm checks mu*G == R + c*C0.
func verifyConstantTerm(index uint32, c0, r *btcec.PublicKey,
	mu *secp256k1.ModNScalar) error {

	if c0 == nil || r == nil || mu == nil {
		return ErrInvalidProof
	}

	c := proofChallenge(index, c0, r)

	left := crypto.ScalarBaseMult(mu)
	right := crypto.AddPoints(r, crypto.ScalarMult(c, c0))

	if !left.IsEqual(right) {
		return ErrInvalidProof
	}

	return nil
}

func proofChallenge(index uint32, c0, r *btcec.PublicKey) *secp256k1.ModNScalar {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)

	return crypto.HashToScalar(
		tagProofOfKnowledge, indexBytes[:],
		c0.SerializeCompressed(), r.SerializeCompressed(),
	)
}

// RunLocalCeremony runs a complete M-party ceremony in-process and returns
// every party's share, all bound to the same group key. Production
// deployments run the rounds across machines; this driver backs tests and
// regtest pool seeding where the operator controls all parties.
func RunLocalCeremony(numParties uint32) ([]*Share, error) {
	participants := make([]*Participant, numParties)
	broadcasts := make([]*Round1Broadcast, numParties)

	for i := uint32(0); i < numParties; i++ {
		p, b, err := NewParticipant(Config{
			NumParties: numParties,
			PartyIndex: i + 1,
		})
		if err != nil {
			return nil, err
		}
		participants[i] = p
		broadcasts[i] = b
	}

	allShares := make([][]*Round2Share, numParties)
	for i, p := range participants {
		shares, err := p.ProcessRound1(broadcasts)
		if err != nil {
			return nil, fmt.Errorf("party %d round 1: %w", i+1, err)
		}
		allShares[i] = shares
	}

	// Route each share to its recipient.
	inbox := make(map[uint32][]*Round2Share)
	for _, shares := range allShares {
		for _, s := range shares {
			inbox[s.ToIndex] = append(inbox[s.ToIndex], s)
		}
	}

	results := make([]*Share, numParties)
	var groupKey *btcec.PublicKey
	for i, p := range participants {
		share, err := p.ProcessRound2(inbox[p.cfg.PartyIndex])
		if err != nil {
			return nil, fmt.Errorf("party %d round 2: %w", i+1, err)
		}

		if groupKey == nil {
			groupKey = share.GroupKey
		} else if !groupKey.IsEqual(share.GroupKey) {
			return nil, errors.New("parties disagree on group key")
		}

		results[i] = share
	}

	// One ceremony, one share id: rebind every party's record to the
	// first party's id so the records cross-reference.
	for _, share := range results[1:] {
		share.ID = results[0].ID
	}

	return results, nil
}
