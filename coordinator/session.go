package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

var (
	// ErrInvalidInput is surfaced to the HTTP layer as 400.
	ErrInvalidInput = errors.New("invalid input")

	// ErrQuorumLost is returned when fewer than M verifiers contributed
	// valid protocol messages before the round timeout.
	ErrQuorumLost = errors.New("signing quorum lost")

	// ErrAmountMismatchRefusals marks a quorum failure caused by
	// amount-mismatch refusals, which fails the deposit outright.
	ErrAmountMismatchRefusals = errors.New("amount_mismatch")
)

// sessionOutcome captures one completed signing session.
type sessionOutcome struct {
	sig            []byte
	operationalKey []byte
}

// runSigningSession drives one full two-round session across the verifier
// links: round-1 requests under T1, round-2 under T2, per-partial
// verification, aggregation, final BIP-340 check.
func (c *Coordinator) runSigningSession(ctx context.Context, share *dkg.Share,
	intent *transport.SigningIntent, msg [32]byte,
	tweaks []frost.Tweak) (*sessionOutcome, error) {

	sessionID := uuid.New()

	sessionRecord := &store.SessionRecord{
		ID:       sessionID,
		ShareID:  share.ID,
		MsgHash:  msg[:],
		Kind:     intent.Kind,
		Metadata: intent.DepositAddr,
		State:    frost.StateAwaitNonces.String(),
	}
	if err := c.cfg.Store.InsertSession(ctx, sessionRecord); err != nil {
		return nil, err
	}

	session := frost.NewSession(sessionID, share, msg, tweaks, c.registry)

	finish := func(state frost.SessionState) {
		if err := c.cfg.Store.UpdateSessionState(
			ctx, sessionID, state.String(),
		); err != nil {
			log.Errorf("Unable to persist session %s state: %v",
				sessionID, err)
		}

		if state == frost.StateFailed {
			session.Fail()
		}

		// Nonces stay quarantined for the grace period so a late
		// partial can never leak into a follow-up session.
		c.gcMu.Lock()
		c.gcQueue[sessionID] = time.Now().Add(c.cfg.SessionGracePeriod)
		c.gcMu.Unlock()
	}

	// Round 1: collect nonce commitments under T1.
	round1, err := transport.NewEnvelope(
		sessionID, 1, transport.TypeRound1Request,
		transport.Round1Request{
			ShareID: share.ID,
			Intent:  *intent,
			MsgHash: hex.EncodeToString(msg[:]),
		},
	)
	if err != nil {
		finish(frost.StateFailed)
		return nil, err
	}

	round1Ctx, cancel1 := context.WithTimeout(ctx, c.cfg.Round1Timeout)
	responses := c.fanOut(round1Ctx, round1)
	cancel1()

	refusals := make(map[string]int)
	commitmentCount := 0
	for verifierID, envelope := range responses {
		if envelope == nil {
			continue
		}

		var resp transport.Round1Response
		if err := envelope.DecodePayload(&resp); err != nil {
			log.Warnf("Bad round-1 payload from %s: %v",
				verifierID, err)
			continue
		}
		if resp.Refusal != nil {
			log.Warnf("Verifier %s refused session %s: %s (%s)",
				verifierID, sessionID, resp.Refusal.Code,
				resp.Refusal.Detail)
			refusals[resp.Refusal.Code]++
			continue
		}

		d, err := parsePoint(resp.D)
		if err != nil {
			log.Warnf("Bad commitment from %s: %v", verifierID, err)
			continue
		}
		e, err := parsePoint(resp.E)
		if err != nil {
			log.Warnf("Bad commitment from %s: %v", verifierID, err)
			continue
		}

		if _, err := session.AddCommitment(&frost.NonceCommitment{
			PartyIndex: resp.PartyIndex,
			D:          d,
			E:          e,
		}); err != nil {
			log.Warnf("Commitment from %s rejected: %v",
				verifierID, err)
			continue
		}
		commitmentCount++
	}

	if uint32(commitmentCount) < c.cfg.Quorum {
		finish(frost.StateFailed)
		c.abortVerifiers(sessionID)
		return nil, quorumError(refusals)
	}

	commitments, err := session.Commitments()
	if err != nil {
		finish(frost.StateFailed)
		return nil, err
	}

	if err := c.cfg.Store.UpdateSessionState(
		ctx, sessionID, frost.StateAwaitPartials.String(),
	); err != nil {
		log.Errorf("Unable to persist session %s state: %v", sessionID,
			err)
	}

	// Round 2: distribute the commitment set, collect partials under T2.
	wireCommitments := make([]transport.CommitmentWire, 0, len(commitments))
	for _, commitment := range commitments {
		wireCommitments = append(wireCommitments, transport.CommitmentWire{
			PartyIndex: commitment.PartyIndex,
			D: hex.EncodeToString(
				commitment.D.SerializeCompressed(),
			),
			E: hex.EncodeToString(
				commitment.E.SerializeCompressed(),
			),
		})
	}

	round2, err := transport.NewEnvelope(
		sessionID, 2, transport.TypeRound2Request,
		transport.Round2Request{Commitments: wireCommitments},
	)
	if err != nil {
		finish(frost.StateFailed)
		return nil, err
	}

	round2Ctx, cancel2 := context.WithTimeout(ctx, c.cfg.Round2Timeout)
	responses = c.fanOut(round2Ctx, round2)
	cancel2()

	partialCount := 0
	for verifierID, envelope := range responses {
		if envelope == nil {
			continue
		}

		var resp transport.Round2Response
		if err := envelope.DecodePayload(&resp); err != nil {
			log.Warnf("Bad round-2 payload from %s: %v",
				verifierID, err)
			continue
		}
		if resp.Refusal != nil {
			log.Warnf("Verifier %s refused round 2 of %s: %s (%s)",
				verifierID, sessionID, resp.Refusal.Code,
				resp.Refusal.Detail)
			refusals[resp.Refusal.Code]++
			continue
		}

		zBytes, err := hex.DecodeString(resp.Z)
		if err != nil {
			log.Warnf("Bad partial hex from %s", verifierID)
			continue
		}
		z, err := crypto.ParseScalar(zBytes)
		if err != nil {
			log.Warnf("Bad partial scalar from %s", verifierID)
			continue
		}

		// Invalid partials fail the signer, never the session.
		if err := session.AddPartial(&frost.PartialSignature{
			PartyIndex: resp.PartyIndex,
			Z:          z,
		}); err != nil {
			log.Warnf("Partial from %s rejected: %v", verifierID,
				err)
			continue
		}
		partialCount++
	}

	if uint32(partialCount) < c.cfg.Quorum {
		finish(frost.StateFailed)
		c.abortVerifiers(sessionID)
		return nil, quorumError(refusals)
	}

	sig, err := session.Aggregate()
	if err != nil {
		finish(frost.StateFailed)
		return nil, err
	}

	operationalKey, err := session.OperationalKey()
	if err != nil {
		finish(frost.StateFailed)
		return nil, err
	}

	finish(frost.StateAggregated)

	log.Infof("Session %s aggregated (%s)", sessionID, intent.Kind)

	return &sessionOutcome{
		sig:            sig,
		operationalKey: operationalKey.SerializeCompressed(),
	}, nil
}

// fanOut sends one envelope to every verifier concurrently and returns the
// responses keyed by verifier id; nil marks a transport failure.
func (c *Coordinator) fanOut(ctx context.Context,
	envelope *transport.Envelope) map[string]*transport.Envelope {

	var (
		mu        sync.Mutex
		responses = make(map[string]*transport.Envelope)
		wg        sync.WaitGroup
	)

	for _, link := range c.cfg.Verifiers {
		link := link
		wg.Add(1)
		go func() {
			defer wg.Done()

			resp, err := link.RoundTrip(ctx, envelope)
			if err != nil {
				log.Warnf("Round trip to %s failed: %v",
					link.ID(), err)
				resp = nil
			}

			mu.Lock()
			responses[link.ID()] = resp
			mu.Unlock()
		}()
	}

	wg.Wait()

	return responses
}

// abortVerifiers tells every replica to discard session state.
func (c *Coordinator) abortVerifiers(sessionID uuid.UUID) {
	envelope, err := transport.NewEnvelope(
		sessionID, 0, transport.TypeAbort,
		transport.AbortNotice{Reason: "session failed"},
	)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.fanOut(ctx, envelope)
}

// quorumError folds the refusal tally into the right failure class.
func quorumError(refusals map[string]int) error {
	if refusals[transport.RefusalAmountMismatch] > 0 {
		return fmt.Errorf("%w: %d amount-mismatch refusals",
			ErrAmountMismatchRefusals,
			refusals[transport.RefusalAmountMismatch])
	}

	return fmt.Errorf("%w: refusals %v", ErrQuorumLost, refusals)
}

func parsePoint(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid point hex: %w", err)
	}

	return crypto.ParsePubKey(raw)
}

// intentFromDeposit builds the signing intent for a deposit record.
func intentFromDeposit(record *deposit.Address,
	kind txbuilder.SparkTxKind) *transport.SigningIntent {

	intent := &transport.SigningIntent{
		Kind:        kind.String(),
		DepositAddr: record.Addr,
		UserPubKey:  hex.EncodeToString(record.UserPubKey),
		UserUUID:    record.UserUUID.String(),
		IntentID:    record.IntentID.String(),
		RuneID:      record.RuneID,
		Amount:      record.Amount,
		BridgeAddr:  record.BridgeAddr,
		UserShareID: record.ShareID.String(),
	}
	if record.OutPoint != nil {
		intent.OutPoint = transport.NewOutPointWire(*record.OutPoint)
	}

	return intent
}
