// Package verifier implements the participant side of the bridge: it
// validates every signing request against its own view of the chain before
// contributing a nonce commitment or a partial signature. The aggregator is
// never trusted for what is being signed.
package verifier

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/chain/indexer"
	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
)

// OutPointSource is the indexer slice the verifier validates deposits
// against.
type OutPointSource interface {
	GetOutPoint(ctx context.Context, txid string, vout uint32) (*indexer.OutPointResponse, error)
}

// Config wires a verifier node.
type Config struct {
	// VerifierID identifies this replica in notify callbacks.
	VerifierID string

	// Store is the verifier-namespace database holding this party's
	// secret shares.
	Store *store.DB

	// Indexer is this verifier's own chain truth.
	Indexer OutPointSource

	// Params selects the Bitcoin network.
	Params *chaincfg.Params

	// FinalityDepth is K.
	FinalityDepth uint32

	// OnNotify receives aggregator notices (e.g. watch_address).
	OnNotify func(kind, value string)
}

// sessionContext is the round-1 state a verifier retains until round 2.
type sessionContext struct {
	signer *frost.Signer
	msg    [32]byte
	tweaks []frost.Tweak
}

// Node is one verifier replica.
type Node struct {
	cfg Config

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionContext
}

// New builds a verifier node.
func New(cfg Config) (*Node, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Indexer == nil {
		return nil, fmt.Errorf("indexer required")
	}
	if cfg.Params == nil {
		return nil, fmt.Errorf("network params required")
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 6
	}

	return &Node{
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*sessionContext),
	}, nil
}

// HandleEnvelope answers one signing-link frame. Refusals travel inside the
// response payload; transport errors abort the link.
func (n *Node) HandleEnvelope(ctx context.Context,
	req *transport.Envelope) (*transport.Envelope, error) {

	switch req.Type {
	case transport.TypeRound1Request:
		return n.handleRound1(ctx, req)

	case transport.TypeRound2Request:
		return n.handleRound2(ctx, req)

	case transport.TypeAbort:
		n.handleAbort(req.SessionID)
		return transport.NewEnvelope(
			req.SessionID, 0, transport.TypeAbort,
			transport.AbortNotice{Reason: "acknowledged"},
		)

	case transport.TypeNotify:
		var notice map[string]string
		if err := req.DecodePayload(&notice); err != nil {
			return nil, err
		}
		if n.cfg.OnNotify != nil {
			n.cfg.OnNotify(notice["kind"], notice["value"])
		}
		return transport.NewEnvelope(
			req.SessionID, 0, transport.TypeNotify,
			map[string]string{"status": "ok"},
		)

	default:
		return nil, fmt.Errorf("%w: type %q", transport.ErrBadEnvelope,
			req.Type)
	}
}

// handleRound1 validates the intent and, if it holds, commits nonces.
func (n *Node) handleRound1(ctx context.Context,
	req *transport.Envelope) (*transport.Envelope, error) {

	var payload transport.Round1Request
	if err := req.DecodePayload(&payload); err != nil {
		return nil, err
	}

	refuse := func(code, detail string) (*transport.Envelope, error) {
		log.Warnf("Refusing session %s: %s (%s)", req.SessionID, code,
			detail)
		return transport.NewEnvelope(
			req.SessionID, 1, transport.TypeRound1Response,
			transport.Round1Response{
				Refusal: &transport.Refusal{
					Code: code, Detail: detail,
				},
			},
		)
	}

	share, err := n.cfg.Store.ShareByID(ctx, payload.ShareID)
	if err != nil || share.Secret == nil {
		return refuse(transport.RefusalShareUnknown,
			fmt.Sprintf("share %s", payload.ShareID))
	}

	msg, tweaks, refusal := n.validateIntent(ctx, share, &payload)
	if refusal != nil {
		return refuse(refusal.Code, refusal.Detail)
	}

	signer, err := frost.NewSigner(share)
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}

	commitment, err := signer.Commit(req.SessionID)
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}

	n.mu.Lock()
	n.sessions[req.SessionID] = &sessionContext{
		signer: signer,
		msg:    msg,
		tweaks: tweaks,
	}
	n.mu.Unlock()

	log.Infof("Committed to session %s (share %s, kind %s)",
		req.SessionID, payload.ShareID, payload.Intent.Kind)

	return transport.NewEnvelope(
		req.SessionID, 1, transport.TypeRound1Response,
		transport.Round1Response{
			PartyIndex: share.PartyIndex,
			D: hex.EncodeToString(
				commitment.D.SerializeCompressed(),
			),
			E: hex.EncodeToString(
				commitment.E.SerializeCompressed(),
			),
		},
	)
}

// handleRound2 produces the partial signature for a committed session.
func (n *Node) handleRound2(_ context.Context,
	req *transport.Envelope) (*transport.Envelope, error) {

	var payload transport.Round2Request
	if err := req.DecodePayload(&payload); err != nil {
		return nil, err
	}

	n.mu.Lock()
	session, ok := n.sessions[req.SessionID]
	delete(n.sessions, req.SessionID)
	n.mu.Unlock()

	refuse := func(code, detail string) (*transport.Envelope, error) {
		log.Warnf("Refusing round 2 of %s: %s (%s)", req.SessionID,
			code, detail)
		return transport.NewEnvelope(
			req.SessionID, 2, transport.TypeRound2Response,
			transport.Round2Response{
				Refusal: &transport.Refusal{
					Code: code, Detail: detail,
				},
			},
		)
	}

	if !ok {
		return refuse(transport.RefusalInternal, "no round-1 state")
	}

	commitments := make([]*frost.NonceCommitment, 0, len(payload.Commitments))
	for _, wireCommitment := range payload.Commitments {
		d, err := parsePointHex(wireCommitment.D)
		if err != nil {
			return refuse(transport.RefusalInternal, err.Error())
		}
		e, err := parsePointHex(wireCommitment.E)
		if err != nil {
			return refuse(transport.RefusalInternal, err.Error())
		}

		commitments = append(commitments, &frost.NonceCommitment{
			PartyIndex: wireCommitment.PartyIndex,
			D:          d,
			E:          e,
		})
	}

	partial, err := session.signer.Sign(
		req.SessionID, session.msg, session.tweaks, commitments,
	)
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}

	zBytes := partial.Z.Bytes()

	return transport.NewEnvelope(
		req.SessionID, 2, transport.TypeRound2Response,
		transport.Round2Response{
			PartyIndex: partial.PartyIndex,
			Z:          hex.EncodeToString(zBytes[:]),
		},
	)
}

// handleAbort discards retained session state.
func (n *Node) handleAbort(sessionID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if session, ok := n.sessions[sessionID]; ok {
		session.signer.Abort(sessionID)
		delete(n.sessions, sessionID)
		log.Infof("Aborted session %s", sessionID)
	}
}

func parsePointHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid point hex: %w", err)
	}

	return crypto.ParsePubKey(raw)
}
