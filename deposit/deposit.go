// Package deposit implements the per-address deposit lifecycle state
// machine. Transitions are driven by indexer callbacks and settlement
// reports, serialized per address, and every terminal record is retained
// for post-mortem.
package deposit

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown deposit address.
	ErrNotFound = errors.New("deposit address not found")

	// ErrDepositObserved is returned when a cancel arrives after a UTXO
	// was recorded for the address.
	ErrDepositObserved = errors.New("deposit_already_observed")

	// ErrBadTransition is returned for a transition the state graph does
	// not permit.
	ErrBadTransition = errors.New("illegal deposit state transition")

	// ErrAmountMismatch is returned when the observed rune amount does
	// not equal the requested amount.
	ErrAmountMismatch = errors.New("amount_mismatch")
)

// Status is the internal deposit state. The graph is acyclic except for
// the single reorg edge UTXOSeen -> Issued.
type Status string

const (
	// StatusIssued: address handed to the user, nothing on chain yet.
	StatusIssued Status = "issued"

	// StatusUTXOSeen: the indexer reported an outpoint paying the
	// address, below finality depth.
	StatusUTXOSeen Status = "utxo_seen"

	// StatusFinalized: the outpoint reached finality depth; the signing
	// session dispatches exactly once on entry.
	StatusFinalized Status = "finalized"

	// StatusSettled: the counterparty chain accepted the signed
	// transaction.
	StatusSettled Status = "settled"

	// StatusFailed: unrecoverable error; retained for post-mortem.
	StatusFailed Status = "failed"

	// StatusCancelled: user deleted the intent before any UTXO was seen.
	StatusCancelled Status = "cancelled"
)

// terminal reports whether a status admits no outgoing edges.
func (s Status) terminal() bool {
	switch s {
	case StatusSettled, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Side distinguishes the two bridge directions an address can serve.
type Side string

const (
	// SideBitcoin: runes locked on Bitcoin, wrapped runes minted on
	// Spark.
	SideBitcoin Side = "bitcoin"

	// SideSpark: wrapped runes burned on Spark, runes released on
	// Bitcoin.
	SideSpark Side = "spark"
)

// ExternalStatus is the user-facing status enum.
type ExternalStatus string

const (
	ExtAddressIssued  ExternalStatus = "address_issued"
	ExtWaitingConf    ExternalStatus = "waiting_for_confirmations"
	ExtReadyForMint   ExternalStatus = "ready_for_mint"
	ExtMinted         ExternalStatus = "minted"
	ExtSpent          ExternalStatus = "spent"
	ExtFailed         ExternalStatus = "failed"
)

// Address is one deposit intent and its lifecycle state.
type Address struct {
	// Addr is the issued deposit address (Bitcoin bech32m or Spark).
	Addr string

	// IntentID is the per-deposit randomness the tweak scalar binds.
	IntentID uuid.UUID

	// UserUUID and UserPubKey identify the requesting user.
	UserUUID   uuid.UUID
	UserPubKey []byte

	// RuneID is the canonical "<block>:<tx>" rune identifier.
	RuneID string

	// Amount is the requested amount in base units.
	Amount uint64

	// BridgeAddr is the destination on the counterparty chain.
	BridgeAddr string

	// Side is the bridge direction.
	Side Side

	// ShareID names the DKG share backing the address.
	ShareID uuid.UUID

	// Status is the current lifecycle state.
	Status Status

	// OutPoint is the recorded deposit outpoint, nil before UTXOSeen.
	OutPoint *wire.OutPoint

	// Confirmations is the last reported confirmation count.
	Confirmations uint32

	// SatsReserved are sats set aside for fees, when applicable.
	SatsReserved int64

	// EverSeenUTXO is set the first time an outpoint is recorded and
	// survives reorgs, so the activity surface keeps reporting
	// waiting_for_confirmations rather than address_issued.
	EverSeenUTXO bool

	// Dispatched is set when the finalized signing session was opened,
	// enforcing the exactly-once dispatch contract.
	Dispatched bool

	// FailReason explains a failed deposit.
	FailReason string

	// SettleTxID is the counterparty transaction that settled the
	// deposit.
	SettleTxID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// External maps the internal state to the user-facing enum.
func (a *Address) External() ExternalStatus {
	switch a.Status {
	case StatusIssued:
		if a.EverSeenUTXO {
			// Reorged below finality; the user already paid, so
			// surfacing address_issued again would read as fund
			// loss.
			return ExtWaitingConf
		}
		return ExtAddressIssued
	case StatusUTXOSeen:
		return ExtWaitingConf
	case StatusFinalized:
		return ExtReadyForMint
	case StatusSettled:
		if a.Side == SideSpark {
			return ExtSpent
		}
		return ExtMinted
	case StatusFailed, StatusCancelled:
		return ExtFailed
	default:
		return ExtFailed
	}
}

// validateTransition enforces the state graph.
func validateTransition(from, to Status) error {
	if from.terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrBadTransition, from)
	}

	allowed := map[Status][]Status{
		// Issued -> Settled is the spark-side exit path: the burn is
		// verified against the rollup directly and the record settles
		// when the release transaction broadcasts.
		StatusIssued: {StatusUTXOSeen, StatusCancelled,
			StatusSettled, StatusFailed},
		StatusUTXOSeen:  {StatusFinalized, StatusIssued, StatusFailed},
		StatusFinalized: {StatusSettled, StatusFailed},
	}

	for _, candidate := range allowed[from] {
		if candidate == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
}
