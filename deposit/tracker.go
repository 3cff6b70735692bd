package deposit

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"lukechampine.com/uint128"
)

// Store is the durable record backing. Implementations must make Update
// atomic per address; the tracker adds per-address serialization on top.
type Store interface {
	// GetAddress loads a deposit record.
	GetAddress(ctx context.Context, addr string) (*Address, error)

	// UpdateAddress persists a mutated record.
	UpdateAddress(ctx context.Context, record *Address) error
}

// Config wires a Tracker.
type Config struct {
	// Store is the record backing.
	Store Store

	// FinalityDepth is K: confirmations required before an outpoint is
	// irreversible for bridge purposes.
	FinalityDepth uint32

	// OnFinalized is invoked exactly once per deposit address when it
	// enters the finalized state. It runs under the address lock, so
	// implementations should hand off and return.
	OnFinalized func(ctx context.Context, record *Address)
}

// DefaultFinalityDepth matches Bitcoin's customary six-block rule.
const DefaultFinalityDepth = 6

// Tracker serializes lifecycle transitions per deposit address.
type Tracker struct {
	cfg Config

	// locks holds one mutex per address currently being touched.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker validates the config and builds a tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("deposit store required")
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = DefaultFinalityDepth
	}

	return &Tracker{
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lockAddr returns the mutex serializing one address.
func (t *Tracker) lockAddr(addr string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[addr]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[addr] = lock
	}

	return lock
}

// withAddress runs fn with the record loaded and the address lock held,
// persisting the record afterwards if fn succeeds.
func (t *Tracker) withAddress(ctx context.Context, addr string,
	fn func(*Address) error) (*Address, error) {

	lock := t.lockAddr(addr)
	lock.Lock()
	defer lock.Unlock()

	record, err := t.cfg.Store.GetAddress(ctx, addr)
	if err != nil {
		return nil, err
	}

	if err := fn(record); err != nil {
		return nil, err
	}

	if err := t.cfg.Store.UpdateAddress(ctx, record); err != nil {
		return nil, fmt.Errorf("unable to persist deposit %s: %w",
			addr, err)
	}

	return record, nil
}

// RecordOutpoint handles an indexer report of an outpoint paying the
// address. The first outpoint wins; later distinct outpoints are logged
// and ignored. An amount mismatch fails the deposit. Idempotent on
// (outpoint, confirmations).
func (t *Tracker) RecordOutpoint(ctx context.Context, addr string,
	outPoint wire.OutPoint, runeID string, amount uint128.Uint128,
	sats int64, confirmations uint32) (*Address, error) {

	return t.withAddress(ctx, addr, func(record *Address) error {
		if record.Status.terminal() {
			if record.Status == StatusCancelled {
				log.Warnf("Deposit to cancelled address %s via "+
					"%v ignored", addr, outPoint)
			}
			return fmt.Errorf("%w: deposit %s is %s",
				ErrBadTransition, addr, record.Status)
		}

		// Only the first outpoint is tracked.
		if record.OutPoint != nil && *record.OutPoint != outPoint {
			log.Warnf("Deposit address %s already tracks %v, "+
				"ignoring additional outpoint %v", addr,
				*record.OutPoint, outPoint)
			return nil
		}

		if record.RuneID != runeID ||
			!amount.Equals(uint128.From64(record.Amount)) {

			return t.failLocked(record, fmt.Sprintf(
				"%v: requested %d %s, observed %s %s",
				ErrAmountMismatch, record.Amount,
				record.RuneID, amount, runeID,
			))
		}

		if sats > 0 {
			record.SatsReserved = sats
		}

		switch record.Status {
		case StatusIssued:
			record.Status = StatusUTXOSeen
			record.OutPoint = &outPoint
			record.EverSeenUTXO = true
			record.Confirmations = confirmations
			log.Infof("Deposit %s saw outpoint %v (%d confs)",
				addr, outPoint, confirmations)

		case StatusUTXOSeen:
			// Idempotent refresh of the confirmation count.
			record.Confirmations = confirmations

		case StatusFinalized:
			// Already past finality; confirmations only grow.
			if confirmations > record.Confirmations {
				record.Confirmations = confirmations
			}
			return nil
		}

		if record.Status == StatusUTXOSeen &&
			record.Confirmations >= t.cfg.FinalityDepth {

			return t.finalizeLocked(ctx, record)
		}

		return nil
	})
}

// OutpointGone handles an indexer report that the tracked outpoint vanished
// from the chain. Below finality this is the permitted reorg edge back to
// issued; after finality it is a double-spend and fails the deposit with an
// operator alert.
func (t *Tracker) OutpointGone(ctx context.Context, addr string,
	outPoint wire.OutPoint) (*Address, error) {

	return t.withAddress(ctx, addr, func(record *Address) error {
		if record.OutPoint == nil || *record.OutPoint != outPoint {
			return nil
		}

		switch record.Status {
		case StatusUTXOSeen:
			record.Status = StatusIssued
			record.OutPoint = nil
			record.Confirmations = 0
			log.Infof("Deposit %s reorged below finality, "+
				"outpoint %v removed", addr, outPoint)
			return nil

		case StatusFinalized:
			log.Errorf("ALERT double-spend: deposit %s outpoint "+
				"%v vanished beyond finality depth", addr,
				outPoint)
			return t.failLocked(record,
				"outpoint reorged beyond finality depth")

		default:
			return nil
		}
	})
}

// Cancel deletes a pre-deposit intent. Refused once any UTXO was recorded.
func (t *Tracker) Cancel(ctx context.Context, addr string) (*Address, error) {
	return t.withAddress(ctx, addr, func(record *Address) error {
		if record.Status != StatusIssued || record.EverSeenUTXO {
			return ErrDepositObserved
		}

		record.Status = StatusCancelled
		log.Infof("Deposit %s cancelled before any UTXO", addr)

		return nil
	})
}

// MarkSettled records acceptance by the counterparty chain.
func (t *Tracker) MarkSettled(ctx context.Context, addr, settleTxID string) (*Address, error) {
	return t.withAddress(ctx, addr, func(record *Address) error {
		if err := validateTransition(record.Status, StatusSettled); err != nil {
			return err
		}

		record.Status = StatusSettled
		record.SettleTxID = settleTxID
		log.Infof("Deposit %s settled by %s", addr, settleTxID)

		return nil
	})
}

// MarkFailed moves a deposit to the terminal failed state with a reason.
func (t *Tracker) MarkFailed(ctx context.Context, addr, reason string) (*Address, error) {
	return t.withAddress(ctx, addr, func(record *Address) error {
		return t.failLocked(record, reason)
	})
}

// Requeue clears the dispatch marker of a finalized deposit so the
// reconciliation loop can retry its signing session.
func (t *Tracker) Requeue(ctx context.Context, addr string) (*Address, error) {
	return t.withAddress(ctx, addr, func(record *Address) error {
		if record.Status != StatusFinalized {
			return fmt.Errorf("%w: requeue from %s",
				ErrBadTransition, record.Status)
		}

		record.Dispatched = false

		return nil
	})
}

// failLocked performs the shared failure bookkeeping.
func (t *Tracker) failLocked(record *Address, reason string) error {
	if err := validateTransition(record.Status, StatusFailed); err != nil {
		return err
	}

	record.Status = StatusFailed
	record.FailReason = reason
	log.Errorf("Deposit %s failed: %s", record.Addr, reason)

	return nil
}

// finalizeLocked performs the single transition into finalized and fires
// the dispatch hook exactly once.
func (t *Tracker) finalizeLocked(ctx context.Context, record *Address) error {
	if err := validateTransition(record.Status, StatusFinalized); err != nil {
		return err
	}

	record.Status = StatusFinalized

	if !record.Dispatched {
		record.Dispatched = true
		log.Infof("Deposit %s finalized at %d confirmations",
			record.Addr, record.Confirmations)

		if t.cfg.OnFinalized != nil {
			t.cfg.OnFinalized(ctx, record)
		}
	}

	return nil
}
