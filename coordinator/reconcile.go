package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/runes"
)

// reconcileLoop periodically retries finalized deposits whose mint attempt
// failed and garbage-collects stale sessions after the grace period.
func (c *Coordinator) reconcileLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.quit:
			return
		case <-c.reconcileTicker.Ticks():
			c.reconcileOnce()
		}
	}
}

func (c *Coordinator) reconcileOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Retry undispatched finalized deposits through the normal dispatch
	// path.
	pending, err := c.cfg.Store.ListUndispatchedFinalized(ctx)
	if err != nil {
		log.Errorf("Reconcile listing failed: %v", err)
	}
	for _, record := range pending {
		record := record
		log.Infof("Reconciling finalized deposit %s", record.Addr)

		// Re-mark dispatched through the tracker path so the
		// exactly-once bookkeeping stays in one place.
		if _, err := c.markDispatched(ctx, record.Addr); err != nil {
			log.Errorf("Unable to mark %s dispatched: %v",
				record.Addr, err)
			continue
		}

		c.onDepositFinalized(ctx, record)
	}

	// Fail sessions stuck past both round timeouts.
	cutoff := time.Now().Add(
		-(c.cfg.Round1Timeout + c.cfg.Round2Timeout +
			c.cfg.SessionGracePeriod),
	)
	stale, err := c.cfg.Store.StaleActiveSessions(ctx, cutoff)
	if err != nil {
		log.Errorf("Stale session listing failed: %v", err)
	}
	for _, session := range stale {
		log.Warnf("Failing stale session %s (%s)", session.ID,
			session.Kind)
		if err := c.cfg.Store.UpdateSessionState(
			ctx, session.ID, frost.StateFailed.String(),
		); err != nil {
			log.Errorf("Unable to fail session %s: %v", session.ID,
				err)
		}
		c.abortVerifiers(session.ID)
	}

	// Release quarantined nonces whose grace period has elapsed.
	now := time.Now()
	c.gcMu.Lock()
	for sessionID, deadline := range c.gcQueue {
		if now.After(deadline) {
			c.registry.Release(sessionID)
			delete(c.gcQueue, sessionID)
		}
	}
	c.gcMu.Unlock()
}

// markDispatched flips the dispatch marker on a finalized deposit.
func (c *Coordinator) markDispatched(ctx context.Context, addr string) (*deposit.Address, error) {
	record, err := c.cfg.Store.GetAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	if record.Status != deposit.StatusFinalized {
		return nil, fmt.Errorf("deposit %s is %s", addr, record.Status)
	}

	record.Dispatched = true
	if err := c.cfg.Store.UpdateAddress(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// depositKeysFor re-derives the key chain for a stored deposit record.
func depositKeysFor(share *dkg.Share, userKey *btcec.PublicKey,
	record *deposit.Address) (*crypto.DepositKeys, error) {

	return crypto.DeriveDepositKeys(
		share.GroupKey, userKey, record.Amount, record.RuneID,
		record.IntentID,
	)
}

// addressScript decodes an address into its output script.
func addressScript(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	return txscript.PayToAddrScript(decoded)
}

// amountToU128 lifts a base-unit amount into the edict domain.
func amountToU128(amount uint64) uint128.Uint128 {
	return uint128.From64(amount)
}

// mustRuneID parses a rune id that was already validated at the HTTP
// boundary.
func mustRuneID(s string) runes.RuneID {
	id, err := runes.ParseRuneID(s)
	if err != nil {
		// Stored rune ids pass through ParseRuneID on the way in.
		panic(fmt.Sprintf("corrupt stored rune id %q: %v", s, err))
	}

	return id
}
