package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/store"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// onDepositFinalized is the tracker's dispatch hook. It runs under the
// address lock, so the mint itself is handed off to a goroutine.
func (c *Coordinator) onDepositFinalized(_ context.Context,
	record *deposit.Address) {

	clone := *record

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(
			context.Background(),
			c.cfg.Round1Timeout+c.cfg.Round2Timeout+
				c.cfg.SessionGracePeriod,
		)
		defer cancel()

		if err := c.runMint(ctx, &clone); err != nil {
			log.Errorf("Mint for %s failed: %v", clone.Addr, err)
		}
	}()
}

// runMint drives one mint attempt for a finalized deposit: build the TTXO,
// open the signing session with the issuer share, aggregate, submit to
// Spark, settle.
func (c *Coordinator) runMint(ctx context.Context, record *deposit.Address) error {
	if record.OutPoint == nil {
		return fmt.Errorf("finalized deposit %s without outpoint",
			record.Addr)
	}

	issuerShare, err := c.cfg.Pool.Lookup(ctx, dkg.Binding{
		UserUUID: issuerUUID(record.RuneID),
		RuneID:   record.RuneID,
		IsIssuer: true,
	})
	if err != nil {
		return fmt.Errorf("issuer share for rune %s: %w",
			record.RuneID, err)
	}

	intent := intentFromDeposit(record, txbuilder.SparkMint)

	sparkTx, err := transport.SparkTxFromIntent(intent)
	if err != nil {
		return err
	}

	// The mint operational key is the issuer group key bound to this
	// intent.
	userKey, err := crypto.ParsePubKey(record.UserPubKey)
	if err != nil {
		return err
	}
	intentTweak, err := crypto.IntentTweak(
		userKey, record.Amount, record.RuneID, record.IntentID,
	)
	if err != nil {
		return err
	}
	operationalKey, err := crypto.TweakPubKey(
		issuerShare.GroupKey, intentTweak,
	)
	if err != nil {
		return err
	}

	msg := sparkTx.MessageHash(operationalKey)
	tweaks := []frost.Tweak{frost.PlainTweak(intentTweak)}

	outcome, err := c.runSigningSession(
		ctx, issuerShare, intent, msg, tweaks,
	)
	if err != nil {
		return c.handleMintFailure(ctx, record, err)
	}

	sparkTxID, err := c.cfg.Spark.SubmitTransaction(
		ctx, sparkTx, outcome.sig, outcome.operationalKey,
	)
	if err != nil {
		// The signature is valid but the rollup did not take it;
		// leave the deposit finalized for reconciliation retry.
		if _, requeueErr := c.tracker.Requeue(
			ctx, record.Addr,
		); requeueErr != nil {
			log.Errorf("Unable to requeue %s: %v", record.Addr,
				requeueErr)
		}
		return fmt.Errorf("spark submit: %w", err)
	}

	// The deposit UTXO is now bridge collateral spendable by later
	// exits.
	if err := c.recordBridgeUTXO(ctx, record, userKey); err != nil {
		log.Errorf("Unable to record bridge utxo for %s: %v",
			record.Addr, err)
	}

	if _, err := c.tracker.MarkSettled(ctx, record.Addr, sparkTxID); err != nil {
		return err
	}

	log.Infof("Minted %d base units of %s for deposit %s (spark tx %s)",
		record.Amount, record.RuneID, record.Addr, sparkTxID)

	return nil
}

// recordBridgeUTXO stores the settled deposit outpoint as spendable bridge
// collateral, with the script exits will spend.
func (c *Coordinator) recordBridgeUTXO(ctx context.Context,
	record *deposit.Address, userKey *btcec.PublicKey) error {

	userShare, err := c.cfg.Pool.LookupByID(ctx, record.ShareID)
	if err != nil {
		return err
	}

	keys, err := depositKeysFor(userShare, userKey, record)
	if err != nil {
		return err
	}

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(crypto.XOnly(keys.OutputKey)).
		Script()
	if err != nil {
		return err
	}

	return c.cfg.Store.UpsertUTXO(ctx, &store.UTXORecord{
		OutPoint:   *record.OutPoint,
		Sats:       record.SatsReserved,
		RuneID:     mustRuneID(record.RuneID),
		RuneAmount: amountToU128(record.Amount),
		PkScript:   script,
		Status:     store.UTXOConfirmed,
		OwningAddr: record.Addr,
	})
}

// handleMintFailure routes a failed session: amount mismatches fail the
// deposit outright; everything else leaves it finalized for bounded retry.
func (c *Coordinator) handleMintFailure(ctx context.Context,
	record *deposit.Address, sessionErr error) error {

	if errors.Is(sessionErr, ErrAmountMismatchRefusals) {
		if _, err := c.tracker.MarkFailed(
			ctx, record.Addr, sessionErr.Error(),
		); err != nil {
			log.Errorf("Unable to fail deposit %s: %v",
				record.Addr, err)
		}
		return sessionErr
	}

	attempts, err := c.cfg.Store.CountFailedSessions(ctx, record.Addr)
	if err != nil {
		log.Errorf("Unable to count attempts for %s: %v", record.Addr,
			err)
	}

	if attempts >= c.cfg.MaxMintAttempts {
		if _, err := c.tracker.MarkFailed(ctx, record.Addr,
			fmt.Sprintf("signing quorum lost after %d attempts",
				attempts),
		); err != nil {
			log.Errorf("Unable to fail deposit %s: %v",
				record.Addr, err)
		}
		return sessionErr
	}

	// Clear the dispatch marker so reconciliation retries.
	if _, err := c.tracker.Requeue(ctx, record.Addr); err != nil {
		log.Errorf("Unable to requeue deposit %s: %v", record.Addr, err)
	}

	return sessionErr
}
