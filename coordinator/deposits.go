package coordinator

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/verifier"
)

// ConfirmDeposit handles the user's bridge-runes call: the user asserts
// that they broadcast a funding transaction to their deposit address. The
// outpoint is recorded as pending; confirmation progress arrives through
// verifier notices.
func (c *Coordinator) ConfirmDeposit(ctx context.Context, btcAddress,
	bridgeAddress, txid string, vout uint32) error {

	record, err := c.cfg.Store.GetAddress(ctx, btcAddress)
	if err != nil {
		return err
	}
	if bridgeAddress != "" && record.BridgeAddr != bridgeAddress {
		return fmt.Errorf("%w: bridge address does not match intent",
			ErrInvalidInput)
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return fmt.Errorf("%w: txid", ErrInvalidInput)
	}

	_, err = c.tracker.RecordOutpoint(
		ctx, btcAddress, wire.OutPoint{Hash: *hash, Index: vout},
		record.RuneID, amountToU128(record.Amount), 0, 0,
	)

	return err
}

// HandleDepositNotice ingests one verifier callback and advances the
// deposit state machine. Notices are idempotent on (outpoint, status).
func (c *Coordinator) HandleDepositNotice(ctx context.Context,
	notice *verifier.DepositNotice) error {

	record, err := c.cfg.Store.GetAddress(ctx, notice.Address)
	if err != nil {
		return err
	}

	hash, err := chainhash.NewHashFromStr(notice.OutPoint.TxID)
	if err != nil {
		return fmt.Errorf("%w: notice txid", ErrInvalidInput)
	}
	outPoint := wire.OutPoint{Hash: *hash, Index: notice.OutPoint.Vout}

	switch {
	case notice.Status.Failed != nil:
		// The verifier's indexer no longer sees the outpoint.
		_, err = c.tracker.OutpointGone(ctx, notice.Address, outPoint)
		return err

	case notice.Status.Confirmed != nil:
		_, err = c.tracker.RecordOutpoint(
			ctx, notice.Address, outPoint, record.RuneID,
			amountToU128(record.Amount), notice.SatsFeeAmount,
			notice.Status.Confirmed.Confirmations,
		)
		return err

	case notice.Status.Pending != nil:
		_, err = c.tracker.RecordOutpoint(
			ctx, notice.Address, outPoint, record.RuneID,
			amountToU128(record.Amount), notice.SatsFeeAmount,
			notice.Status.Pending.Confirmations,
		)
		return err

	default:
		return fmt.Errorf("%w: notice without status", ErrInvalidInput)
	}
}

// DepositStatus returns the external status of one deposit address.
func (c *Coordinator) DepositStatus(ctx context.Context, addr string) (deposit.ExternalStatus, error) {
	record, err := c.cfg.Store.GetAddress(ctx, addr)
	if err != nil {
		return "", err
	}

	return record.External(), nil
}
