package coordinator

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/deposit"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/runes"
	"github.com/sats-terminal/spark-bridge/spark"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// ExitRequest is one exit-spark invocation after HTTP decoding.
type ExitRequest struct {
	// SparkAddress is the spark-side deposit address whose burn funds
	// the exit.
	SparkAddress string

	// Paying is the user's pre-signed fee input.
	Paying txbuilder.PayingInput

	// BtcExitAddress receives the released runes.
	BtcExitAddress string

	// BurnTxID is the rollup burn transaction backing the exit.
	BurnTxID string
}

// ProcessExit drives the Spark -> Bitcoin direction: verify the burn and
// the paying input, select bridge rune UTXOs, assemble the exit
// transaction, run one signing session per bridge input, broadcast.
func (c *Coordinator) ProcessExit(ctx context.Context, req *ExitRequest) (string, error) {
	record, err := c.cfg.Store.GetAddress(ctx, req.SparkAddress)
	if err != nil {
		return "", err
	}
	if record.Side != deposit.SideSpark {
		return "", fmt.Errorf("%w: %s is not a spark deposit address",
			ErrInvalidInput, req.SparkAddress)
	}
	if record.Status == deposit.StatusFailed ||
		record.Status == deposit.StatusCancelled ||
		record.Status == deposit.StatusSettled {

		return "", fmt.Errorf("%w: deposit is %s", ErrInvalidInput,
			record.Status)
	}

	// The burn must exist on the rollup and match the intent.
	receipt, err := c.cfg.Spark.GetBurnReceipt(ctx, req.BurnTxID)
	if err != nil {
		return "", fmt.Errorf("burn receipt: %w", err)
	}
	if err := c.checkBurnReceipt(receipt, record); err != nil {
		return "", err
	}

	runeID, err := runes.ParseRuneID(record.RuneID)
	if err != nil {
		return "", err
	}
	amount := amountToU128(record.Amount)

	utxos, err := c.cfg.Store.SpendableUTXOs(ctx, runeID)
	if err != nil {
		return "", err
	}

	changeScript, err := addressScript(
		c.cfg.BridgeChangeAddress, c.cfg.Params,
	)
	if err != nil {
		return "", err
	}

	exitTx, err := txbuilder.BuildExitTx(txbuilder.ExitParams{
		RuneID:       runeID,
		Amount:       amount,
		ExitAddress:  req.BtcExitAddress,
		ChangeScript: changeScript,
		Paying:       req.Paying,
		RuneUTXOs:    utxos,
		FeeRate:      c.cfg.FeeRate,
		Params:       c.cfg.Params,
	})
	if err != nil {
		return "", err
	}

	// The paying input's NONE|ANYONECANPAY signature MUST verify before
	// it is composed with bridge inputs.
	if err := exitTx.VerifyPayingInput(req.Paying); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// One signing session per bridge input, each under the owning
	// deposit address's tweak chain.
	bridgeSigs, internalKeys, err := c.signExitInputs(
		ctx, exitTx, req.BtcExitAddress, record.Amount,
	)
	if err != nil {
		return "", err
	}

	// Archive the fully annotated PSBT before finalizing.
	if packet, err := exitTx.Packet(internalKeys); err == nil {
		if raw, err := txbuilder.SerializePacket(packet); err == nil {
			log.Debugf("Exit psbt for %s: %x", req.SparkAddress, raw)
		}
	}

	if err := exitTx.AttachWitnesses(req.Paying, bridgeSigs); err != nil {
		return "", err
	}

	txid, err := c.cfg.Bitcoin.BroadcastTransaction(ctx, exitTx.Tx)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	spent := make([]wire.OutPoint, 0, len(exitTx.SelectedUTXOs))
	for _, utxo := range exitTx.SelectedUTXOs {
		spent = append(spent, utxo.OutPoint)
	}
	if err := c.cfg.Store.MarkUTXOsSpent(ctx, spent); err != nil {
		log.Errorf("Unable to mark exit inputs spent: %v", err)
	}

	if _, err := c.tracker.MarkSettled(ctx, record.Addr, txid); err != nil {
		log.Errorf("Unable to settle exit %s: %v", record.Addr, err)
	}

	log.Infof("Exit for %s broadcast as %s", req.SparkAddress, txid)

	return txid, nil
}

// signExitInputs runs one session per bridge input, returning the
// aggregate signatures and the per-input Taproot internal keys for PSBT
// annotation.
func (c *Coordinator) signExitInputs(ctx context.Context,
	exitTx *txbuilder.ExitTx, btcExitAddress string,
	exitAmount uint64) ([][]byte, map[int][]byte, error) {

	// Serialize once for the verifiers.
	var txBuf bytes.Buffer
	if err := exitTx.Tx.Serialize(&txBuf); err != nil {
		return nil, nil, fmt.Errorf("unable to serialize exit tx: %w", err)
	}
	txHex := hex.EncodeToString(txBuf.Bytes())

	prevOuts := make([]transport.PrevOutWire, 0, len(exitTx.Tx.TxIn))
	for _, txIn := range exitTx.Tx.TxIn {
		prevOut := exitTx.PrevOuts[txIn.PreviousOutPoint]
		prevOuts = append(prevOuts, transport.PrevOutWire{
			TxID:     txIn.PreviousOutPoint.Hash.String(),
			Vout:     txIn.PreviousOutPoint.Index,
			Sats:     prevOut.Value,
			PkScript: hex.EncodeToString(prevOut.PkScript),
		})
	}

	sigs := make([][]byte, 0, len(exitTx.BridgeInputs))
	internalKeys := make(map[int][]byte, len(exitTx.BridgeInputs))
	for sigIndex, inputIndex := range exitTx.BridgeInputs {
		utxo := exitTx.SelectedUTXOs[sigIndex]

		// The owning deposit record supplies the tweak chain.
		owner, err := c.cfg.Store.GetUTXO(ctx, utxo.OutPoint)
		if err != nil {
			return nil, nil, err
		}
		if owner == nil {
			return nil, nil, fmt.Errorf("unknown bridge utxo %v",
				utxo.OutPoint)
		}

		ownerRecord, err := c.cfg.Store.GetAddress(ctx, owner.OwningAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("owner of %v: %w", utxo.OutPoint,
				err)
		}

		userShare, err := c.cfg.Pool.LookupByID(ctx, ownerRecord.ShareID)
		if err != nil {
			return nil, nil, err
		}

		userKey, err := parsePoint(hex.EncodeToString(
			ownerRecord.UserPubKey,
		))
		if err != nil {
			return nil, nil, err
		}

		keys, err := depositKeysFor(userShare, userKey, ownerRecord)
		if err != nil {
			return nil, nil, err
		}

		msg, err := exitTx.BridgeInputSigHash(inputIndex)
		if err != nil {
			return nil, nil, err
		}

		intent := intentFromDeposit(ownerRecord, txbuilder.SparkExitBtc)
		intent.BtcExitAddress = btcExitAddress
		intent.ExitTx = &transport.ExitTxWire{
			TxHex:      txHex,
			InputIndex: uint32(inputIndex),
			PrevOuts:   prevOuts,
			ExitAmount: exitAmount,
		}

		tweaks := []frost.Tweak{
			frost.PlainTweak(keys.IntentTweak),
			frost.XOnlyTweak(keys.TapTweak),
		}

		outcome, err := c.runSigningSession(
			ctx, userShare, intent, msg, tweaks,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("input %d: %w", inputIndex, err)
		}

		internalKeys[inputIndex] = txbuilder.InternalKeyFor(keys)

		sigs = append(sigs, outcome.sig)
	}

	return sigs, internalKeys, nil
}

// checkBurnReceipt matches the rollup burn against the exit intent.
func (c *Coordinator) checkBurnReceipt(receipt *spark.BurnReceipt,
	record *deposit.Address) error {

	if receipt.RuneID != record.RuneID {
		return fmt.Errorf("%w: burn is for rune %s", ErrInvalidInput,
			receipt.RuneID)
	}

	burned, err := uint128.FromString(receipt.Amount)
	if err != nil {
		return fmt.Errorf("%w: unparseable burn amount",
			ErrInvalidInput)
	}
	if !burned.Equals(amountToU128(record.Amount)) {
		return fmt.Errorf("%w: burned %s, expected %d", ErrInvalidInput,
			burned, record.Amount)
	}

	return nil
}

// PayingInputFromWire decodes the HTTP paying-input body.
func PayingInputFromWire(txid string, vout uint32, sats int64,
	sigHex string, pkScript []byte) (txbuilder.PayingInput, error) {

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return txbuilder.PayingInput{}, fmt.Errorf("%w: paying txid",
			ErrInvalidInput)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 64 {
		return txbuilder.PayingInput{}, fmt.Errorf("%w: paying "+
			"signature must be 64 bytes hex", ErrInvalidInput)
	}

	return txbuilder.PayingInput{
		OutPoint:  wire.OutPoint{Hash: *hash, Index: vout},
		PkScript:  pkScript,
		Sats:      sats,
		Signature: sig,
	}, nil
}
