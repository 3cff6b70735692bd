package transport

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/runes"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// OutPoint converts the wire form back to a wire.OutPoint.
func (o OutPointWire) OutPoint() (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(o.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid: %w", err)
	}

	return wire.OutPoint{Hash: *hash, Index: o.Vout}, nil
}

// NewOutPointWire converts a wire.OutPoint to its wire form.
func NewOutPointWire(op wire.OutPoint) OutPointWire {
	return OutPointWire{TxID: op.Hash.String(), Vout: op.Index}
}

// SparkTxFromIntent rebuilds the TTXO an intent describes. The coordinator
// uses it to author the session message and every verifier uses it to
// recompute that message independently, so the mapping here is part of the
// signing protocol.
func SparkTxFromIntent(intent *SigningIntent) (*txbuilder.SparkTransaction, error) {
	kind, err := txbuilder.ParseSparkTxKind(intent.Kind)
	if err != nil {
		return nil, err
	}

	runeID, err := runes.ParseRuneID(intent.RuneID)
	if err != nil {
		return nil, err
	}

	intentID, err := uuid.Parse(intent.IntentID)
	if err != nil {
		return nil, fmt.Errorf("invalid intent id: %w", err)
	}

	outPoint, err := intent.OutPoint.OutPoint()
	if err != nil {
		return nil, err
	}

	sparkTx := &txbuilder.SparkTransaction{
		Kind:            kind,
		RuneID:          runeID,
		TokenAmount:     uint128.From64(intent.Amount),
		IntentID:        intentID,
		DepositOutPoint: outPoint,
		BtcExitAddress:  intent.BtcExitAddress,
	}

	switch kind {
	case txbuilder.SparkMint:
		sparkTx.UserAddress = intent.BridgeAddr
	case txbuilder.SparkBurn, txbuilder.SparkExitBtc:
		sparkTx.UserAddress = intent.DepositAddr
		sparkTx.BridgeAddress = intent.BridgeAddr
	}

	if err := sparkTx.Validate(); err != nil {
		return nil, err
	}

	return sparkTx, nil
}
