package verifier

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/dkg"
	"github.com/sats-terminal/spark-bridge/frost"
	"github.com/sats-terminal/spark-bridge/runes"
	"github.com/sats-terminal/spark-bridge/spark"
	"github.com/sats-terminal/spark-bridge/transport"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// validateIntent runs the independent checks before any nonce is committed:
//
//  1. re-derive the tweak and the deposit address from the stored intent;
//  2. confirm the deposit UTXO against this verifier's own indexer;
//  3. recompute the message hash from the intent and compare it to the
//     aggregator's.
//
// On success it returns the locally derived message and tweak chain, which
// is what gets signed; the aggregator's own hash is never used directly.
func (n *Node) validateIntent(ctx context.Context, share *dkg.Share,
	payload *transport.Round1Request) ([32]byte, []frost.Tweak,
	*transport.Refusal) {

	var zero [32]byte
	intent := &payload.Intent

	refuse := func(code, detail string) ([32]byte, []frost.Tweak,
		*transport.Refusal) {

		return zero, nil, &transport.Refusal{Code: code, Detail: detail}
	}

	userKeyBytes, err := hex.DecodeString(intent.UserPubKey)
	if err != nil {
		return refuse(transport.RefusalAddressMismatch,
			"malformed user public key")
	}
	userKey, err := crypto.ParsePubKey(userKeyBytes)
	if err != nil {
		return refuse(transport.RefusalAddressMismatch,
			"user public key not on curve")
	}

	intentID, err := uuid.Parse(intent.IntentID)
	if err != nil {
		return refuse(transport.RefusalAddressMismatch,
			"malformed intent id")
	}

	// Check 1: the deposit address must re-derive from the intent under
	// the user-role share's group key.
	addressShare := share
	if intent.UserShareID != "" {
		userShareID, err := uuid.Parse(intent.UserShareID)
		if err != nil {
			return refuse(transport.RefusalAddressMismatch,
				"malformed user share id")
		}

		addressShare, err = n.cfg.Store.ShareByID(ctx, userShareID)
		if err != nil {
			return refuse(transport.RefusalShareUnknown,
				fmt.Sprintf("user share %s", userShareID))
		}
	}

	keys, err := crypto.DeriveDepositKeys(
		addressShare.GroupKey, userKey, intent.Amount, intent.RuneID,
		intentID,
	)
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}

	// Burn sessions validate against the spark-side encoding of the same
	// output key; mint and exit addresses are Bitcoin Taproot.
	var derivedAddr string
	if intent.Kind == txbuilder.SparkBurn.String() {
		derivedAddr, err = spark.EncodeAddress(
			crypto.XOnly(keys.OutputKey),
		)
	} else {
		derivedAddr, err = keys.Address(n.cfg.Params)
	}
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}
	if derivedAddr != intent.DepositAddr {
		return refuse(transport.RefusalAddressMismatch, fmt.Sprintf(
			"derived %s, requested %s", derivedAddr,
			intent.DepositAddr,
		))
	}

	switch intent.Kind {
	case txbuilder.SparkMint.String():
		return n.validateMint(ctx, share, payload, keys)

	case txbuilder.SparkBurn.String():
		return n.validateSpark(share, payload, keys)

	case txbuilder.SparkExitBtc.String():
		return n.validateExit(payload, keys)

	default:
		return refuse(transport.RefusalInternal,
			fmt.Sprintf("unknown kind %q", intent.Kind))
	}
}

// validateMint performs checks 2 and 3 for a mint session.
func (n *Node) validateMint(ctx context.Context, share *dkg.Share,
	payload *transport.Round1Request, keys *crypto.DepositKeys) ([32]byte,
	[]frost.Tweak, *transport.Refusal) {

	var zero [32]byte
	intent := &payload.Intent

	refuse := func(code, detail string) ([32]byte, []frost.Tweak,
		*transport.Refusal) {

		return zero, nil, &transport.Refusal{Code: code, Detail: detail}
	}

	// Check 2: the deposit UTXO must exist on our own indexer, pay the
	// derived address, be final, and carry exactly the requested amount.
	resp, err := n.cfg.Indexer.GetOutPoint(
		ctx, intent.OutPoint.TxID, intent.OutPoint.Vout,
	)
	if err != nil {
		return refuse(transport.RefusalUTXOMissing, err.Error())
	}
	if resp.Spent {
		return refuse(transport.RefusalUTXOMissing, "outpoint spent")
	}
	if resp.Address != intent.DepositAddr {
		return refuse(transport.RefusalAddressMismatch, fmt.Sprintf(
			"outpoint pays %s", resp.Address))
	}
	if resp.Confirmations < n.cfg.FinalityDepth {
		return refuse(transport.RefusalUTXOMissing, fmt.Sprintf(
			"%d of %d confirmations", resp.Confirmations,
			n.cfg.FinalityDepth,
		))
	}

	observed := uint128.Zero
	for _, balance := range resp.Runes {
		if balance.RuneID != intent.RuneID {
			continue
		}
		amount, err := uint128.FromString(balance.Amount)
		if err != nil {
			return refuse(transport.RefusalInternal,
				"unparseable rune amount from indexer")
		}
		observed = observed.Add(amount)
	}
	if !observed.Equals(uint128.From64(intent.Amount)) {
		return refuse(transport.RefusalAmountMismatch, fmt.Sprintf(
			"requested %d, observed %s", intent.Amount, observed,
		))
	}

	return n.validateSpark(share, payload, keys)
}

// validateSpark performs check 3: rebuild the TTXO from the intent and
// confirm its hash is the session message. The operational key binds the
// intent tweak to the signing share's group key (the issuer key for mints),
// not the address key.
func (n *Node) validateSpark(share *dkg.Share,
	payload *transport.Round1Request, keys *crypto.DepositKeys) ([32]byte,
	[]frost.Tweak, *transport.Refusal) {

	var zero [32]byte

	sparkTx, err := transport.SparkTxFromIntent(&payload.Intent)
	if err != nil {
		return zero, nil, &transport.Refusal{
			Code: transport.RefusalInternal, Detail: err.Error(),
		}
	}

	operationalKey, err := crypto.TweakPubKey(
		share.GroupKey, keys.IntentTweak,
	)
	if err != nil {
		return zero, nil, &transport.Refusal{
			Code: transport.RefusalInternal, Detail: err.Error(),
		}
	}

	msg := sparkTx.MessageHash(operationalKey)
	if hex.EncodeToString(msg[:]) != payload.MsgHash {
		return zero, nil, &transport.Refusal{
			Code:   transport.RefusalMessageMismatch,
			Detail: "recomputed spark tx hash differs",
		}
	}

	return msg, []frost.Tweak{frost.PlainTweak(keys.IntentTweak)}, nil
}

// validateExit recomputes the BIP-341 sighash of the exit transaction input
// under signature and checks the transaction releases exactly the intent's
// amount to the intent's exit address.
func (n *Node) validateExit(payload *transport.Round1Request,
	keys *crypto.DepositKeys) ([32]byte, []frost.Tweak,
	*transport.Refusal) {

	var zero [32]byte
	intent := &payload.Intent

	refuse := func(code, detail string) ([32]byte, []frost.Tweak,
		*transport.Refusal) {

		return zero, nil, &transport.Refusal{Code: code, Detail: detail}
	}

	if intent.ExitTx == nil {
		return refuse(transport.RefusalMessageMismatch,
			"exit session without transaction")
	}

	rawTx, err := hex.DecodeString(intent.ExitTx.TxHex)
	if err != nil {
		return refuse(transport.RefusalMessageMismatch,
			"malformed transaction hex")
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return refuse(transport.RefusalMessageMismatch,
			"undecodable transaction")
	}

	if int(intent.ExitTx.InputIndex) >= len(tx.TxIn) {
		return refuse(transport.RefusalMessageMismatch,
			"input index out of range")
	}
	if len(intent.ExitTx.PrevOuts) != len(tx.TxIn) {
		return refuse(transport.RefusalMessageMismatch,
			"prevout count mismatch")
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for i, prevOut := range intent.ExitTx.PrevOuts {
		op, err := transport.OutPointWire{
			TxID: prevOut.TxID, Vout: prevOut.Vout,
		}.OutPoint()
		if err != nil {
			return refuse(transport.RefusalMessageMismatch,
				err.Error())
		}
		if tx.TxIn[i].PreviousOutPoint != op {
			return refuse(transport.RefusalMessageMismatch,
				"prevout order mismatch")
		}

		script, err := hex.DecodeString(prevOut.PkScript)
		if err != nil {
			return refuse(transport.RefusalMessageMismatch,
				"malformed prevout script")
		}
		prevOuts[op] = wire.NewTxOut(prevOut.Sats, script)
	}

	// The signed input must spend the derived deposit address.
	signedPrev := prevOuts[tx.TxIn[intent.ExitTx.InputIndex].PreviousOutPoint]
	expectedScript, err := payToTaproot(keys)
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}
	if !bytes.Equal(signedPrev.PkScript, expectedScript) {
		return refuse(transport.RefusalAddressMismatch,
			"signed input does not spend the derived address")
	}

	// The runestone must route exactly the intent amount to output 1,
	// and output 1 must pay the user's exit address.
	if len(tx.TxOut) < 2 {
		return refuse(transport.RefusalMessageMismatch,
			"missing exit outputs")
	}
	stone, err := runes.Decode(tx.TxOut[0].PkScript)
	if err != nil {
		return refuse(transport.RefusalMessageMismatch, err.Error())
	}
	if len(stone.Edicts) != 1 || stone.Edicts[0].Output != 1 ||
		stone.Edicts[0].RuneID.String() != intent.RuneID ||
		!stone.Edicts[0].Amount.Equals(
			uint128.From64(intent.ExitTx.ExitAmount),
		) {

		return refuse(transport.RefusalAmountMismatch,
			"runestone edict does not match intent")
	}

	exitScript, err := addrScript(intent.BtcExitAddress, n.cfg.Params)
	if err != nil {
		return refuse(transport.RefusalAddressMismatch, err.Error())
	}
	if !bytes.Equal(tx.TxOut[1].PkScript, exitScript) {
		return refuse(transport.RefusalAddressMismatch,
			"exit output does not pay the exit address")
	}

	// Recompute the sighash; it must equal the aggregator's message.
	exitTx := &txbuilder.ExitTx{
		Tx:       &tx,
		PrevOuts: prevOuts,
	}
	msg, err := exitTx.BridgeInputSigHash(int(intent.ExitTx.InputIndex))
	if err != nil {
		return refuse(transport.RefusalInternal, err.Error())
	}
	if hex.EncodeToString(msg[:]) != payload.MsgHash {
		return refuse(transport.RefusalMessageMismatch,
			"recomputed sighash differs")
	}

	tweaks := []frost.Tweak{
		frost.PlainTweak(keys.IntentTweak),
		frost.XOnlyTweak(keys.TapTweak),
	}

	return msg, tweaks, nil
}

// payToTaproot builds the script paying the derived output key.
func payToTaproot(keys *crypto.DepositKeys) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(crypto.XOnly(keys.OutputKey)).
		Script()
}
