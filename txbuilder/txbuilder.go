// Package txbuilder assembles the two transaction shapes the bridge signs:
// Runestone-carrying Bitcoin exit transactions and Spark mint/burn/exit
// transactions. It also computes the BIP-341 signature hashes that the
// threshold signing sessions operate on.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/runes"
)

const (
	// txVersion is the version of every transaction this builder emits.
	txVersion = 2

	// DustLimit is the smallest output value linkable to a rune output.
	DustLimit = btcutil.Amount(546)

	// exitRecipientOutput is the output index the exit edict routes the
	// runes to.
	exitRecipientOutput = 1

	// exitChangeOutput receives rune change back to the bridge.
	exitChangeOutput = 2
)

var (
	// ErrInsufficientRunes is returned when the bridge UTXO set cannot
	// cover the exit amount.
	ErrInsufficientRunes = errors.New("insufficient rune balance")

	// ErrInsufficientSats is returned when the paying input cannot cover
	// the miner fee plus the dust outputs.
	ErrInsufficientSats = errors.New("insufficient sats in paying input")

	// ErrNoUTXOs is returned when selection is invoked over an empty
	// set.
	ErrNoUTXOs = errors.New("no spendable rune utxos")
)

// RuneUTXO is a bridge-controlled outpoint carrying runes.
type RuneUTXO struct {
	OutPoint   wire.OutPoint
	PkScript   []byte
	Sats       int64
	RuneID     runes.RuneID
	RuneAmount uint128.Uint128
}

// PayingInput is the user-supplied input that funds the miner fee of an
// exit. The signature is a 64-byte BIP-340 signature committing under
// SIGHASH_NONE|ANYONECANPAY, so it stays valid however the bridge arranges
// the remaining inputs and outputs.
type PayingInput struct {
	OutPoint  wire.OutPoint
	PkScript  []byte
	Sats      int64
	Signature []byte
}

// ExitParams describes one Bitcoin exit.
type ExitParams struct {
	// RuneID and Amount are what the user is owed on Bitcoin.
	RuneID runes.RuneID
	Amount uint128.Uint128

	// ExitAddress is the user's Taproot address receiving the runes.
	ExitAddress string

	// ChangeScript receives rune change and residual sats back to the
	// bridge.
	ChangeScript []byte

	// Paying funds the miner fee.
	Paying PayingInput

	// RuneUTXOs is the bridge's spendable set for this rune.
	RuneUTXOs []RuneUTXO

	// FeeRate is the fixed fee rate in sat/vB.
	FeeRate int64

	// Params selects the Bitcoin network.
	Params *chaincfg.Params
}

// ExitTx is an assembled, not yet bridge-signed exit transaction together
// with everything needed to compute its sighashes.
type ExitTx struct {
	// Tx is the unsigned transaction. Input 0 is the paying input; the
	// remaining inputs spend bridge rune UTXOs.
	Tx *wire.MsgTx

	// PrevOuts maps every input to its previous output.
	PrevOuts map[wire.OutPoint]*wire.TxOut

	// BridgeInputs are the input indexes the signing sessions cover.
	BridgeInputs []int

	// SelectedUTXOs are the rune UTXOs the transaction spends, in input
	// order.
	SelectedUTXOs []RuneUTXO

	// Fee is the miner fee in sats.
	Fee btcutil.Amount
}

// roughVSize mirrors the corpus estimate: 11 vB header, ~90 vB per input,
// ~43 vB per output, at the fixed configured rate.
func roughVSize(inputs, outputs int) int64 {
	return 11 + int64(inputs)*90 + int64(outputs)*43
}

// BuildExitTx assembles the exit transaction:
//
//	input 0:  user paying input (NONE|ANYONECANPAY, pre-signed)
//	input 1+: bridge rune UTXOs covering the exit amount
//	output 0: runestone edict routing Amount to output 1
//	output 1: user Taproot output at dust value
//	output 2: optional bridge change (rune change + residual sats)
//
// The paying-input signature MUST have been verified before calling this;
// the builder only assembles.
func BuildExitTx(params ExitParams) (*ExitTx, error) {
	selected, total, err := SelectRuneUTXOs(
		params.RuneUTXOs, params.RuneID, params.Amount,
	)
	if err != nil {
		return nil, err
	}

	hasRuneChange := total.Cmp(params.Amount) > 0

	exitAddr, err := btcutil.DecodeAddress(params.ExitAddress, params.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid exit address: %w", err)
	}
	exitScript, err := txscript.PayToAddrScript(exitAddr)
	if err != nil {
		return nil, fmt.Errorf("unable to build exit script: %w", err)
	}

	tx := wire.NewMsgTx(txVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)

	// Paying input first so its index is stable for the user's
	// pre-signed witness.
	tx.AddTxIn(wire.NewTxIn(&params.Paying.OutPoint, nil, nil))
	prevOuts[params.Paying.OutPoint] = wire.NewTxOut(
		params.Paying.Sats, params.Paying.PkScript,
	)

	bridgeInputs := make([]int, 0, len(selected))
	var bridgeSats int64
	for _, utxo := range selected {
		utxo := utxo
		bridgeInputs = append(bridgeInputs, len(tx.TxIn))
		tx.AddTxIn(wire.NewTxIn(&utxo.OutPoint, nil, nil))
		prevOuts[utxo.OutPoint] = wire.NewTxOut(utxo.Sats, utxo.PkScript)
		bridgeSats += utxo.Sats
	}

	numOutputs := 2
	if hasRuneChange {
		numOutputs = 3
	}

	stone := &runes.Runestone{
		Edicts: []runes.Edict{{
			RuneID: params.RuneID,
			Amount: params.Amount,
			Output: exitRecipientOutput,
		}},
	}
	if hasRuneChange {
		pointer := uint32(exitChangeOutput)
		stone.Pointer = &pointer
	}

	stoneScript, err := stone.Encode(numOutputs)
	if err != nil {
		return nil, fmt.Errorf("unable to encode runestone: %w", err)
	}

	fee := btcutil.Amount(
		roughVSize(len(tx.TxIn), numOutputs) * params.FeeRate,
	)

	// Sats flowing in from the user cover the fee and the new dust
	// outputs; bridge sats ride through to change.
	required := int64(fee) + int64(DustLimit)
	changeSats := params.Paying.Sats + bridgeSats - int64(fee) -
		int64(DustLimit)
	if hasRuneChange {
		required += int64(DustLimit)
		changeSats -= int64(DustLimit)
	}
	if params.Paying.Sats+bridgeSats < required {
		return nil, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientSats,
			params.Paying.Sats+bridgeSats, required)
	}

	// Output 0: runestone.
	tx.AddTxOut(wire.NewTxOut(0, stoneScript))

	// Output 1: user's rune output.
	tx.AddTxOut(wire.NewTxOut(int64(DustLimit), exitScript))

	// Output 2: bridge change. Dust carries the rune change; any sats
	// left over ride on the same output.
	if hasRuneChange {
		tx.AddTxOut(wire.NewTxOut(
			int64(DustLimit)+changeSats, params.ChangeScript,
		))
	} else if changeSats > int64(DustLimit) {
		tx.AddTxOut(wire.NewTxOut(changeSats, params.ChangeScript))
	}

	return &ExitTx{
		Tx:            tx,
		PrevOuts:      prevOuts,
		BridgeInputs:  bridgeInputs,
		SelectedUTXOs: selected,
		Fee:           fee,
	}, nil
}

// SelectRuneUTXOs picks UTXOs covering the target amount: first the
// smallest single UTXO at or above the target, otherwise largest-first
// until covered.
func SelectRuneUTXOs(utxos []RuneUTXO, runeID runes.RuneID,
	target uint128.Uint128) ([]RuneUTXO, uint128.Uint128, error) {

	matching := make([]RuneUTXO, 0, len(utxos))
	for _, utxo := range utxos {
		if utxo.RuneID == runeID && !utxo.RuneAmount.IsZero() {
			matching = append(matching, utxo)
		}
	}
	if len(matching) == 0 {
		return nil, uint128.Zero, ErrNoUTXOs
	}

	// Smallest single UTXO that covers the target.
	var best *RuneUTXO
	for i := range matching {
		utxo := &matching[i]
		if utxo.RuneAmount.Cmp(target) < 0 {
			continue
		}
		if best == nil || utxo.RuneAmount.Cmp(best.RuneAmount) < 0 {
			best = utxo
		}
	}
	if best != nil {
		return []RuneUTXO{*best}, best.RuneAmount, nil
	}

	// Fill largest-first.
	sorted := make([]RuneUTXO, len(matching))
	copy(sorted, matching)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].RuneAmount.Cmp(sorted[i].RuneAmount) > 0 {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	var (
		selected []RuneUTXO
		total    uint128.Uint128
	)
	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total = total.Add(utxo.RuneAmount)
		if total.Cmp(target) >= 0 {
			return selected, total, nil
		}
	}

	return nil, uint128.Zero, fmt.Errorf("%w: rune %v", ErrInsufficientRunes,
		runeID)
}
