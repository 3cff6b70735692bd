package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/sats-terminal/spark-bridge/crypto"
)

// payingSigHashType is the sighash flag combination pre-signed paying
// inputs commit to: the signature covers only this input, so it can be
// combined with whatever inputs and outputs the bridge selects.
const payingSigHashType = txscript.SigHashNone | txscript.SigHashAnyOneCanPay

// prevOutFetcher adapts the builder's prevout map to txscript.
func prevOutFetcher(prevOuts map[wire.OutPoint]*wire.TxOut) txscript.PrevOutputFetcher {
	return txscript.NewMultiPrevOutFetcher(prevOuts)
}

// BridgeInputSigHash computes the BIP-341 SIGHASH_DEFAULT digest for a
// bridge-controlled input. This digest is the message the threshold signing
// session produces a signature over.
func (e *ExitTx) BridgeInputSigHash(inputIndex int) ([32]byte, error) {
	var digest [32]byte

	fetcher := prevOutFetcher(e.PrevOuts)
	sigHashes := txscript.NewTxSigHashes(e.Tx, fetcher)

	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, e.Tx, inputIndex, fetcher,
	)
	if err != nil {
		return digest, fmt.Errorf("unable to compute sighash for "+
			"input %d: %w", inputIndex, err)
	}

	copy(digest[:], hash)

	return digest, nil
}

// payingInputSigHash computes the digest the user's pre-signed paying input
// commits to.
func (e *ExitTx) payingInputSigHash() ([]byte, error) {
	fetcher := prevOutFetcher(e.PrevOuts)
	sigHashes := txscript.NewTxSigHashes(e.Tx, fetcher)

	return txscript.CalcTaprootSignatureHash(
		sigHashes, payingSigHashType, e.Tx, 0, fetcher,
	)
}

// VerifyPayingInput checks the user's signature over the paying input's
// NONE|ANYONECANPAY sighash against the Taproot output key of the spent
// output. The coordinator MUST call this before composing the signed input
// into a spending transaction.
func (e *ExitTx) VerifyPayingInput(paying PayingInput) error {
	outputKey, err := taprootOutputKeyFromScript(paying.PkScript)
	if err != nil {
		return err
	}

	digest, err := e.payingInputSigHash()
	if err != nil {
		return fmt.Errorf("unable to compute paying-input sighash: %w",
			err)
	}

	if err := crypto.VerifySchnorr(paying.Signature, digest, outputKey); err != nil {
		return fmt.Errorf("paying input %v: %w", paying.OutPoint, err)
	}

	return nil
}

// AttachWitnesses finalizes the transaction: the user's pre-signed witness
// on input 0 and the aggregated 64-byte signatures on the bridge inputs, in
// BridgeInputs order.
func (e *ExitTx) AttachWitnesses(paying PayingInput, bridgeSigs [][]byte) error {
	if len(bridgeSigs) != len(e.BridgeInputs) {
		return fmt.Errorf("have %d bridge signatures, need %d",
			len(bridgeSigs), len(e.BridgeInputs))
	}

	// Non-default sighash types append the flag byte to the witness
	// signature.
	payingWitness := make([]byte, 0, 65)
	payingWitness = append(payingWitness, paying.Signature...)
	payingWitness = append(payingWitness, byte(payingSigHashType))
	e.Tx.TxIn[0].Witness = wire.TxWitness{payingWitness}

	for i, inputIndex := range e.BridgeInputs {
		if len(bridgeSigs[i]) != schnorr.SignatureSize {
			return fmt.Errorf("bridge signature %d has %d bytes, "+
				"want %d", i, len(bridgeSigs[i]),
				schnorr.SignatureSize)
		}
		e.Tx.TxIn[inputIndex].Witness = wire.TxWitness{bridgeSigs[i]}
	}

	return nil
}

// taprootOutputKeyFromScript extracts the x-only output key from a
// pay-to-taproot script.
func taprootOutputKeyFromScript(pkScript []byte) (*btcec.PublicKey, error) {
	if len(pkScript) != 34 || pkScript[0] != txscript.OP_1 ||
		pkScript[1] != 32 {

		return nil, fmt.Errorf("script is not pay-to-taproot")
	}

	key, err := schnorr.ParsePubKey(pkScript[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid taproot output key: %w", err)
	}

	return key, nil
}
