package transport

import (
	"github.com/google/uuid"
)

// Refusal codes a verifier can answer a signing request with. A refusal is
// a protocol-level answer, not a transport failure.
const (
	RefusalAddressMismatch = "address_mismatch"
	RefusalUTXOMissing     = "utxo_missing"
	RefusalAmountMismatch  = "amount_mismatch"
	RefusalMessageMismatch = "message_mismatch"
	RefusalShareUnknown    = "share_unknown"
	RefusalInternal        = "internal"
)

// Refusal is a typed signing refusal.
type Refusal struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// OutPointWire is an outpoint in wire-friendly form.
type OutPointWire struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// SigningIntent is everything a verifier needs to independently re-derive
// and validate what it is being asked to sign. Verifiers never trust the
// aggregator's message hash without rebuilding it from this intent.
type SigningIntent struct {
	// Kind is the spark transaction kind: mint, burn or exit_btc.
	Kind string `json:"kind"`

	// DepositAddr is the issued deposit address under validation.
	DepositAddr string `json:"deposit_addr"`

	// UserPubKey is the user's 33-byte compressed key, hex.
	UserPubKey string `json:"user_public_key"`

	// UserUUID and IntentID identify the binding and the deposit.
	UserUUID string `json:"user_uuid"`
	IntentID string `json:"intent_id"`

	// RuneID and Amount are the requested rune and base-unit amount.
	RuneID string `json:"rune_id"`
	Amount uint64 `json:"amount"`

	// BridgeAddr is the counterparty-chain destination.
	BridgeAddr string `json:"bridge_addr"`

	// OutPoint is the deposit outpoint (mint flows).
	OutPoint OutPointWire `json:"out_point"`

	// BtcExitAddress is the release address (exit flows).
	BtcExitAddress string `json:"btc_exit_address,omitempty"`

	// UserShareID names the user-role share whose group key the deposit
	// address was derived from. Mint sessions sign with the issuer
	// share, so verifiers need this to re-derive the address.
	UserShareID string `json:"user_share_id,omitempty"`

	// ExitTx describes the Bitcoin transaction under signature for
	// exit_btc sessions.
	ExitTx *ExitTxWire `json:"exit_tx,omitempty"`
}

// PrevOutWire is one previous output backing an exit transaction input.
type PrevOutWire struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Sats     int64  `json:"sats"`
	PkScript string `json:"pk_script"`
}

// ExitTxWire carries an unsigned exit transaction for independent sighash
// recomputation.
type ExitTxWire struct {
	// TxHex is the serialized unsigned transaction.
	TxHex string `json:"tx_hex"`

	// InputIndex is the input this session signs.
	InputIndex uint32 `json:"input_index"`

	// PrevOuts lists every input's previous output, in input order.
	PrevOuts []PrevOutWire `json:"prev_outs"`

	// ExitAmount is the total base units the runestone edict routes to
	// the user. The intent's own Amount stays the owning deposit's
	// amount, which the tweak derivation depends on.
	ExitAmount uint64 `json:"exit_amount"`
}

// Round1Request opens a signing session on a verifier.
type Round1Request struct {
	// ShareID names the DKG share to sign with.
	ShareID uuid.UUID `json:"share_id"`

	// Intent is the full validation context.
	Intent SigningIntent `json:"intent"`

	// MsgHash is the aggregator's 32-byte message hash, hex. Verifiers
	// recompute it from the intent and refuse on mismatch.
	MsgHash string `json:"msg_hash"`

	// Tweak is the 32-byte operational-key tweak, hex, empty for bare
	// group-key signing.
	Tweak string `json:"tweak,omitempty"`
}

// Round1Response returns a nonce commitment or a refusal.
type Round1Response struct {
	PartyIndex uint32 `json:"party_index"`

	// D and E are compressed points, hex.
	D string `json:"d"`
	E string `json:"e"`

	Refusal *Refusal `json:"refusal,omitempty"`
}

// CommitmentWire is one signer's nonce commitment in wire form.
type CommitmentWire struct {
	PartyIndex uint32 `json:"party_index"`
	D          string `json:"d"`
	E          string `json:"e"`
}

// Round2Request distributes the complete commitment set.
type Round2Request struct {
	Commitments []CommitmentWire `json:"commitments"`
}

// Round2Response returns a partial signature or a refusal.
type Round2Response struct {
	PartyIndex uint32 `json:"party_index"`

	// Z is the 32-byte partial signature scalar, hex.
	Z string `json:"z"`

	Refusal *Refusal `json:"refusal,omitempty"`
}

// AbortNotice tells a verifier to discard session state.
type AbortNotice struct {
	Reason string `json:"reason"`
}
