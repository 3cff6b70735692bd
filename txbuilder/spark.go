package txbuilder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/crypto"
	"github.com/sats-terminal/spark-bridge/runes"
)

// tagSparkTx domain-separates TTXO message hashes from every other digest
// the bridge signs.
var tagSparkTx = []byte("SparkBridge/spark-tx")

// ErrUnknownSparkKind is returned for an unrecognized TTXO kind.
var ErrUnknownSparkKind = errors.New("unknown spark transaction kind")

// SparkTxKind tags the three transaction shapes the bridge signs on the
// Spark side.
type SparkTxKind uint8

const (
	// SparkMint credits freshly wrapped runes to a user address.
	SparkMint SparkTxKind = iota + 1

	// SparkBurn debits wrapped runes from the bridge account after a
	// user burn.
	SparkBurn

	// SparkExitBtc records the pending Bitcoin release tied to a burn.
	SparkExitBtc
)

// String returns the stable name used in storage and session metadata.
func (k SparkTxKind) String() string {
	switch k {
	case SparkMint:
		return "mint"
	case SparkBurn:
		return "burn"
	case SparkExitBtc:
		return "exit_btc"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(k))
	}
}

// ParseSparkTxKind parses the stable name form.
func ParseSparkTxKind(s string) (SparkTxKind, error) {
	switch s {
	case "mint":
		return SparkMint, nil
	case "burn":
		return SparkBurn, nil
	case "exit_btc":
		return SparkExitBtc, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSparkKind, s)
	}
}

// SparkTransaction is the opaque TTXO whose deterministic byte form is the
// object of the threshold signature. One variant per kind; unused fields
// are zero and still serialized, so the hash covers the whole body.
type SparkTransaction struct {
	Kind SparkTxKind

	// RuneID names the underlying rune; TokenAmount is in base units.
	RuneID      runes.RuneID
	TokenAmount uint128.Uint128

	// UserAddress is the Spark address credited on mint or the exit's
	// originating account on burn.
	UserAddress string

	// BridgeAddress is the bridge's Spark account.
	BridgeAddress string

	// IntentID binds the transaction to one deposit or exit intent.
	IntentID uuid.UUID

	// DepositOutPoint is the Bitcoin deposit proof for mints, or the
	// zero outpoint otherwise.
	DepositOutPoint wire.OutPoint

	// BtcExitAddress is the Bitcoin release address for exit records.
	BtcExitAddress string
}

// Serialize returns the canonical byte form: fixed-order, length-prefixed
// fields. Any change here is consensus-breaking for the verifier set.
func (s *SparkTransaction) Serialize() []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(s.Kind))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], s.RuneID.Block)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], s.RuneID.Tx)
	buf.Write(scratch[:4])

	var amount [16]byte
	s.TokenAmount.Big().FillBytes(amount[:])
	buf.Write(amount[:])

	writeString := func(v string) {
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(v)))
		buf.Write(scratch[:4])
		buf.WriteString(v)
	}
	writeString(s.UserAddress)
	writeString(s.BridgeAddress)

	buf.Write(s.IntentID[:])

	buf.Write(s.DepositOutPoint.Hash[:])
	binary.BigEndian.PutUint32(scratch[:4], s.DepositOutPoint.Index)
	buf.Write(scratch[:4])

	writeString(s.BtcExitAddress)

	return buf.Bytes()
}

// MessageHash returns the digest the signing session covers: a tagged hash
// over the serialized body and the operational public key, so the signature
// cannot be replayed under a different key.
func (s *SparkTransaction) MessageHash(operationalKey *btcec.PublicKey) [32]byte {
	return crypto.TaggedHash(
		tagSparkTx, s.Serialize(),
		operationalKey.SerializeCompressed(),
	)
}

// Validate performs the structural checks shared by every kind.
func (s *SparkTransaction) Validate() error {
	switch s.Kind {
	case SparkMint:
		if s.UserAddress == "" {
			return errors.New("mint requires a user address")
		}
		if s.DepositOutPoint.Hash == (chainhash.Hash{}) {
			return errors.New("mint requires a deposit proof")
		}
	case SparkBurn:
		if s.BridgeAddress == "" {
			return errors.New("burn requires the bridge address")
		}
	case SparkExitBtc:
		if s.BtcExitAddress == "" {
			return errors.New("exit requires a bitcoin address")
		}
	default:
		return ErrUnknownSparkKind
	}

	if s.TokenAmount.IsZero() {
		return errors.New("token amount must be positive")
	}
	if s.IntentID == uuid.Nil {
		return errors.New("intent id required")
	}

	return nil
}
