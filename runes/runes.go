// Package runes implements the Runestone wire format: RuneId handling,
// LEB128 varints over 128-bit integers, and encoding/decoding of the
// OP_RETURN payload carrying edicts.
package runes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRuneID is returned for malformed "<block>:<tx>" strings.
	ErrInvalidRuneID = errors.New("invalid rune id")
)

// RuneID identifies a rune by the block and transaction index of its
// etching.
type RuneID struct {
	Block uint64
	Tx    uint32
}

// ParseRuneID parses the canonical "<block>:<tx>" form.
func ParseRuneID(s string) (RuneID, error) {
	block, tx, found := strings.Cut(s, ":")
	if !found {
		return RuneID{}, fmt.Errorf("%w: %q", ErrInvalidRuneID, s)
	}

	blockNum, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return RuneID{}, fmt.Errorf("%w: block in %q", ErrInvalidRuneID, s)
	}

	txNum, err := strconv.ParseUint(tx, 10, 32)
	if err != nil {
		return RuneID{}, fmt.Errorf("%w: tx in %q", ErrInvalidRuneID, s)
	}

	return RuneID{Block: blockNum, Tx: uint32(txNum)}, nil
}

// String returns the canonical "<block>:<tx>" form.
func (r RuneID) String() string {
	return fmt.Sprintf("%d:%d", r.Block, r.Tx)
}

// Less orders rune ids by (block, tx), the order edicts are delta-encoded
// in.
func (r RuneID) Less(other RuneID) bool {
	if r.Block != other.Block {
		return r.Block < other.Block
	}

	return r.Tx < other.Tx
}

// Delta returns the delta encoding of next relative to r.
func (r RuneID) Delta(next RuneID) (uint64, uint32) {
	blockDelta := next.Block - r.Block
	if blockDelta == 0 {
		return 0, next.Tx - r.Tx
	}

	return blockDelta, next.Tx
}

// Next applies a decoded delta, reporting overflow.
func (r RuneID) Next(blockDelta uint64, txValue uint32) (RuneID, error) {
	if blockDelta == 0 {
		tx := r.Tx + txValue
		if tx < r.Tx {
			return RuneID{}, fmt.Errorf("%w: tx overflow",
				ErrInvalidRuneID)
		}

		return RuneID{Block: r.Block, Tx: tx}, nil
	}

	block := r.Block + blockDelta
	if block < r.Block {
		return RuneID{}, fmt.Errorf("%w: block overflow",
			ErrInvalidRuneID)
	}

	return RuneID{Block: block, Tx: txValue}, nil
}
