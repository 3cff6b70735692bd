package runes

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"lukechampine.com/uint128"
)

var (
	// ErrNotRunestone is returned when a script is not an
	// OP_RETURN OP_13 envelope.
	ErrNotRunestone = errors.New("script is not a runestone")

	// ErrCenotaph is returned for payloads the protocol defines as
	// malformed: truncated edict groups, unknown even tags, non-push
	// opcodes inside the envelope or out-of-range values.
	ErrCenotaph = errors.New("cenotaph: malformed runestone")

	// ErrOutputIndex is returned when an edict routes to an output index
	// the transaction does not have.
	ErrOutputIndex = errors.New("edict output index out of range")
)

// Tag values from the Runes specification. Only the tags the bridge emits
// and accepts are named; unknown even tags make a cenotaph, unknown odd
// tags are ignored.
const (
	tagBody    uint64 = 0
	tagFlags   uint64 = 2
	tagPointer uint64 = 22
)

// Edict routes an amount of one rune to a transaction output.
type Edict struct {
	RuneID RuneID
	Amount uint128.Uint128
	Output uint32
}

// Runestone is the protocol payload the bridge emits in exit transactions:
// a list of edicts and an optional pointer for unallocated runes.
type Runestone struct {
	Edicts  []Edict
	Pointer *uint32
}

// Encode serializes the runestone into a complete OP_RETURN script.
// numOutputs is the output count of the carrying transaction; every edict
// output index (and the pointer) must be below it.
func (r *Runestone) Encode(numOutputs int) ([]byte, error) {
	var payload bytes.Buffer

	if r.Pointer != nil {
		if int(*r.Pointer) >= numOutputs {
			return nil, fmt.Errorf("%w: pointer %d, %d outputs",
				ErrOutputIndex, *r.Pointer, numOutputs)
		}

		putVarint64(&payload, tagPointer)
		putVarint64(&payload, uint64(*r.Pointer))
	}

	if len(r.Edicts) > 0 {
		putVarint64(&payload, tagBody)

		sorted := make([]Edict, len(r.Edicts))
		copy(sorted, r.Edicts)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].RuneID.Less(sorted[j].RuneID)
		})

		var prev RuneID
		for _, edict := range sorted {
			if int(edict.Output) >= numOutputs {
				return nil, fmt.Errorf("%w: edict output %d, "+
					"%d outputs", ErrOutputIndex,
					edict.Output, numOutputs)
			}

			blockDelta, txValue := prev.Delta(edict.RuneID)
			putVarint64(&payload, blockDelta)
			putVarint64(&payload, uint64(txValue))
			putVarint(&payload, edict.Amount)
			putVarint64(&payload, uint64(edict.Output))

			prev = edict.RuneID
		}
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddOp(txscript.OP_13).
		AddData(payload.Bytes()).
		Script()
}

// Decode parses a runestone from a transaction output script. The decoder
// is strict: trailing bytes, truncated varints, unknown even tags and
// malformed edict groups all error.
func Decode(pkScript []byte) (*Runestone, error) {
	payload, err := extractPayload(pkScript)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(payload)
	runestone := &Runestone{}

	for r.Len() > 0 {
		tag, err := readVarint64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCenotaph, err)
		}

		if tag == tagBody {
			if err := decodeEdicts(r, runestone); err != nil {
				return nil, err
			}

			break
		}

		value, err := readVarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %d value: %v",
				ErrCenotaph, tag, err)
		}

		switch tag {
		case tagPointer:
			if value.Hi != 0 || value.Lo > 0xffffffff {
				return nil, fmt.Errorf("%w: pointer out of "+
					"range", ErrCenotaph)
			}
			pointer := uint32(value.Lo)
			runestone.Pointer = &pointer

		case tagFlags:
			// The bridge neither etches nor mints via flags.
			return nil, fmt.Errorf("%w: unexpected flags tag",
				ErrCenotaph)

		default:
			// Unknown even tags invalidate the runestone; odd
			// tags are reserved for non-critical extensions.
			if tag%2 == 0 {
				return nil, fmt.Errorf("%w: unknown even "+
					"tag %d", ErrCenotaph, tag)
			}
		}
	}

	return runestone, nil
}

// decodeEdicts consumes the rest of the payload as groups of four varints.
func decodeEdicts(r *bytes.Reader, runestone *Runestone) error {
	var prev RuneID
	for r.Len() > 0 {
		blockDelta, err := readVarint64(r)
		if err != nil {
			return fmt.Errorf("%w: edict block: %v", ErrCenotaph, err)
		}

		txValue, err := readVarint64(r)
		if err != nil {
			return fmt.Errorf("%w: edict tx: %v", ErrCenotaph, err)
		}
		if txValue > 0xffffffff {
			return fmt.Errorf("%w: edict tx out of range",
				ErrCenotaph)
		}

		amount, err := readVarint(r)
		if err != nil {
			return fmt.Errorf("%w: edict amount: %v", ErrCenotaph, err)
		}

		output, err := readVarint64(r)
		if err != nil {
			return fmt.Errorf("%w: edict output: %v", ErrCenotaph, err)
		}
		if output > 0xffffffff {
			return fmt.Errorf("%w: edict output out of range",
				ErrCenotaph)
		}

		id, err := prev.Next(blockDelta, uint32(txValue))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCenotaph, err)
		}
		if id == (RuneID{}) {
			return fmt.Errorf("%w: zero rune id", ErrCenotaph)
		}

		runestone.Edicts = append(runestone.Edicts, Edict{
			RuneID: id,
			Amount: amount,
			Output: uint32(output),
		})

		prev = id
	}

	return nil
}

// extractPayload validates the OP_RETURN OP_13 envelope and concatenates
// the data pushes that follow it.
func extractPayload(pkScript []byte) ([]byte, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, ErrNotRunestone
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_13 {
		return nil, ErrNotRunestone
	}

	var payload []byte
	for tokenizer.Next() {
		data := tokenizer.Data()
		if data == nil {
			// Non-push opcode inside the envelope.
			return nil, fmt.Errorf("%w: opcode %d in payload",
				ErrCenotaph, tokenizer.Opcode())
		}
		payload = append(payload, data...)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCenotaph, err)
	}

	return payload, nil
}

// IsRunestone reports whether a script carries the runestone envelope,
// without decoding the payload.
func IsRunestone(pkScript []byte) bool {
	return len(pkScript) >= 2 && pkScript[0] == txscript.OP_RETURN &&
		pkScript[1] == txscript.OP_13
}
