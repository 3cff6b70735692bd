package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"

	"github.com/sats-terminal/spark-bridge/crypto"
)

// Packet converts the unsigned exit transaction into a PSBT carrying the
// witness UTXOs, sighash types and Taproot internal keys, which is the form
// the transaction is archived and handed to external tooling in.
func (e *ExitTx) Packet(internalKeys map[int][]byte) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(e.Tx)
	if err != nil {
		return nil, fmt.Errorf("unable to build psbt: %w", err)
	}

	for i, txIn := range e.Tx.TxIn {
		prevOut, ok := e.PrevOuts[txIn.PreviousOutPoint]
		if !ok {
			return nil, fmt.Errorf("missing prevout for input %d", i)
		}
		packet.Inputs[i].WitnessUtxo = prevOut

		if i == 0 {
			packet.Inputs[i].SighashType = payingSigHashType
			continue
		}

		packet.Inputs[i].SighashType = txscript.SigHashDefault
		if key, ok := internalKeys[i]; ok {
			packet.Inputs[i].TaprootInternalKey = key
		}
	}

	return packet, nil
}

// SerializePacket renders the PSBT to its wire form.
func SerializePacket(packet *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize psbt: %w", err)
	}

	return buf.Bytes(), nil
}

// InternalKeyFor returns the x-only internal key annotation for a bridge
// input derived from deposit keys.
func InternalKeyFor(keys *crypto.DepositKeys) []byte {
	return crypto.XOnly(keys.OperationalKey)
}
