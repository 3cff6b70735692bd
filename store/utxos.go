package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"lukechampine.com/uint128"

	"github.com/sats-terminal/spark-bridge/runes"
	"github.com/sats-terminal/spark-bridge/txbuilder"
)

// UTXO status values.
const (
	UTXOPending   = "pending"
	UTXOConfirmed = "confirmed"
	UTXOSpent     = "spent"
)

// UTXORecord is one bridge-controlled outpoint as known from indexer
// callbacks.
type UTXORecord struct {
	OutPoint   wire.OutPoint
	Sats       int64
	RuneID     runes.RuneID
	RuneAmount uint128.Uint128
	PkScript   []byte
	Status     string
	OwningAddr string
}

// UpsertUTXO records an outpoint or refreshes its status. Idempotent on
// (outpoint, status) per the indexer callback contract.
func (d *DB) UpsertUTXO(ctx context.Context, record *UTXORecord) error {
	now := d.clock.Now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO utxos (txid, vout, sats, rune_id, rune_amount,
			pk_script, status, owning_addr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (txid, vout) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		record.OutPoint.Hash.String(), record.OutPoint.Index,
		record.Sats, record.RuneID.String(),
		record.RuneAmount.String(), record.PkScript, record.Status,
		record.OwningAddr, now, now,
	)
	if err != nil {
		return fmt.Errorf("unable to upsert utxo: %w", err)
	}

	return nil
}

// MarkUTXOsSpent flips the given outpoints to spent once they appear in a
// broadcast exit transaction.
func (d *DB) MarkUTXOsSpent(ctx context.Context, outPoints []wire.OutPoint) error {
	return d.withTx(func(tx *sql.Tx) error {
		now := d.clock.Now().UTC()
		for _, op := range outPoints {
			if _, err := tx.ExecContext(ctx, `
				UPDATE utxos SET status = ?, updated_at = ?
				WHERE txid = ? AND vout = ?`,
				UTXOSpent, now, op.Hash.String(), op.Index,
			); err != nil {
				return fmt.Errorf("unable to mark %v spent: %w",
					op, err)
			}
		}

		return nil
	})
}

// SpendableUTXOs returns the confirmed, unspent rune UTXOs for one rune, in
// builder form.
func (d *DB) SpendableUTXOs(ctx context.Context, runeID runes.RuneID) ([]txbuilder.RuneUTXO, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT txid, vout, sats, rune_id, rune_amount, pk_script
		FROM utxos WHERE rune_id = ? AND status = ?`,
		runeID.String(), UTXOConfirmed,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list utxos: %w", err)
	}
	defer rows.Close()

	var utxos []txbuilder.RuneUTXO
	for rows.Next() {
		var (
			utxo       txbuilder.RuneUTXO
			txid       string
			vout       int64
			id, amount string
		)
		if err := rows.Scan(
			&txid, &vout, &utxo.Sats, &id, &amount, &utxo.PkScript,
		); err != nil {
			return nil, err
		}

		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, fmt.Errorf("corrupt utxo txid: %w", err)
		}
		utxo.OutPoint = wire.OutPoint{Hash: *hash, Index: uint32(vout)}

		if utxo.RuneID, err = runes.ParseRuneID(id); err != nil {
			return nil, fmt.Errorf("corrupt utxo rune id: %w", err)
		}
		if utxo.RuneAmount, err = uint128.FromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt utxo amount: %w", err)
		}

		utxos = append(utxos, utxo)
	}

	return utxos, rows.Err()
}

// GetUTXO loads one outpoint record.
func (d *DB) GetUTXO(ctx context.Context, outPoint wire.OutPoint) (*UTXORecord, error) {
	var (
		record     UTXORecord
		id, amount string
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT sats, rune_id, rune_amount, pk_script, status,
			owning_addr
		FROM utxos WHERE txid = ? AND vout = ?`,
		outPoint.Hash.String(), outPoint.Index,
	).Scan(
		&record.Sats, &id, &amount, &record.PkScript, &record.Status,
		&record.OwningAddr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load utxo: %w", err)
	}

	record.OutPoint = outPoint
	if record.RuneID, err = runes.ParseRuneID(id); err != nil {
		return nil, fmt.Errorf("corrupt utxo rune id: %w", err)
	}
	if record.RuneAmount, err = uint128.FromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt utxo amount: %w", err)
	}

	return &record, nil
}
