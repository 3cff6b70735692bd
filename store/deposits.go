package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/deposit"
)

// InsertAddress persists a freshly issued deposit address. The record must
// be durable before the address is returned to the user.
func (d *DB) InsertAddress(ctx context.Context, record *deposit.Address) error {
	now := d.clock.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (addr, intent_id, user_uuid,
			user_pubkey, rune_id, amount, bridge_addr, side,
			share_id, status, confirmations, sats_reserved,
			ever_seen_utxo, dispatched, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?, ?)`,
		record.Addr, record.IntentID.String(), record.UserUUID.String(),
		record.UserPubKey, record.RuneID, int64(record.Amount),
		record.BridgeAddr, string(record.Side),
		record.ShareID.String(), string(record.Status),
		record.SatsReserved, now, now,
	)
	if err != nil {
		return fmt.Errorf("unable to insert deposit address: %w", err)
	}

	return nil
}

// GetAddress loads a deposit record. Part of deposit.Store.
func (d *DB) GetAddress(ctx context.Context, addr string) (*deposit.Address, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT addr, intent_id, user_uuid, user_pubkey, rune_id,
			amount, bridge_addr, side, share_id, status, txid,
			vout, confirmations, sats_reserved, ever_seen_utxo,
			dispatched, fail_reason, settle_txid, created_at,
			updated_at
		FROM deposit_addresses WHERE addr = ?`, addr)

	record, err := scanDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deposit.ErrNotFound
	}

	return record, err
}

// UpdateAddress persists a mutated record. Part of deposit.Store.
func (d *DB) UpdateAddress(ctx context.Context, record *deposit.Address) error {
	record.UpdatedAt = d.clock.Now().UTC()

	var (
		txid sql.NullString
		vout sql.NullInt64
	)
	if record.OutPoint != nil {
		txid = sql.NullString{
			String: record.OutPoint.Hash.String(), Valid: true,
		}
		vout = sql.NullInt64{
			Int64: int64(record.OutPoint.Index), Valid: true,
		}
	}

	result, err := d.db.ExecContext(ctx, `
		UPDATE deposit_addresses SET status = ?, txid = ?, vout = ?,
			confirmations = ?, sats_reserved = ?, ever_seen_utxo = ?,
			dispatched = ?, fail_reason = ?, settle_txid = ?,
			updated_at = ?
		WHERE addr = ?`,
		string(record.Status), txid, vout, record.Confirmations,
		record.SatsReserved, boolToInt(record.EverSeenUTXO),
		boolToInt(record.Dispatched), record.FailReason,
		record.SettleTxID, record.UpdatedAt, record.Addr,
	)
	if err != nil {
		return fmt.Errorf("unable to update deposit address: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return deposit.ErrNotFound
	}

	return nil
}

// ListAddressesByUser returns every bridge attempt for a user public key,
// newest first. Cancelled intents are excluded from the activity surface.
func (d *DB) ListAddressesByUser(ctx context.Context, userPubKey []byte) ([]*deposit.Address, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT addr, intent_id, user_uuid, user_pubkey, rune_id,
			amount, bridge_addr, side, share_id, status, txid,
			vout, confirmations, sats_reserved, ever_seen_utxo,
			dispatched, fail_reason, settle_txid, created_at,
			updated_at
		FROM deposit_addresses
		WHERE user_pubkey = ? AND status != ?
		ORDER BY created_at DESC`,
		userPubKey, string(deposit.StatusCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list deposits: %w", err)
	}
	defer rows.Close()

	return scanDeposits(rows)
}

// AddressByTxID returns the bridge attempt whose recorded outpoint is in
// the given transaction.
func (d *DB) AddressByTxID(ctx context.Context, txid string) (*deposit.Address, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT addr, intent_id, user_uuid, user_pubkey, rune_id,
			amount, bridge_addr, side, share_id, status, txid,
			vout, confirmations, sats_reserved, ever_seen_utxo,
			dispatched, fail_reason, settle_txid, created_at,
			updated_at
		FROM deposit_addresses WHERE txid = ?`, txid)

	record, err := scanDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deposit.ErrNotFound
	}

	return record, err
}

// ListUndispatchedFinalized returns finalized deposits whose signing
// session has not been (re)dispatched, for the reconciliation loop.
func (d *DB) ListUndispatchedFinalized(ctx context.Context) ([]*deposit.Address, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT addr, intent_id, user_uuid, user_pubkey, rune_id,
			amount, bridge_addr, side, share_id, status, txid,
			vout, confirmations, sats_reserved, ever_seen_utxo,
			dispatched, fail_reason, settle_txid, created_at,
			updated_at
		FROM deposit_addresses
		WHERE status = ? AND dispatched = 0
		ORDER BY updated_at`,
		string(deposit.StatusFinalized),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list finalized deposits: %w",
			err)
	}
	defer rows.Close()

	return scanDeposits(rows)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row rowScanner) (*deposit.Address, error) {
	var (
		record                       deposit.Address
		intentID, userUUID, shareID  string
		side, status                 string
		txid                         sql.NullString
		vout                         sql.NullInt64
		everSeen, dispatched, amount int64
	)

	err := row.Scan(
		&record.Addr, &intentID, &userUUID, &record.UserPubKey,
		&record.RuneID, &amount, &record.BridgeAddr, &side, &shareID,
		&status, &txid, &vout, &record.Confirmations,
		&record.SatsReserved, &everSeen, &dispatched,
		&record.FailReason, &record.SettleTxID, &record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Amount = uint64(amount)
	record.Side = deposit.Side(side)
	record.Status = deposit.Status(status)
	record.EverSeenUTXO = everSeen != 0
	record.Dispatched = dispatched != 0

	if record.IntentID, err = uuid.Parse(intentID); err != nil {
		return nil, fmt.Errorf("corrupt intent id: %w", err)
	}
	if record.UserUUID, err = uuid.Parse(userUUID); err != nil {
		return nil, fmt.Errorf("corrupt user uuid: %w", err)
	}
	if record.ShareID, err = uuid.Parse(shareID); err != nil {
		return nil, fmt.Errorf("corrupt share id: %w", err)
	}

	if txid.Valid {
		hash, err := chainhash.NewHashFromStr(txid.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt txid: %w", err)
		}
		record.OutPoint = &wire.OutPoint{
			Hash:  *hash,
			Index: uint32(vout.Int64),
		}
	}

	return &record, nil
}

func scanDeposits(rows *sql.Rows) ([]*deposit.Address, error) {
	var records []*deposit.Address
	for rows.Next() {
		record, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}
