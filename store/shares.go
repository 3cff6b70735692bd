package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/dkg"
)

// InsertShare adds a pre-generated share to the pool. Part of
// dkg.PoolStore.
func (d *DB) InsertShare(ctx context.Context, share *dkg.Share) error {
	sealed, err := d.box.seal(share.Serialize())
	if err != nil {
		return err
	}

	now := d.clock.Now().UTC()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO dkg_shares (id, party_index, group_key, encoded,
			bound, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		share.ID.String(), share.PartyIndex, share.GroupKeyXOnly(),
		sealed, now,
	)
	if err != nil {
		return fmt.Errorf("unable to insert share: %w", err)
	}

	return nil
}

// CountFree returns the number of unbound shares. Part of dkg.PoolStore.
func (d *DB) CountFree(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dkg_shares WHERE bound = 0`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unable to count free shares: %w", err)
	}

	return count, nil
}

// Draw transactionally binds the next free share to the given owner,
// returning the already-bound share on repeat draws. Part of
// dkg.PoolStore.
func (d *DB) Draw(ctx context.Context, binding dkg.Binding) (*dkg.Share, error) {
	var share *dkg.Share

	err := d.withTx(func(tx *sql.Tx) error {
		// Existing binding wins, making address issuance idempotent.
		var shareID string
		err := tx.QueryRowContext(ctx, `
			SELECT share_id FROM user_shares
			WHERE user_uuid = ? AND rune_id = ? AND is_issuer = ?`,
			binding.UserUUID.String(), binding.RuneID,
			boolToInt(binding.IsIssuer),
		).Scan(&shareID)

		switch {
		case err == nil:
			share, err = d.loadShareTx(ctx, tx, shareID)
			return err

		case errors.Is(err, sql.ErrNoRows):

		default:
			return fmt.Errorf("unable to query binding: %w", err)
		}

		// Oldest free share first.
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM dkg_shares WHERE bound = 0
			ORDER BY created_at, id LIMIT 1`,
		).Scan(&shareID)
		if errors.Is(err, sql.ErrNoRows) {
			return dkg.ErrPoolExhausted
		}
		if err != nil {
			return fmt.Errorf("unable to select free share: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE dkg_shares SET bound = 1 WHERE id = ?`, shareID,
		); err != nil {
			return fmt.Errorf("unable to bind share: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_shares (user_uuid, rune_id, is_issuer,
				share_id, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			binding.UserUUID.String(), binding.RuneID,
			boolToInt(binding.IsIssuer), shareID,
			d.clock.Now().UTC(),
		); err != nil {
			return fmt.Errorf("unable to record binding: %w", err)
		}

		share, err = d.loadShareTx(ctx, tx, shareID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return share, nil
}

// ShareByBinding returns the share bound to the owner. Part of
// dkg.PoolStore.
func (d *DB) ShareByBinding(ctx context.Context, binding dkg.Binding) (*dkg.Share, error) {
	var shareID string
	err := d.db.QueryRowContext(ctx, `
		SELECT share_id FROM user_shares
		WHERE user_uuid = ? AND rune_id = ? AND is_issuer = ?`,
		binding.UserUUID.String(), binding.RuneID,
		boolToInt(binding.IsIssuer),
	).Scan(&shareID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dkg.ErrPoolExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query binding: %w", err)
	}

	return d.loadShare(ctx, shareID)
}

// ShareByID returns a share by ceremony id. Part of dkg.PoolStore.
func (d *DB) ShareByID(ctx context.Context, id uuid.UUID) (*dkg.Share, error) {
	return d.loadShare(ctx, id.String())
}

func (d *DB) loadShare(ctx context.Context, id string) (*dkg.Share, error) {
	var sealed []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT encoded FROM dkg_shares WHERE id = ?`, id,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("share %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load share: %w", err)
	}

	return d.decodeShare(sealed)
}

func (d *DB) loadShareTx(ctx context.Context, tx *sql.Tx, id string) (*dkg.Share, error) {
	var sealed []byte
	err := tx.QueryRowContext(ctx,
		`SELECT encoded FROM dkg_shares WHERE id = ?`, id,
	).Scan(&sealed)
	if err != nil {
		return nil, fmt.Errorf("unable to load share: %w", err)
	}

	return d.decodeShare(sealed)
}

func (d *DB) decodeShare(sealed []byte) (*dkg.Share, error) {
	encoded, err := d.box.open(sealed)
	if err != nil {
		return nil, err
	}

	return dkg.ParseShare(encoded)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
