package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WRuneRecord is the cached oracle metadata for one wrapped rune.
type WRuneRecord struct {
	RuneID         string
	Ticker         string
	Divisibility   uint8
	Supply         string
	IssuerPubKey   []byte
	BitcoinNetwork string
	SparkNetwork   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertWRune refreshes the metadata cache for one rune.
func (d *DB) UpsertWRune(ctx context.Context, record *WRuneRecord) error {
	now := d.clock.Now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO wrune_metadata (rune_id, ticker, divisibility,
			supply, issuer_pubkey, bitcoin_network, spark_network,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rune_id) DO UPDATE SET
			ticker = excluded.ticker,
			divisibility = excluded.divisibility,
			supply = excluded.supply,
			issuer_pubkey = excluded.issuer_pubkey,
			updated_at = excluded.updated_at`,
		record.RuneID, record.Ticker, record.Divisibility,
		record.Supply, record.IssuerPubKey, record.BitcoinNetwork,
		record.SparkNetwork, now, now,
	)
	if err != nil {
		return fmt.Errorf("unable to upsert wrune metadata: %w", err)
	}

	return nil
}

// GetWRune loads cached metadata for one rune, nil when absent.
func (d *DB) GetWRune(ctx context.Context, runeID string) (*WRuneRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT rune_id, ticker, divisibility, supply, issuer_pubkey,
			bitcoin_network, spark_network, created_at, updated_at
		FROM wrune_metadata WHERE rune_id = ?`, runeID)

	record, err := scanWRune(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return record, err
}

// ListWRunes returns the full metadata cache.
func (d *DB) ListWRunes(ctx context.Context) ([]*WRuneRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT rune_id, ticker, divisibility, supply, issuer_pubkey,
			bitcoin_network, spark_network, created_at, updated_at
		FROM wrune_metadata ORDER BY rune_id`)
	if err != nil {
		return nil, fmt.Errorf("unable to list wrune metadata: %w", err)
	}
	defer rows.Close()

	var records []*WRuneRecord
	for rows.Next() {
		record, err := scanWRune(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func scanWRune(row rowScanner) (*WRuneRecord, error) {
	var record WRuneRecord
	err := row.Scan(
		&record.RuneID, &record.Ticker, &record.Divisibility,
		&record.Supply, &record.IssuerPubKey, &record.BitcoinNetwork,
		&record.SparkNetwork, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &record, nil
}
