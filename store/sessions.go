package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned when a second non-terminal session is
	// opened for the same share.
	ErrSessionActive = errors.New("share already has an active session")

	// ErrRequestExists is returned by InsertRequest for a replayed
	// request id; callers return the recorded outcome instead.
	ErrRequestExists = errors.New("request id already recorded")
)

// SessionRecord is the durable form of a signing session, enough to
// rehydrate the state machine after restart.
type SessionRecord struct {
	ID      uuid.UUID
	ShareID uuid.UUID

	// Tweak is the 32-byte operational-key tweak, nil for bare signing.
	Tweak []byte

	// MsgHash is the 32-byte message under signature.
	MsgHash []byte

	// Kind names what is being signed: mint, burn or exit_btc.
	Kind string

	// Metadata is opaque context (e.g. the deposit address).
	Metadata string

	// State is the frost.SessionState string form.
	State string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// activeStates are the non-terminal session states guarded by the partial
// unique index.
const activeStatesSQL = "'await_nonces', 'await_partials'"

// InsertSession records a new session. The partial unique index enforces
// at most one non-terminal session per share; violations surface as
// ErrSessionActive.
func (d *DB) InsertSession(ctx context.Context, record *SessionRecord) error {
	now := d.clock.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO signing_sessions (id, share_id, tweak, msg_hash,
			kind, metadata, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID.String(), record.ShareID.String(), record.Tweak,
		record.MsgHash, record.Kind, record.Metadata, record.State,
		now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrSessionActive
		}
		return fmt.Errorf("unable to insert session: %w", err)
	}

	return nil
}

// UpdateSessionState advances a session's persisted state.
func (d *DB) UpdateSessionState(ctx context.Context, id uuid.UUID,
	state string) error {

	_, err := d.db.ExecContext(ctx, `
		UPDATE signing_sessions SET state = ?, updated_at = ?
		WHERE id = ?`,
		state, d.clock.Now().UTC(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("unable to update session state: %w", err)
	}

	return nil
}

// GetSession loads one session record.
func (d *DB) GetSession(ctx context.Context, id uuid.UUID) (*SessionRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, share_id, tweak, msg_hash, kind, metadata, state,
			created_at, updated_at
		FROM signing_sessions WHERE id = ?`, id.String())

	return scanSession(row)
}

// ActiveSessionForShare returns the non-terminal session for a share, if
// any.
func (d *DB) ActiveSessionForShare(ctx context.Context, shareID uuid.UUID) (*SessionRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, share_id, tweak, msg_hash, kind, metadata, state,
			created_at, updated_at
		FROM signing_sessions
		WHERE share_id = ? AND state IN (`+activeStatesSQL+`)`,
		shareID.String())

	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return record, err
}

// StaleActiveSessions returns non-terminal sessions older than the cutoff,
// for the garbage-collection sweep.
func (d *DB) StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*SessionRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, share_id, tweak, msg_hash, kind, metadata, state,
			created_at, updated_at
		FROM signing_sessions
		WHERE state IN (`+activeStatesSQL+`) AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list stale sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		record      SessionRecord
		id, shareID string
	)

	err := row.Scan(
		&id, &shareID, &record.Tweak, &record.MsgHash, &record.Kind,
		&record.Metadata, &record.State, &record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if record.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt session id: %w", err)
	}
	if record.ShareID, err = uuid.Parse(shareID); err != nil {
		return nil, fmt.Errorf("corrupt share id: %w", err)
	}

	return &record, nil
}

// CountFailedSessions counts failed sessions whose metadata matches, which
// is how mint retries are bounded per deposit address.
func (d *DB) CountFailedSessions(ctx context.Context, metadata string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signing_sessions
		WHERE metadata = ? AND state = 'failed'`, metadata,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unable to count failed sessions: %w", err)
	}

	return count, nil
}

// RequestRecord tracks one end-to-end flow for idempotent retry.
type RequestRecord struct {
	RequestID   string
	Kind        string
	Status      string
	DepositAddr string
	Outcome     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Request status values.
const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// InsertRequest records a new external request id. A replay returns
// ErrRequestExists so the caller can serve the recorded outcome.
func (d *DB) InsertRequest(ctx context.Context, record *RequestRecord) error {
	now := d.clock.Now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO session_requests (request_id, kind, status,
			deposit_addr, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RequestID, record.Kind, record.Status,
		record.DepositAddr, record.Outcome, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrRequestExists
		}
		return fmt.Errorf("unable to insert request: %w", err)
	}

	return nil
}

// GetRequest loads a request record by id.
func (d *DB) GetRequest(ctx context.Context, requestID string) (*RequestRecord, error) {
	var record RequestRecord
	err := d.db.QueryRowContext(ctx, `
		SELECT request_id, kind, status, deposit_addr, outcome,
			created_at, updated_at
		FROM session_requests WHERE request_id = ?`, requestID,
	).Scan(
		&record.RequestID, &record.Kind, &record.Status,
		&record.DepositAddr, &record.Outcome, &record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load request: %w", err)
	}

	return &record, nil
}

// UpdateRequest records the outcome of a request.
func (d *DB) UpdateRequest(ctx context.Context, requestID, status,
	outcome string) error {

	_, err := d.db.ExecContext(ctx, `
		UPDATE session_requests SET status = ?, outcome = ?,
			updated_at = ?
		WHERE request_id = ?`,
		status, outcome, d.clock.Now().UTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("unable to update request: %w", err)
	}

	return nil
}
