// Package transport carries the signing-round traffic between the
// aggregator and its verifiers: length-prefixed JSON envelopes over
// mutually authenticated TLS links with per-verifier static keys.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single envelope on the wire. Signing payloads are
// tiny; anything near the cap is an attack or a bug.
const MaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrBadEnvelope is returned for frames that do not decode to an
	// envelope.
	ErrBadEnvelope = errors.New("malformed envelope")
)

// Envelope message types.
const (
	TypeRound1Request  = "round1_request"
	TypeRound1Response = "round1_response"
	TypeRound2Request  = "round2_request"
	TypeRound2Response = "round2_response"
	TypeAbort          = "abort"
	TypeNotify         = "notify"
)

// Envelope is the typed frame exchanged on signing links.
type Envelope struct {
	// SessionID names the signing session the frame belongs to.
	SessionID uuid.UUID `json:"session_id"`

	// Round is 1 or 2 for signing traffic, 0 otherwise.
	Round uint8 `json:"round"`

	// Type selects the payload schema.
	Type string `json:"type"`

	// Payload is the type-specific body.
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals a payload into an envelope.
func NewEnvelope(sessionID uuid.UUID, round uint8, msgType string,
	payload any) (*Envelope, error) {

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to encode payload: %w", err)
	}

	return &Envelope{
		SessionID: sessionID,
		Round:     round,
		Type:      msgType,
		Payload:   encoded,
	}, nil
}

// DecodePayload unmarshals the payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	return nil
}

// WriteFrame writes one length-prefixed envelope.
func WriteFrame(w io.Writer, envelope *Envelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("unable to encode envelope: %w", err)
	}
	if len(encoded) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(encoded)))

	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("unable to write frame length: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("unable to write frame body: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed envelope.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(length[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("unable to read frame body: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	return &envelope, nil
}
