package dkg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/sats-terminal/spark-bridge/crypto"
)

// Share is one party's durable output of a completed ceremony. Records with
// the same ID across parties describe the same group key; the secret field
// differs per party and never leaves the owning node unencrypted.
type Share struct {
	// ID identifies the ceremony output across all parties.
	ID uuid.UUID

	// PartyIndex is the owning party's index, 1..NumParties.
	PartyIndex uint32

	// NumParties is M for this ceremony.
	NumParties uint32

	// Secret is this party's polynomial share of the group secret; the
	// group secret is its Lagrange interpolation at zero over all M shares.
	Secret *secp256k1.ModNScalar

	// GroupKey is the even-y group public key Y.
	GroupKey *btcec.PublicKey

	// Commitments is the combined commitment polynomial C(x); C(0) is
	// the group key.
	Commitments []*btcec.PublicKey

	// VerificationShares maps every party index j to C(j), the public
	// image of party j's secret share. The aggregator uses these to
	// verify partial signatures without learning any secret.
	VerificationShares map[uint32]*btcec.PublicKey
}

// GroupKeyXOnly returns the 32-byte x-only group key.
func (s *Share) GroupKeyXOnly() []byte {
	return crypto.XOnly(s.GroupKey)
}

// PublicShare returns a copy of the record with the secret stripped, which
// is what the aggregator persists for shares owned by remote verifiers.
func (s *Share) PublicShare() *Share {
	clone := *s
	clone.Secret = nil

	return &clone
}

const shareEncodingVersion = 1

// Serialize encodes the share for storage. Layout (big-endian):
//
//	version(1) || id(16) || party(4) || num_parties(4) ||
//	has_secret(1) || [secret(32)] || group_key(33) ||
//	commitment_count(4) || commitments(33 each) ||
//	verification_count(4) || (index(4) || point(33)) each
func (s *Share) Serialize() []byte {
	var buf bytes.Buffer

	buf.WriteByte(shareEncodingVersion)
	buf.Write(s.ID[:])

	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], s.PartyIndex)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:], s.NumParties)
	buf.Write(scratch[:])

	if s.Secret != nil {
		buf.WriteByte(1)
		secretBytes := s.Secret.Bytes()
		buf.Write(secretBytes[:])
	} else {
		buf.WriteByte(0)
	}

	buf.Write(s.GroupKey.SerializeCompressed())

	binary.BigEndian.PutUint32(scratch[:], uint32(len(s.Commitments)))
	buf.Write(scratch[:])
	for _, c := range s.Commitments {
		buf.Write(c.SerializeCompressed())
	}

	binary.BigEndian.PutUint32(scratch[:], uint32(len(s.VerificationShares)))
	buf.Write(scratch[:])

	// Fixed iteration order keeps the encoding deterministic.
	for j := uint32(1); j <= s.NumParties; j++ {
		point, ok := s.VerificationShares[j]
		if !ok {
			continue
		}
		binary.BigEndian.PutUint32(scratch[:], j)
		buf.Write(scratch[:])
		buf.Write(point.SerializeCompressed())
	}

	return buf.Bytes()
}

// ParseShare decodes a share produced by Serialize.
func ParseShare(raw []byte) (*Share, error) {
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("short share encoding: %w", err)
	}
	if version != shareEncodingVersion {
		return nil, fmt.Errorf("unknown share encoding version %d",
			version)
	}

	share := &Share{}

	if _, err := r.Read(share.ID[:]); err != nil {
		return nil, fmt.Errorf("unable to read share id: %w", err)
	}

	var scratch [4]byte
	if _, err := r.Read(scratch[:]); err != nil {
		return nil, fmt.Errorf("unable to read party index: %w", err)
	}
	share.PartyIndex = binary.BigEndian.Uint32(scratch[:])

	if _, err := r.Read(scratch[:]); err != nil {
		return nil, fmt.Errorf("unable to read party count: %w", err)
	}
	share.NumParties = binary.BigEndian.Uint32(scratch[:])

	hasSecret, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("unable to read secret flag: %w", err)
	}
	if hasSecret == 1 {
		var secretBytes [crypto.ScalarSize]byte
		if _, err := r.Read(secretBytes[:]); err != nil {
			return nil, fmt.Errorf("unable to read secret: %w", err)
		}

		share.Secret, err = crypto.ParseScalar(secretBytes[:])
		if err != nil {
			return nil, fmt.Errorf("invalid secret share: %w", err)
		}
	}

	readPoint := func() (*btcec.PublicKey, error) {
		var pointBytes [crypto.PubKeyBytesLenCompressed]byte
		if _, err := r.Read(pointBytes[:]); err != nil {
			return nil, err
		}

		return crypto.ParsePubKey(pointBytes[:])
	}

	if share.GroupKey, err = readPoint(); err != nil {
		return nil, fmt.Errorf("invalid group key: %w", err)
	}

	if _, err := r.Read(scratch[:]); err != nil {
		return nil, fmt.Errorf("unable to read commitment count: %w", err)
	}
	commitmentCount := binary.BigEndian.Uint32(scratch[:])
	if commitmentCount > share.NumParties {
		return nil, fmt.Errorf("commitment count %d exceeds party "+
			"count %d", commitmentCount, share.NumParties)
	}

	share.Commitments = make([]*btcec.PublicKey, commitmentCount)
	for k := range share.Commitments {
		if share.Commitments[k], err = readPoint(); err != nil {
			return nil, fmt.Errorf("invalid commitment %d: %w", k, err)
		}
	}

	if _, err := r.Read(scratch[:]); err != nil {
		return nil, fmt.Errorf("unable to read verification count: %w",
			err)
	}
	verificationCount := binary.BigEndian.Uint32(scratch[:])
	if verificationCount > share.NumParties {
		return nil, fmt.Errorf("verification share count %d exceeds "+
			"party count %d", verificationCount, share.NumParties)
	}

	share.VerificationShares = make(
		map[uint32]*btcec.PublicKey, verificationCount,
	)
	for n := uint32(0); n < verificationCount; n++ {
		if _, err := r.Read(scratch[:]); err != nil {
			return nil, fmt.Errorf("unable to read verification "+
				"index: %w", err)
		}
		index := binary.BigEndian.Uint32(scratch[:])

		point, err := readPoint()
		if err != nil {
			return nil, fmt.Errorf("invalid verification share "+
				"%d: %w", index, err)
		}
		share.VerificationShares[index] = point
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in share encoding",
			r.Len())
	}

	return share, nil
}
