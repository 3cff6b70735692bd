package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrDuplicateIndex is returned when a signer set contains the same
	// party index twice.
	ErrDuplicateIndex = errors.New("duplicate party index in signer set")

	// ErrIndexNotInSet is returned when the target index is not a member
	// of the signer set.
	ErrIndexNotInSet = errors.New("party index not in signer set")

	// ErrZeroIndex is returned for the invalid party index zero.
	ErrZeroIndex = errors.New("party index must be non-zero")
)

// scalarFromIndex lifts a small party index into the scalar field.
func scalarFromIndex(index uint32) *secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(index)

	return &s
}

// LagrangeCoefficient computes λ_i(0) for party index i over the signer set,
// i.e. the coefficient that interpolates the shared polynomial at zero:
//
//	λ_i = Π_{j∈S, j≠i} j / (j - i)
//
// Party indexes are public protocol data, so variable-time field inversion
// is acceptable here.
func LagrangeCoefficient(index uint32, signerSet []uint32) (*secp256k1.ModNScalar, error) {
	if index == 0 {
		return nil, ErrZeroIndex
	}

	seen := make(map[uint32]struct{}, len(signerSet))
	found := false
	for _, j := range signerSet {
		if j == 0 {
			return nil, ErrZeroIndex
		}
		if _, ok := seen[j]; ok {
			return nil, ErrDuplicateIndex
		}
		seen[j] = struct{}{}

		if j == index {
			found = true
		}
	}
	if !found {
		return nil, ErrIndexNotInSet
	}

	num := new(secp256k1.ModNScalar).SetInt(1)
	den := new(secp256k1.ModNScalar).SetInt(1)

	iScalar := scalarFromIndex(index)
	for _, j := range signerSet {
		if j == index {
			continue
		}

		jScalar := scalarFromIndex(j)
		num.Mul(jScalar)

		diff := new(secp256k1.ModNScalar).NegateVal(iScalar)
		diff.Add(jScalar)
		den.Mul(diff)
	}

	if den.IsZero() {
		return nil, ErrDuplicateIndex
	}

	denInv := new(secp256k1.ModNScalar).InverseValNonConst(den)

	return num.Mul(denInv), nil
}

// InterpolateAtZero combines per-party scalars v_i into Σ λ_i · v_i. Used in
// tests to confirm that a signer set reconstructs the DKG group secret.
func InterpolateAtZero(values map[uint32]*secp256k1.ModNScalar) (*secp256k1.ModNScalar, error) {
	signerSet := make([]uint32, 0, len(values))
	for index := range values {
		signerSet = append(signerSet, index)
	}

	sum := new(secp256k1.ModNScalar)
	for index, value := range values {
		coeff, err := LagrangeCoefficient(index, signerSet)
		if err != nil {
			return nil, err
		}

		term := new(secp256k1.ModNScalar).Set(value)
		term.Mul(coeff)
		sum.Add(term)
	}

	return sum, nil
}
