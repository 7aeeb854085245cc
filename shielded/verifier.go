package shielded

import "math/big"

// MinProofLen is the smallest serialized spend proof the pool circuit
// produces.
const MinProofLen = 192

// ProofVerifier checks a spend proof. The node-backed settler ships with
// the structural check below; a circuit-level verifier plugs in here.
type ProofVerifier interface {
	Verify(nullifier, proof, merkleRoot []byte, amount *big.Int) (bool, error)
}

// StructuralVerifier rejects proofs that are malformed on their face.
// It accepts any well-formed proof, leaving soundness to the pool's own
// consensus rules.
type StructuralVerifier struct{}

func (StructuralVerifier) Verify(nullifier, proof, merkleRoot []byte, amount *big.Int) (bool, error) {
	if len(nullifier) != 32 {
		return false, nil
	}
	if len(merkleRoot) != 32 {
		return false, nil
	}
	if len(proof) < MinProofLen {
		return false, nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, nil
	}
	return true, nil
}
