package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrAmountTooLarge = errors.New("amount exceeds 64 bits")
	ErrBadSignature   = errors.New("malformed authorization signature")
)

// BuildWithdrawalMessage produces the 32-byte digest the coordinator
// signs and every destination gateway reconstructs. The layout is fixed:
// withdrawal id bytes, recipient bytes, token address bytes, amount as
// 8-byte little-endian, nullifier bytes, all fed through SHA-256.
func BuildWithdrawalMessage(withdrawalID string, recipient string, tokenAddr string, amount *big.Int, nullifier []byte) ([]byte, error) {
	if amount == nil || amount.BitLen() > 64 {
		return nil, ErrAmountTooLarge
	}

	var amountLE [8]byte
	binary.LittleEndian.PutUint64(amountLE[:], amount.Uint64())

	h := sha256.New()
	h.Write([]byte(withdrawalID))
	h.Write([]byte(recipient))
	h.Write([]byte(tokenAddr))
	h.Write(amountLE[:])
	h.Write(nullifier)
	return h.Sum(nil), nil
}

// AuthSigner holds the coordinator's authorization key and implements
// agreement.WithdrawalSigner.
type AuthSigner struct {
	priv *ecdsa.PrivateKey
}

func NewAuthSigner(priv *ecdsa.PrivateKey) *AuthSigner {
	return &AuthSigner{priv: priv}
}

// NewAuthSignerFromHex loads the key from a hex-encoded scalar, with or
// without the 0x prefix.
func NewAuthSignerFromHex(hexKey string) (*AuthSigner, error) {
	priv, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, err
	}
	return &AuthSigner{priv: priv}, nil
}

// Address is the signer's address gateways are configured to trust.
func (s *AuthSigner) Address() ethcommon.Address {
	return crypto.PubkeyToAddress(s.priv.PublicKey)
}

// SignWithdrawal signs the withdrawal digest and returns the 65-byte
// [R || S || V] signature.
func (s *AuthSigner) SignWithdrawal(withdrawalID string, recipient string, tokenAddr string, amount *big.Int, nullifier []byte) ([]byte, error) {
	msg, err := BuildWithdrawalMessage(withdrawalID, recipient, tokenAddr, amount, nullifier)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(msg, s.priv)
}

// RecoverSigner returns the address that produced the signature over the
// given withdrawal fields.
func RecoverSigner(withdrawalID string, recipient string, tokenAddr string, amount *big.Int, nullifier []byte, sig []byte) (ethcommon.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return ethcommon.Address{}, ErrBadSignature
	}
	msg, err := BuildWithdrawalMessage(withdrawalID, recipient, tokenAddr, amount, nullifier)
	if err != nil {
		return ethcommon.Address{}, err
	}
	pub, err := crypto.SigToPub(msg, sig)
	if err != nil {
		return ethcommon.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
