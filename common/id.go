package common

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// IDLen is the byte width of deposit and withdrawal identifiers.
// Ids are keccak256 digests truncated to this width and hex-encoded,
// which keeps them short enough for log lines and db keys while staying
// collision-resistant for the volumes a bridge sees.
const IDLen = 16

// DepositID derives the deterministic identifier of a deposit from the
// fields of its TokensLocked event. The same event always derives the
// same id, which is what makes re-notification idempotent.
func DepositID(sender string, token string, amount *big.Int, targetChainID uint64, nonce uint64, timestamp int64) string {
	var buf []byte
	buf = append(buf, []byte(sender)...)
	buf = append(buf, []byte(token)...)
	buf = append(buf, bigOrZero(amount).Bytes()...)
	buf = appendUint64(buf, targetChainID)
	buf = appendUint64(buf, nonce)
	buf = appendUint64(buf, uint64(timestamp))
	return ByteSliceToPureHexStr(crypto.Keccak256(buf)[:IDLen])
}

// WithdrawalID derives the deterministic identifier of a withdrawal request.
func WithdrawalID(recipient string, token string, amount *big.Int, nullifier []byte, nonce uint64) string {
	var buf []byte
	buf = append(buf, []byte(recipient)...)
	buf = append(buf, []byte(token)...)
	buf = append(buf, bigOrZero(amount).Bytes()...)
	buf = append(buf, nullifier...)
	buf = appendUint64(buf, nonce)
	return ByteSliceToPureHexStr(crypto.Keccak256(buf)[:IDLen])
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
