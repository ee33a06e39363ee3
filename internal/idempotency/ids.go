package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const (
	mintMemoPrefixV1        = "galactic.mint"
	withdrawRequestPrefixV1 = "galactic.withdraw"
	couponSessionPrefixV1   = "galactic.coupon"
	adminMintPrefixV1       = "galactic.admin_mint"
	burnRequestPrefixV1     = "galactic.burn"
)

// MintMemoV1 computes the ledger memo attached to the mint of a foreign deposit.
//
//	memo = keccak256("galactic.mint" || signature)
//
// The ledger deduplicates transfers by memo, so a mint retried after a timeout
// resolves to the original block index instead of crediting twice.
func MintMemoV1(signature string) [32]byte {
	return keccak(mintMemoPrefixV1, []byte(signature))
}

// WithdrawRequestIDV1 identifies a single withdrawal attempt and is used as the
// burn memo.
//
//	id = keccak256("galactic.withdraw" || account || 0x00 || to || amountBE64 || nonceBE64)
func WithdrawRequestIDV1(account, to string, amount uint64, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(account)+len(to)+17)
	buf = append(buf, account...)
	buf = append(buf, 0x00)
	buf = append(buf, to...)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return keccak(withdrawRequestPrefixV1, buf)
}

// CouponSessionIDV1 binds a signing session to a burn id. Signing hosts treat
// the session as idempotent, so reissuing a coupon for the same burn never
// produces a second distinct signature.
func CouponSessionIDV1(burnID uint64) [32]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], burnID)
	return keccak(couponSessionPrefixV1, b[:])
}

// AdminMintMemoV1 is the memo of an operator mint. The nonce keeps two
// identical operator requests distinct.
func AdminMintMemoV1(account string, amount uint64, nonce uint64) [32]byte {
	return keccak(adminMintPrefixV1, accountAmountNonce(account, amount, nonce))
}

// BurnRequestIDV1 is the memo of a plain burn with no coupon.
func BurnRequestIDV1(account string, amount uint64, nonce uint64) [32]byte {
	return keccak(burnRequestPrefixV1, accountAmountNonce(account, amount, nonce))
}

func accountAmountNonce(account string, amount, nonce uint64) []byte {
	buf := make([]byte, 0, len(account)+16)
	buf = append(buf, account...)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	return binary.BigEndian.AppendUint64(buf, nonce)
}

func keccak(prefix string, data []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write(data)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
