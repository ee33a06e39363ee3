package coupon

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrHexDecoding          = errors.New("coupon: hex decoding failed")
	ErrDeserialization      = errors.New("coupon: deserialization failed")
	ErrRecovery             = errors.New("coupon: key recovery failed")
	ErrParityRecoveryFailed = errors.New("coupon: parity recovery failed")

	ErrSigning        = errors.New("coupon: signing failed")
	ErrInvalidMessage = errors.New("coupon: invalid message")
	ErrUnknownFormat  = errors.New("coupon: unknown message format")
)

type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindHexDecoding
	KindDeserialization
	KindRecovery
	KindParityRecoveryFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindHexDecoding:
		return "hex_decoding"
	case KindDeserialization:
		return "deserialization"
	case KindRecovery:
		return "recovery"
	case KindParityRecoveryFailed:
		return "parity_recovery_failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Error is returned for malformed coupon material. Callers branch on Kind:
// decoding kinds mean bad input, ParityRecoveryFailed means the signature and
// key do not belong together.
type Error struct {
	Kind ErrorKind

	// Set for KindParityRecoveryFailed.
	Signature string
	PublicKey string

	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return "coupon: nil error"
	}
	switch e.Kind {
	case KindParityRecoveryFailed:
		return fmt.Sprintf("coupon: failed to recover the parity bit from signature %s, pubkey %s", e.Signature, e.PublicKey)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("coupon: %s: %s", e.Kind, e.Detail)
		}
		return fmt.Sprintf("coupon: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindHexDecoding:
		return ErrHexDecoding
	case KindDeserialization:
		return ErrDeserialization
	case KindRecovery:
		return ErrRecovery
	case KindParityRecoveryFailed:
		return ErrParityRecoveryFailed
	default:
		return nil
	}
}

// Coupon is the redemption artifact handed to the user. All binary fields are
// lowercase hex without a 0x prefix.
type Coupon struct {
	Format       string `json:"format"`
	Message      string `json:"message"`
	MessageHash  string `json:"message_hash"`
	SignatureHex string `json:"signature_hex"`
	PublicKeyHex string `json:"public_key_hex"`
	RecoveryID   uint8  `json:"recovery_id"`
}

// Verify recomputes the message hash and checks the signature against the
// public key the coupon carries.
func (c Coupon) Verify() (bool, error) {
	wantHash, err := decodeHex(c.MessageHash)
	if err != nil {
		return false, err
	}
	gotHash := Hash([]byte(c.Message))
	if !bytes.Equal(wantHash, gotHash[:]) {
		return false, nil
	}
	return Verify(c.SignatureHex, c.Message, c.PublicKeyHex)
}

// DecodedMessage parses the embedded canonical message.
func (c Coupon) DecodedMessage() (Message, error) {
	format := c.Format
	if format == "" {
		format = FormatV1
	}
	return DecodeMessage(format, c.Message)
}

// Verify checks an ECDSA secp256k1 signature (r||s hex) over sha256(message).
func Verify(signatureHex, message, publicKeyHex string) (bool, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return false, err
	}
	pub, err := decodePublicKey(publicKeyHex)
	if err != nil {
		return false, err
	}
	digest := Hash([]byte(message))
	return crypto.VerifySignature(pub, digest[:], sig), nil
}

// RecoverParity returns the recovery id (0 or 1) under which sig recovers to
// publicKeyHex. It never contacts the signing service.
func RecoverParity(signatureHex, message, publicKeyHex string) (uint8, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return 0, err
	}
	pub, err := decodePublicKey(publicKeyHex)
	if err != nil {
		return 0, err
	}
	return recoverParity(sig, Hash([]byte(message)), pub, signatureHex, publicKeyHex)
}

func recoverParity(sig []byte, digest [32]byte, uncompressed []byte, sigHex, pubHex string) (uint8, error) {
	candidate := make([]byte, 65)
	copy(candidate, sig)

	recovered := 0
	for _, v := range []uint8{0, 1} {
		candidate[64] = v
		got, err := crypto.Ecrecover(digest[:], candidate)
		if err != nil {
			continue
		}
		recovered++
		if bytes.Equal(got, uncompressed) {
			return v, nil
		}
	}
	if recovered == 0 {
		return 0, &Error{Kind: KindRecovery}
	}
	return 0, &Error{
		Kind:      KindParityRecoveryFailed,
		Signature: sigHex,
		PublicKey: pubHex,
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &Error{Kind: KindHexDecoding, Detail: err.Error()}
	}
	return b, nil
}

func decodeSignature(s string) ([]byte, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 64 {
		return nil, &Error{Kind: KindDeserialization, Detail: fmt.Sprintf("signature length %d", len(b))}
	}
	return b, nil
}

// decodePublicKey accepts SEC1 compressed or uncompressed keys and returns the
// uncompressed 65-byte form.
func decodePublicKey(s string) ([]byte, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	out, err := normalizePublicKey(b)
	if err != nil {
		return nil, &Error{Kind: KindDeserialization, Detail: err.Error()}
	}
	return out, nil
}

func normalizePublicKey(b []byte) ([]byte, error) {
	switch len(b) {
	case 33:
		pub, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, err
		}
		return crypto.FromECDSAPub(pub), nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, err
		}
		return crypto.FromECDSAPub(pub), nil
	default:
		return nil, fmt.Errorf("public key length %d", len(b))
	}
}

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// normalizeLowS rewrites s to n-s when s is in the upper half of the curve order.
// Verifiers reject high-s signatures.
func normalizeLowS(sig []byte) []byte {
	out := append([]byte(nil), sig[:64]...)
	s := new(big.Int).SetBytes(out[32:64])
	if s.Cmp(secp256k1HalfN) <= 0 {
		return out
	}
	s.Sub(secp256k1N, s)
	s.FillBytes(out[32:64])
	return out
}
