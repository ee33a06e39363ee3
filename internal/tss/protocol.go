package tss

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	SignRequestVersion       = "tss.sign_digest.v1"
	SignResponseVersion      = "tss.sign_digest_result.v1"
	PublicKeyResponseVersion = "tss.public_key.v1"

	SignPathV1      = "/v1/sign"
	PublicKeyPathV1 = "/v1/public-key"
)

var (
	ErrInvalidSessionID = errors.New("tss: invalid session id")
	ErrInvalidDigest    = errors.New("tss: invalid digest")
	ErrInvalidSignature = errors.New("tss: invalid signature")
)

// SignRequest asks the host to sign a 32-byte digest with a named key.
// Hosts must return the same signature for a repeated sessionId and reject a
// sessionId reused with a different keyName or digest.
type SignRequest struct {
	Version   string `json:"version"`
	SessionID string `json:"sessionId"`
	KeyName   string `json:"keyName"`
	Digest    string `json:"digest"`
}

type SignResponse struct {
	Version   string `json:"version"`
	SessionID string `json:"sessionId"`
	// Signature is 0x-prefixed r||s (64 bytes).
	Signature string `json:"signature"`
}

type PublicKeyResponse struct {
	Version string `json:"version"`
	KeyName string `json:"keyName"`
	// PublicKey is 0x-prefixed SEC1 compressed (33 bytes).
	PublicKey string `json:"publicKey"`
}

func FormatSessionID(id [32]byte) string {
	return hexutil.Encode(id[:])
}

func ParseSessionID(s string) ([32]byte, error) {
	out, ok := parseHex32(s)
	if !ok {
		return [32]byte{}, ErrInvalidSessionID
	}
	return out, nil
}

func FormatDigest(d [32]byte) string {
	return hexutil.Encode(d[:])
}

func ParseDigest(s string) ([32]byte, error) {
	out, ok := parseHex32(s)
	if !ok {
		return [32]byte{}, ErrInvalidDigest
	}
	return out, nil
}

func FormatSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

func FormatPublicKey(pub []byte) string {
	return hexutil.Encode(pub)
}

func ParseSignature(s string) ([]byte, error) {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil || len(b) != 64 {
		return nil, ErrInvalidSignature
	}
	return b, nil
}

func parseHex32(s string) ([32]byte, bool) {
	s = trimHexPrefix(s)
	if len(s) != 64 {
		return [32]byte{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, false
	}
	var out [32]byte
	copy(out[:], b)
	return out, true
}

func trimHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	return strings.TrimPrefix(s, "0X")
}
