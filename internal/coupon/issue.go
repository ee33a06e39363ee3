package coupon

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// SigningService is the threshold signing capability. It signs a 32-byte digest
// with the named key and returns r||s (optionally followed by a recovery byte).
// Implementations must be idempotent per sessionID.
type SigningService interface {
	Sign(ctx context.Context, sessionID [32]byte, keyName string, digest [32]byte) ([]byte, error)
}

type IssueRequest struct {
	SessionID [32]byte
	KeyName   string
	// PublicKey is the SEC1 key the signing service signs with.
	PublicKey []byte
	Message   Message
}

// Issue builds, signs and self-checks a coupon.
//
// Errors wrapping ErrSigning come from the signing service and are worth
// retrying. *Error values mean the returned signature is unusable.
func Issue(ctx context.Context, signer SigningService, req IssueRequest) (Coupon, error) {
	if signer == nil {
		return Coupon{}, fmt.Errorf("%w: nil signing service", ErrSigning)
	}
	if strings.TrimSpace(req.KeyName) == "" {
		return Coupon{}, fmt.Errorf("%w: missing key name", ErrSigning)
	}
	pub, err := normalizePublicKey(req.PublicKey)
	if err != nil {
		return Coupon{}, &Error{Kind: KindDeserialization, Detail: "public key: " + err.Error()}
	}

	msg, err := BuildMessage(req.Message)
	if err != nil {
		return Coupon{}, err
	}
	digest := Hash(msg)

	raw, err := signer.Sign(ctx, req.SessionID, req.KeyName, digest)
	if err != nil {
		return Coupon{}, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	if len(raw) != 64 && len(raw) != 65 {
		return Coupon{}, &Error{Kind: KindDeserialization, Detail: fmt.Sprintf("signature length %d", len(raw))}
	}
	sig := normalizeLowS(raw)

	c := Coupon{
		Format:       FormatV1,
		Message:      string(msg),
		MessageHash:  hex.EncodeToString(digest[:]),
		SignatureHex: hex.EncodeToString(sig),
		PublicKeyHex: hex.EncodeToString(pub),
	}

	parity, err := recoverParity(sig, digest, pub, c.SignatureHex, c.PublicKeyHex)
	if err != nil {
		return Coupon{}, err
	}
	c.RecoveryID = parity
	return c, nil
}
