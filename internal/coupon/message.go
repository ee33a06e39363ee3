package coupon

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// FormatV1 is the only message layout issued so far. Foreign contracts re-derive
// these exact bytes, so a new layout must ship under a new format tag.
const FormatV1 = "coupon.message.v1"

// Message is the release authorization a foreign contract checks before paying out.
type Message struct {
	FromAddress    string
	ToAddress      string
	Amount         uint64
	BurnID         uint64
	BurnTimestamp  uint64
	BurnBlockIndex uint64
}

// messageV1 fixes field order and names for FormatV1. Do not reorder.
type messageV1 struct {
	FromAddress    string `json:"from_icp_address"`
	ToAddress      string `json:"to_sol_address"`
	Amount         uint64 `json:"amount"`
	BurnID         uint64 `json:"burn_id"`
	BurnTimestamp  uint64 `json:"burn_timestamp"`
	BurnBlockIndex uint64 `json:"icp_burn_block_index"`
}

// BuildMessage encodes m in the current format.
func BuildMessage(m Message) ([]byte, error) {
	return BuildMessageFormat(FormatV1, m)
}

func BuildMessageFormat(format string, m Message) ([]byte, error) {
	switch format {
	case FormatV1:
		if strings.TrimSpace(m.FromAddress) == "" || strings.TrimSpace(m.ToAddress) == "" {
			return nil, fmt.Errorf("%w: missing address", ErrInvalidMessage)
		}
		if m.Amount == 0 {
			return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidMessage)
		}
		b, err := json.Marshal(messageV1(m))
		if err != nil {
			return nil, fmt.Errorf("coupon: marshal message: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// DecodeMessage parses a canonical message. Unknown fields are rejected so a
// message that does not round-trip is never treated as valid.
func DecodeMessage(format string, raw string) (Message, error) {
	if format != FormatV1 {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var m messageV1
	if err := dec.Decode(&m); err != nil {
		return Message{}, &Error{Kind: KindDeserialization, Detail: err.Error()}
	}
	if dec.More() {
		return Message{}, &Error{Kind: KindDeserialization, Detail: "trailing data"}
	}

	out := Message(m)
	canonical, err := BuildMessageFormat(format, out)
	if err != nil {
		return Message{}, &Error{Kind: KindDeserialization, Detail: err.Error()}
	}
	if !bytes.Equal(canonical, []byte(raw)) {
		return Message{}, &Error{Kind: KindDeserialization, Detail: "message is not canonical"}
	}
	return out, nil
}

// Hash is the digest that gets signed: sha256(message).
func Hash(message []byte) [32]byte {
	return sha256.Sum256(message)
}
