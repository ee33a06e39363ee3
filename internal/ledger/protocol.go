package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	MintRequestVersion         = "ledger.mint.v1"
	TransferFromRequestVersion = "ledger.transfer_from.v1"

	MintPathV1         = "/v1/mint"
	TransferFromPathV1 = "/v1/transfer-from"
	BalancePathV1      = "/v1/balance/"
)

type MintRequest struct {
	Version string `json:"version"`
	To      string `json:"to"`
	Amount  uint64 `json:"amount"`
	Memo    string `json:"memo"`
}

type TransferFromRequest struct {
	Version string `json:"version"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  uint64 `json:"amount"`
	Memo    string `json:"memo"`
}

type BlockResponse struct {
	BlockIndex uint64 `json:"blockIndex"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

// ErrorResponse is the body of every non-200 reply.
type ErrorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message,omitempty"`
	DuplicateOf uint64 `json:"duplicateOf,omitempty"`
	Balance     uint64 `json:"balance,omitempty"`
	Allowance   uint64 `json:"allowance,omitempty"`
}

func FormatMemo(memo [32]byte) string {
	return "0x" + hex.EncodeToString(memo[:])
}

func ParseMemo(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: memo must be 32 bytes hex", ErrInvalidArgument)
	}
	copy(out[:], b)
	return out, nil
}
