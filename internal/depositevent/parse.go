// Package depositevent recognizes bridge deposits in a Solana transaction's
// program logs.
package depositevent

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
)

var (
	// ErrNotDeposit means the transaction is final and carries no deposit.
	ErrNotDeposit = errors.New("depositevent: not a deposit")
	// ErrMalformed means the deposit logs are present but the payload could
	// not be decoded. The transaction is retried.
	ErrMalformed = errors.New("depositevent: malformed deposit data")
)

const (
	instructionLog = "Program log: Instruction: Deposit"
	programDataLog = "Program data: "

	// Anchor event layout: 8-byte discriminator, 4-byte string length, the
	// destination account, then the little-endian u64 amount.
	accountOffset = 12
	amountLen     = 8
)

type Event struct {
	Signature string
	Slot      uint64
	Account   string
	Amount    uint64
}

// Parse extracts the deposit emitted by contract in tx.
func Parse(contract string, tx solrpc.Transaction) (Event, error) {
	if tx.Failed {
		return Event{}, fmt.Errorf("%w: transaction failed on chain: %s", ErrNotDeposit, tx.Err)
	}

	successLog := "Program " + contract + " success"
	var hasInstruction, hasSuccess bool
	data := ""
	hasData := false
	for _, msg := range tx.LogMessages {
		switch {
		case msg == instructionLog:
			hasInstruction = true
		case msg == successLog:
			hasSuccess = true
		case !hasData && strings.HasPrefix(msg, programDataLog):
			data = strings.TrimPrefix(msg, programDataLog)
			hasData = true
		}
	}
	if !hasInstruction || !hasSuccess || !hasData {
		return Event{}, ErrNotDeposit
	}

	account, amount, err := DecodePayload(data)
	if err != nil {
		return Event{}, err
	}
	if account == "" || amount == 0 {
		return Event{}, fmt.Errorf("%w: empty account or zero amount", ErrNotDeposit)
	}
	return Event{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		Account:   account,
		Amount:    amount,
	}, nil
}

// DecodePayload splits a base64 "Program data" payload into the destination
// account and amount.
func DecodePayload(b64 string) (string, uint64, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", 0, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	if len(raw) < accountOffset+amountLen {
		return "", 0, fmt.Errorf("%w: payload too short (%d bytes)", ErrMalformed, len(raw))
	}
	accountBytes := raw[accountOffset : len(raw)-amountLen]
	if n := binary.LittleEndian.Uint32(raw[8:accountOffset]); uint64(n) != uint64(len(accountBytes)) {
		return "", 0, fmt.Errorf("%w: account length prefix %d, payload carries %d", ErrMalformed, n, len(accountBytes))
	}
	if !utf8.Valid(accountBytes) {
		return "", 0, fmt.Errorf("%w: account is not utf-8", ErrMalformed)
	}
	amount := binary.LittleEndian.Uint64(raw[len(raw)-amountLen:])
	return strings.TrimSpace(string(accountBytes)), amount, nil
}

// EncodePayload is the inverse of DecodePayload. It builds log fixtures.
func EncodePayload(account string, amount uint64) string {
	raw := make([]byte, accountOffset, accountOffset+len(account)+amountLen)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(account)))
	raw = append(raw, account...)
	raw = binary.LittleEndian.AppendUint64(raw, amount)
	return base64.StdEncoding.EncodeToString(raw)
}

// DepositLogs returns the log lines a successful deposit into contract emits.
func DepositLogs(contract, account string, amount uint64) []string {
	return []string{
		"Program " + contract + " invoke [1]",
		instructionLog,
		programDataLog + EncodePayload(account, amount),
		"Program " + contract + " success",
	}
}
