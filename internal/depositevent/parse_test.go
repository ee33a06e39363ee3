package depositevent

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
)

const contract = "HDSbw4qvp6XMqUQVsqpSp3M5cBD8dPEBqFQZ1pFbdW2h"

func TestParse_Deposit(t *testing.T) {
	t.Parallel()

	tx := solrpc.Transaction{
		Signature:   "sig-1",
		Slot:        77,
		LogMessages: DepositLogs(contract, "2vxsx-fae", 10_000_000),
	}
	ev, err := Parse(contract, tx)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Event{Signature: "sig-1", Slot: 77, Account: "2vxsx-fae", Amount: 10_000_000}
	if ev != want {
		t.Fatalf("event: got %+v want %+v", ev, want)
	}
}

func TestParse_NotDeposit(t *testing.T) {
	t.Parallel()

	logs := DepositLogs(contract, "acct", 5)
	cases := map[string]solrpc.Transaction{
		"failed on chain":    {Failed: true, Err: `{"InstructionError":[0,"Custom"]}`, LogMessages: logs},
		"no instruction log": {LogMessages: []string{logs[0], logs[2], logs[3]}},
		"no success log":     {LogMessages: logs[:3]},
		"no data log":        {LogMessages: []string{logs[0], logs[1], logs[3]}},
		"other program":      {LogMessages: DepositLogs("OtherProgram111111111111111111111111111111", "acct", 5)},
		"zero amount":        {LogMessages: DepositLogs(contract, "acct", 0)},
		"empty account":      {LogMessages: DepositLogs(contract, "", 5)},
		"no logs":            {},
	}
	for name, tx := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(contract, tx); !errors.Is(err, ErrNotDeposit) {
				t.Fatalf("expected ErrNotDeposit, got %v", err)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	short := base64.StdEncoding.EncodeToString(make([]byte, 19))
	prefix := make([]byte, 0, 24)
	prefix = append(prefix, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0, 0)
	prefix = append(prefix, 'a', 'b', 'c', 'd')
	prefix = append(prefix, 1, 0, 0, 0, 0, 0, 0, 0)
	cases := map[string]string{
		"bad base64":      "Program data: !!!",
		"too short":       "Program data: " + short,
		"length mismatch": "Program data: " + base64.StdEncoding.EncodeToString(prefix),
	}
	for name, dataLog := range cases {
		t.Run(name, func(t *testing.T) {
			tx := solrpc.Transaction{LogMessages: []string{
				"Program log: Instruction: Deposit",
				dataLog,
				"Program " + contract + " success",
			}}
			if _, err := Parse(contract, tx); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodePayload_Layout(t *testing.T) {
	t.Parallel()

	raw := []byte{
		1, 2, 3, 4, 5, 6, 7, 8, // discriminator
		4, 0, 0, 0, // length
		'a', 'b', 'c', 'd',
		0x40, 0x42, 0x0f, 0, 0, 0, 0, 0, // 1_000_000
	}
	account, amount, err := DecodePayload(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if account != "abcd" || amount != 1_000_000 {
		t.Fatalf("got (%q, %d) want (abcd, 1000000)", account, amount)
	}
}
