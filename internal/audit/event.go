// Package audit records bridge state transitions as versioned events and
// replays them into a summary.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version      = "bridge.audit.v1"
	DefaultTopic = "bridge.audit.v1"
)

var ErrInvalidEvent = errors.New("audit: invalid event")

type EventType string

const (
	EventInit               EventType = "init"
	EventUpgrade            EventType = "upgrade"
	EventSyncedToSignature  EventType = "synced_to_signature"
	EventSkippedTransaction EventType = "skipped_transaction"
	EventInvalidDeposit     EventType = "invalid_deposit"
	EventAcceptedDeposit    EventType = "accepted_deposit"
	EventMintedDeposit      EventType = "minted_deposit"
	EventMintFailed         EventType = "mint_failed"
	EventWithdrawalBurned   EventType = "withdrawal_burned"
	EventWithdrawalRedeemed EventType = "withdrawal_redeemed"
	EventCouponFailed       EventType = "coupon_failed"
	EventTaskDropped        EventType = "task_dropped"
)

func (t EventType) valid() bool {
	switch t {
	case EventInit, EventUpgrade, EventSyncedToSignature, EventSkippedTransaction,
		EventInvalidDeposit, EventAcceptedDeposit, EventMintedDeposit, EventMintFailed,
		EventWithdrawalBurned, EventWithdrawalRedeemed, EventCouponFailed, EventTaskDropped:
		return true
	default:
		return false
	}
}

// Event is one audit record. Fields that do not apply to a type are omitted.
// BurnID and BlockIndex are pointers because zero is a valid value for both.
type Event struct {
	Version   string    `json:"version"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Signature  string  `json:"signature,omitempty"`
	Slot       uint64  `json:"slot,omitempty"`
	Account    string  `json:"account,omitempty"`
	ToAddress  string  `json:"toAddress,omitempty"`
	Amount     uint64  `json:"amount,omitempty"`
	BurnID     *uint64 `json:"burnId,omitempty"`
	BlockIndex *uint64 `json:"blockIndex,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	TaskKind string `json:"taskKind,omitempty"`
	TaskKey  string `json:"taskKey,omitempty"`

	Detail map[string]string `json:"detail,omitempty"`
}

// Uint64 returns a pointer to v for the optional numeric fields.
func Uint64(v uint64) *uint64 { return &v }

// PartitionKey keeps events for one subject in order.
func (e Event) PartitionKey() string {
	switch {
	case e.Account != "":
		return e.Account
	case e.Signature != "":
		return e.Signature
	case e.TaskKey != "":
		return e.TaskKey
	default:
		return "bridge"
	}
}

func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidEvent, e.Version)
	}
	if !e.Type.valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	switch e.Type {
	case EventInvalidDeposit, EventAcceptedDeposit, EventMintedDeposit, EventMintFailed, EventSkippedTransaction, EventSyncedToSignature:
		if e.Signature == "" {
			return fmt.Errorf("%w: %s requires signature", ErrInvalidEvent, e.Type)
		}
	case EventWithdrawalBurned, EventWithdrawalRedeemed, EventCouponFailed:
		if e.BurnID == nil {
			return fmt.Errorf("%w: %s requires burnId", ErrInvalidEvent, e.Type)
		}
	case EventTaskDropped:
		if e.TaskKind == "" || e.TaskKey == "" {
			return fmt.Errorf("%w: task_dropped requires taskKind and taskKey", ErrInvalidEvent)
		}
	}
	return nil
}

func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func Decode(b []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var e Event
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if dec.More() {
		return Event{}, fmt.Errorf("%w: trailing data", ErrInvalidEvent)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
