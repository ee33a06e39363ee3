package controller

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
)

var ErrInvalidOptions = errors.New("controller: invalid options")

// Options is the operator configuration. LedgerID and ControllerAccount are
// fixed at boot; the rest can change through Upgrade.
type Options struct {
	KeyName                 string `json:"keyName"`
	SolanaRPCURL            string `json:"solanaRpcUrl"`
	ContractAddress         string `json:"contractAddress"`
	InitialSignature        string `json:"initialSignature"`
	MinimumWithdrawalAmount uint64 `json:"minimumWithdrawalAmount"`
	LedgerID                string `json:"ledgerId"`
	ControllerAccount       string `json:"controllerAccount"`
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.KeyName) == "" {
		return fmt.Errorf("%w: key name cannot be blank", ErrInvalidOptions)
	}
	if strings.TrimSpace(o.LedgerID) == "" {
		return fmt.Errorf("%w: ledger id cannot be blank", ErrInvalidOptions)
	}
	if strings.TrimSpace(o.ControllerAccount) == "" {
		return fmt.Errorf("%w: controller account cannot be blank", ErrInvalidOptions)
	}
	if err := validateRPCURL(o.SolanaRPCURL); err != nil {
		return err
	}
	if err := solrpc.ValidateAddress(o.ContractAddress); err != nil {
		return fmt.Errorf("%w: contract address: %v", ErrInvalidOptions, err)
	}
	if err := solrpc.ValidateSignature(o.InitialSignature); err != nil {
		return fmt.Errorf("%w: initial signature: %v", ErrInvalidOptions, err)
	}
	if o.MinimumWithdrawalAmount == 0 {
		return fmt.Errorf("%w: minimum withdrawal amount must be > 0", ErrInvalidOptions)
	}
	return nil
}

func validateRPCURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: solana rpc url cannot be blank", ErrInvalidOptions)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: solana rpc url: %v", ErrInvalidOptions, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: solana rpc url must be http(s)", ErrInvalidOptions)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: solana rpc url missing host", ErrInvalidOptions)
	}
	return nil
}

// UpgradeArgs changes a subset of Options. Nil fields keep their value.
type UpgradeArgs struct {
	KeyName                 *string `json:"keyName,omitempty"`
	SolanaRPCURL            *string `json:"solanaRpcUrl,omitempty"`
	ContractAddress         *string `json:"contractAddress,omitempty"`
	InitialSignature        *string `json:"initialSignature,omitempty"`
	MinimumWithdrawalAmount *uint64 `json:"minimumWithdrawalAmount,omitempty"`
}

func (a UpgradeArgs) Empty() bool {
	return a.KeyName == nil && a.SolanaRPCURL == nil && a.ContractAddress == nil &&
		a.InitialSignature == nil && a.MinimumWithdrawalAmount == nil
}

// Apply returns o with every non-nil field of a applied.
func (o Options) Apply(a UpgradeArgs) Options {
	if a.KeyName != nil {
		o.KeyName = strings.TrimSpace(*a.KeyName)
	}
	if a.SolanaRPCURL != nil {
		o.SolanaRPCURL = strings.TrimSpace(*a.SolanaRPCURL)
	}
	if a.ContractAddress != nil {
		o.ContractAddress = strings.TrimSpace(*a.ContractAddress)
	}
	if a.InitialSignature != nil {
		o.InitialSignature = strings.TrimSpace(*a.InitialSignature)
	}
	if a.MinimumWithdrawalAmount != nil {
		o.MinimumWithdrawalAmount = *a.MinimumWithdrawalAmount
	}
	return o
}

// changes lists the fields that differ between o and next, for logs and the
// audit trail.
func (o Options) changes(next Options) map[string]string {
	out := make(map[string]string)
	if o.KeyName != next.KeyName {
		out["keyName"] = next.KeyName
	}
	if o.SolanaRPCURL != next.SolanaRPCURL {
		out["solanaRpcUrl"] = redactURL(next.SolanaRPCURL)
	}
	if o.ContractAddress != next.ContractAddress {
		out["contractAddress"] = next.ContractAddress
	}
	if o.InitialSignature != next.InitialSignature {
		out["initialSignature"] = next.InitialSignature
	}
	if o.MinimumWithdrawalAmount != next.MinimumWithdrawalAmount {
		out["minimumWithdrawalAmount"] = fmt.Sprintf("%d", next.MinimumWithdrawalAmount)
	}
	return out
}

// redactURL drops credentials and query parameters, which RPC providers use
// for API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
