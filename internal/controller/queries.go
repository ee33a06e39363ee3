package controller

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	"github.com/weichain/galactic-bridge-icp/internal/depositscraper"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
)

// CouponUnavailableError is returned by GetCoupon for a burn that has no
// coupon yet.
type CouponUnavailableError struct {
	BurnID uint64
	Status withdraw.Status
	Reason string
}

func (e *CouponUnavailableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("controller: coupon for burn %d unavailable (%s): %s", e.BurnID, e.Status, e.Reason)
	}
	return fmt.Sprintf("controller: coupon for burn %d unavailable (%s)", e.BurnID, e.Status)
}

type Address struct {
	PublicKeyCompressed   string `json:"publicKeyCompressed"`
	PublicKeyUncompressed string `json:"publicKeyUncompressed"`
	// EthAddress is the last 20 bytes of keccak256 over the uncompressed
	// key without its 0x04 prefix.
	EthAddress string `json:"ethAddress"`
}

// GetAddress describes the current signing key.
func (c *Controller) GetAddress() (Address, error) {
	c.mu.RLock()
	raw := c.publicKey
	c.mu.RUnlock()

	pub, err := parsePublicKey(raw)
	if err != nil {
		return Address{}, err
	}
	return Address{
		PublicKeyCompressed:   hex.EncodeToString(crypto.CompressPubkey(pub)),
		PublicKeyUncompressed: hex.EncodeToString(crypto.FromECDSAPub(pub)),
		EthAddress:            crypto.PubkeyToAddress(*pub).Hex(),
	}, nil
}

func parsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	switch len(raw) {
	case 33:
		return crypto.DecompressPubkey(raw)
	case 65:
		return crypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("unexpected public key length %d", len(raw))
	}
}

func (c *Controller) GetLedgerID() string {
	return c.Options().LedgerID
}

type ScraperState struct {
	Phase     string                      `json:"phase"`
	Running   bool                        `json:"running"`
	LastCycle *depositscraper.CycleReport `json:"lastCycle,omitempty"`
	LastError string                      `json:"lastError,omitempty"`
}

type State struct {
	Options      Options             `json:"options"`
	PublicKeyHex string              `json:"publicKeyHex"`
	Checkpoint   *deposit.Checkpoint `json:"checkpoint,omitempty"`
	Scraper      ScraperState        `json:"scraper"`
	Deposits     deposit.Stats       `json:"deposits"`
	Withdrawals  withdraw.Stats      `json:"withdrawals"`
	ActiveTasks  int                 `json:"activeTasks"`
}

func (c *Controller) GetState(ctx context.Context) (State, error) {
	c.mu.RLock()
	st := State{
		Options:      c.opts,
		PublicKeyHex: hex.EncodeToString(c.publicKey),
		Scraper: ScraperState{
			Phase:     c.scraper.Phase().String(),
			Running:   c.scraper.Running(),
			LastError: c.lastError,
		},
	}
	if c.lastCycle != nil {
		r := *c.lastCycle
		st.Scraper.LastCycle = &r
	}
	c.mu.RUnlock()

	cp, err := c.deps.Deposits.GetCheckpoint(ctx, st.Options.ContractAddress)
	switch {
	case err == nil:
		st.Checkpoint = &cp
	case errors.Is(err, deposit.ErrNotFound):
	default:
		return State{}, err
	}

	if st.Deposits, err = c.deps.Deposits.Stats(ctx); err != nil {
		return State{}, err
	}
	if st.Withdrawals, err = c.deps.Withdrawals.Stats(ctx); err != nil {
		return State{}, err
	}
	active, err := c.registry.ListActive(ctx)
	if err != nil {
		return State{}, err
	}
	st.ActiveTasks = len(active)
	return st, nil
}

// Storage counts the records held in each mapping.
type Storage struct {
	Deposits            int `json:"deposits"`
	MintedDeposits      int `json:"mintedDeposits"`
	FailedDeposits      int `json:"failedDeposits"`
	InvalidTransactions int `json:"invalidTransactions"`
	Burns               int `json:"burns"`
	Coupons             int `json:"coupons"`
	CouponFailures      int `json:"couponFailures"`
	WithdrawAccounts    int `json:"withdrawAccounts"`
	ActiveTasks         int `json:"activeTasks"`
}

func (c *Controller) GetStorage(ctx context.Context) (Storage, error) {
	ds, err := c.deps.Deposits.Stats(ctx)
	if err != nil {
		return Storage{}, err
	}
	ws, err := c.deps.Withdrawals.Stats(ctx)
	if err != nil {
		return Storage{}, err
	}
	active, err := c.registry.ListActive(ctx)
	if err != nil {
		return Storage{}, err
	}
	return Storage{
		Deposits:            ds.Pending + ds.Minted + ds.Failed,
		MintedDeposits:      ds.Minted,
		FailedDeposits:      ds.Failed,
		InvalidTransactions: ds.Invalid,
		Burns:               ws.Burned + ws.CouponIssued + ws.CouponFailed,
		Coupons:             ws.CouponIssued,
		CouponFailures:      ws.CouponFailed,
		WithdrawAccounts:    ws.Accounts,
		ActiveTasks:         len(active),
	}, nil
}

func (c *Controller) GetActiveTasks(ctx context.Context) ([]tasks.Task, error) {
	return c.registry.ListActive(ctx)
}

func (c *Controller) GetTaskHistory(ctx context.Context, limit int) ([]tasks.Task, error) {
	return c.registry.History(ctx, limit)
}

type IssuedCoupon struct {
	BurnID uint64        `json:"burnId"`
	Coupon coupon.Coupon `json:"coupon"`
}

type WithdrawInfo struct {
	Account string         `json:"account"`
	BurnIDs []uint64       `json:"burnIds"`
	Coupons []IssuedCoupon `json:"coupons"`
}

// GetWithdrawInfo lists every burn of account and the coupons issued so far.
func (c *Controller) GetWithdrawInfo(ctx context.Context, account string) (WithdrawInfo, error) {
	recs, err := c.deps.Withdrawals.ListByAccount(ctx, account)
	if err != nil {
		return WithdrawInfo{}, err
	}
	info := WithdrawInfo{Account: account, BurnIDs: []uint64{}, Coupons: []IssuedCoupon{}}
	for _, r := range recs {
		info.BurnIDs = append(info.BurnIDs, r.Burn.BurnID)
		if r.Status != withdraw.StatusCouponIssued {
			continue
		}
		cp, err := c.deps.Withdrawals.GetCoupon(ctx, r.Burn.BurnID)
		if err != nil {
			return WithdrawInfo{}, err
		}
		info.Coupons = append(info.Coupons, IssuedCoupon{BurnID: r.Burn.BurnID, Coupon: cp})
	}
	return info, nil
}

// GetCoupon returns the coupon of an issued burn, withdraw.ErrNotFound for
// an unknown burn, or a *CouponUnavailableError.
func (c *Controller) GetCoupon(ctx context.Context, burnID uint64) (coupon.Coupon, error) {
	rec, err := c.deps.Withdrawals.Get(ctx, burnID)
	if err != nil {
		return coupon.Coupon{}, err
	}
	if rec.Status != withdraw.StatusCouponIssued {
		return coupon.Coupon{}, &CouponUnavailableError{BurnID: burnID, Status: rec.Status, Reason: rec.FailReason}
	}
	return c.deps.Withdrawals.GetCoupon(ctx, burnID)
}

func (c *Controller) GetBurn(ctx context.Context, burnID uint64) (withdraw.Record, error) {
	return c.deps.Withdrawals.Get(ctx, burnID)
}

func (c *Controller) GetDeposit(ctx context.Context, signature string) (deposit.Record, error) {
	return c.deps.Deposits.Get(ctx, signature)
}

// ListInvalidTransactions returns foreign transactions recorded as not
// being deposits.
func (c *Controller) ListInvalidTransactions(ctx context.Context, limit int) ([]deposit.InvalidTransaction, error) {
	return c.deps.Deposits.ListInvalid(ctx, limit)
}
