// Package withdrawcoordinator burns local tokens and issues the signed coupon
// that releases the matching amount on Solana.
package withdrawcoordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/idempotency"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
)

const defaultCallTimeout = 30 * time.Second

// Settings are read at the start of every withdrawal so upgrades apply to
// the next request.
type Settings struct {
	MinimumAmount uint64
	KeyName       string
	// PublicKey is the SEC1 key of KeyName.
	PublicKey []byte
}

// Archiver keeps an out-of-band copy of issued coupons.
type Archiver interface {
	Put(ctx context.Context, burnID uint64, c coupon.Coupon) error
}

type Config struct {
	// ControllerAccount receives burned tokens on the ledger.
	ControllerAccount string
	Settings          func() Settings

	CallTimeout time.Duration

	Archive Archiver
	Audit   audit.Sink
	Now     func() time.Time
}

type Request struct {
	Account   string
	ToAddress string
	Amount    uint64
}

type Result struct {
	Record withdraw.Record
	Coupon coupon.Coupon
}

type Coordinator struct {
	cfg Config
	log *slog.Logger

	store    withdraw.Store
	ledger   ledger.Client
	signer   coupon.SigningService
	registry *tasks.Registry

	mu       sync.Mutex
	accounts map[string]struct{}
	issuing  map[uint64]struct{}
}

func New(cfg Config, store withdraw.Store, ledgerClient ledger.Client, signer coupon.SigningService, registry *tasks.Registry, log *slog.Logger) (*Coordinator, error) {
	if store == nil || ledgerClient == nil || signer == nil || registry == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ControllerAccount) == "" {
		return nil, fmt.Errorf("%w: missing controller account", ErrInvalidConfig)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("%w: missing settings", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Coordinator{
		cfg:      cfg,
		log:      log,
		store:    store,
		ledger:   ledgerClient,
		signer:   signer,
		registry: registry,
		accounts: make(map[string]struct{}),
		issuing:  make(map[uint64]struct{}),
	}, nil
}

// Withdraw burns req.Amount from req.Account and returns a coupon for
// req.ToAddress. Failures before the burn leave no trace; failures after it
// leave a Burned or CouponFailed record that ReissueCoupon can complete.
func (c *Coordinator) Withdraw(ctx context.Context, req Request) (Result, error) {
	settings := c.cfg.Settings()
	req.Account = strings.TrimSpace(req.Account)
	req.ToAddress = strings.TrimSpace(req.ToAddress)
	if err := validateRequest(req, settings); err != nil {
		return Result{}, &Error{Kind: KindValidation, Err: err}
	}
	// Once tokens may leave the ledger the caller can no longer abort:
	// burn, persist and sign are bounded by CallTimeout only.
	ctx = context.WithoutCancel(ctx)

	if !c.lockAccount(req.Account) {
		return Result{}, ErrWithdrawInProgress
	}
	defer c.unlockAccount(req.Account)

	log := c.log.With("account", req.Account, "to", req.ToAddress, "amount", req.Amount)

	requestID := idempotency.WithdrawRequestIDV1(req.Account, req.ToAddress, req.Amount, uint64(c.cfg.Now().UnixNano()))
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	blockIndex, err := c.ledger.TransferFrom(cctx, req.Account, c.cfg.ControllerAccount, req.Amount, requestID)
	cancel()
	if err != nil {
		kind := KindBurnFailed
		if le, ok := ledger.AsError(err); ok && le.Kind == ledger.KindUnreachable {
			kind = KindLedgerUnreachable
		}
		log.Warn("burn failed", "kind", kind.String(), "err", err)
		return Result{}, &Error{Kind: kind, Err: err}
	}

	rec, err := c.store.CreateBurned(ctx, withdraw.NewBurn{
		Account:        req.Account,
		ToAddress:      req.ToAddress,
		Amount:         req.Amount,
		BurnBlockIndex: blockIndex,
		RequestID:      requestID,
	})
	if err != nil {
		// Tokens are burned but unrecorded; operators reconcile by request id.
		log.Error("persist burn failed",
			"ledgerBlockIndex", blockIndex,
			"requestID", hex.EncodeToString(requestID[:]),
			"err", err,
		)
		return Result{}, &Error{Kind: KindPersistFailed, LedgerBlockIndex: u64(blockIndex), Err: err}
	}
	burnID := rec.Burn.BurnID
	log.Info("burned", "burnID", burnID, "ledgerBlockIndex", blockIndex)
	audit.Emit(ctx, c.cfg.Audit, c.log, audit.Event{
		Type:       audit.EventWithdrawalBurned,
		Account:    req.Account,
		ToAddress:  req.ToAddress,
		Amount:     req.Amount,
		BurnID:     audit.Uint64(burnID),
		BlockIndex: audit.Uint64(blockIndex),
	})

	if !c.lockBurn(burnID) {
		// Only reachable if a reissue raced a brand new burn id.
		return Result{Record: rec}, &Error{Kind: KindSigningFailed, BurnID: u64(burnID), Err: ErrIssueInProgress}
	}
	defer c.unlockBurn(burnID)
	return c.issue(ctx, rec, settings)
}

// ReissueCoupon retries coupon issuance for a burn that has no coupon. The
// signing session is derived from the burn id, so the signer returns the
// same signature it produced for any earlier attempt.
func (c *Coordinator) ReissueCoupon(ctx context.Context, burnID uint64) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if !c.lockBurn(burnID) {
		return Result{}, ErrIssueInProgress
	}
	defer c.unlockBurn(burnID)

	rec, err := c.store.Get(ctx, burnID)
	if err != nil {
		return Result{}, err
	}
	if rec.Status == withdraw.StatusCouponIssued {
		return Result{Record: rec}, ErrCouponAlreadyIssued
	}
	c.log.Info("reissuing coupon", "burnID", burnID, "status", rec.Status.String())
	return c.issue(ctx, rec, c.cfg.Settings())
}

func (c *Coordinator) issue(ctx context.Context, rec withdraw.Record, settings Settings) (Result, error) {
	burnID := rec.Burn.BurnID
	log := c.log.With("burnID", burnID)

	task, err := c.registry.Schedule(ctx, tasks.KindCouponAttempt, strconv.FormatUint(burnID, 10))
	if err != nil {
		log.Error("schedule coupon task", "err", err)
		return Result{Record: rec}, &Error{Kind: KindPersistFailed, BurnID: u64(burnID), Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	cp, err := coupon.Issue(cctx, c.signer, coupon.IssueRequest{
		SessionID: idempotency.CouponSessionIDV1(burnID),
		KeyName:   settings.KeyName,
		PublicKey: settings.PublicKey,
		Message:   rec.Burn.CouponMessage(),
	})
	cancel()
	if err != nil {
		kind := KindCouponFailed
		if errors.Is(err, coupon.ErrSigning) {
			kind = KindSigningFailed
		}
		c.recordCouponFailure(ctx, task, &rec, err)
		return Result{Record: rec}, &Error{Kind: kind, BurnID: u64(burnID), Err: err}
	}

	if err := c.store.MarkCouponIssued(ctx, burnID, cp); err != nil {
		log.Error("persist coupon failed", "err", err)
		c.recordAttempt(ctx, task, err)
		return Result{Record: rec}, &Error{Kind: KindPersistFailed, BurnID: u64(burnID), Err: err}
	}
	c.recordAttempt(ctx, task, nil)

	rec.Status = withdraw.StatusCouponIssued
	rec.FailReason = ""
	if stored, err := c.store.Get(ctx, burnID); err == nil {
		rec = stored
	}

	if c.cfg.Archive != nil {
		if err := c.cfg.Archive.Put(ctx, burnID, cp); err != nil {
			log.Warn("archive coupon failed", "err", err)
		}
	}
	log.Info("coupon issued", "to", rec.Burn.ToAddress, "amount", rec.Burn.Amount, "recoveryID", cp.RecoveryID)
	audit.Emit(ctx, c.cfg.Audit, c.log, audit.Event{
		Type:      audit.EventWithdrawalRedeemed,
		Account:   rec.Burn.Account,
		ToAddress: rec.Burn.ToAddress,
		Amount:    rec.Burn.Amount,
		BurnID:    audit.Uint64(burnID),
	})
	return Result{Record: rec, Coupon: cp}, nil
}

func (c *Coordinator) recordCouponFailure(ctx context.Context, task tasks.Task, rec *withdraw.Record, cause error) {
	burnID := rec.Burn.BurnID
	reason := cause.Error()
	c.log.Warn("coupon issuance failed", "burnID", burnID, "err", cause)

	if err := c.store.MarkCouponFailed(ctx, burnID, reason); err != nil {
		c.log.Error("mark coupon failed", "burnID", burnID, "err", err)
	} else {
		rec.Status = withdraw.StatusCouponFailed
		rec.FailReason = reason
	}
	c.recordAttempt(ctx, task, cause)
	audit.Emit(ctx, c.cfg.Audit, c.log, audit.Event{
		Type:    audit.EventCouponFailed,
		Account: rec.Burn.Account,
		BurnID:  audit.Uint64(burnID),
		Reason:  reason,
	})
}

func (c *Coordinator) recordAttempt(ctx context.Context, task tasks.Task, attemptErr error) {
	if _, err := c.registry.RecordAttempt(ctx, task.ID, attemptErr); err != nil {
		c.log.Warn("record coupon attempt", "taskID", task.ID, "err", err)
	}
}

func validateRequest(req Request, settings Settings) error {
	if req.Account == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidRequest)
	}
	if req.Amount == 0 || req.Amount < settings.MinimumAmount {
		return fmt.Errorf("%w: amount %d is below the minimum %d", ErrInvalidRequest, req.Amount, settings.MinimumAmount)
	}
	if err := solrpc.ValidateAddress(req.ToAddress); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (c *Coordinator) lockAccount(account string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.accounts[account]; busy {
		return false
	}
	c.accounts[account] = struct{}{}
	return true
}

func (c *Coordinator) unlockAccount(account string) {
	c.mu.Lock()
	delete(c.accounts, account)
	c.mu.Unlock()
}

func (c *Coordinator) lockBurn(burnID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.issuing[burnID]; busy {
		return false
	}
	c.issuing[burnID] = struct{}{}
	return true
}

func (c *Coordinator) unlockBurn(burnID uint64) {
	c.mu.Lock()
	delete(c.issuing, burnID)
	c.mu.Unlock()
}
