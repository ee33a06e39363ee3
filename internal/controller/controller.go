// Package controller composes the bridge: the deposit scraper, the
// withdrawal coordinator, the task registry and the operator surface.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	"github.com/weichain/galactic-bridge-icp/internal/depositscraper"
	"github.com/weichain/galactic-bridge-icp/internal/idempotency"
	"github.com/weichain/galactic-bridge-icp/internal/leases"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
	"github.com/weichain/galactic-bridge-icp/internal/withdrawcoordinator"
)

const (
	defaultScrapeInterval = time.Minute
	defaultTaskRetention  = 7 * 24 * time.Hour
	defaultPruneInterval  = time.Hour
	defaultCallTimeout    = 30 * time.Second
)

var (
	ErrInvalidConfig   = errors.New("controller: invalid config")
	ErrInvalidArgument = errors.New("controller: invalid argument")
	ErrNotOwner        = errors.New("controller: caller does not own burn")
	ErrNoChanges       = errors.New("controller: upgrade has no changes")
)

// Signer is the threshold signing capability plus public key lookup.
type Signer interface {
	coupon.SigningService
	PublicKey(ctx context.Context, keyName string) ([]byte, error)
}

// ChainFactory builds the Solana client for an RPC URL. It is called at boot
// and whenever an upgrade changes the URL.
type ChainFactory func(rpcURL string) (depositscraper.Chain, error)

// DefaultChainFactory returns a solrpc client.
func DefaultChainFactory(rpcURL string) (depositscraper.Chain, error) {
	return solrpc.New(rpcURL)
}

type Config struct {
	// Owner identifies this process on the scraper lease.
	Owner string

	ScrapeInterval time.Duration
	PageLimit      int
	CallTimeout    time.Duration
	LeaseTTL       time.Duration
	MaxRetries     uint32
	// TaskRetention is how long finished tasks stay in history.
	TaskRetention time.Duration

	ChainFactory ChainFactory
	Archive      withdrawcoordinator.Archiver
	Audit        audit.Sink
	Now          func() time.Time
}

// Deps are the stores and external clients the controller drives.
type Deps struct {
	Ledger      ledger.Client
	Signer      Signer
	Deposits    deposit.Store
	Withdrawals withdraw.Store
	Tasks       tasks.Store
	Leases      leases.Store
	Options     OptionsStore
}

type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	registry *tasks.Registry
	scraper  *depositscraper.Scraper
	withdraw *withdrawcoordinator.Coordinator

	upgradeMu sync.Mutex

	mu        sync.RWMutex
	opts      Options
	publicKey []byte
	lastCycle *depositscraper.CycleReport
	lastError string
	lastPrune time.Time
}

// New validates opts, fetches the signing public key and wires the
// pipelines. It emits an init audit event.
func New(ctx context.Context, opts Options, cfg Config, deps Deps, log *slog.Logger) (*Controller, error) {
	if deps.Ledger == nil || deps.Signer == nil || deps.Deposits == nil || deps.Withdrawals == nil || deps.Tasks == nil || deps.Leases == nil || deps.Options == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.ScrapeInterval <= 0 {
		cfg.ScrapeInterval = defaultScrapeInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = defaultTaskRetention
	}
	if cfg.ChainFactory == nil {
		cfg.ChainFactory = DefaultChainFactory
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

	opts, err := loadOptions(ctx, deps.Options, opts, log)
	if err != nil {
		return nil, err
	}

	c := &Controller{cfg: cfg, deps: deps, log: log, opts: opts}

	pub, err := c.fetchPublicKey(ctx, opts.KeyName)
	if err != nil {
		return nil, err
	}
	c.publicKey = pub

	registry, err := tasks.NewRegistry(deps.Tasks, tasks.Config{
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
		OnDropped:  c.taskDropped,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	c.registry = registry

	chain, err := cfg.ChainFactory(opts.SolanaRPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: solana rpc: %v", ErrInvalidConfig, err)
	}
	c.scraper, err = depositscraper.New(depositscraper.Config{
		Owner:       cfg.Owner,
		PageLimit:   cfg.PageLimit,
		CallTimeout: cfg.CallTimeout,
		LeaseTTL:    cfg.LeaseTTL,
		Audit:       cfg.Audit,
		Now:         cfg.Now,
	}, chain, deps.Deposits, deps.Ledger, registry, deps.Leases, log.With("component", "scraper"))
	if err != nil {
		return nil, err
	}

	c.withdraw, err = withdrawcoordinator.New(withdrawcoordinator.Config{
		ControllerAccount: opts.ControllerAccount,
		Settings:          c.withdrawSettings,
		CallTimeout:       cfg.CallTimeout,
		Archive:           cfg.Archive,
		Audit:             cfg.Audit,
		Now:               cfg.Now,
	}, deps.Withdrawals, deps.Ledger, deps.Signer, registry, log.With("component", "withdraw"))
	if err != nil {
		return nil, err
	}

	log.Info("controller initialized",
		"ledgerID", opts.LedgerID,
		"contract", opts.ContractAddress,
		"keyName", opts.KeyName,
		"minimumWithdrawal", opts.MinimumWithdrawalAmount,
	)
	detail := Options{}.changes(opts)
	detail["ledgerId"] = opts.LedgerID
	detail["controllerAccount"] = opts.ControllerAccount
	audit.Emit(ctx, cfg.Audit, log, audit.Event{
		Type:   audit.EventInit,
		Detail: detail,
	})
	return c, nil
}

// loadOptions returns the stored options, seeding the store with boot on
// first start. LedgerID and ControllerAccount must match what was stored.
func loadOptions(ctx context.Context, store OptionsStore, boot Options, log *slog.Logger) (Options, error) {
	stored, err := store.LoadOptions(ctx)
	switch {
	case errors.Is(err, ErrOptionsNotFound):
		if err := store.SaveOptions(ctx, boot); err != nil {
			return Options{}, fmt.Errorf("controller: seed options: %w", err)
		}
		return boot, nil
	case err != nil:
		return Options{}, fmt.Errorf("controller: load options: %w", err)
	}
	if stored.LedgerID != boot.LedgerID || stored.ControllerAccount != boot.ControllerAccount {
		return Options{}, fmt.Errorf("%w: stored ledger %q/%q does not match boot ledger %q/%q", ErrInvalidConfig,
			stored.LedgerID, stored.ControllerAccount, boot.LedgerID, boot.ControllerAccount)
	}
	if err := stored.Validate(); err != nil {
		return Options{}, fmt.Errorf("controller: stored options: %w", err)
	}
	if changed := boot.changes(stored); len(changed) > 0 {
		log.Info("using stored options over boot flags", "changes", changed)
	}
	return stored, nil
}

func (c *Controller) fetchPublicKey(ctx context.Context, keyName string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	pub, err := c.deps.Signer.PublicKey(cctx, keyName)
	if err != nil {
		return nil, fmt.Errorf("controller: fetch public key %q: %w", keyName, err)
	}
	if _, err := parsePublicKey(pub); err != nil {
		return nil, fmt.Errorf("controller: public key %q: %w", keyName, err)
	}
	return pub, nil
}

func (c *Controller) withdrawSettings() withdrawcoordinator.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return withdrawcoordinator.Settings{
		MinimumAmount: c.opts.MinimumWithdrawalAmount,
		KeyName:       c.opts.KeyName,
		PublicKey:     append([]byte(nil), c.publicKey...),
	}
}

func (c *Controller) taskDropped(ctx context.Context, t tasks.Task) {
	c.log.Warn("task dropped", "taskID", t.ID, "kind", t.Kind.String(), "key", t.Key, "attempts", t.Attempts, "err", t.LastError)
	audit.Emit(ctx, c.cfg.Audit, c.log, audit.Event{
		Type:     audit.EventTaskDropped,
		TaskKind: t.Kind.String(),
		TaskKey:  t.Key,
		Reason:   t.LastError,
	})
}

// Options returns the current configuration.
func (c *Controller) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// Run scrapes on every interval until ctx is done. Finished tasks older
// than the retention window are pruned once an hour.
func (c *Controller) Run(ctx context.Context) error {
	c.tick(ctx)

	t := time.NewTicker(c.cfg.ScrapeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	report, err := c.ScrapeOnce(ctx)
	switch {
	case err == nil:
		c.log.Info("scrape cycle done",
			"fetched", report.Fetched,
			"minted", report.Minted,
			"invalid", report.Invalid,
			"mintFailed", report.MintFailed,
			"parseFailed", report.ParseFailed,
			"checkpoint", report.Checkpoint.Signature,
		)
	case errors.Is(err, depositscraper.ErrCycleInProgress), errors.Is(err, depositscraper.ErrLeaseHeld):
		c.log.Debug("scrape cycle skipped", "err", err)
	case ctx.Err() != nil:
	default:
		c.log.Error("scrape cycle failed", "err", err)
	}

	now := c.cfg.Now()
	c.mu.Lock()
	due := now.Sub(c.lastPrune) >= defaultPruneInterval
	if due {
		c.lastPrune = now
	}
	c.mu.Unlock()
	if due {
		n, err := c.registry.Prune(ctx, now.Add(-c.cfg.TaskRetention))
		if err != nil {
			c.log.Warn("prune task history", "err", err)
		} else if n > 0 {
			c.log.Info("pruned task history", "removed", n)
		}
	}
}

// ScrapeOnce runs a single deposit cycle against the current options.
func (c *Controller) ScrapeOnce(ctx context.Context) (depositscraper.CycleReport, error) {
	opts := c.Options()
	report, err := c.scraper.RunCycle(ctx, depositscraper.Params{
		ContractAddress:  opts.ContractAddress,
		InitialSignature: opts.InitialSignature,
	})
	if errors.Is(err, depositscraper.ErrCycleInProgress) || errors.Is(err, depositscraper.ErrLeaseHeld) {
		return report, err
	}

	c.mu.Lock()
	r := report
	c.lastCycle = &r
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()
	return report, err
}

// Mint credits amount to account. Operator only.
func (c *Controller) Mint(ctx context.Context, account string, amount uint64) (uint64, error) {
	account = strings.TrimSpace(account)
	if account == "" || amount == 0 {
		return 0, fmt.Errorf("%w: mint needs an account and a positive amount", ErrInvalidArgument)
	}
	memo := idempotency.AdminMintMemoV1(account, amount, uint64(c.cfg.Now().UnixNano()))
	cctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	idx, err := c.deps.Ledger.Mint(cctx, account, amount, memo)
	if err != nil {
		return 0, err
	}
	c.log.Info("operator mint", "account", account, "amount", amount, "blockIndex", idx)
	return idx, nil
}

// Burn moves amount from caller to the controller account without issuing a
// coupon.
func (c *Controller) Burn(ctx context.Context, caller string, amount uint64) (uint64, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" || amount == 0 {
		return 0, fmt.Errorf("%w: burn needs a caller and a positive amount", ErrInvalidArgument)
	}
	opts := c.Options()
	memo := idempotency.BurnRequestIDV1(caller, amount, uint64(c.cfg.Now().UnixNano()))
	cctx, cancel := c.ledgerContext(ctx)
	defer cancel()
	idx, err := c.deps.Ledger.TransferFrom(cctx, caller, opts.ControllerAccount, amount, memo)
	if err != nil {
		return 0, err
	}
	c.log.Info("burn", "account", caller, "amount", amount, "blockIndex", idx)
	return idx, nil
}

// ledgerContext detaches a ledger write from the caller so a dropped request
// cannot abandon a call the ledger may already have committed.
func (c *Controller) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
}

// Withdraw burns amount from caller and returns the coupon for to.
func (c *Controller) Withdraw(ctx context.Context, caller, to string, amount uint64) (withdrawcoordinator.Result, error) {
	return c.withdraw.Withdraw(ctx, withdrawcoordinator.Request{
		Account:   caller,
		ToAddress: to,
		Amount:    amount,
	})
}

// ReissueCoupon retries issuance for a burn owned by caller.
func (c *Controller) ReissueCoupon(ctx context.Context, caller string, burnID uint64) (withdrawcoordinator.Result, error) {
	rec, err := c.deps.Withdrawals.Get(ctx, burnID)
	if err != nil {
		return withdrawcoordinator.Result{}, err
	}
	if rec.Burn.Account != strings.TrimSpace(caller) {
		return withdrawcoordinator.Result{}, ErrNotOwner
	}
	return c.withdraw.ReissueCoupon(ctx, burnID)
}

func (c *Controller) Verify(cp coupon.Coupon) (bool, error) {
	return cp.Verify()
}

// YParity returns the recovery id of a signature over message.
func (c *Controller) YParity(signatureHex, message, publicKeyHex string) (uint8, error) {
	return coupon.RecoverParity(signatureHex, message, publicKeyHex)
}

// Upgrade merges args into the current options, validates the result and
// persists and applies it. A key name change refetches the public key; an
// RPC URL change rebuilds the Solana client. Nothing is applied when any step
// fails.
func (c *Controller) Upgrade(ctx context.Context, args UpgradeArgs) (Options, error) {
	if args.Empty() {
		return c.Options(), ErrNoChanges
	}

	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()

	cur := c.Options()
	next := cur.Apply(args)
	if err := next.Validate(); err != nil {
		return cur, err
	}
	changed := cur.changes(next)
	if len(changed) == 0 {
		return cur, nil
	}

	var pub []byte
	if next.KeyName != cur.KeyName {
		var err error
		if pub, err = c.fetchPublicKey(ctx, next.KeyName); err != nil {
			return cur, err
		}
	}
	var chain depositscraper.Chain
	if next.SolanaRPCURL != cur.SolanaRPCURL {
		var err error
		if chain, err = c.cfg.ChainFactory(next.SolanaRPCURL); err != nil {
			return cur, fmt.Errorf("%w: solana rpc: %v", ErrInvalidOptions, err)
		}
	}

	if err := c.deps.Options.SaveOptions(ctx, next); err != nil {
		return cur, fmt.Errorf("controller: save options: %w", err)
	}

	c.mu.Lock()
	c.opts = next
	if pub != nil {
		c.publicKey = pub
	}
	c.mu.Unlock()
	if chain != nil {
		c.scraper.SetChain(chain)
	}

	c.log.Info("controller upgraded", "changes", changed)
	audit.Emit(ctx, c.cfg.Audit, c.log, audit.Event{
		Type:   audit.EventUpgrade,
		Detail: changed,
	})
	return next, nil
}
