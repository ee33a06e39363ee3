// Package depositscraper discovers bridge deposits on Solana and mints them
// on the local ledger, one guarded cycle at a time.
package depositscraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	"github.com/weichain/galactic-bridge-icp/internal/depositevent"
	"github.com/weichain/galactic-bridge-icp/internal/leases"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
)

// LeaseName is the lease every scraper instance competes for.
const LeaseName = "deposit-scraper"

const (
	defaultCallTimeout = 30 * time.Second
	defaultLeaseTTL    = 2 * time.Minute
)

var (
	ErrInvalidConfig   = errors.New("depositscraper: invalid config")
	ErrInvalidParams   = errors.New("depositscraper: invalid params")
	ErrCycleInProgress = errors.New("depositscraper: cycle in progress")
	ErrLeaseHeld       = errors.New("depositscraper: lease held by another instance")
	ErrLeaseLost       = errors.New("depositscraper: lease lost during cycle")
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseParsing
	PhaseMinting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseParsing:
		return "parsing"
	case PhaseMinting:
		return "minting"
	default:
		return "unknown"
	}
}

// Chain is the read-only view of the Solana RPC the scraper needs.
type Chain interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts solrpc.SignaturesOptions) ([]solrpc.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (solrpc.Transaction, error)
}

type Config struct {
	// Owner identifies this instance on the scraper lease.
	Owner string

	PageLimit   int
	CallTimeout time.Duration
	LeaseTTL    time.Duration

	Audit audit.Sink
	Now   func() time.Time
}

// Params are the per-cycle inputs. They come from the controller's current
// configuration so an upgrade takes effect on the next cycle.
type Params struct {
	ContractAddress  string
	InitialSignature string
}

type CycleReport struct {
	ContractAddress string

	Fetched     int
	Skipped     int
	Invalid     int
	Accepted    int
	Minted      int
	MintFailed  int
	ParseFailed int
	Dropped     int

	Advanced   bool
	Checkpoint deposit.Checkpoint

	StartedAt  time.Time
	FinishedAt time.Time
}

type Scraper struct {
	cfg Config
	log *slog.Logger

	chainMu sync.RWMutex
	chain   Chain

	store    deposit.Store
	ledger   ledger.Client
	registry *tasks.Registry
	leases   leases.Store

	running atomic.Bool
	phase   atomic.Int32
}

func New(cfg Config, chain Chain, store deposit.Store, ledgerClient ledger.Client, registry *tasks.Registry, leaseStore leases.Store, log *slog.Logger) (*Scraper, error) {
	if chain == nil || store == nil || ledgerClient == nil || registry == nil || leaseStore == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.PageLimit == 0 {
		cfg.PageLimit = solrpc.DefaultPageLimit
	}
	if cfg.PageLimit < 0 {
		return nil, fmt.Errorf("%w: PageLimit must be > 0", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
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

	return &Scraper{
		cfg:      cfg,
		log:      log,
		chain:    chain,
		store:    store,
		ledger:   ledgerClient,
		registry: registry,
		leases:   leaseStore,
	}, nil
}

// SetChain swaps the RPC client used by the next cycle.
func (s *Scraper) SetChain(c Chain) {
	if c == nil {
		return
	}
	s.chainMu.Lock()
	s.chain = c
	s.chainMu.Unlock()
}

func (s *Scraper) currentChain() Chain {
	s.chainMu.RLock()
	defer s.chainMu.RUnlock()
	return s.chain
}

func (s *Scraper) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Scraper) Running() bool { return s.running.Load() }

func (s *Scraper) setPhase(p Phase) { s.phase.Store(int32(p)) }

// batchItem is one signature in the fetched window, oldest first.
type batchItem struct {
	sig      solrpc.SignatureInfo
	resolved bool
	// pending is set when a Pending or Failed deposit record exists and the
	// item still needs a mint.
	pending *deposit.Deposit
}

// RunCycle performs one fetch, parse, mint and advance pass. Cycles never
// overlap: a concurrent call returns ErrCycleInProgress, and a cycle held by
// another process returns ErrLeaseHeld.
func (s *Scraper) RunCycle(ctx context.Context, p Params) (CycleReport, error) {
	if p.ContractAddress == "" || p.InitialSignature == "" {
		return CycleReport{}, fmt.Errorf("%w: contract address and initial signature are required", ErrInvalidParams)
	}
	if !s.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.running.Store(false)
	defer s.setPhase(PhaseIdle)

	holder, err := leases.Hold(ctx, s.leases, LeaseName, s.cfg.Owner, s.cfg.LeaseTTL)
	if errors.Is(err, leases.ErrHeld) {
		return CycleReport{}, ErrLeaseHeld
	}
	if err != nil {
		return CycleReport{}, fmt.Errorf("depositscraper: acquire lease: %w", err)
	}
	defer func() {
		if err := holder.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release scraper lease", "err", err)
		}
	}()

	cycleTask, err := s.registry.Schedule(ctx, tasks.KindScrapeCycle, p.ContractAddress)
	if err != nil {
		return CycleReport{}, fmt.Errorf("depositscraper: schedule cycle: %w", err)
	}

	report := CycleReport{ContractAddress: p.ContractAddress, StartedAt: s.cfg.Now().UTC()}
	err = s.runCycle(ctx, p, holder, &report)
	report.FinishedAt = s.cfg.Now().UTC()

	if _, rerr := s.registry.RecordAttempt(context.WithoutCancel(ctx), cycleTask.ID, err); rerr != nil {
		s.log.Error("record scrape cycle", "taskID", cycleTask.ID, "err", rerr)
	}
	if err != nil {
		s.log.Warn("scrape cycle failed", "contract", p.ContractAddress, "err", err)
		return report, err
	}

	s.log.Info("scrape cycle done",
		"contract", p.ContractAddress,
		"fetched", report.Fetched,
		"minted", report.Minted,
		"mintFailed", report.MintFailed,
		"parseFailed", report.ParseFailed,
		"invalid", report.Invalid,
		"advanced", report.Advanced,
		"checkpoint", report.Checkpoint.Signature,
	)
	return report, nil
}

func (s *Scraper) runCycle(ctx context.Context, p Params, holder *leases.Holder, report *CycleReport) error {
	until := p.InitialSignature
	var fromSlot uint64
	cp, err := s.store.GetCheckpoint(ctx, p.ContractAddress)
	switch {
	case err == nil:
		until = cp.Signature
		fromSlot = cp.Slot
		report.Checkpoint = cp
	case errors.Is(err, deposit.ErrNotFound):
	default:
		return fmt.Errorf("depositscraper: load checkpoint: %w", err)
	}

	s.setPhase(PhaseFetching)
	sigs, err := s.fetch(ctx, p.ContractAddress, until)
	if err != nil {
		return err
	}
	report.Fetched = len(sigs)
	if len(sigs) == 0 {
		return nil
	}

	items := make([]*batchItem, 0, len(sigs))
	for _, sig := range sigs {
		items = append(items, &batchItem{sig: sig})
	}

	s.setPhase(PhaseParsing)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.parseItem(ctx, p.ContractAddress, it, report)
	}

	s.setPhase(PhaseMinting)
	for _, it := range items {
		if it.resolved || it.pending == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mintItem(ctx, it, report)
	}

	last := -1
	for i, it := range items {
		if !it.resolved {
			break
		}
		last = i
	}
	if last < 0 {
		return nil
	}
	if holder.Lost() {
		return ErrLeaseLost
	}

	head := items[last].sig
	slot := head.Slot
	if slot < fromSlot {
		slot = fromSlot
	}
	next := deposit.Checkpoint{
		ContractAddress: p.ContractAddress,
		Signature:       head.Signature,
		Slot:            slot,
		UpdatedAt:       s.cfg.Now().UTC(),
	}
	if err := s.store.AdvanceCheckpoint(ctx, next); err != nil {
		return fmt.Errorf("depositscraper: advance checkpoint: %w", err)
	}
	report.Advanced = true
	report.Checkpoint = next
	audit.Emit(ctx, s.cfg.Audit, s.log, audit.Event{
		Type:      audit.EventSyncedToSignature,
		Signature: next.Signature,
		Slot:      next.Slot,
	})
	return nil
}

// fetch pages backwards from the newest signature to until and returns the
// window oldest first.
func (s *Scraper) fetch(ctx context.Context, contract, until string) ([]solrpc.SignatureInfo, error) {
	chain := s.currentChain()

	var (
		newestFirst []solrpc.SignatureInfo
		before      string
		seen        = make(map[string]struct{})
	)
	for {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		page, err := chain.GetSignaturesForAddress(cctx, contract, solrpc.SignaturesOptions{
			Before: before,
			Until:  until,
			Limit:  s.cfg.PageLimit,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("depositscraper: fetch signatures: %w", err)
		}
		for _, sig := range page {
			if _, dup := seen[sig.Signature]; dup {
				continue
			}
			seen[sig.Signature] = struct{}{}
			newestFirst = append(newestFirst, sig)
		}
		if len(page) < s.cfg.PageLimit {
			break
		}
		before = page[len(page)-1].Signature
	}

	out := make([]solrpc.SignatureInfo, len(newestFirst))
	for i, sig := range newestFirst {
		out[len(newestFirst)-1-i] = sig
	}
	return out, nil
}

func (s *Scraper) parseItem(ctx context.Context, contract string, it *batchItem, report *CycleReport) {
	sig := it.sig.Signature
	log := s.log.With("signature", sig)

	rec, err := s.store.Get(ctx, sig)
	switch {
	case err == nil:
		if rec.Status == deposit.StatusMinted {
			it.resolved = true
			return
		}
		d := rec.Deposit
		it.pending = &d
		return
	case errors.Is(err, deposit.ErrNotFound):
	default:
		log.Error("load deposit", "err", err)
		return
	}

	invalid, err := s.store.IsInvalid(ctx, sig)
	if err != nil {
		log.Error("check invalid transaction", "err", err)
		return
	}
	if invalid {
		it.resolved = true
		return
	}

	if it.sig.Failed {
		s.recordInvalid(ctx, it, "transaction failed on chain: "+it.sig.Err, audit.EventSkippedTransaction, report)
		report.Skipped++
		return
	}

	dropped, err := s.registry.IsDropped(ctx, tasks.KindParseAttempt, sig)
	if err != nil {
		log.Error("check parse task", "err", err)
		return
	}
	if dropped {
		it.resolved = true
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	tx, err := s.currentChain().GetTransaction(cctx, sig)
	cancel()
	if err == nil {
		var ev depositevent.Event
		ev, err = depositevent.Parse(contract, tx)
		if errors.Is(err, depositevent.ErrNotDeposit) {
			s.recordInvalid(ctx, it, err.Error(), audit.EventInvalidDeposit, report)
			report.Invalid++
			return
		}
		if err == nil {
			s.accept(ctx, it, ev, report)
			return
		}
	}

	report.ParseFailed++
	t, serr := s.registry.Schedule(ctx, tasks.KindParseAttempt, sig)
	if serr != nil {
		log.Error("schedule parse task", "err", serr)
		return
	}
	t, rerr := s.registry.RecordAttempt(ctx, t.ID, err)
	if rerr != nil {
		log.Error("record parse attempt", "err", rerr)
		return
	}
	log.Warn("deposit transaction not parsed", "attempts", t.Attempts, "err", err)
	if t.Status == tasks.StatusDropped {
		report.Dropped++
		it.resolved = true
	}
}

func (s *Scraper) recordInvalid(ctx context.Context, it *batchItem, reason string, typ audit.EventType, report *CycleReport) {
	created, err := s.store.RecordInvalid(ctx, deposit.InvalidTransaction{
		Signature:  it.sig.Signature,
		Slot:       it.sig.Slot,
		Reason:     reason,
		RecordedAt: s.cfg.Now().UTC(),
	})
	if err != nil {
		s.log.Error("record invalid transaction", "signature", it.sig.Signature, "err", err)
		return
	}
	it.resolved = true
	if created {
		audit.Emit(ctx, s.cfg.Audit, s.log, audit.Event{
			Type:      typ,
			Signature: it.sig.Signature,
			Slot:      it.sig.Slot,
			Reason:    reason,
		})
	}
}

func (s *Scraper) accept(ctx context.Context, it *batchItem, ev depositevent.Event, report *CycleReport) {
	sig := it.sig.Signature
	if t, err := s.registry.Lookup(ctx, tasks.KindParseAttempt, sig); err == nil && t.Status.Active() {
		if _, err := s.registry.RecordAttempt(ctx, t.ID, nil); err != nil {
			s.log.Warn("record parse success", "signature", sig, "err", err)
		}
	}

	// The signature list is authoritative for identity and slot.
	d := deposit.Deposit{Signature: sig, Slot: it.sig.Slot, Account: ev.Account, Amount: ev.Amount}
	rec, created, err := s.store.UpsertPending(ctx, d)
	if err != nil {
		s.log.Error("store deposit", "signature", sig, "err", err)
		return
	}
	if created {
		report.Accepted++
		audit.Emit(ctx, s.cfg.Audit, s.log, audit.Event{
			Type:      audit.EventAcceptedDeposit,
			Signature: sig,
			Slot:      d.Slot,
			Account:   d.Account,
			Amount:    d.Amount,
		})
	}
	if rec.Status == deposit.StatusMinted {
		it.resolved = true
		return
	}
	stored := rec.Deposit
	it.pending = &stored
}
