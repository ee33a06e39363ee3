package depositscraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	"github.com/weichain/galactic-bridge-icp/internal/depositevent"
	"github.com/weichain/galactic-bridge-icp/internal/idempotency"
	"github.com/weichain/galactic-bridge-icp/internal/leases"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
)

const (
	testContract = "HDSbw4qvp6XMqUQVsqpSp3M5cBD8dPEBqFQZ1pFbdW2h"
	initialSig   = "sig-initial"
)

var testParams = Params{ContractAddress: testContract, InitialSignature: initialSig}

// fakeChain serves an address history kept oldest first.
type fakeChain struct {
	mu      sync.Mutex
	history []solrpc.SignatureInfo
	txs     map[string]solrpc.Transaction
	sigErr  error
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{txs: make(map[string]solrpc.Transaction)}
}

func (c *fakeChain) addDeposit(sig string, slot uint64, account string, amount uint64) {
	c.add(solrpc.SignatureInfo{Signature: sig, Slot: slot}, depositevent.DepositLogs(testContract, account, amount))
}

func (c *fakeChain) add(info solrpc.SignatureInfo, logs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, info)
	if logs != nil {
		c.txs[info.Signature] = solrpc.Transaction{
			Signature:   info.Signature,
			Slot:        info.Slot,
			Failed:      info.Failed,
			Err:         info.Err,
			LogMessages: logs,
		}
	}
}

func (c *fakeChain) GetSignaturesForAddress(ctx context.Context, address string, opts solrpc.SignaturesOptions) ([]solrpc.SignatureInfo, error) {
	if c.block != nil {
		c.entered <- struct{}{}
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.sigErr != nil {
		return nil, c.sigErr
	}
	if address != testContract {
		return nil, fmt.Errorf("unexpected address %q", address)
	}

	var out []solrpc.SignatureInfo
	started := opts.Before == ""
	for i := len(c.history) - 1; i >= 0; i-- {
		sig := c.history[i]
		if !started {
			if sig.Signature == opts.Before {
				started = true
			}
			continue
		}
		if sig.Signature == opts.Until {
			break
		}
		out = append(out, sig)
		if len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (c *fakeChain) GetTransaction(_ context.Context, signature string) (solrpc.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[signature]
	if !ok {
		return solrpc.Transaction{}, solrpc.ErrTxNotFound
	}
	return tx, nil
}

// flakyLedger fails mints while failing is set.
type flakyLedger struct {
	*ledger.MemoryLedger

	mu      sync.Mutex
	failing error
	mints   int
}

func (l *flakyLedger) Mint(ctx context.Context, to string, amount uint64, memo [32]byte) (uint64, error) {
	l.mu.Lock()
	l.mints++
	err := l.failing
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return l.MemoryLedger.Mint(ctx, to, amount, memo)
}

func (l *flakyLedger) setFailing(err error) {
	l.mu.Lock()
	l.failing = err
	l.mu.Unlock()
}

type harness struct {
	scraper  *Scraper
	chain    *fakeChain
	ledger   *flakyLedger
	deposits *deposit.MemoryStore
	registry *tasks.Registry
	leases   *leases.MemoryStore
}

func newHarness(t *testing.T, pageLimit int) *harness {
	t.Helper()

	h := &harness{
		chain:    newFakeChain(),
		ledger:   &flakyLedger{MemoryLedger: ledger.NewMemoryLedger("controller")},
		deposits: deposit.NewMemoryStore(),
		leases:   leases.NewMemoryStore(nil),
	}
	reg, err := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.registry = reg

	s, err := New(Config{Owner: "scraper-1", PageLimit: pageLimit}, h.chain, h.deposits, h.ledger, reg, h.leases, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.scraper = s
	return h
}

func (h *harness) balance(t *testing.T, account string) uint64 {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b
}

func (h *harness) checkpoint(t *testing.T) (deposit.Checkpoint, bool) {
	t.Helper()
	cp, err := h.deposits.GetCheckpoint(context.Background(), testContract)
	if errors.Is(err, deposit.ErrNotFound) {
		return deposit.Checkpoint{}, false
	}
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	return cp, true
}

func TestRunCycle_MintsDepositExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.chain.addDeposit("sig-1", 100, "alice", 10_000_000)

	report, err := h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Fetched != 1 || report.Accepted != 1 || report.Minted != 1 || !report.Advanced {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := h.balance(t, "alice"); got != 10_000_000 {
		t.Fatalf("balance: got %d want 10000000", got)
	}
	rec, err := h.deposits.Get(ctx, "sig-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != deposit.StatusMinted {
		t.Fatalf("status: got %v want minted", rec.Status)
	}
	cp, ok := h.checkpoint(t)
	if !ok || cp.Signature != "sig-1" || cp.Slot != 100 {
		t.Fatalf("checkpoint: %+v ok=%v", cp, ok)
	}

	for i := 0; i < 3; i++ {
		report, err = h.scraper.RunCycle(ctx, testParams)
		if err != nil {
			t.Fatalf("RunCycle #%d: %v", i+2, err)
		}
		if report.Fetched != 0 || report.Minted != 0 {
			t.Fatalf("repeat cycle should be a no-op: %+v", report)
		}
	}
	if got := h.balance(t, "alice"); got != 10_000_000 {
		t.Fatalf("balance after repeats: got %d want 10000000", got)
	}
	if h.scraper.Phase() != PhaseIdle {
		t.Fatalf("phase: got %v want idle", h.scraper.Phase())
	}
}

func TestRunCycle_DuplicateMintRecordsOriginalBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.chain.addDeposit("sig-1", 100, "alice", 10_000_000)

	// A previous run minted but crashed before recording it.
	orig, err := h.ledger.MemoryLedger.Mint(ctx, "alice", 10_000_000, idempotency.MintMemoV1("sig-1"))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := h.ledger.MemoryLedger.Mint(ctx, "bob", 1, idempotency.MintMemoV1("other")); err != nil {
		t.Fatalf("Mint bob: %v", err)
	}

	if _, err := h.scraper.RunCycle(ctx, testParams); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rec, err := h.deposits.Get(ctx, "sig-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != deposit.StatusMinted || rec.MintBlockIndex != orig {
		t.Fatalf("record: got %v/%d want minted/%d", rec.Status, rec.MintBlockIndex, orig)
	}
	if got := h.balance(t, "alice"); got != 10_000_000 {
		t.Fatalf("balance: got %d want 10000000", got)
	}
}

func TestRunCycle_PagesOldestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	ctx := context.Background()
	h.chain.add(solrpc.SignatureInfo{Signature: initialSig, Slot: 1}, nil)
	for i := 1; i <= 5; i++ {
		h.chain.addDeposit(fmt.Sprintf("sig-%d", i), uint64(10*i), "alice", uint64(i))
	}

	report, err := h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Fetched != 5 || report.Minted != 5 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.chain.calls != 3 {
		t.Fatalf("page calls: got %d want 3", h.chain.calls)
	}
	if got := h.balance(t, "alice"); got != 15 {
		t.Fatalf("balance: got %d want 15", got)
	}
	for i := 1; i <= 5; i++ {
		rec, err := h.deposits.Get(ctx, fmt.Sprintf("sig-%d", i))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		// Block indexes follow chain order.
		if rec.MintBlockIndex != uint64(i-1) {
			t.Fatalf("sig-%d minted at %d want %d", i, rec.MintBlockIndex, i-1)
		}
	}
	cp, _ := h.checkpoint(t)
	if cp.Signature != "sig-5" || cp.Slot != 50 {
		t.Fatalf("checkpoint: %+v", cp)
	}
}

func TestRunCycle_InvalidTransactionsAreResolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.chain.add(solrpc.SignatureInfo{Signature: "sig-failed", Slot: 5, Failed: true, Err: "InstructionError"}, nil)
	h.chain.add(solrpc.SignatureInfo{Signature: "sig-other", Slot: 6}, []string{"Program log: Instruction: Initialize"})
	h.chain.addDeposit("sig-dep", 7, "alice", 3)

	report, err := h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Skipped != 1 || report.Invalid != 1 || report.Minted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, sig := range []string{"sig-failed", "sig-other"} {
		ok, err := h.deposits.IsInvalid(ctx, sig)
		if err != nil || !ok {
			t.Fatalf("IsInvalid(%s): ok=%v err=%v", sig, ok, err)
		}
	}
	cp, _ := h.checkpoint(t)
	if cp.Signature != "sig-dep" {
		t.Fatalf("checkpoint: %+v", cp)
	}
}

func TestRunCycle_ParseFailuresDropAfterCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	// sig-missing is listed but never returned by getTransaction.
	h.chain.add(solrpc.SignatureInfo{Signature: "sig-missing", Slot: 10}, nil)
	h.chain.addDeposit("sig-ok", 11, "alice", 7)

	for i := 1; i <= tasks.DefaultMaxRetries; i++ {
		report, err := h.scraper.RunCycle(ctx, testParams)
		if err != nil {
			t.Fatalf("RunCycle #%d: %v", i, err)
		}
		if report.ParseFailed != 1 || report.Advanced {
			t.Fatalf("cycle #%d: %+v", i, report)
		}
	}
	if _, ok := h.checkpoint(t); ok {
		t.Fatalf("checkpoint must not advance past an unresolved signature")
	}
	// The later deposit is minted regardless, once.
	if got := h.balance(t, "alice"); got != 7 {
		t.Fatalf("balance: got %d want 7", got)
	}

	report, err := h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle #101: %v", err)
	}
	if report.Dropped != 1 || !report.Advanced {
		t.Fatalf("cycle #101: %+v", report)
	}
	cp, ok := h.checkpoint(t)
	if !ok || cp.Signature != "sig-ok" {
		t.Fatalf("checkpoint: %+v ok=%v", cp, ok)
	}

	task, err := h.registry.Lookup(ctx, tasks.KindParseAttempt, "sig-missing")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if task.Status != tasks.StatusDropped || task.Attempts != tasks.DefaultMaxRetries+1 {
		t.Fatalf("task: %+v", task)
	}
	if got := h.balance(t, "alice"); got != 7 {
		t.Fatalf("balance after drop: got %d want 7", got)
	}
}

func TestRunCycle_MintFailureRetriesNextCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.chain.addDeposit("sig-1", 1, "alice", 5)
	h.chain.addDeposit("sig-2", 2, "bob", 6)
	h.ledger.setFailing(&ledger.Error{Kind: ledger.KindTemporarilyUnavailable, Message: "busy"})

	report, err := h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.MintFailed != 2 || report.Advanced {
		t.Fatalf("unexpected report: %+v", report)
	}
	rec, _ := h.deposits.Get(ctx, "sig-1")
	if rec.Status != deposit.StatusFailed || rec.FailReason == "" {
		t.Fatalf("record: %+v", rec)
	}

	h.ledger.setFailing(nil)
	report, err = h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle #2: %v", err)
	}
	if report.Minted != 2 || !report.Advanced {
		t.Fatalf("unexpected report #2: %+v", report)
	}
	if h.balance(t, "alice") != 5 || h.balance(t, "bob") != 6 {
		t.Fatalf("balances: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
	task, err := h.registry.Lookup(ctx, tasks.KindMintAttempt, "sig-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if task.Status != tasks.StatusSucceeded || task.Attempts != 2 {
		t.Fatalf("mint task: %+v", task)
	}
}

func TestRunCycle_MintFailuresDropAfterCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.chain.addDeposit("sig-1", 1, "alice", 5)
	h.ledger.setFailing(&ledger.Error{Kind: ledger.KindTemporarilyUnavailable, Message: "busy"})

	for i := 1; i <= tasks.DefaultMaxRetries; i++ {
		report, err := h.scraper.RunCycle(ctx, testParams)
		if err != nil {
			t.Fatalf("RunCycle #%d: %v", i, err)
		}
		if report.MintFailed != 1 || report.Advanced {
			t.Fatalf("cycle #%d: %+v", i, report)
		}
	}
	if _, ok := h.checkpoint(t); ok {
		t.Fatalf("checkpoint must not advance past an unminted deposit")
	}

	report, err := h.scraper.RunCycle(ctx, testParams)
	if err != nil {
		t.Fatalf("RunCycle #101: %v", err)
	}
	if report.Dropped != 1 || !report.Advanced {
		t.Fatalf("cycle #101: %+v", report)
	}
	cp, ok := h.checkpoint(t)
	if !ok || cp.Signature != "sig-1" {
		t.Fatalf("checkpoint: %+v ok=%v", cp, ok)
	}

	task, err := h.registry.Lookup(ctx, tasks.KindMintAttempt, "sig-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if task.Status != tasks.StatusDropped || task.Attempts != tasks.DefaultMaxRetries+1 {
		t.Fatalf("task: %+v", task)
	}
	rec, err := h.deposits.Get(ctx, "sig-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != deposit.StatusFailed || rec.FailReason == "" {
		t.Fatalf("record: %+v", rec)
	}

	// A dropped mint is not retried even once the ledger recovers.
	h.ledger.setFailing(nil)
	if _, err := h.scraper.RunCycle(ctx, testParams); err != nil {
		t.Fatalf("RunCycle after drop: %v", err)
	}
	h.ledger.mu.Lock()
	mints := h.ledger.mints
	h.ledger.mu.Unlock()
	if mints != tasks.DefaultMaxRetries+1 {
		t.Fatalf("mint calls: got %d want %d", mints, tasks.DefaultMaxRetries+1)
	}
	if got := h.balance(t, "alice"); got != 0 {
		t.Fatalf("balance: got %d want 0", got)
	}
}

func TestRunCycle_FetchFailureKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	h.chain.addDeposit("sig-1", 1, "alice", 5)
	if _, err := h.scraper.RunCycle(ctx, testParams); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	h.chain.addDeposit("sig-2", 2, "alice", 5)
	h.chain.sigErr = &solrpc.RPCError{Code: -32005, Message: "node is behind"}
	_, err := h.scraper.RunCycle(ctx, testParams)
	if !errors.Is(err, solrpc.ErrRPC) {
		t.Fatalf("expected ErrRPC, got %v", err)
	}
	cp, _ := h.checkpoint(t)
	if cp.Signature != "sig-1" {
		t.Fatalf("checkpoint moved: %+v", cp)
	}
	task, err := h.registry.Lookup(ctx, tasks.KindScrapeCycle, testContract)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if task.Status != tasks.StatusRetrying {
		t.Fatalf("cycle task: %+v", task)
	}
}

func TestRunCycle_NoOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.chain.block = make(chan struct{})
	h.chain.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.scraper.RunCycle(ctx, testParams)
		done <- err
	}()

	select {
	case <-h.chain.entered:
	case <-ctx.Done():
		t.Fatalf("cycle never started fetching")
	}
	if h.scraper.Phase() != PhaseFetching || !h.scraper.Running() {
		t.Fatalf("phase: got %v", h.scraper.Phase())
	}
	if _, err := h.scraper.RunCycle(ctx, testParams); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}

	close(h.chain.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestRunCycle_LeaseHeldElsewhere(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()
	if _, ok, err := h.leases.TryAcquire(ctx, LeaseName, "scraper-2", time.Minute); err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	if _, err := h.scraper.RunCycle(ctx, testParams); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if h.chain.calls != 0 {
		t.Fatalf("chain must not be queried without the lease")
	}
}

func TestRunCycle_InvalidParams(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	if _, err := h.scraper.RunCycle(context.Background(), Params{ContractAddress: testContract}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	reg, _ := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	chain := newFakeChain()
	store := deposit.NewMemoryStore()
	l := ledger.NewMemoryLedger("c")
	ls := leases.NewMemoryStore(nil)

	if _, err := New(Config{}, chain, store, l, reg, ls, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing owner: %v", err)
	}
	if _, err := New(Config{Owner: "o"}, nil, store, l, reg, ls, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil chain: %v", err)
	}
	if _, err := New(Config{Owner: "o", PageLimit: -1}, chain, store, l, reg, ls, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative page limit: %v", err)
	}
}
