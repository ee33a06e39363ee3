package withdrawcoordinator

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/blobstore"
	"github.com/weichain/galactic-bridge-icp/internal/coupon"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
)

const (
	controllerAccount = "bridge-controller"
	keyName           = "bridge_key"
)

var addr1 = base58.Encode(bytes.Repeat([]byte{0x11}, 32))

type testSigner struct {
	key *ecdsa.PrivateKey

	mu       sync.Mutex
	fail     error
	block    chan struct{}
	sessions map[[32]byte][]byte
	calls    int
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &testSigner{key: key, sessions: make(map[[32]byte][]byte)}
}

func (s *testSigner) publicKey() []byte { return crypto.CompressPubkey(&s.key.PublicKey) }

func (s *testSigner) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *testSigner) Sign(ctx context.Context, sessionID [32]byte, _ string, digest [32]byte) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	fail := s.fail
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.sessions[sessionID]; ok {
		return sig, nil
	}
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, err
	}
	s.sessions[sessionID] = sig[:64]
	return sig[:64], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Emit(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	ledger   *ledger.MemoryLedger
	store    *withdraw.MemoryStore
	signer   *testSigner
	registry *tasks.Registry
	archive  *blobstore.CouponArchive
	sink     *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger: ledger.NewMemoryLedger(controllerAccount),
		store:  withdraw.NewMemoryStore(nil),
		signer: newTestSigner(t),
		sink:   &recordingSink{},
	}
	reg, err := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f.registry = reg
	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	f.archive, err = blobstore.NewCouponArchive(blobs)
	if err != nil {
		t.Fatalf("NewCouponArchive: %v", err)
	}

	pub := f.signer.publicKey()
	f.coord, err = New(Config{
		ControllerAccount: controllerAccount,
		Settings: func() Settings {
			return Settings{MinimumAmount: 10, KeyName: keyName, PublicKey: pub}
		},
		CallTimeout: 5 * time.Second,
		Archive:     f.archive,
		Audit:       f.sink,
	}, f.store, f.ledger, f.signer, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) fund(t *testing.T, account string, amount uint64) {
	t.Helper()
	if _, err := f.ledger.Mint(context.Background(), account, amount, [32]byte{byte(len(account)), byte(amount)}); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	f.ledger.Approve(account, amount)
}

func TestWithdraw_BurnsAndIssuesCoupon(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 250_000)

	res, err := f.coord.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100_000})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	if bal, _ := f.ledger.BalanceOf(ctx, "alice"); bal != 150_000 {
		t.Fatalf("alice balance: got %d want 150000", bal)
	}
	if f.ledger.TotalSupply() != 150_000 {
		t.Fatalf("supply: got %d want 150000", f.ledger.TotalSupply())
	}

	if res.Record.Status != withdraw.StatusCouponIssued || res.Record.Burn.BurnID != 0 {
		t.Fatalf("record: %+v", res.Record)
	}
	ok, err := res.Coupon.Verify()
	if err != nil || !ok {
		t.Fatalf("coupon verify: ok=%v err=%v", ok, err)
	}
	msg, err := res.Coupon.DecodedMessage()
	if err != nil {
		t.Fatalf("DecodedMessage: %v", err)
	}
	if msg.FromAddress != "alice" || msg.ToAddress != addr1 || msg.Amount != 100_000 || msg.BurnID != 0 {
		t.Fatalf("message: %+v", msg)
	}

	stored, err := f.store.GetCoupon(ctx, 0)
	if err != nil {
		t.Fatalf("GetCoupon: %v", err)
	}
	if stored != res.Coupon {
		t.Fatalf("stored coupon differs")
	}
	archived, err := f.archive.Get(ctx, 0)
	if err != nil {
		t.Fatalf("archive Get: %v", err)
	}
	if archived != res.Coupon {
		t.Fatalf("archived coupon differs")
	}

	got := f.sink.types()
	if len(got) != 2 || got[0] != audit.EventWithdrawalBurned || got[1] != audit.EventWithdrawalRedeemed {
		t.Fatalf("audit events: %v", got)
	}

	task, err := f.registry.Lookup(ctx, tasks.KindCouponAttempt, "0")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if task.Status != tasks.StatusSucceeded {
		t.Fatalf("task status: %v", task.Status)
	}
}

func TestWithdraw_BurnIDsIncrease(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 300)

	for want := uint64(0); want < 3; want++ {
		res, err := f.coord.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100})
		if err != nil {
			t.Fatalf("Withdraw #%d: %v", want, err)
		}
		if res.Record.Burn.BurnID != want {
			t.Fatalf("burn id: got %d want %d", res.Record.Burn.BurnID, want)
		}
	}
}

func TestWithdraw_ValidationLeavesNoTrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1_000)
	height := f.ledger.Height()

	for name, req := range map[string]Request{
		"below minimum":   {Account: "alice", ToAddress: addr1, Amount: 9},
		"zero amount":     {Account: "alice", ToAddress: addr1, Amount: 0},
		"missing account": {Account: " ", ToAddress: addr1, Amount: 100},
		"bad destination": {Account: "alice", ToAddress: "not-base58!", Amount: 100},
		"short address":   {Account: "alice", ToAddress: base58.Encode([]byte{1, 2, 3}), Amount: 100},
	} {
		_, err := f.coord.Withdraw(ctx, req)
		e, ok := AsError(err)
		if !ok || e.Kind != KindValidation || !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if e.Retryable() {
			t.Fatalf("%s: validation must not be retryable", name)
		}
	}

	if f.ledger.Height() != height {
		t.Fatalf("ledger changed on validation failure")
	}
	if st, _ := f.store.Stats(ctx); st.NextBurnID != 0 {
		t.Fatalf("burn recorded on validation failure: %+v", st)
	}
}

func TestWithdraw_BurnRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ledger.Mint(ctx, "bob", 1_000, [32]byte{9}); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err := f.coord.Withdraw(ctx, Request{Account: "bob", ToAddress: addr1, Amount: 500})
	e, ok := AsError(err)
	if !ok || e.Kind != KindBurnFailed {
		t.Fatalf("expected burn failure, got %v", err)
	}
	le, ok := ledger.AsError(err)
	if !ok || le.Kind != ledger.KindInsufficientAllowance {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
	if e.BurnID != nil || e.Retryable() {
		t.Fatalf("unexpected error shape: %+v", e)
	}
	if bal, _ := f.ledger.BalanceOf(ctx, "bob"); bal != 1_000 {
		t.Fatalf("bob balance changed: %d", bal)
	}
	if len(f.sink.types()) != 0 {
		t.Fatalf("unexpected audit events: %v", f.sink.types())
	}
}

type unreachableLedger struct{ ledger.Client }

func (unreachableLedger) TransferFrom(context.Context, string, string, uint64, [32]byte) (uint64, error) {
	return 0, &ledger.Error{Kind: ledger.KindUnreachable, Message: "connection refused"}
}

func TestWithdraw_LedgerUnreachable(t *testing.T) {
	t.Parallel()

	signer := newTestSigner(t)
	reg, _ := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	store := withdraw.NewMemoryStore(nil)
	c, err := New(Config{
		ControllerAccount: controllerAccount,
		Settings:          func() Settings { return Settings{KeyName: keyName, PublicKey: signer.publicKey()} },
	}, store, unreachableLedger{}, signer, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Withdraw(context.Background(), Request{Account: "alice", ToAddress: addr1, Amount: 1})
	e, ok := AsError(err)
	if !ok || e.Kind != KindLedgerUnreachable || !e.Retryable() {
		t.Fatalf("expected retryable unreachable error, got %v", err)
	}
	if st, _ := store.Stats(context.Background()); st.Burned != 0 {
		t.Fatalf("unexpected burn: %+v", st)
	}
}

type failingCreateStore struct {
	*withdraw.MemoryStore
}

func (failingCreateStore) CreateBurned(context.Context, withdraw.NewBurn) (withdraw.Record, error) {
	return withdraw.Record{}, errors.New("disk full")
}

func TestWithdraw_PersistFailureReportsLedgerBlock(t *testing.T) {
	t.Parallel()

	led := ledger.NewMemoryLedger(controllerAccount)
	ctx := context.Background()
	if _, err := led.Mint(ctx, "alice", 100, [32]byte{1}); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	led.Approve("alice", 100)

	signer := newTestSigner(t)
	reg, _ := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	c, err := New(Config{
		ControllerAccount: controllerAccount,
		Settings:          func() Settings { return Settings{KeyName: keyName, PublicKey: signer.publicKey()} },
	}, failingCreateStore{withdraw.NewMemoryStore(nil)}, led, signer, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100})
	e, ok := AsError(err)
	if !ok || e.Kind != KindPersistFailed {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if e.LedgerBlockIndex == nil || *e.LedgerBlockIndex != 1 {
		t.Fatalf("ledger block index: %v", e.LedgerBlockIndex)
	}
	if signer.calls != 0 {
		t.Fatalf("signer called without a recorded burn")
	}
}

// cancelAfterBurnLedger cancels the caller's context as soon as the burn
// lands, the way a dropped HTTP client would.
type cancelAfterBurnLedger struct {
	*ledger.MemoryLedger
	cancel context.CancelFunc
}

func (l cancelAfterBurnLedger) TransferFrom(ctx context.Context, from, to string, amount uint64, memo [32]byte) (uint64, error) {
	idx, err := l.MemoryLedger.TransferFrom(ctx, from, to, amount, memo)
	l.cancel()
	return idx, err
}

// ctxCheckingStore fails on a done context like a pgx pool does.
type ctxCheckingStore struct {
	*withdraw.MemoryStore
}

func (s ctxCheckingStore) CreateBurned(ctx context.Context, b withdraw.NewBurn) (withdraw.Record, error) {
	if err := ctx.Err(); err != nil {
		return withdraw.Record{}, err
	}
	return s.MemoryStore.CreateBurned(ctx, b)
}

func (s ctxCheckingStore) MarkCouponIssued(ctx context.Context, burnID uint64, c coupon.Coupon) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.MarkCouponIssued(ctx, burnID, c)
}

func TestWithdraw_CallerCancelAfterBurnStillRecords(t *testing.T) {
	t.Parallel()

	led := ledger.NewMemoryLedger(controllerAccount)
	if _, err := led.Mint(context.Background(), "alice", 250_000, [32]byte{1}); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	led.Approve("alice", 250_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer := newTestSigner(t)
	reg, _ := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	store := withdraw.NewMemoryStore(nil)
	c, err := New(Config{
		ControllerAccount: controllerAccount,
		Settings:          func() Settings { return Settings{KeyName: keyName, PublicKey: signer.publicKey()} },
		CallTimeout:       5 * time.Second,
	}, ctxCheckingStore{store}, cancelAfterBurnLedger{MemoryLedger: led, cancel: cancel}, signer, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := c.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100_000})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context was not cancelled")
	}
	if bal, _ := led.BalanceOf(context.Background(), "alice"); bal != 150_000 {
		t.Fatalf("alice balance: got %d want 150000", bal)
	}
	rec, err := store.Get(context.Background(), res.Record.Burn.BurnID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != withdraw.StatusCouponIssued {
		t.Fatalf("status: got %v want %v", rec.Status, withdraw.StatusCouponIssued)
	}
	if _, err := store.GetCoupon(context.Background(), rec.Burn.BurnID); err != nil {
		t.Fatalf("GetCoupon: %v", err)
	}
}

func TestWithdraw_SigningFailureThenReissue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 100_000)
	f.signer.setFail(errors.New("tss host unavailable"))

	_, err := f.coord.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100_000})
	e, ok := AsError(err)
	if !ok || e.Kind != KindSigningFailed || !errors.Is(err, coupon.ErrSigning) {
		t.Fatalf("expected signing failure, got %v", err)
	}
	if e.BurnID == nil || *e.BurnID != 0 || !e.Retryable() {
		t.Fatalf("unexpected error shape: %+v", e)
	}

	// The burn stands.
	if bal, _ := f.ledger.BalanceOf(ctx, "alice"); bal != 0 {
		t.Fatalf("alice balance: %d", bal)
	}
	rec, err := f.store.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != withdraw.StatusCouponFailed || rec.FailReason == "" {
		t.Fatalf("record: %+v", rec)
	}
	if _, err := f.store.GetCoupon(ctx, 0); !errors.Is(err, withdraw.ErrNotFound) {
		t.Fatalf("expected no coupon, got %v", err)
	}
	task, err := f.registry.Lookup(ctx, tasks.KindCouponAttempt, "0")
	if err != nil || task.Status != tasks.StatusRetrying || task.Attempts != 1 {
		t.Fatalf("task: %+v err=%v", task, err)
	}

	f.signer.setFail(nil)
	res, err := f.coord.ReissueCoupon(ctx, 0)
	if err != nil {
		t.Fatalf("ReissueCoupon: %v", err)
	}
	if res.Record.Status != withdraw.StatusCouponIssued {
		t.Fatalf("record after reissue: %+v", res.Record)
	}
	if ok, err := res.Coupon.Verify(); err != nil || !ok {
		t.Fatalf("coupon verify: ok=%v err=%v", ok, err)
	}

	if _, err := f.coord.ReissueCoupon(ctx, 0); !errors.Is(err, ErrCouponAlreadyIssued) {
		t.Fatalf("expected ErrCouponAlreadyIssued, got %v", err)
	}
	if _, err := f.coord.ReissueCoupon(ctx, 7); !errors.Is(err, withdraw.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got := f.sink.types()
	want := []audit.EventType{audit.EventWithdrawalBurned, audit.EventCouponFailed, audit.EventWithdrawalRedeemed}
	if len(got) != len(want) {
		t.Fatalf("audit events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit events: %v", got)
		}
	}
}

func TestWithdraw_RejectsConcurrentRequestForAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1_000)
	release := make(chan struct{})
	f.signer.block = release

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.signer.mu.Lock()
		calls := f.signer.calls
		f.signer.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first withdrawal never reached the signer")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.coord.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100}); !errors.Is(err, ErrWithdrawInProgress) {
		t.Fatalf("expected ErrWithdrawInProgress, got %v", err)
	}
	if _, err := f.coord.ReissueCoupon(ctx, 0); !errors.Is(err, ErrIssueInProgress) {
		t.Fatalf("expected ErrIssueInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Withdraw: %v", err)
	}
	if _, err := f.coord.Withdraw(ctx, Request{Account: "alice", ToAddress: addr1, Amount: 100}); err != nil {
		t.Fatalf("Withdraw after release: %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	signer := newTestSigner(t)
	reg, _ := tasks.NewRegistry(tasks.NewMemoryStore(nil), tasks.Config{})
	store := withdraw.NewMemoryStore(nil)
	led := ledger.NewMemoryLedger(controllerAccount)
	settings := func() Settings { return Settings{} }

	if _, err := New(Config{Settings: settings}, store, led, signer, reg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing controller: %v", err)
	}
	if _, err := New(Config{ControllerAccount: controllerAccount}, store, led, signer, reg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing settings: %v", err)
	}
	if _, err := New(Config{ControllerAccount: controllerAccount, Settings: settings}, nil, led, signer, reg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: %v", err)
	}
}
