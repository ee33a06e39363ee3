package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/weichain/galactic-bridge-icp/internal/audit"
	"github.com/weichain/galactic-bridge-icp/internal/blobstore"
	"github.com/weichain/galactic-bridge-icp/internal/bridgeapi"
	"github.com/weichain/galactic-bridge-icp/internal/controller"
	controllerpg "github.com/weichain/galactic-bridge-icp/internal/controller/postgres"
	"github.com/weichain/galactic-bridge-icp/internal/deposit"
	depositpg "github.com/weichain/galactic-bridge-icp/internal/deposit/postgres"
	"github.com/weichain/galactic-bridge-icp/internal/depositscraper"
	"github.com/weichain/galactic-bridge-icp/internal/leases"
	leasespg "github.com/weichain/galactic-bridge-icp/internal/leases/postgres"
	"github.com/weichain/galactic-bridge-icp/internal/ledger"
	"github.com/weichain/galactic-bridge-icp/internal/queue"
	"github.com/weichain/galactic-bridge-icp/internal/secrets"
	"github.com/weichain/galactic-bridge-icp/internal/solrpc"
	"github.com/weichain/galactic-bridge-icp/internal/tasks"
	taskspg "github.com/weichain/galactic-bridge-icp/internal/tasks/postgres"
	"github.com/weichain/galactic-bridge-icp/internal/tss"
	"github.com/weichain/galactic-bridge-icp/internal/withdraw"
	withdrawpg "github.com/weichain/galactic-bridge-icp/internal/withdraw/postgres"
	"github.com/weichain/galactic-bridge-icp/internal/withdrawcoordinator"
)

const (
	storeDriverPostgres = "postgres"
	storeDriverMemory   = "memory"

	ledgerDriverHTTP   = "http"
	ledgerDriverMemory = "memory"
)

func main() {
	var (
		envFile  = flag.String("env-file", "", "dotenv file loaded before secrets are resolved (optional)")
		logLevel = flag.String("log-level", "info", "log level (debug|info|warn|error)")

		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		owner      = flag.String("owner", "", "unique controller instance id (required; used for the scraper lease)")

		// Controller options.
		keyName          = flag.String("key-name", "", "signing key name (required)")
		solanaRPCURL     = flag.String("solana-rpc-url", "", "Solana JSON-RPC URL (required)")
		contractAddress  = flag.String("contract-address", "", "bridge program address on Solana (required)")
		initialSignature = flag.String("initial-signature", "", "signature the first scrape starts after (required)")
		minimumWithdraw  = flag.Uint64("minimum-withdrawal-amount", 0, "minimum withdrawal amount in base units (required)")
		ledgerID         = flag.String("ledger-id", "", "local ledger id (required)")
		controllerAcct   = flag.String("controller-account", "", "controller account on the local ledger (required)")

		scrapeInterval = flag.Duration("scrape-interval", time.Minute, "deposit scrape interval")
		pageLimit      = flag.Int("page-limit", 1000, "signatures requested per scrape page")
		callTimeout    = flag.Duration("call-timeout", 30*time.Second, "timeout for ledger, chain, and signer calls")
		leaseTTL       = flag.Duration("lease-ttl", 2*time.Minute, "scraper lease TTL")
		maxRetries     = flag.Uint("max-retries", 100, "attempts before a task is dropped")
		taskRetention  = flag.Duration("task-retention", 7*24*time.Hour, "how long finished tasks stay in history")

		solanaTimeout  = flag.Duration("solana-rpc-timeout", 30*time.Second, "Solana RPC timeout")
		solanaMaxBytes = flag.Int64("solana-rpc-max-response-bytes", 10<<20, "max Solana RPC response size (bytes)")

		storeDriver = flag.String("store-driver", storeDriverPostgres, "state store driver (postgres|memory)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for --store-driver postgres)")

		ledgerDriver       = flag.String("ledger-driver", ledgerDriverHTTP, "ledger driver (http|memory)")
		ledgerURL          = flag.String("ledger-url", "", "ledger service base URL (required for --ledger-driver http)")
		ledgerTokenRef     = flag.String("ledger-token", "", "ledger bearer token secret ref (env:NAME or aws-sm:ID[#field])")
		devLedgerListen    = flag.String("dev-ledger-listen", "", "serve the in-memory ledger on this address (--ledger-driver memory only)")
		devLedgerAllowance = flag.Uint64("dev-ledger-auto-approve", 0, "allowance granted to every account minted into (--ledger-driver memory only)")

		tssURL            = flag.String("tss-url", "", "tss-host base url (required; must be https unless --tss-insecure-http)")
		tssInsecureHTTP   = flag.Bool("tss-insecure-http", false, "allow tss-url over plain http (DANGEROUS; dev only)")
		tssTokenRef       = flag.String("tss-token", "", "tss-host bearer token secret ref (optional)")
		tssTimeout        = flag.Duration("tss-timeout", 10*time.Second, "tss request timeout")
		tssMaxRespBytes   = flag.Int64("tss-max-response-bytes", 1<<20, "max tss response size (bytes)")
		tssServerCAFile   = flag.String("tss-server-ca-file", "", "server root CA PEM file (optional; defaults to system roots)")
		tssClientCertFile = flag.String("tss-client-cert-file", "", "client cert PEM file (optional; for mTLS)")
		tssClientKeyFile  = flag.String("tss-client-key-file", "", "client key PEM file (optional; for mTLS)")

		archiveDriver = flag.String("archive-driver", "", "coupon archive driver (s3|memory); empty disables archiving")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for --archive-driver s3")
		archivePrefix = flag.String("archive-prefix", "", "key prefix inside the archive")
		awsRegion     = flag.String("aws-region", "", "AWS region (optional; defaults to the SDK chain)")

		auditDriver  = flag.String("audit-driver", queue.DriverNone, "audit queue driver (kafka|stdio|none)")
		auditBrokers = flag.String("audit-brokers", "", "audit queue brokers (comma-separated)")
		auditTopic   = flag.String("audit-topic", audit.DefaultTopic, "audit queue topic")

		adminTokenRef      = flag.String("admin-token", "", "admin bearer token secret ref; empty disables /v1/admin")
		rateLimitPerSecond = flag.Float64("rate-limit-per-second", 20, "per-caller refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-caller burst capacity for API rate limiting")
		rateLimitMaxKeys   = flag.Int("rate-limit-max-tracked-keys", 10000, "maximum tracked callers in the rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if strings.TrimSpace(*owner) == "" || strings.TrimSpace(*tssURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner and --tss-url are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *scrapeInterval <= 0 || *callTimeout <= 0 || *leaseTTL <= 0 || *taskRetention <= 0 || *solanaTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: durations must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *pageLimit <= 0 || *maxRetries == 0 || *maxRetries > uint(^uint32(0)) || *solanaMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --page-limit, --max-retries, and --solana-rpc-max-response-bytes must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxKeys <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}

	opts := controller.Options{
		KeyName:                 strings.TrimSpace(*keyName),
		SolanaRPCURL:            strings.TrimSpace(*solanaRPCURL),
		ContractAddress:         strings.TrimSpace(*contractAddress),
		InitialSignature:        strings.TrimSpace(*initialSignature),
		MinimumWithdrawalAmount: *minimumWithdraw,
		LedgerID:                strings.TrimSpace(*ledgerID),
		ControllerAccount:       strings.TrimSpace(*controllerAcct),
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()
	ledgerToken, err := resolver.Resolve(ctx, *ledgerTokenRef)
	if err != nil {
		log.Error("resolve ledger token", "err", err)
		os.Exit(2)
	}
	tssToken, err := resolver.Resolve(ctx, *tssTokenRef)
	if err != nil {
		log.Error("resolve tss token", "err", err)
		os.Exit(2)
	}
	adminToken, err := resolver.Resolve(ctx, *adminTokenRef)
	if err != nil {
		log.Error("resolve admin token", "err", err)
		os.Exit(2)
	}

	var deps controller.Deps

	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case storeDriverPostgres:
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required for --store-driver postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		if err := openPostgresStores(ctx, pool, &deps); err != nil {
			log.Error("init postgres stores", "err", err)
			os.Exit(2)
		}
	case storeDriverMemory:
		log.Warn("using in-memory state store; state is lost on restart")
		deps.Deposits = deposit.NewMemoryStore()
		deps.Withdrawals = withdraw.NewMemoryStore(time.Now)
		deps.Tasks = tasks.NewMemoryStore(time.Now)
		deps.Leases = leases.NewMemoryStore(time.Now)
		deps.Options = controller.NewMemoryOptionsStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var devLedger *http.Server
	switch strings.ToLower(strings.TrimSpace(*ledgerDriver)) {
	case ledgerDriverHTTP:
		if strings.TrimSpace(*ledgerURL) == "" {
			fmt.Fprintln(os.Stderr, "error: --ledger-url is required for --ledger-driver http")
			os.Exit(2)
		}
		ledgerOpts := []ledger.Option{ledger.WithTimeout(*callTimeout)}
		if ledgerToken != "" {
			ledgerOpts = append(ledgerOpts, ledger.WithBearerToken(ledgerToken))
		}
		lc, err := ledger.NewHTTPClient(*ledgerURL, ledgerOpts...)
		if err != nil {
			log.Error("init ledger client", "err", err)
			os.Exit(2)
		}
		deps.Ledger = lc
	case ledgerDriverMemory:
		log.Warn("using in-memory ledger; balances are lost on restart")
		ml := ledger.NewMemoryLedger(opts.ControllerAccount)
		var backend ledger.Client = ml
		if *devLedgerAllowance > 0 {
			backend = &autoApproveLedger{MemoryLedger: ml, allowance: *devLedgerAllowance}
		}
		deps.Ledger = backend
		if *devLedgerListen != "" {
			devLedger = &http.Server{
				Addr:              *devLedgerListen,
				Handler:           ledger.NewHandler(backend, ledgerToken),
				ReadHeaderTimeout: *readHeaderTimeout,
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --ledger-driver %q\n", *ledgerDriver)
		os.Exit(2)
	}

	tssHTTPClient, err := newTSSHTTPClient(*tssTimeout, *tssServerCAFile, *tssClientCertFile, *tssClientKeyFile)
	if err != nil {
		log.Error("init tss http client", "err", err)
		os.Exit(2)
	}
	tssOpts := []tss.Option{
		tss.WithHTTPClient(tssHTTPClient),
		tss.WithMaxResponseBytes(*tssMaxRespBytes),
	}
	if tssToken != "" {
		tssOpts = append(tssOpts, tss.WithBearerToken(tssToken))
	}
	if *tssInsecureHTTP {
		tssOpts = append(tssOpts, tss.WithInsecureHTTP())
	}
	signer, err := tss.NewClient(*tssURL, tssOpts...)
	if err != nil {
		log.Error("init tss client", "err", err)
		os.Exit(2)
	}
	deps.Signer = signer

	var archive withdrawcoordinator.Archiver
	if strings.TrimSpace(*archiveDriver) != "" {
		a, err := newArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix, *awsRegion)
		if err != nil {
			log.Error("init coupon archive", "err", err)
			os.Exit(2)
		}
		archive = a
	}

	var auditSink audit.Sink = audit.Discard
	if strings.ToLower(strings.TrimSpace(*auditDriver)) != queue.DriverNone {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *auditDriver,
			Brokers: queue.SplitCommaList(*auditBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init audit producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		pub, err := audit.NewPublisher(producer, audit.PublisherConfig{Topic: *auditTopic})
		if err != nil {
			log.Error("init audit publisher", "err", err)
			os.Exit(2)
		}
		auditSink = pub
	}

	chainFactory := func(rpcURL string) (depositscraper.Chain, error) {
		return solrpc.New(rpcURL, solrpc.WithTimeout(*solanaTimeout), solrpc.WithMaxResponseBytes(*solanaMaxBytes))
	}

	ctrl, err := controller.New(ctx, opts, controller.Config{
		Owner:          *owner,
		ScrapeInterval: *scrapeInterval,
		PageLimit:      *pageLimit,
		CallTimeout:    *callTimeout,
		LeaseTTL:       *leaseTTL,
		MaxRetries:     uint32(*maxRetries),
		TaskRetention:  *taskRetention,
		ChainFactory:   chainFactory,
		Archive:        archive,
		Audit:          auditSink,
	}, deps, log)
	if err != nil {
		log.Error("init controller", "err", err)
		os.Exit(2)
	}

	handler, err := bridgeapi.NewHandler(bridgeapi.Config{
		AdminToken:             adminToken,
		RateLimitPerSecond:     *rateLimitPerSecond,
		RateLimitBurst:         *rateLimitBurst,
		RateLimitMaxTrackedKey: *rateLimitMaxKeys,
		Now:                    time.Now,
	}, ctrl)
	if err != nil {
		log.Error("init bridge api handler", "err", err)
		os.Exit(2)
	}
	if adminToken == "" {
		log.Warn("no admin token configured; admin routes are disabled")
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 3)
	go func() {
		log.Info("bridge-controller listening",
			"addr", *listenAddr,
			"ledgerID", opts.LedgerID,
			"contract", opts.ContractAddress,
			"keyName", opts.KeyName,
			"storeDriver", *storeDriver,
			"ledgerDriver", *ledgerDriver,
		)
		errCh <- srv.ListenAndServe()
	}()
	if devLedger != nil {
		go func() {
			log.Warn("dev ledger listening", "addr", devLedger.Addr)
			errCh <- devLedger.ListenAndServe()
		}()
	}
	go func() {
		errCh <- ctrl.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("fatal", "err", err)
			exitCode = 1
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if devLedger != nil {
		_ = devLedger.Shutdown(shutdownCtx)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func openPostgresStores(ctx context.Context, pool *pgxpool.Pool, deps *controller.Deps) error {
	depositStore, err := depositpg.New(pool)
	if err != nil {
		return fmt.Errorf("deposit store: %w", err)
	}
	if err := depositStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure deposit schema: %w", err)
	}
	withdrawStore, err := withdrawpg.New(pool)
	if err != nil {
		return fmt.Errorf("withdraw store: %w", err)
	}
	if err := withdrawStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure withdraw schema: %w", err)
	}
	taskStore, err := taskspg.New(pool)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	if err := taskStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	leaseStore, err := leasespg.New(pool)
	if err != nil {
		return fmt.Errorf("lease store: %w", err)
	}
	if err := leaseStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure lease schema: %w", err)
	}

	optionsStore, err := controllerpg.New(pool)
	if err != nil {
		return fmt.Errorf("options store: %w", err)
	}
	if err := optionsStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure options schema: %w", err)
	}

	deps.Deposits = depositStore
	deps.Withdrawals = withdrawStore
	deps.Tasks = taskStore
	deps.Leases = leaseStore
	deps.Options = optionsStore
	return nil
}

func newArchive(ctx context.Context, driver, bucket, prefix, region string) (*blobstore.CouponArchive, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	cfg := blobstore.Config{Driver: driver, Prefix: prefix}
	if driver == blobstore.DriverS3 {
		if strings.TrimSpace(bucket) == "" {
			return nil, fmt.Errorf("--archive-bucket is required for --archive-driver s3")
		}
		client, err := blobstore.NewS3Client(ctx, region)
		if err != nil {
			return nil, err
		}
		cfg.Bucket = bucket
		cfg.S3Client = client
	}
	store, err := blobstore.New(cfg)
	if err != nil {
		return nil, err
	}
	return blobstore.NewCouponArchive(store)
}

// autoApproveLedger grants a standing allowance to every account it mints
// into, so a dev deployment can withdraw without a separate approve step.
type autoApproveLedger struct {
	*ledger.MemoryLedger
	allowance uint64
}

func (l *autoApproveLedger) Mint(ctx context.Context, to string, amount uint64, memo [32]byte) (uint64, error) {
	idx, err := l.MemoryLedger.Mint(ctx, to, amount, memo)
	if err == nil && l.MemoryLedger.Allowance(to) < l.allowance {
		l.MemoryLedger.Approve(to, l.allowance)
	}
	return idx, err
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func newTSSHTTPClient(timeout time.Duration, serverCAFile string, clientCertFile string, clientKeyFile string) (*http.Client, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("tss timeout must be > 0")
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}

	// A configured CA replaces the system roots.
	if serverCAFile != "" {
		caPEM, err := os.ReadFile(serverCAFile)
		if err != nil {
			return nil, fmt.Errorf("read server ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse server ca file")
		}
		tlsCfg.RootCAs = pool
	}

	if clientCertFile != "" || clientKeyFile != "" {
		if clientCertFile == "" || clientKeyFile == "" {
			return nil, fmt.Errorf("tss client cert requires both --tss-client-cert-file and --tss-client-key-file")
		}
		cert, err := tls.LoadX509KeyPair(clientCertFile, clientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
		},
	}, nil
}
