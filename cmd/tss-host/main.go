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

	"github.com/joho/godotenv"
	"github.com/weichain/galactic-bridge-icp/internal/secrets"
	"github.com/weichain/galactic-bridge-icp/internal/tsshost"
)

// multiValueFlag collects a repeatable string flag.
type multiValueFlag struct {
	values []string
}

func (f *multiValueFlag) String() string { return strings.Join(f.values, ",") }

func (f *multiValueFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must be non-empty")
	}
	f.values = append(f.values, v)
	return nil
}

func (f *multiValueFlag) Values() []string {
	out := make([]string, len(f.values))
	copy(out, f.values)
	return out
}

func main() {
	var keys multiValueFlag
	flag.Var(&keys, "key", "signing key as name=<secret ref>, e.g. key_1=env:TSS_KEY_1 (repeatable)")

	var (
		envFile  = flag.String("env-file", "", "dotenv file loaded before secrets are resolved (optional)")
		logLevel = flag.String("log-level", "info", "log level (debug|info|warn|error)")

		listenAddr = flag.String("listen-addr", "127.0.0.1:8443", "listen address")

		tlsCertFile  = flag.String("tls-cert-file", "", "server TLS cert PEM file (required unless --insecure-http)")
		tlsKeyFile   = flag.String("tls-key-file", "", "server TLS key PEM file (required unless --insecure-http)")
		clientCAFile = flag.String("client-ca-file", "", "client CA PEM file (enables mTLS when set)")

		insecureHTTP = flag.Bool("insecure-http", false, "serve plain HTTP (DANGEROUS; dev only)")
		tokenRef     = flag.String("bearer-token", "", "bearer token secret ref required on /v1 routes (optional)")

		maxBodyBytes = flag.Int64("max-body-bytes", 64<<10, "max HTTP request body size (bytes)")
		maxSessions  = flag.Int("max-sessions", 4096, "max in-memory sessions for idempotency")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(*logLevel))); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --log-level %q\n", *logLevel)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error("load env file", "err", err)
			os.Exit(2)
		}
	}

	if *listenAddr == "" {
		log.Error("missing --listen-addr")
		os.Exit(2)
	}
	if *maxBodyBytes <= 0 || *maxSessions <= 0 {
		log.Error("invalid size limits")
		os.Exit(2)
	}
	if len(keys.Values()) == 0 {
		log.Error("no signing keys configured (set --key name=<secret ref>)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()
	hexKeys, err := resolveKeys(ctx, resolver, keys.Values())
	if err != nil {
		log.Error("resolve signing keys", "err", err)
		os.Exit(2)
	}
	bearer, err := resolver.Resolve(ctx, *tokenRef)
	if err != nil {
		log.Error("resolve bearer token", "err", err)
		os.Exit(2)
	}

	signer, err := tsshost.NewLocalSigner(hexKeys)
	if err != nil {
		log.Error("init signer", "err", err)
		os.Exit(2)
	}

	h := tsshost.NewHandler(signer, tsshost.Config{
		MaxBodyBytes: *maxBodyBytes,
		MaxSessions:  *maxSessions,
		BearerToken:  bearer,
		Now:          time.Now,
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           h,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tss-host starting", "addr", *listenAddr, "tls", !*insecureHTTP, "mtls", *clientCAFile != "", "keys", len(hexKeys))
		if *insecureHTTP {
			errCh <- srv.ListenAndServe()
			return
		}

		tlsCfg, err := buildTLSConfig(*tlsCertFile, *tlsKeyFile, *clientCAFile)
		if err != nil {
			errCh <- err
			return
		}
		srv.TLSConfig = tlsCfg
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type secretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// resolveKeys turns name=ref pairs into name -> hex private key.
func resolveKeys(ctx context.Context, r secretResolver, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, ref, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		ref = strings.TrimSpace(ref)
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("invalid --key %q: want name=<secret ref>", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate --key %q", name)
		}
		v, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("key %q: empty secret", name)
		}
		out[name] = v
	}
	return out, nil
}

func buildTLSConfig(certFile string, keyFile string, clientCAFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("missing --tls-cert-file/--tls-key-file")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if clientCAFile != "" {
		caPEM, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse client ca file")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
