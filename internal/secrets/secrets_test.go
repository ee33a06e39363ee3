package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error

	lastID string
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if in.SecretId != nil {
		c.lastID = *in.SecretId
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "BRIDGE_ADMIN_TOKEN_TEST_ENV"
	t.Setenv(key, "  super-secret  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "super-secret" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	client := &fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" secret "),
		},
	}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}
}

func TestAWSProvider_JSONField(t *testing.T) {
	t.Parallel()

	client := &fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(`{"admin_token":"tok","tss_token":"  "}`),
		},
	}
	p, _ := NewAWSWithClient(client)
	ctx := context.Background()

	got, err := p.Get(ctx, "bridge/prod#admin_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "tok" || client.lastID != "bridge/prod" {
		t.Fatalf("got %q from %q", got, client.lastID)
	}
	if _, err := p.Get(ctx, "bridge/prod#tss_token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for blank field, got %v", err)
	}
	if _, err := p.Get(ctx, "bridge/prod#missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing field, got %v", err)
	}

	client.out = &secretsmanager.GetSecretValueOutput{SecretString: strPtr("plain")}
	if _, err := p.Get(ctx, "bridge/prod#admin_token"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
}

func TestResolver(t *testing.T) {
	t.Setenv("BRIDGE_RESOLVER_TEST", "from-env")

	client := &fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("from-aws")},
	}
	aws, _ := NewAWSWithClient(client)
	r := &Resolver{Env: NewEnv(), AWS: aws}
	ctx := context.Background()

	if got, err := r.Resolve(ctx, "env:BRIDGE_RESOLVER_TEST"); err != nil || got != "from-env" {
		t.Fatalf("env ref: got %q err=%v", got, err)
	}
	if got, err := r.Resolve(ctx, "aws-sm:bridge/key"); err != nil || got != "from-aws" {
		t.Fatalf("aws ref: got %q err=%v", got, err)
	}
	if got, err := r.Resolve(ctx, "  "); err != nil || got != "" {
		t.Fatalf("empty ref: got %q err=%v", got, err)
	}
	for _, ref := range []string{"plain-value", "vault:x", "env:"} {
		if _, err := r.Resolve(ctx, ref); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("%q: expected ErrInvalidRef, got %v", ref, err)
		}
	}
}

func strPtr(v string) *string { return &v }
