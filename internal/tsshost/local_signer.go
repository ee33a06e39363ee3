package tsshost

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownKey = errors.New("tsshost: unknown key")

// LocalSigner holds secp256k1 keys in process memory. It stands in for the
// threshold signer in development and tests.
type LocalSigner struct {
	keys map[string]*ecdsa.PrivateKey
}

// NewLocalSigner parses keyName -> hex private key pairs.
func NewLocalSigner(hexKeys map[string]string) (*LocalSigner, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("tsshost: no keys")
	}
	s := &LocalSigner{keys: make(map[string]*ecdsa.PrivateKey, len(hexKeys))}
	for name, raw := range hexKeys {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("tsshost: empty key name")
		}
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("tsshost: parse key %q: %w", name, err)
		}
		s.keys[name] = key
	}
	return s, nil
}

func (s *LocalSigner) Sign(_ context.Context, keyName string, digest [32]byte) ([]byte, error) {
	key, ok := s.keys[keyName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyName)
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("tsshost: sign: %w", err)
	}
	return sig[:64], nil
}

func (s *LocalSigner) PublicKey(_ context.Context, keyName string) ([]byte, error) {
	key, ok := s.keys[keyName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyName)
	}
	return crypto.CompressPubkey(&key.PublicKey), nil
}
