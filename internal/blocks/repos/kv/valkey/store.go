// Package valkey stores cache records in a Valkey (or Redis) server so several
// mirror processes can share one cache.
package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/haukened/blockmirror/internal/blocks/repos/kv"
)

const (
	defaultKeyPrefix = "blockmirror:"
	opTimeout        = 5 * time.Second
)

// Options configures the Valkey backend.
type Options struct {
	Address   string
	TLS       bool
	KeyPrefix string
}

type store struct {
	client valkey.Client
	prefix string
}

// newClient is swapped in tests.
var newClient = valkey.NewClient

// New connects to the configured Valkey server.
func New(opts Options) (kv.Storage, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, errors.New("valkey address is required")
	}
	client, err := newClient(clientOption(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return &store{client: client, prefix: keyPrefix(opts)}, nil
}

func clientOption(opts Options) valkey.ClientOption {
	var tlsConfig *tls.Config
	if opts.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return valkey.ClientOption{
		InitAddress: []string{opts.Address},
		TLSConfig:   tlsConfig,
	}
}

func keyPrefix(opts Options) string {
	if opts.KeyPrefix == "" {
		return defaultKeyPrefix
	}
	return opts.KeyPrefix
}

func (s *store) key(k string) string { return s.prefix + k }

func (s *store) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to execute get command: %w", err)
	}
	b, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("failed to convert response to bytes: %w", err)
	}
	return b, true, nil
}

func (s *store) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	cmd := s.client.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *store) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *store) Close() error {
	s.client.Close()
	return nil
}

var _ kv.Storage = (*store)(nil)
