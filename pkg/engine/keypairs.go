package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// KeyPairCache remembers key pair names known to exist in every region.
// Implementations must be safe for concurrent use.
type KeyPairCache interface {
	Has(name string) bool
	Add(name string)
	Remove(name string)
}

// MemoryKeyPairCache is an in-process KeyPairCache.
type MemoryKeyPairCache struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewMemoryKeyPairCache creates an empty cache.
func NewMemoryKeyPairCache() *MemoryKeyPairCache {
	return &MemoryKeyPairCache{names: make(map[string]struct{})}
}

// Has implements KeyPairCache.
func (c *MemoryKeyPairCache) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok
}

// Add implements KeyPairCache.
func (c *MemoryKeyPairCache) Add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[name] = struct{}{}
}

// Remove implements KeyPairCache.
func (c *MemoryKeyPairCache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, name)
}

// KeyPairManager ensures named key pairs exist, or are gone, in every
// managed region.
type KeyPairManager struct {
	provider Provider
	cache    KeyPairCache
	regions  []string
	logger   zerolog.Logger
}

// NewKeyPairManager creates a key pair manager. A nil cache gets an
// in-process one.
func NewKeyPairManager(provider Provider, cache KeyPairCache, regions []string, logger zerolog.Logger) *KeyPairManager {
	if cache == nil {
		cache = NewMemoryKeyPairCache()
	}
	return &KeyPairManager{
		provider: provider,
		cache:    cache,
		regions:  append([]string(nil), regions...),
		logger:   logger.With().Str("component", "key-pairs").Logger(),
	}
}

// EnsureKeyPair imports publicKey under name in every region where it is
// missing. Names already cached make no remote calls.
func (m *KeyPairManager) EnsureKeyPair(ctx context.Context, name, publicKey string) error {
	if name == "" {
		return NewInvalidInputError("key pair name is required", nil).WithCode(ErrCodeValidation)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey)); err != nil {
		return NewInvalidInputError("invalid public key", err).WithCode(ErrCodeInvalidKey).WithResource(name)
	}

	if m.cache.Has(name) {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, region := range m.regions {
		g.Go(func() error {
			exists, err := m.exists(ctx, region, name)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}

			err = telemetry.RecordProviderOperation(ctx, "ec2", "ImportKeyPair", func(ctx context.Context) error {
				return m.provider.ImportKeyPair(ctx, region, name, publicKey)
			})
			if err != nil {
				return fmt.Errorf("failed to import key pair %s in %s: %w", name, region, err)
			}
			m.logger.Info().Str("region", region).Str("key_pair", name).Msg("Imported key pair")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.cache.Add(name)
	return nil
}

// RemoveKeyPair deletes name from every region where it exists.
func (m *KeyPairManager) RemoveKeyPair(ctx context.Context, name string) error {
	if name == "" {
		return NewInvalidInputError("key pair name is required", nil).WithCode(ErrCodeValidation)
	}

	m.cache.Remove(name)

	g, ctx := errgroup.WithContext(ctx)
	for _, region := range m.regions {
		g.Go(func() error {
			exists, err := m.exists(ctx, region, name)
			if err != nil {
				return err
			}
			if !exists {
				return nil
			}

			err = telemetry.RecordProviderOperation(ctx, "ec2", "DeleteKeyPair", func(ctx context.Context) error {
				return m.provider.DeleteKeyPair(ctx, region, name)
			})
			if err != nil {
				return fmt.Errorf("failed to delete key pair %s in %s: %w", name, region, err)
			}
			m.logger.Info().Str("region", region).Str("key_pair", name).Msg("Deleted key pair")
			return nil
		})
	}
	return g.Wait()
}

func (m *KeyPairManager) exists(ctx context.Context, region, name string) (bool, error) {
	var exists bool
	err := telemetry.RecordProviderOperation(ctx, "ec2", "DescribeKeyPairs", func(ctx context.Context) error {
		var err error
		exists, err = m.provider.KeyPairExists(ctx, region, name)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe key pair %s in %s: %w", name, region, err)
	}
	return exists, nil
}
