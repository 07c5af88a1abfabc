package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/secondchance/internal/config"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client           *redis.Client
	restrictionStore *restrictionStore
	usageStore       *usageStore
	approvalStore    *approvalStore
	grantStore       *grantStore
	crisisStore      *crisisAuditStore
	outboxStore      *outboxStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry a port (miniredis, unix-style host:port values)
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:           client,
		restrictionStore: &restrictionStore{client: client},
		usageStore:       &usageStore{client: client},
		approvalStore:    &approvalStore{client: client},
		grantStore:       &grantStore{client: client},
		crisisStore:      &crisisAuditStore{client: client},
		outboxStore:      &outboxStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Restrictions returns the RestrictionStore implementation
func (s *Store) Restrictions() storage.RestrictionStore { return s.restrictionStore }

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore { return s.usageStore }

// Approvals returns the ApprovalStore implementation
func (s *Store) Approvals() storage.ApprovalStore { return s.approvalStore }

// Grants returns the GrantStore implementation
func (s *Store) Grants() storage.GrantStore { return s.grantStore }

// CrisisAudit returns the CrisisAuditStore implementation
func (s *Store) CrisisAudit() storage.CrisisAuditStore { return s.crisisStore }

// Outbox returns the OutboxStore implementation
func (s *Store) Outbox() storage.OutboxStore { return s.outboxStore }
