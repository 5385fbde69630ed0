// Package cache keeps derived balances in Redis and fans balance changes out
// to every server replica over Redis pub/sub.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		TTL:          10 * time.Minute,
	}
}

// Balances stores one integer per user:
//   - ledger:user:{id}:balance -> available points, expiring after TTL
//   - ledger:user:{id}:balance:gen -> write generation, bumped by every write
//   - ledger:user:{id}:balance:events -> pub/sub channel carrying new totals
type Balances struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Balances, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(client, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Balances {
	return &Balances{client: client, ttl: ttl}
}

// Close closes the Redis connection.
func (b *Balances) Close() error { return b.client.Close() }

func balanceKey(userID uuid.UUID) string {
	return fmt.Sprintf("ledger:user:%s:balance", userID)
}

func genKey(userID uuid.UUID) string {
	return balanceKey(userID) + ":gen"
}

func eventsChannel(userID uuid.UUID) string {
	return balanceKey(userID) + ":events"
}

// Get returns the cached balance and whether it was present.
func (b *Balances) Get(ctx context.Context, userID uuid.UUID) (int64, bool, error) {
	v, err := b.client.Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &errs.CacheError{Op: "get balance", Err: err}
	}
	return v, true, nil
}

// Set stores total for the configured TTL.
func (b *Balances) Set(ctx context.Context, userID uuid.UUID, total int64) error {
	if err := b.client.Set(ctx, balanceKey(userID), total, b.ttl).Err(); err != nil {
		return &errs.CacheError{Op: "set balance", Err: err}
	}
	return nil
}

// Invalidate drops the cached balance.
func (b *Balances) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := b.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		return &errs.CacheError{Op: "invalidate balance", Err: err}
	}
	return nil
}

// Bump records a write for userID: it advances the generation and drops the
// cached balance in one transaction. It returns the new generation.
func (b *Balances) Bump(ctx context.Context, userID uuid.UUID) (int64, error) {
	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, genKey(userID))
		if b.ttl > 0 {
			p.Expire(ctx, genKey(userID), b.ttl)
		}
		p.Del(ctx, balanceKey(userID))
		return nil
	})
	if err != nil {
		return 0, &errs.CacheError{Op: "bump balance", Err: err}
	}
	return incr.Val(), nil
}

// Generation returns the current write generation, zero when none is recorded.
func (b *Balances) Generation(ctx context.Context, userID uuid.UUID) (int64, error) {
	v, err := b.client.Get(ctx, genKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, &errs.CacheError{Op: "get generation", Err: err}
	}
	return v, nil
}

// Fill caches total only if no write happened since gen was read. It reports
// whether the value was stored.
func (b *Balances) Fill(ctx context.Context, userID uuid.UUID, gen, total int64) (bool, error) {
	stored := false
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey(userID)).Int64()
		if errors.Is(err, redis.Nil) {
			cur, err = 0, nil
		}
		if err != nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, balanceKey(userID), total, b.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, genKey(userID))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, &errs.CacheError{Op: "fill balance", Err: err}
	}
	return stored, nil
}

// Publish announces a new total to every subscriber of userID.
func (b *Balances) Publish(ctx context.Context, userID uuid.UUID, total int64) error {
	if err := b.client.Publish(ctx, eventsChannel(userID), total).Err(); err != nil {
		return &errs.CacheError{Op: "publish balance", Err: err}
	}
	return nil
}

// Subscribe streams published totals for userID until ctx is done.
// The subscription is confirmed before Subscribe returns.
func (b *Balances) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan int64, error) {
	ps := b.client.Subscribe(ctx, eventsChannel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &errs.CacheError{Op: "subscribe balance", Err: err}
	}

	out := make(chan int64, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				v, err := strconv.ParseInt(m.Payload, 10, 64)
				if err != nil {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
