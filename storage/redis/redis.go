// Package redis provides a Redis implementation of the entitlement.Storage interface.
// Account updates and ledger claims run as Lua scripts so they are atomic per key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Storage implements entitlement.Storage and entitlement.EventClaimer using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlements:")
	KeyPrefix string

	// EventTTL is the TTL for ledger rows (0 = kept forever)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "entitlements:",
		EventTTL:  0,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitlements:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

func (s *Storage) loadScripts() {
	// Overwrite an account only if it exists at the expected version, keeping the customer index current
	s.scripts["updateAccount"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local customerKey = KEYS[2]
		local data = ARGV[1]
		local id = ARGV[2]
		local expected = tonumber(ARGV[3])

		local current = redis.call('GET', accountKey)
		if not current then
			return 0
		end
		local version = tonumber(cjson.decode(current)['version'] or 0)
		if version ~= expected then
			return -1
		end
		redis.call('SET', accountKey, data)
		if customerKey ~= '' then
			redis.call('SET', customerKey, id)
		end
		return 1
	`)

	// Compare-and-swap claim of a ledger row
	s.scripts["claimEvent"] = redis.NewScript(`
		local eventKey = KEYS[1]
		local data = ARGV[1]
		local claimedAt = ARGV[2]
		local staleBefore = tonumber(ARGV[3])
		local ttl = tonumber(ARGV[4])

		local status = redis.call('HGET', eventKey, 'status')
		if status == 'done' then
			return 'done'
		end
		if status == 'processing' then
			local claimed = tonumber(redis.call('HGET', eventKey, 'claimed') or '0')
			if claimed > staleBefore then
				return 'in_flight'
			end
		end

		redis.call('HSET', eventKey, 'data', data, 'status', 'processing', 'claimed', claimedAt)
		if ttl > 0 then
			redis.call('PEXPIRE', eventKey, ttl)
		end
		return 'acquired'
	`)
}

// InsertAccount creates or replaces an account and its lookup indexes
func (s *Storage) InsertAccount(ctx context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.accountKey(acct.ID), data, 0)
		if acct.BillingCustomerID != "" {
			pipe.Set(ctx, s.customerKey(acct.BillingCustomerID), acct.ID, 0)
		}
		if acct.Email != "" {
			pipe.SAdd(ctx, s.emailKey(acct.Email), acct.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount implements entitlement.AccountStore
func (s *Storage) GetAccount(ctx context.Context, id string) (*entitlement.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acct entitlement.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// FindByCustomerID implements entitlement.AccountStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Account, error) {
	id, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read customer index: %w", err)
	}

	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	// The index can outlive a customer id change on the account
	if acct.BillingCustomerID != customerID {
		return nil, entitlement.ErrAccountNotFound
	}
	return acct, nil
}

// FindByEmail implements entitlement.AccountStore
func (s *Storage) FindByEmail(ctx context.Context, email string) ([]*entitlement.Account, error) {
	ids, err := s.client.SMembers(ctx, s.emailKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read email index: %w", err)
	}

	out := make([]*entitlement.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := s.GetAccount(ctx, id)
		if errors.Is(err, entitlement.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(acct.Email, email) {
			out = append(out, acct)
		}
	}
	return out, nil
}

// UpdateAccount implements entitlement.AccountStore
func (s *Storage) UpdateAccount(ctx context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	next := *acct
	next.Version = acct.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	customerKey := ""
	if acct.BillingCustomerID != "" {
		customerKey = s.customerKey(acct.BillingCustomerID)
	}

	res, err := s.scripts["updateAccount"].Run(ctx, s.client,
		[]string{s.accountKey(acct.ID), customerKey},
		data, acct.ID, acct.Version,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	switch res {
	case 0:
		return entitlement.ErrAccountNotFound
	case -1:
		return entitlement.ErrAccountConflict
	}
	acct.Version = next.Version
	return nil
}

// GetEvent implements entitlement.LedgerStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.BillingEvent, error) {
	data, err := s.client.HGet(ctx, s.eventKey(eventID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}

	var ev entitlement.BillingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing event: %w", err)
	}
	return &ev, nil
}

// PutEvent implements entitlement.LedgerStore
func (s *Storage) PutEvent(ctx context.Context, ev *entitlement.BillingEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid billing event")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}

	key := s.eventKey(ev.EventID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "status", string(ev.Status), "claimed", claimedMillis(ev))
		if s.config.EventTTL > 0 {
			pipe.Expire(ctx, key, s.config.EventTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put billing event: %w", err)
	}
	return nil
}

// ClaimEvent implements entitlement.EventClaimer
func (s *Storage) ClaimEvent(
	ctx context.Context, ev *entitlement.BillingEvent, staleBefore time.Time,
) (entitlement.ClaimResult, error) {
	if ev == nil || ev.EventID == "" {
		return "", fmt.Errorf("invalid billing event")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal billing event: %w", err)
	}

	res, err := s.scripts["claimEvent"].Run(ctx, s.client,
		[]string{s.eventKey(ev.EventID)},
		data, claimedMillis(ev), staleBefore.UnixMilli(), s.config.EventTTL.Milliseconds(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("failed to claim billing event: %w", err)
	}

	switch entitlement.ClaimResult(res) {
	case entitlement.ClaimAcquired, entitlement.ClaimDone, entitlement.ClaimInFlight:
		return entitlement.ClaimResult(res), nil
	default:
		return "", fmt.Errorf("unexpected claim result %q", res)
	}
}

func claimedMillis(ev *entitlement.BillingEvent) string {
	if ev.ClaimedAt == nil {
		return "0"
	}
	return strconv.FormatInt(ev.ClaimedAt.UnixMilli(), 10)
}

func (s *Storage) accountKey(id string) string {
	return fmt.Sprintf("%saccount:%s", s.config.KeyPrefix, id)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) emailKey(email string) string {
	return fmt.Sprintf("%semail:%s", s.config.KeyPrefix, strings.ToLower(email))
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
