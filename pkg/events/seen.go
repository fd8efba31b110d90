package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/eventflow/pkg/redis"
)

// SeenStore remembers which event ids were already published and how each
// publish turned out.
type SeenStore interface {
	// Reserve marks eventID as seen. It returns false when it already was.
	Reserve(ctx context.Context, eventID string) (bool, error)
	// Record stores the outcome of the first publish of eventID.
	Record(ctx context.Context, eventID string, handled bool) error
	// Outcome reports where the publish of eventID stands.
	Outcome(ctx context.Context, eventID string) (PublishOutcome, error)
}

// PublishOutcome is the state of an event id in a SeenStore.
type PublishOutcome uint8

const (
	OutcomeUnseen PublishOutcome = iota
	// OutcomeInFlight means the id is reserved and its first publish has not
	// recorded an outcome yet.
	OutcomeInFlight
	OutcomeHandled
	OutcomeFailed
)

func (o PublishOutcome) String() string {
	switch o {
	case OutcomeInFlight:
		return "in_flight"
	case OutcomeHandled:
		return "handled"
	case OutcomeFailed:
		return "failed"
	}
	return "unseen"
}

// MemorySeenStore is the process-local seen-set.
type MemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]PublishOutcome
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: make(map[string]PublishOutcome)}
}

func (s *MemorySeenStore) Reserve(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = OutcomeInFlight
	return true, nil
}

func (s *MemorySeenStore) Record(_ context.Context, eventID string, handled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handled {
		s.seen[eventID] = OutcomeHandled
	} else {
		s.seen[eventID] = OutcomeFailed
	}
	return nil
}

func (s *MemorySeenStore) Outcome(_ context.Context, eventID string) (PublishOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[eventID], nil
}

// Len returns how many event ids have been seen.
func (s *MemorySeenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

const (
	redisSeenReserved = "reserved"
	redisSeenHandled  = "1"
	redisSeenFailed   = "0"
	redisSeenScope    = "registry"

	// DefaultReservationTTL bounds how long an unrecorded reservation blocks
	// re-publishing after its publisher died.
	DefaultReservationTTL = 5 * time.Minute
)

// RedisSeenStore shares the seen-set across processes. Reserve writes a
// short-lived marker with SETNX; Record replaces it with the outcome under
// the full TTL. A publish that outlives the reservation TTL can be
// dispatched again by a concurrent duplicate.
type RedisSeenStore struct {
	store       redis.KeyValueStore
	ttl         time.Duration
	reservation time.Duration
}

// NewRedisSeenStore keeps outcomes for ttl (0 keeps them forever) and
// reservations for reservation (0 selects DefaultReservationTTL, capped at
// ttl).
func NewRedisSeenStore(store redis.KeyValueStore, ttl, reservation time.Duration) (*RedisSeenStore, error) {
	if store == nil {
		return nil, errors.New("redis store is required")
	}
	if ttl < 0 || reservation < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if reservation == 0 {
		reservation = DefaultReservationTTL
	}
	if ttl > 0 && reservation > ttl {
		reservation = ttl
	}
	return &RedisSeenStore{store: store, ttl: ttl, reservation: reservation}, nil
}

func (s *RedisSeenStore) Reserve(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	return s.store.SetNX(ctx, redis.SeenKey(redisSeenScope, eventID), redisSeenReserved, s.reservation)
}

func (s *RedisSeenStore) Record(ctx context.Context, eventID string, handled bool) error {
	value := redisSeenFailed
	if handled {
		value = redisSeenHandled
	}
	return s.store.Set(ctx, redis.SeenKey(redisSeenScope, eventID), value, s.ttl)
}

func (s *RedisSeenStore) Outcome(ctx context.Context, eventID string) (PublishOutcome, error) {
	value, err := s.store.Get(ctx, redis.SeenKey(redisSeenScope, eventID))
	if errors.Is(err, redis.Nil) {
		return OutcomeUnseen, nil
	}
	if err != nil {
		return OutcomeUnseen, err
	}
	switch value {
	case redisSeenHandled:
		return OutcomeHandled, nil
	case redisSeenFailed:
		return OutcomeFailed, nil
	}
	return OutcomeInFlight, nil
}
