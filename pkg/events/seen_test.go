package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventflow/pkg/redis"
)

type fakeKV struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	f.data[key] = fmt.Sprint(value)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = fmt.Sprint(value)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestRedisSeenStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	store, err := NewRedisSeenStore(kv, time.Hour, 0)
	require.NoError(t, err)

	outcome, err := store.Outcome(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnseen, outcome)

	first, err := store.Reserve(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, DefaultReservationTTL, kv.ttls["ef:seen:registry:evt-1"], "reservation uses the short TTL")

	again, err := store.Reserve(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, again)
	outcome, err = store.Outcome(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, outcome)

	require.NoError(t, store.Record(ctx, "evt-1", true))
	outcome, err = store.Outcome(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, outcome)
	assert.Equal(t, time.Hour, kv.ttls["ef:seen:registry:evt-1"], "record extends to the full TTL")

	_, err = store.Reserve(ctx, "")
	assert.Error(t, err)
}

func TestRedisSeenStoreReservationTTL(t *testing.T) {
	cases := map[string]struct {
		ttl, reservation, want time.Duration
	}{
		"explicit":              {ttl: time.Hour, reservation: time.Minute, want: time.Minute},
		"default":               {ttl: time.Hour, want: DefaultReservationTTL},
		"capped at ttl":         {ttl: time.Second, reservation: time.Minute, want: time.Second},
		"outcomes never expire": {reservation: 2 * time.Minute, want: 2 * time.Minute},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			kv := newFakeKV()
			store, err := NewRedisSeenStore(kv, tc.ttl, tc.reservation)
			require.NoError(t, err)
			_, err = store.Reserve(context.Background(), "evt")
			require.NoError(t, err)
			assert.Equal(t, tc.want, kv.ttls["ef:seen:registry:evt"])
		})
	}
}

func TestExpiredReservationAllowsRepublish(t *testing.T) {
	kv := newFakeKV()
	store, err := NewRedisSeenStore(kv, time.Hour, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Reserve(ctx, "evt-crash")
	require.NoError(t, err)
	require.True(t, first)

	// the publisher died before Record; the reservation expires
	require.NoError(t, kv.Del(ctx, "ef:seen:registry:evt-crash"))

	calls := 0
	reg := NewRegistry(WithSeenStore(store))
	reg.MustRegister("x", func(context.Context, Event) error { calls++; return nil }, RegistrationOptions{})
	handled, err := reg.Publish(ctx, NewEvent("custom", "x", nil, WithEventID("evt-crash")))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 1, calls)
}

func TestPublishReportsInFlightDuplicate(t *testing.T) {
	store := NewMemorySeenStore()
	reg := NewRegistry(WithSeenStore(store))
	ctx := context.Background()
	evt := NewEvent("custom", "x", nil, WithEventID("evt-busy"))

	var nested bool
	var nestedErr error
	reg.MustRegister("x", func(ctx context.Context, e Event) error {
		nested, nestedErr = reg.Publish(ctx, e)
		return nil
	}, RegistrationOptions{})

	handled, err := reg.Publish(ctx, evt)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, nested)
	assert.ErrorIs(t, nestedErr, ErrPublishInFlight)

	again, err := reg.Publish(ctx, evt)
	require.NoError(t, err)
	assert.True(t, again, "once recorded, duplicates see the first outcome")
}

func TestRedisSeenStoreBacksRegistry(t *testing.T) {
	store, err := NewRedisSeenStore(newFakeKV(), time.Minute, 0)
	require.NoError(t, err)

	// two registries sharing one store behave like two processes
	calls := 0
	handler := func(context.Context, Event) error { calls++; return nil }
	a := NewRegistry(WithSeenStore(store))
	b := NewRegistry(WithSeenStore(store))
	a.MustRegister("x", handler, RegistrationOptions{})
	b.MustRegister("x", handler, RegistrationOptions{})

	evt := NewEvent("custom", "x", nil)
	okA, err := a.Publish(context.Background(), evt)
	require.NoError(t, err)
	okB, err := b.Publish(context.Background(), evt)
	require.NoError(t, err)

	assert.True(t, okA)
	assert.Equal(t, okA, okB)
	assert.Equal(t, 1, calls)
}

func TestNewRedisSeenStoreValidation(t *testing.T) {
	_, err := NewRedisSeenStore(nil, time.Minute, 0)
	assert.Error(t, err)
	_, err = NewRedisSeenStore(newFakeKV(), -time.Second, 0)
	assert.Error(t, err)
	_, err = NewRedisSeenStore(newFakeKV(), time.Minute, -time.Second)
	assert.Error(t, err)
}

func TestMemorySeenStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySeenStore()
	ok, _ := store.Reserve(ctx, "a")
	assert.True(t, ok)
	outcome, _ := store.Outcome(ctx, "a")
	assert.Equal(t, OutcomeInFlight, outcome)
	require.NoError(t, store.Record(ctx, "a", false))
	outcome, _ = store.Outcome(ctx, "a")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, "failed", outcome.String())
	outcome, _ = store.Outcome(ctx, "b")
	assert.Equal(t, OutcomeUnseen, outcome)
	assert.Equal(t, 1, store.Len())
}
