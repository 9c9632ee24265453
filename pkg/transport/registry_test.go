package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	subscribed   [][]string
	unsubscribed [][]string
}

func (r *recordingSubscriber) Subscribe(_ context.Context, features ...string) error {
	r.subscribed = append(r.subscribed, features)
	return nil
}

func (r *recordingSubscriber) Unsubscribe(_ context.Context, features ...string) error {
	r.unsubscribed = append(r.unsubscribed, features)
	return nil
}

func TestRegistryReferenceCounting(t *testing.T) {
	ctx := context.Background()
	sub := &recordingSubscriber{}
	reg := NewRegistry(sub)

	require.NoError(t, reg.Acquire(ctx, "users"))
	require.NoError(t, reg.Acquire(ctx, "users", "orders"))
	assert.Equal(t, [][]string{{"users"}, {"orders"}}, sub.subscribed, "only first references subscribe")
	assert.Equal(t, 2, reg.Count("users"))

	require.NoError(t, reg.Release(ctx, "users"))
	assert.Empty(t, sub.unsubscribed, "users still referenced")

	require.NoError(t, reg.Release(ctx, "users", "orders"))
	assert.Equal(t, [][]string{{"users", "orders"}}, sub.unsubscribed)
	assert.Zero(t, reg.Count("users"))

	t.Run("release without reference is a no-op", func(t *testing.T) {
		require.NoError(t, reg.Release(ctx, "unknown"))
		assert.Len(t, sub.unsubscribed, 1)
	})
}

type failingSubscriber struct {
	recordingSubscriber
	failNext int
}

func (f *failingSubscriber) Subscribe(ctx context.Context, features ...string) error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("send failed")
	}
	return f.recordingSubscriber.Subscribe(ctx, features...)
}

func TestRegistryAcquireFailureKeepsNoReference(t *testing.T) {
	ctx := context.Background()
	sub := &failingSubscriber{failNext: 1}
	reg := NewRegistry(sub)

	require.NoError(t, reg.Acquire(ctx, "orders"))

	err := reg.Acquire(ctx, "users", "orders")
	require.Error(t, err)
	assert.Zero(t, reg.Count("users"))
	assert.Equal(t, 1, reg.Count("orders"), "existing references untouched")

	require.NoError(t, reg.Acquire(ctx, "users"))
	assert.Equal(t, [][]string{{"orders"}, {"users"}}, sub.subscribed, "next acquire subscribes again")
	assert.Equal(t, 1, reg.Count("users"))
}
