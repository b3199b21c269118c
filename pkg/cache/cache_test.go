package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Millisecond))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
	time.Sleep(5 * time.Millisecond)

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	v, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	assert.Equal(t, 2, s.Len())
	s.DeleteExpired()
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"user_list_1", "user_list_2", "user_detail_1", "role_list_1"} {
		require.NoError(t, s.Set(ctx, k, []byte("x"), time.Minute))
	}

	n, err := s.DeletePrefix(ctx, "user_list_")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Len())
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStoreDeletePrefixEscapesGlob(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	for i := 0; i < 450; i++ {
		require.NoError(t, s.Set(ctx, "user_list_"+time.Duration(i).String(), []byte("x"), 0))
	}
	require.NoError(t, s.Set(ctx, "user*list_other", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "role_list_1", []byte("x"), 0))

	n, err := s.DeletePrefix(ctx, "user_list_")
	require.NoError(t, err)
	assert.Equal(t, 450, n)

	n, err = s.DeletePrefix(ctx, "user*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "role_list_1")
	assert.NoError(t, err)
}

func TestPrefixedStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewPrefixed(inner, "crudkit")

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	_, err := inner.Get(ctx, "crudkit:k")
	require.NoError(t, err)

	n, err := s.DeletePrefix(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResponseCacheKeys(t *testing.T) {
	rc := NewResponseCache(NewMemoryStore(), time.Minute, time.Minute)

	a := rc.ListKey("user", ListKey{Filters: `{"a":1}`, Sort: "name:asc", Page: 1, Size: 10})
	b := rc.ListKey("user", ListKey{Filters: `{"a":1}`, Sort: "name:asc", Page: 1, Size: 10})
	c := rc.ListKey("user", ListKey{Filters: `{"a":1}`, Sort: "name:desc", Page: 1, Size: 10})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^user_list_[0-9a-f]{32}_page_1_size_10$`, a)
	assert.Equal(t, "user_detail_42", rc.DetailKey("user", "42"))
}

func TestResponseCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	rc := NewResponseCache(store, time.Minute, time.Minute)

	listKey := rc.ListKey("user", ListKey{Page: 1, Size: 50})
	rc.StoreList(ctx, listKey, []byte(`{"total":3}`))
	rc.StoreDetail(ctx, rc.DetailKey("user", "1"), []byte(`{}`))
	rc.StoreDetail(ctx, rc.DetailKey("user", "2"), []byte(`{}`))
	rc.StoreList(ctx, rc.ListKey("role", ListKey{Page: 1, Size: 50}), []byte(`{}`))

	body, ok := rc.Lookup(ctx, listKey)
	require.True(t, ok)
	assert.JSONEq(t, `{"total":3}`, string(body))

	rc.Invalidate(ctx, "user", "1")

	_, ok = rc.Lookup(ctx, listKey)
	assert.False(t, ok)
	_, ok = rc.Lookup(ctx, rc.DetailKey("user", "1"))
	assert.False(t, ok)
	_, ok = rc.Lookup(ctx, rc.DetailKey("user", "2"))
	assert.True(t, ok)
	_, ok = rc.Lookup(ctx, rc.ListKey("role", ListKey{Page: 1, Size: 50}))
	assert.True(t, ok)

	rc.InvalidateDetail(ctx, "user")
	_, ok = rc.Lookup(ctx, rc.DetailKey("user", "2"))
	assert.False(t, ok)
}

func TestResponseCacheStoreFailureIsAMiss(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	rc := NewResponseCache(store, time.Minute, time.Minute)
	mr.Close()

	rc.StoreList(ctx, "k", []byte("v"))
	_, ok := rc.Lookup(ctx, "k")
	assert.False(t, ok)
	rc.Invalidate(ctx, "user", "1")
}
