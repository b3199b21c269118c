package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/goback/crudkit/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleRules = []Rule{
	{Role: Public, Route: "/health", Method: "get"},
	{Role: Public, Route: "/auth/login", Method: "POST"},
	{Role: "EDITOR", Route: "/user/{id}", Method: "GET"},
	{Role: "EDITOR", Route: "/files/{name:path}", Method: "GET"},
	{Role: "EDITOR", Route: "/user/{id}", Method: "GET"},
}

func staticLoader(rules []Rule, calls *int) Loader {
	return func(context.Context) ([]Rule, error) {
		*calls++
		return rules, nil
	}
}

func TestBuild(t *testing.T) {
	table := Build(sampleRules)

	assert.Equal(t, []string{"GET"}, table[Public]["/health"])
	assert.Equal(t, []string{"GET"}, table["EDITOR"]["/user/{id}"])
	assert.Len(t, table["EDITOR"], 2)
}

func TestMatchRoute(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"/health", "/health", true},
		{"/health", "/health/x", false},
		{"/user/{id}", "/user/42", true},
		{"/user/{id}", "/user/42/roles", false},
		{"/user/{id}", "/user/", false},
		{"/files/{name:path}", "/files/a/b/c.png", true},
		{"/files/{name:path}", "/files/", false},
		{"/v1.0/{id}", "/v1x0/1", false},
		{"/v1.0/{id}", "/v1.0/1", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchRoute(tc.pattern, tc.path), "%s ~ %s", tc.pattern, tc.path)
	}
}

func TestStoreAllowed(t *testing.T) {
	ctx := context.Background()
	calls := 0
	s := NewStore(staticLoader(sampleRules, &calls), cache.NewMemoryStore(), 0)

	assert.True(t, s.Allowed(ctx, Public, "/health", "GET"))
	assert.False(t, s.Allowed(ctx, Public, "/health", "POST"))
	assert.True(t, s.Allowed(ctx, "EDITOR", "/user/abc", "GET"))
	assert.True(t, s.Allowed(ctx, "EDITOR", "/files/2024/a.png", "GET"))
	assert.False(t, s.Allowed(ctx, "EDITOR", "/user/abc", "DELETE"))
	assert.False(t, s.Allowed(ctx, "EDITOR", "/health", "GET"))
	assert.False(t, s.Allowed(ctx, "", "/health", "GET"))
	assert.False(t, s.Allowed(ctx, "UNKNOWN", "/health", "GET"))

	assert.Equal(t, 1, calls)
}

func TestStoreWritesCache(t *testing.T) {
	ctx := context.Background()
	calls := 0
	mem := cache.NewMemoryStore()
	s := NewStore(staticLoader(sampleRules, &calls), mem, 0)
	require.NoError(t, s.Refresh(ctx))

	body, err := mem.Get(ctx, CacheKey)
	require.NoError(t, err)
	var table Table
	require.NoError(t, json.Unmarshal(body, &table))
	assert.Equal(t, []string{"POST"}, table[Public]["/auth/login"])
}

func TestStoreRestoresFromCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryStore()
	body, err := json.Marshal(Build(sampleRules))
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, CacheKey, body, 0))

	calls := 0
	s := NewStore(staticLoader(nil, &calls), mem, 0)
	assert.True(t, s.Allowed(ctx, "EDITOR", "/user/1", "GET"))
	assert.Equal(t, 0, calls)
}

func TestStoreInvalidate(t *testing.T) {
	ctx := context.Background()
	calls := 0
	rules := []Rule{{Role: "EDITOR", Route: "/role", Method: "GET"}}
	mem := cache.NewMemoryStore()
	s := NewStore(func(context.Context) ([]Rule, error) {
		calls++
		return rules, nil
	}, mem, 0)

	assert.False(t, s.Allowed(ctx, "EDITOR", "/user", "GET"))
	rules = append(rules, Rule{Role: "EDITOR", Route: "/user", Method: "GET"})
	s.Invalidate(ctx)

	_, err := mem.Get(ctx, CacheKey)
	assert.ErrorIs(t, err, cache.ErrMiss)
	assert.True(t, s.Allowed(ctx, "EDITOR", "/user", "GET"))
	assert.Equal(t, 2, calls)
}

func TestStoreDeniesWhenUnavailable(t *testing.T) {
	s := NewStore(func(context.Context) ([]Rule, error) {
		return nil, errors.New("database down")
	}, nil, 0)

	assert.False(t, s.Allowed(context.Background(), Public, "/health", "GET"))
	_, err := s.Table(context.Background())
	assert.Error(t, err)
}

func TestStoreReloadsAfterTTL(t *testing.T) {
	ctx := context.Background()
	calls := 0
	rules := sampleRules
	var loadErr error
	s := NewStore(func(context.Context) ([]Rule, error) {
		calls++
		return rules, loadErr
	}, nil, time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	assert.True(t, s.Allowed(ctx, "EDITOR", "/user/1", "GET"))
	assert.Equal(t, 1, calls)

	// 过期后重新加载
	rules = nil
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.False(t, s.Allowed(ctx, "EDITOR", "/user/1", "GET"))
	assert.Equal(t, 2, calls)

	// 过期且无法重建时拒绝
	rules, loadErr = sampleRules, errors.New("database down")
	s.now = func() time.Time { return base.Add(4 * time.Minute) }
	assert.False(t, s.Allowed(ctx, "EDITOR", "/user/1", "GET"))
	_, err := s.Table(ctx)
	assert.Error(t, err)
}
