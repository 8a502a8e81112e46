package policy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/vc-policy-gateway/services"
	"go.uber.org/zap"
)

func namedUnit(name string) Unit {
	return &FuncUnit{UnitName: name, UnitVersion: "1"}
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.Replace([]Binding{
		{Pattern: "https://www.google.com", Unit: namedUnit("exact")},
		{Pattern: "https://api.example.com/*", Unit: namedUnit("api")},
		{Pattern: "https://api.example.com/admin/*", Unit: namedUnit("admin")},
		{Pattern: "*", Unit: namedUnit("fallback")},
	}))

	tests := []struct {
		resource string
		want     string
	}{
		{"https://www.google.com", "exact"},
		{"https://api.example.com/orders", "api"},
		{"https://api.example.com/admin/users", "admin"},
		{"https://api.example.com/", "api"},
		{"https://elsewhere.example.com", "fallback"},
		{"", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			u, ok := reg.Resolve(tt.resource)
			require.True(t, ok)
			assert.Equal(t, tt.want, u.Name())
		})
	}
}

func TestRegistry_ResolveWithoutFallback(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	_, ok := reg.Resolve("https://www.google.com")
	assert.False(t, ok, "empty registry resolves nothing")

	require.NoError(t, reg.Replace([]Binding{{Pattern: "https://www.google.com", Unit: namedUnit("exact")}}))
	_, ok = reg.Resolve("https://www.google.com/search")
	assert.False(t, ok)
}

func TestRegistry_ReplaceValidation(t *testing.T) {
	tests := []struct {
		name     string
		bindings []Binding
	}{
		{name: "empty pattern", bindings: []Binding{{Pattern: "", Unit: namedUnit("a")}}},
		{name: "nil unit", bindings: []Binding{{Pattern: "x"}}},
		{name: "duplicate", bindings: []Binding{
			{Pattern: "x", Unit: namedUnit("a")},
			{Pattern: "x", Unit: namedUnit("b")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(zap.NewNop())
			require.NoError(t, reg.Replace([]Binding{{Pattern: "keep", Unit: namedUnit("old")}}))

			err := reg.Replace(tt.bindings)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))

			u, ok := reg.Resolve("keep")
			require.True(t, ok, "failed replace keeps the previous snapshot")
			assert.Equal(t, "old", u.Name())
			assert.Equal(t, uint64(1), reg.Stats().Generation)
		})
	}
}

func TestRegistry_BindingsAndStats(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	bindings := []Binding{
		{Pattern: "b", Unit: namedUnit("b")},
		{Pattern: "a*", Unit: namedUnit("a")},
	}
	require.NoError(t, reg.Replace(bindings))

	got := reg.Bindings()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Pattern)
	assert.Equal(t, "a*", got[1].Pattern)

	got[0] = Binding{Pattern: "mutated", Unit: namedUnit("m")}
	assert.Equal(t, "b", reg.Bindings()[0].Pattern)

	stats := reg.Stats()
	assert.Equal(t, 2, stats.Bindings)
	assert.Equal(t, uint64(1), stats.Generation)
	assert.False(t, stats.LoadedAt.IsZero())
}

func TestRegistry_ConcurrentReplace(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.Replace([]Binding{{Pattern: "*", Unit: namedUnit("v0")}}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				u, ok := reg.Resolve("anything")
				if !ok || u == nil {
					t.Error("resolve must always see a complete snapshot")
					return
				}
				_, _ = u.Authorize(context.Background(), &Input{})
			}
		}()
	}

	for i := 1; i <= 50; i++ {
		require.NoError(t, reg.Replace([]Binding{{Pattern: "*", Unit: namedUnit(fmt.Sprintf("v%d", i))}}))
	}
	close(stop)
	wg.Wait()

	u, ok := reg.Resolve("anything")
	require.True(t, ok)
	assert.Equal(t, "v50", u.Name())
	assert.Equal(t, uint64(51), reg.Stats().Generation)
}
