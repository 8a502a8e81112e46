package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/upb/vc-policy-gateway/services"
	"go.uber.org/zap"
)

// Binding maps a resource pattern to a unit.
//
// Patterns are matched as follows: an exact resource string, a prefix ending
// in "*" ("https://api.example.com/*"), or the catch-all "*". Exact matches
// win over prefixes, the longest prefix wins, and the catch-all is last.
type Binding struct {
	Pattern string
	Unit    Unit
}

type prefixBinding struct {
	prefix string
	unit   Unit
}

// snapshot is an immutable resolution table
type snapshot struct {
	exact      map[string]Unit
	prefixes   []prefixBinding // longest first
	fallback   Unit
	bindings   []Binding
	generation uint64
	loadedAt   time.Time
}

func (s *snapshot) resolve(resource string) (Unit, bool) {
	if u, ok := s.exact[resource]; ok {
		return u, true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(resource, p.prefix) {
			return p.unit, true
		}
	}
	if s.fallback != nil {
		return s.fallback, true
	}
	return nil, false
}

// Registry is the host-side resource to unit mapping. Reads are lock-free;
// Replace builds a new snapshot and swaps it in, so in-flight evaluations
// keep resolving against the table they started with.
type Registry struct {
	current atomic.Pointer[snapshot]
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.current.Store(&snapshot{exact: map[string]Unit{}})
	return r
}

// Resolve implements Resolver
func (r *Registry) Resolve(resource string) (Unit, bool) {
	return r.current.Load().resolve(resource)
}

// Replace validates bindings and installs them as the new snapshot. On error
// the previous snapshot stays active.
func (r *Registry) Replace(bindings []Binding) error {
	next, err := buildSnapshot(bindings)
	if err != nil {
		return err
	}

	for {
		prev := r.current.Load()
		next.generation = prev.generation + 1
		if r.current.CompareAndSwap(prev, next) {
			break
		}
	}

	r.logger.Info("policy bindings replaced",
		zap.Int("bindings", len(next.bindings)),
		zap.Uint64("generation", next.generation))
	return nil
}

func buildSnapshot(bindings []Binding) (*snapshot, error) {
	s := &snapshot{
		exact:    make(map[string]Unit),
		bindings: make([]Binding, 0, len(bindings)),
		loadedAt: time.Now(),
	}

	seen := make(map[string]bool, len(bindings))
	for i, b := range bindings {
		if b.Pattern == "" {
			return nil, invalidBinding(i, b.Pattern, "empty pattern")
		}
		if b.Unit == nil {
			return nil, invalidBinding(i, b.Pattern, "no unit")
		}
		if seen[b.Pattern] {
			return nil, invalidBinding(i, b.Pattern, "duplicate pattern")
		}
		seen[b.Pattern] = true

		switch {
		case b.Pattern == "*":
			s.fallback = b.Unit
		case strings.HasSuffix(b.Pattern, "*"):
			s.prefixes = append(s.prefixes, prefixBinding{prefix: strings.TrimSuffix(b.Pattern, "*"), unit: b.Unit})
		default:
			s.exact[b.Pattern] = b.Unit
		}
		s.bindings = append(s.bindings, b)
	}

	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
	return s, nil
}

func invalidBinding(index int, pattern, reason string) error {
	return services.NewDomainError(services.ErrorTypeValidation, "invalid policy binding",
		fmt.Errorf("binding %d (%q): %s", index, pattern, reason)).
		WithDetail("pattern", pattern)
}

// Bindings returns the active bindings in declaration order
func (r *Registry) Bindings() []Binding {
	return append([]Binding(nil), r.current.Load().bindings...)
}

// RegistryStats describes the active snapshot
type RegistryStats struct {
	Bindings   int       `json:"bindings"`
	Generation uint64    `json:"generation"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Stats returns information about the active snapshot
func (r *Registry) Stats() RegistryStats {
	s := r.current.Load()
	return RegistryStats{
		Bindings:   len(s.bindings),
		Generation: s.generation,
		LoadedAt:   s.loadedAt,
	}
}
