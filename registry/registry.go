// Package registry maps dot-namespaced task types to handler addresses
// using longest-prefix matching. Registrations are hot: workers join and
// leave at runtime without restarting the supervisor that owns the table.
package registry

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/types"
)

// Registration binds a task-type pattern to a handler address.
//
// Pattern is either an exact task type ("vision.classify") or a wildcard
// prefix ("huggingface.*") covering every type under that namespace.
type Registration struct {
	Pattern      string
	Capabilities []string
	Address      types.Address
	// Endpoint is the transport address for out-of-process workers.
	// Empty for in-process handlers.
	Endpoint string
}

// wildcard reports whether the pattern covers a namespace.
func (r Registration) wildcard() bool { return strings.HasSuffix(r.Pattern, ".*") || r.Pattern == "*" }

// stem is the namespace part of a wildcard pattern ("huggingface.*" →
// "huggingface").
func (r Registration) stem() string {
	return strings.TrimSuffix(strings.TrimSuffix(r.Pattern, "*"), ".")
}

type entry struct {
	reg     Registration
	healthy bool
}

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // keyed by pattern
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register adds or replaces a registration. Re-registering a pattern for
// the same address is idempotent and also restores health, which is how a
// restarted worker rejoins after a crash eviction.
func (r *Registry) Register(reg Registration) error {
	if reg.Pattern == "" {
		return types.NewError(types.ErrConstraintInvalid, "empty registration pattern")
	}
	if reg.Address.IsZero() {
		return types.NewError(types.ErrConstraintInvalid, "registration missing address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[reg.Pattern] = &entry{reg: reg, healthy: true}
	r.logger.Info("handler registered",
		zap.String("pattern", reg.Pattern),
		zap.String("address", reg.Address.String()),
	)
	return nil
}

// Deregister removes every registration owned by address. Removing an
// unknown address is a no-op.
func (r *Registry) Deregister(address types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pattern, e := range r.entries {
		if e.reg.Address == address {
			delete(r.entries, pattern)
			r.logger.Info("handler deregistered",
				zap.String("pattern", pattern),
				zap.String("address", address.String()),
			)
		}
	}
}

// MarkUnhealthy evicts address from resolution without forgetting its
// registrations. A subsequent Register (worker restart) restores it.
func (r *Registry) MarkUnhealthy(address types.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.reg.Address == address {
			e.healthy = false
		}
	}
	r.logger.Warn("handler marked unhealthy", zap.String("address", address.String()))
}

// Resolve returns the healthy registration whose pattern most specifically
// matches taskType: an exact entry wins outright, otherwise the wildcard
// with the longest stem. Unmatched types return NOT_FOUND.
func (r *Registry) Resolve(taskType string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[taskType]; ok && e.healthy {
		return e.reg, nil
	}

	var best *entry
	bestLen := -1
	for _, e := range r.entries {
		if !e.healthy || !e.reg.wildcard() {
			continue
		}
		stem := e.reg.stem()
		if !matchesNamespace(taskType, stem) {
			continue
		}
		if len(stem) > bestLen {
			best, bestLen = e, len(stem)
		}
	}
	if best == nil {
		return Registration{}, types.NewError(types.ErrNotFound, "no handler for task type "+taskType)
	}
	return best.reg, nil
}

// matchesNamespace reports whether taskType lives under stem. An empty
// stem (the bare "*" pattern) matches everything.
func matchesNamespace(taskType, stem string) bool {
	if stem == "" {
		return true
	}
	return taskType == stem || strings.HasPrefix(taskType, stem+".")
}

// List returns all registrations, healthy or not, sorted by pattern.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Healthy reports whether any healthy registration exists for address.
func (r *Registry) Healthy(address types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.reg.Address == address && e.healthy {
			return true
		}
	}
	return false
}
