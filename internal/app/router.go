package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/gaud/gaud/internal"
	"github.com/gaud/gaud/internal/circuitbreaker"
	"github.com/gaud/gaud/internal/provider"
	"github.com/gaud/gaud/internal/storage"
)

// Strategy orders candidate targets for a resolved model.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyRandom     Strategy = "random"
)

// RouterService resolves model aliases to concrete provider/model pairs.
// Explicit DB-configured routes (storage.RouteStore) take precedence;
// otherwise candidates are built from the prefix table (modelPrefixTable)
// and every registered adapter whose SupportsModel matches, then ordered
// by the configured Strategy. Resolved candidate sets are cached to avoid
// repeated JSON unmarshalling and registry scans on the hot path.
type RouterService struct {
	routeStore storage.RouteStore
	cache      *otter.Cache[string, []ResolvedTarget]

	providers *provider.Registry          // nil disables prefix/SupportsModel fallback
	breakers  *circuitbreaker.Registry    // nil disables breaker-open filtering
	strategy  Strategy

	mu       sync.Mutex
	counts   map[string]uint64 // per-provider dispatch count, for least_used
	rrCursor atomic.Uint64
}

// NewRouterService returns a RouterService backed by the given route store.
func NewRouterService(routes storage.RouteStore) *RouterService {
	cache := otter.Must(&otter.Options[string, []ResolvedTarget]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, []ResolvedTarget](routeCacheTTL),
	})
	return &RouterService{
		routeStore: routes,
		cache:      cache,
		strategy:   StrategyPriority,
		counts:     make(map[string]uint64),
	}
}

// SetProviders wires the provider registry and circuit breaker registry used
// for prefix-based candidate construction and breaker-open filtering, and
// sets the ordering strategy applied to every resolved candidate set.
func (rs *RouterService) SetProviders(reg *provider.Registry, breakers *circuitbreaker.Registry, strategy Strategy) {
	rs.providers = reg
	rs.breakers = breakers
	if strategy != "" {
		rs.strategy = strategy
	}
}

// routeCacheTTL is how long resolved targets stay cached before re-reading
// from the store. Short enough to pick up config changes quickly, long enough
// to eliminate per-request JSON parsing.
const routeCacheTTL = 10 * time.Second

// ResolvedTarget is a provider/model pair with a priority for failover ordering.
type ResolvedTarget struct {
	ProviderID string
	Model      string
	Priority   int
}

// modelPrefixTable maps a model-name prefix to the adapter that serves it.
// Checked in order; the first match wins.
var modelPrefixTable = []struct {
	prefix     string
	providerID string
}{
	{"kiro:", "kiro"},
	{"litellm:", "litellm"},
	{"claude-", "claude"},
	{"gemini-", "gemini"},
}

// providerForPrefix returns the provider id for model's prefix, if any.
// gpt-*/o1*/o3* route to copilot; these aren't a single literal prefix so
// they're checked separately from modelPrefixTable.
func providerForPrefix(model string) (string, bool) {
	for _, p := range modelPrefixTable {
		if strings.HasPrefix(model, p.prefix) {
			return p.providerID, true
		}
	}
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		return "copilot", true
	}
	return "", false
}

// ResolveModel maps a model alias to an ordered list of targets. An explicit
// DB route wins if one is configured; otherwise the prefix table and each
// adapter's SupportsModel build the candidate set. The ordering strategy is
// re-applied on every call (round_robin/least_used/random vary over time),
// and candidates whose circuit breaker is Open are dropped last.
func (rs *RouterService) ResolveModel(ctx context.Context, model string) ([]ResolvedTarget, error) {
	candidates, err := rs.candidates(ctx, model)
	if err != nil {
		return nil, err
	}

	ordered := rs.applyStrategy(candidates)
	ordered = rs.dropOpenBreakers(ordered)
	if len(ordered) == 0 {
		return nil, fmt.Errorf("resolve model %q: %w", model, gateway.ErrProviderError)
	}
	if len(ordered) > 0 {
		rs.recordDispatch(ordered[0].ProviderID)
	}
	return ordered, nil
}

// candidates returns the cached or freshly-resolved candidate set for model,
// unordered (priority-sorted for DB routes, registration order for the
// prefix/SupportsModel fallback).
func (rs *RouterService) candidates(ctx context.Context, model string) ([]ResolvedTarget, error) {
	if cached, ok := rs.cache.GetIfPresent(model); ok {
		return cached, nil
	}

	route, err := rs.routeStore.GetRouteByAlias(ctx, model)
	switch {
	case err == nil:
		resolved, parseErr := resolveRouteTargets(route)
		if parseErr != nil {
			return nil, parseErr
		}
		rs.cache.Set(model, resolved)
		return resolved, nil
	case errors.Is(err, gateway.ErrNotFound):
		resolved, fallbackErr := rs.prefixCandidates(model)
		if fallbackErr != nil {
			return nil, fallbackErr
		}
		rs.cache.Set(model, resolved)
		return resolved, nil
	default:
		return nil, fmt.Errorf("resolve model %q: %w", model, err)
	}
}

func resolveRouteTargets(route *gateway.Route) ([]ResolvedTarget, error) {
	var targets []gateway.RouteTarget
	if err := json.Unmarshal(route.Targets, &targets); err != nil {
		return nil, fmt.Errorf("parse route targets: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("route %q has no targets", route.ModelAlias)
	}

	resolved := make([]ResolvedTarget, len(targets))
	for i, t := range targets {
		resolved[i] = ResolvedTarget{ProviderID: t.ProviderID, Model: t.Model, Priority: t.Priority}
	}
	slices.SortStableFunc(resolved, func(a, b ResolvedTarget) int {
		return a.Priority - b.Priority
	})
	return resolved, nil
}

// prefixCandidates builds a candidate list from modelPrefixTable, falling
// back to every registered adapter whose SupportsModel matches when no
// prefix matches. Requires SetProviders to have been called.
func (rs *RouterService) prefixCandidates(model string) ([]ResolvedTarget, error) {
	if rs.providers == nil {
		return nil, fmt.Errorf("resolve model %q: %w", model, gateway.ErrNotFound)
	}

	if providerID, ok := providerForPrefix(model); ok {
		if _, err := rs.providers.Get(providerID); err == nil {
			return []ResolvedTarget{{ProviderID: providerID, Model: model}}, nil
		}
	}

	var resolved []ResolvedTarget
	for _, name := range rs.providers.List() {
		p, err := rs.providers.Get(name)
		if err != nil || !p.SupportsModel(model) {
			continue
		}
		resolved = append(resolved, ResolvedTarget{ProviderID: name, Model: model})
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("resolve model %q: %w", model, gateway.ErrNotFound)
	}
	return resolved, nil
}

// applyStrategy reorders candidates per rs.strategy. priority is a no-op
// (candidates already arrive in registration/priority order).
func (rs *RouterService) applyStrategy(candidates []ResolvedTarget) []ResolvedTarget {
	if len(candidates) < 2 {
		return candidates
	}
	ordered := slices.Clone(candidates)

	switch rs.strategy {
	case StrategyRoundRobin:
		cursor := int(rs.rrCursor.Add(1) - 1)
		shift := cursor % len(ordered)
		ordered = append(ordered[shift:], ordered[:shift]...)
	case StrategyLeastUsed:
		rs.mu.Lock()
		counts := rs.counts
		slices.SortStableFunc(ordered, func(a, b ResolvedTarget) int {
			ca, cb := counts[a.ProviderID], counts[b.ProviderID]
			switch {
			case ca < cb:
				return -1
			case ca > cb:
				return 1
			default:
				return 0
			}
		})
		rs.mu.Unlock()
	case StrategyRandom:
		rand.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
	case StrategyPriority, "":
		// already in priority/registration order
	}
	return ordered
}

// dropOpenBreakers filters out candidates whose circuit breaker is Open.
func (rs *RouterService) dropOpenBreakers(candidates []ResolvedTarget) []ResolvedTarget {
	if rs.breakers == nil {
		return candidates
	}
	filtered := make([]ResolvedTarget, 0, len(candidates))
	for _, c := range candidates {
		if cb := rs.breakers.Get(c.ProviderID); cb != nil && cb.State() == circuitbreaker.StateOpen {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// recordDispatch increments the dispatch counter for providerID, consulted
// by the least_used strategy.
func (rs *RouterService) recordDispatch(providerID string) {
	rs.mu.Lock()
	rs.counts[providerID]++
	rs.mu.Unlock()
}

// CacheTTL returns the route-configured cache TTL for a model alias,
// or 0 if no route or no TTL is configured.
func (rs *RouterService) CacheTTL(ctx context.Context, model string) time.Duration {
	route, err := rs.routeStore.GetRouteByAlias(ctx, model)
	if err != nil || route.CacheTTLs <= 0 {
		return 0
	}
	return time.Duration(route.CacheTTLs) * time.Second
}
