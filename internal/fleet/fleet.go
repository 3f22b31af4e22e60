// Package fleet owns the authoritative backend set, the probers that
// watch it, the active load-balance policy, and the reload protocol that
// swaps all three atomically (C7).
package fleet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/backend"
	"github.com/go-bedrock/router/internal/balancer"
	"github.com/go-bedrock/router/internal/config"
	"github.com/go-bedrock/router/internal/events"
	"github.com/go-bedrock/router/internal/health"
	"github.com/go-bedrock/router/internal/motd"
)

// Fleet is the read-mostly snapshot the data plane reads through an
// atomic pointer: single publisher (Controller.Reload), many readers.
type Fleet struct {
	Generation uint64
	Backends   []*backend.Backend
	Policy     balancer.Policy
}

// HealthySnapshot returns the subset of Backends currently marked Up.
func (f *Fleet) HealthySnapshot() []*backend.Backend {
	healthy := make([]*backend.Backend, 0, len(f.Backends))
	for _, b := range f.Backends {
		if b.Health() == backend.Up {
			healthy = append(healthy, b)
		}
	}
	return healthy
}

// ByID looks up a backend by its stable identifier within this snapshot.
func (f *Fleet) ByID(id string) (*backend.Backend, bool) {
	for _, b := range f.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// Controller owns the backend set, spawns/cancels probers on reload, and
// coordinates MOTD source selection. The data plane only ever touches
// the atomic *Fleet pointer it publishes.
type Controller struct {
	fleet atomic.Pointer[Fleet]

	prober *health.Prober
	sink   events.Sink

	proxyBind string
	guid      int64

	mu       sync.Mutex // guards draining + motd refresh lifecycle below
	draining map[string]*backend.Backend

	motdCache    *motd.Cache
	motdCancel   context.CancelFunc
	motdRefresh  time.Duration
	motdSource   string
	unhealthyAfter int
}

// New builds an empty Controller whose MOTD cache is seeded with the
// offline snapshot for line1ForOffline. It does not start probers or the
// MOTD refresh task; call Reload with the initial config to do that,
// which keeps startup and reload on a single code path per spec.md §4.7.
func New(sink events.Sink, line1ForOffline string) *Controller {
	return &Controller{
		sink:      sink,
		draining:  make(map[string]*backend.Backend),
		motdCache: motd.NewCache(motd.Offline(line1ForOffline)),
		guid:      int64(uuid.New().ID()),
	}
}

// Current returns the currently-published Fleet snapshot.
func (c *Controller) Current() *Fleet {
	return c.fleet.Load()
}

// MotdCache exposes the read-mostly MOTD cell to the forwarder.
func (c *Controller) MotdCache() *motd.Cache {
	return c.motdCache
}

// ProxyGUID is the proxy's own stable server-guid, stamped onto every
// reply by the MOTD rewriter.
func (c *Controller) ProxyGUID() int64 {
	return c.guid
}

// Reload implements spec.md §4.7's four-step protocol. Callers (the
// config-file watcher, the /reload endpoint, backend discovery) invoke it
// directly; everything past validation runs under c.mu, so concurrent
// calls are applied one at a time.
func (c *Controller) Reload(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	policy, err := balancer.New(cfg.LoadBalanceMethod)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prober == nil {
		p := health.NewProber(cfg.Backend.HealthCheckRate, cfg.Backend.UnhealthyAfter, cfg.ProxyBind, c.sink, nil)
		p.OnPong(c.onProbePong)
		c.prober = p
	}
	c.proxyBind = cfg.ProxyBind
	c.unhealthyAfter = cfg.Backend.UnhealthyAfter

	prev := c.fleet.Load()
	prevByAddr := make(map[string]*backend.Backend)
	if prev != nil {
		for _, b := range prev.Backends {
			prevByAddr[b.Addr.String()] = b
		}
	}

	next := &Fleet{Policy: policy}
	seen := make(map[string]bool, len(cfg.Backend.Servers))
	for _, sc := range cfg.Backend.Servers {
		addr, err := net.ResolveUDPAddr("udp", sc.Address)
		if err != nil {
			return fmt.Errorf("resolving backend %q: %w", sc.Address, err)
		}
		key := addr.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		if existing, ok := prevByAddr[key]; ok {
			next.Backends = append(next.Backends, existing)
			delete(c.draining, key)
			continue
		}
		if drained, ok := c.draining[key]; ok {
			next.Backends = append(next.Backends, drained)
			delete(c.draining, key)
			continue
		}

		b := backend.New(key, addr)
		next.Backends = append(next.Backends, b)
		c.prober.Register(ctx, b)
	}

	// Anything in prevByAddr but not in seen is removed: stop its
	// prober, park it in draining until its session count hits zero.
	for key, b := range prevByAddr {
		if seen[key] {
			continue
		}
		c.prober.Unregister(key)
		if b.SessionCount() > 0 {
			c.draining[key] = b
		}
	}

	if prev != nil {
		next.Generation = prev.Generation + 1
	} else {
		next.Generation = 1
	}
	c.fleet.Store(next)

	c.repointMotdRefresh(cfg)

	c.sink.ReloadComplete(next.Generation, len(next.Backends))
	logrus.WithFields(logrus.Fields{
		"generation": next.Generation,
		"backends":   len(next.Backends),
		"policy":     policy.Name(),
	}).Info("Fleet reload complete")

	return nil
}

// ApplyDiscovered merges addresses discovered by a backend-discovery
// source (e.g. K8sDiscovery) into baseCfg's statically configured server
// list and reloads. Discovered addresses are appended after the static
// ones so list-order-dependent behaviors (default MOTD source, etc.)
// keep preferring explicitly configured backends.
func (c *Controller) ApplyDiscovered(ctx context.Context, baseCfg *config.Config, addrs []string) error {
	merged := *baseCfg
	merged.Backend.Servers = append([]config.ServerConfig{}, baseCfg.Backend.Servers...)
	for _, addr := range addrs {
		merged.Backend.Servers = append(merged.Backend.Servers, config.ServerConfig{Address: addr})
	}
	return c.Reload(ctx, &merged)
}

// ReapDraining frees a removed backend's record once its session count
// reaches zero, per spec.md §4.7 step 1 / Scenario 4. Called from the
// same timer that reaps idle sessions.
func (c *Controller) ReapDraining() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.draining {
		if b.SessionCount() == 0 {
			delete(c.draining, key)
			logrus.WithField("backend", key).Debug("Freed drained backend record")
		}
	}
}

// Pick selects a backend for a new session via the active policy,
// reading the healthy subset of the currently-published fleet.
func (c *Controller) Pick() (*backend.Backend, error) {
	f := c.Current()
	if f == nil {
		return nil, balancer.ErrNoBackendAvailable
	}
	return f.Policy.Pick(f.HealthySnapshot())
}
