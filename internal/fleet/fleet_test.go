package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bedrock/router/internal/backend"
	"github.com/go-bedrock/router/internal/balancer"
	"github.com/go-bedrock/router/internal/config"
	"github.com/go-bedrock/router/internal/events"
	"github.com/go-bedrock/router/internal/raknet"
)

func testConfig(servers ...string) *config.Config {
	cfg := &config.Config{
		Bind:              "127.0.0.1:0",
		ProxyBind:         "127.0.0.1:0",
		LoadBalanceMethod: balancer.MethodRoundRobin,
		Backend: config.BackendConfig{
			HealthCheckRate: time.Hour,
			MotdRefreshRate: time.Hour,
			UnhealthyAfter:  3,
		},
	}
	for _, s := range servers {
		cfg.Backend.Servers = append(cfg.Backend.Servers, config.ServerConfig{Address: s})
	}
	return cfg
}

func TestReloadEmptyBackendListRejected(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	cfg := testConfig()
	err := c.Reload(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, c.Current())
}

func TestReloadAddsBackends(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	cfg := testConfig("127.0.0.1:19132", "127.0.0.1:19133")

	err := c.Reload(context.Background(), cfg)
	require.NoError(t, err)

	f := c.Current()
	require.Len(t, f.Backends, 2)
	assert.EqualValues(t, 1, f.Generation)
}

func TestReloadRemovesBackendKeepsSessionUntilDrained(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	cfg := testConfig("127.0.0.1:19132", "127.0.0.1:19133")
	require.NoError(t, c.Reload(context.Background(), cfg))

	first := c.Current()
	a := first.Backends[0]
	a.IncSessionCount()

	cfg2 := testConfig("127.0.0.1:19133")
	require.NoError(t, c.Reload(context.Background(), cfg2))

	second := c.Current()
	require.Len(t, second.Backends, 1)
	assert.Equal(t, "127.0.0.1:19133", second.Backends[0].ID)

	c.mu.Lock()
	_, draining := c.draining[a.ID]
	c.mu.Unlock()
	assert.True(t, draining)

	a.DecSessionCount()
	c.ReapDraining()

	c.mu.Lock()
	_, stillDraining := c.draining[a.ID]
	c.mu.Unlock()
	assert.False(t, stillDraining)
}

func TestReloadNewSessionsOnlyHitConfiguredBackends(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	require.NoError(t, c.Reload(context.Background(), testConfig("127.0.0.1:19132")))

	require.NoError(t, c.Reload(context.Background(), testConfig("127.0.0.1:19133")))

	f := c.Current()
	for _, b := range f.Backends {
		assert.Equal(t, "127.0.0.1:19133", b.ID)
	}
}

func TestResolveMotdSourceFallsBackToFirstUpBackend(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	require.NoError(t, c.Reload(context.Background(), testConfig("127.0.0.1:19132", "127.0.0.1:19133")))

	f := c.Current()
	f.Backends[1].SetHealth(backend.Up)

	addr, label := c.resolveMotdSource()
	require.NotNil(t, addr)
	assert.Equal(t, "127.0.0.1:19133", label)
}

func TestResolveMotdSourceExplicitOverridesBackendList(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	cfg := testConfig("127.0.0.1:19132")
	cfg.Backend.MotdSource = "127.0.0.1:19200"
	require.NoError(t, c.Reload(context.Background(), cfg))

	addr, label := c.resolveMotdSource()
	require.NotNil(t, addr)
	assert.Equal(t, "127.0.0.1:19200", label)
}

func TestOnProbePongUpdatesCacheOnlyForTheDesignatedMotdSource(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	require.NoError(t, c.Reload(context.Background(), testConfig("127.0.0.1:19132", "127.0.0.1:19133")))

	f := c.Current()
	f.Backends[1].SetHealth(backend.Up) // 127.0.0.1:19133 becomes the implicit source

	motdStr := "MCPE;Probed Server;622;1.21.0;3;10;555;Level;Survival;1;19132;19133;"

	// A pong from the non-source backend must not touch the cache.
	c.onProbePong(f.Backends[0].ID, &raknet.Pong{Motd: motdStr})
	assert.True(t, c.motdCache.Get().Synthetic)

	// A pong from the designated source backend updates it immediately.
	c.onProbePong(f.Backends[1].ID, &raknet.Pong{Motd: motdStr})
	snap := c.motdCache.Get()
	require.False(t, snap.Synthetic)
	assert.Equal(t, "Probed Server", snap.Line1)
}

func TestApplyDiscoveredMergesAfterStaticServers(t *testing.T) {
	c := New(events.NewMultiSink(events.LogSink{}), "offline")
	base := testConfig("127.0.0.1:19132")

	require.NoError(t, c.ApplyDiscovered(context.Background(), base, []string{"127.0.0.1:19133"}))

	f := c.Current()
	require.Len(t, f.Backends, 2)
	assert.Equal(t, "127.0.0.1:19132", f.Backends[0].ID)
	assert.Equal(t, "127.0.0.1:19133", f.Backends[1].ID)

	// base itself is never mutated by ApplyDiscovered.
	assert.Len(t, base.Backend.Servers, 1)
}
