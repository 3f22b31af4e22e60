package balancer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bedrock/router/internal/backend"
)

func mkBackend(id string) *backend.Backend {
	return backend.New(id, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 19132})
}

func TestRoundRobinEmptySet(t *testing.T) {
	rr := &RoundRobin{}
	_, err := rr.Pick(nil)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestRoundRobinVisitsEveryHealthyBackend(t *testing.T) {
	a, b := mkBackend("a"), mkBackend("b")
	rr := &RoundRobin{}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		picked, err := rr.Pick([]*backend.Backend{a, b})
		require.NoError(t, err)
		seen[picked.ID] = true
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestRoundRobinThreeClientsTwoBackends(t *testing.T) {
	a, b := mkBackend("a"), mkBackend("b")
	rr := &RoundRobin{}

	picks := make([]*backend.Backend, 3)
	for i := range picks {
		p, err := rr.Pick([]*backend.Backend{a, b})
		require.NoError(t, err)
		picks[i] = p
	}

	assert.Equal(t, "a", picks[0].ID)
	assert.Equal(t, "b", picks[1].ID)
	assert.Equal(t, "a", picks[2].ID)
}

func TestLeastConnectedPicksSmallest(t *testing.T) {
	a, b := mkBackend("a"), mkBackend("b")
	for i := 0; i < 5; i++ {
		a.IncSessionCount()
	}
	for i := 0; i < 2; i++ {
		b.IncSessionCount()
	}

	lc := &LeastConnected{}
	picked, err := lc.Pick([]*backend.Backend{a, b})
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

func TestLeastConnectedTieBreaksByID(t *testing.T) {
	a, b := mkBackend("b-server"), mkBackend("a-server")

	lc := &LeastConnected{}
	picked, err := lc.Pick([]*backend.Backend{a, b})
	require.NoError(t, err)
	assert.Equal(t, "a-server", picked.ID)
}

func TestSingleBackendBothPoliciesEquivalent(t *testing.T) {
	only := mkBackend("only")

	rr := &RoundRobin{}
	p1, err := rr.Pick([]*backend.Backend{only})
	require.NoError(t, err)

	lc := &LeastConnected{}
	p2, err := lc.Pick([]*backend.Backend{only})
	require.NoError(t, err)

	assert.Equal(t, only, p1)
	assert.Equal(t, only, p2)
}

func TestNewUnknownMethod(t *testing.T) {
	_, err := New("random")
	assert.Error(t, err)
}
