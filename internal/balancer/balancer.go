// Package balancer implements the load-balance policies (C4): pick one
// backend from the currently-healthy set.
package balancer

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-bedrock/router/internal/backend"
)

// ErrNoBackendAvailable is returned when the healthy set is empty.
var ErrNoBackendAvailable = errors.New("balancer: no backend available")

// Policy picks a backend from the healthy subset of the fleet.
type Policy interface {
	Pick(healthy []*backend.Backend) (*backend.Backend, error)
	Name() string
}

const (
	MethodRoundRobin     = "round_robin"
	MethodLeastConnected = "least_connected"
)

// New builds the configured policy, or an error if the method is unknown
// (a ConfigInvalid case surfaced to the caller during config validation).
func New(method string) (Policy, error) {
	switch method {
	case MethodRoundRobin, "":
		return &RoundRobin{}, nil
	case MethodLeastConnected:
		return &LeastConnected{}, nil
	default:
		return nil, errors.Errorf("balancer: unknown load balance method %q", method)
	}
}

// RoundRobin cycles through the healthy set with a single atomic cursor,
// re-reading the healthy slice on every call so it naturally skips
// backends that became unhealthy since the previous pick.
type RoundRobin struct {
	cursor atomic.Uint64
}

func (r *RoundRobin) Name() string { return MethodRoundRobin }

func (r *RoundRobin) Pick(healthy []*backend.Backend) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoBackendAvailable
	}
	idx := r.cursor.Add(1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}

// LeastConnected picks the backend with the fewest sessions, breaking
// ties by the lowest backend ID for determinism.
type LeastConnected struct{}

func (l *LeastConnected) Name() string { return MethodLeastConnected }

func (l *LeastConnected) Pick(healthy []*backend.Backend) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoBackendAvailable
	}
	best := healthy[0]
	for _, b := range healthy[1:] {
		bc, cc := b.SessionCount(), best.SessionCount()
		if bc < cc || (bc == cc && b.ID < best.ID) {
			best = b
		}
	}
	return best, nil
}
