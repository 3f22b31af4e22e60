// Package backend holds the Backend record shared by the health prober,
// the load-balance policies, the session table and the fleet controller.
// It exists as its own package so those consumers don't need to import
// each other just to agree on what a Backend is.
package backend

import (
	"net"
	"sync/atomic"
	"time"
)

// HealthState is the edge-triggered health status of a Backend, per the
// state machine the prober drives.
type HealthState int32

const (
	Unknown HealthState = iota
	Up
	Down
)

func (s HealthState) String() string {
	switch s {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Backend is a configured downstream Bedrock server the proxy may route
// sessions to. Health fields are mutated only by the prober; SessionCount
// is mutated only by session creation/destruction; both are therefore
// plain atomics so the data plane never takes a lock to read them.
type Backend struct {
	ID   string
	Addr *net.UDPAddr

	health       atomic.Int32
	lastRTT      atomic.Int64
	consecFails  atomic.Int32
	sessionCount atomic.Int64
}

func New(id string, addr *net.UDPAddr) *Backend {
	b := &Backend{ID: id, Addr: addr}
	b.health.Store(int32(Unknown))
	return b
}

func (b *Backend) Health() HealthState { return HealthState(b.health.Load()) }
func (b *Backend) SetHealth(s HealthState) { b.health.Store(int32(s)) }

func (b *Backend) LastRTT() time.Duration { return time.Duration(b.lastRTT.Load()) }
func (b *Backend) SetLastRTT(d time.Duration) { b.lastRTT.Store(int64(d)) }

func (b *Backend) ConsecutiveFailures() int { return int(b.consecFails.Load()) }
func (b *Backend) IncConsecutiveFailures() int { return int(b.consecFails.Add(1)) }
func (b *Backend) ResetConsecutiveFailures() { b.consecFails.Store(0) }

func (b *Backend) SessionCount() int64 { return b.sessionCount.Load() }
func (b *Backend) IncSessionCount() int64 { return b.sessionCount.Add(1) }
func (b *Backend) DecSessionCount() int64 { return b.sessionCount.Add(-1) }
