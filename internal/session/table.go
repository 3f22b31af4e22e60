// Package session implements the session table (C5): client-address to
// Session mapping, sharded to keep hot-path contention low.
package session

import (
	"hash/fnv"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/go-bedrock/router/internal/backend"
)

// ErrUpstreamFailed marks a session torn down due to a persistent
// upstream socket error.
var ErrUpstreamFailed = errors.New("session: upstream socket failed")

// Session is the per-client-address forwarding state.
type Session struct {
	ClientAddr netip.AddrPort
	Backend    *backend.Backend
	Upstream   *net.UDPConn
	CreatedAt  time.Time

	lastActivity atomic.Int64 // unix nanos
}

func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

const defaultShardCount = 16

// Table is the sharded session map. Within a shard, writes are
// serialised by a mutex; reads (Get) take the same lock since Go maps
// aren't safe for concurrent read/write, but critical sections are short
// (the only network I/O under a shard lock is GetOrCreate's CreateFunc).
type Table struct {
	shards []*shard
}

type shard struct {
	mu   sync.Mutex
	data map[netip.AddrPort]*Session
}

func NewTable() *Table {
	t := &Table{shards: make([]*shard, defaultShardCount)}
	for i := range t.shards {
		t.shards[i] = &shard{data: make(map[netip.AddrPort]*Session)}
	}
	return t
}

func (t *Table) shardFor(addr netip.AddrPort) *shard {
	h := fnv.New32a()
	b := addr.Addr().AsSlice()
	h.Write(b)
	h.Write([]byte{byte(addr.Port()), byte(addr.Port() >> 8)})
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Get returns the existing session for addr, if any.
func (t *Table) Get(addr netip.AddrPort) (*Session, bool) {
	sh := t.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.data[addr]
	return s, ok
}

// CreateFunc builds a brand new session's upstream socket and PROXY
// header side effect; it is called with the shard lock held, so it must
// not block on anything beyond a UDP dial.
type CreateFunc func(addr netip.AddrPort) (*Session, error)

// GetOrCreate returns the existing session for addr, or creates one via
// create. The bool return reports whether a new session was created.
func (t *Table) GetOrCreate(addr netip.AddrPort, create CreateFunc) (*Session, bool, error) {
	sh := t.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.data[addr]; ok {
		return s, false, nil
	}

	s, err := create(addr)
	if err != nil {
		return nil, false, err
	}
	s.Touch(time.Now())
	sh.data[addr] = s
	return s, true, nil
}

// Touch refreshes last-activity without taking the shard lock, matching
// spec.md's "no lock contention on the hot path" requirement.
func (t *Table) Touch(s *Session) {
	s.Touch(time.Now())
}

// Evict removes addr's session, if present, and returns it so the caller
// can close its upstream socket and decrement its backend's count.
func (t *Table) Evict(addr netip.AddrPort) (*Session, bool) {
	sh := t.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.data[addr]
	if !ok {
		return nil, false
	}
	delete(sh.data, addr)
	return s, true
}

// Reap removes every session idle for longer than idleTimeout, returning
// the evicted sessions for cleanup.
func (t *Table) Reap(now time.Time, idleTimeout time.Duration) []*Session {
	var evicted []*Session
	for _, sh := range t.shards {
		sh.mu.Lock()
		for addr, s := range sh.data {
			if now.Sub(s.LastActivity()) > idleTimeout {
				delete(sh.data, addr)
				evicted = append(evicted, s)
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the total number of live sessions across all shards.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.data)
		sh.mu.Unlock()
	}
	return n
}

// All returns every live session across all shards, used to build a
// best-effort recovery snapshot on shutdown.
func (t *Table) All() []*Session {
	var all []*Session
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, s := range sh.data {
			all = append(all, s)
		}
		sh.mu.Unlock()
	}
	return all
}

// CountByBackend sums live sessions per backend ID, used by the control
// surface's /backends endpoint and to check the table/backend-counter
// invariant in tests.
func (t *Table) CountByBackend() map[string]int {
	counts := make(map[string]int)
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, s := range sh.data {
			counts[s.Backend.ID]++
		}
		sh.mu.Unlock()
	}
	return counts
}
