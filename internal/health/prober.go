// Package health implements the per-backend RakNet ping prober (C3):
// it never touches the backend set, only the health fields of the
// Backend records it is handed.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/backend"
	"github.com/go-bedrock/router/internal/events"
	"github.com/go-bedrock/router/internal/raknet"
)

// errMismatchedTimestamp rejects a pong whose echoed client timestamp
// doesn't match what this probe sent, per spec.md §4.3; treated the same
// as a timeout, never as a successful probe.
var errMismatchedTimestamp = errors.New("health: pong timestamp mismatch")

// Metrics are the counters/gauges the prober updates.
type Metrics struct {
	ProbesSent   metrics.Counter
	ProbesFailed metrics.Counter
}

// Prober runs one ticking task per backend, ping-testing it every
// checkRate and driving its health state machine.
type Prober struct {
	checkRate      time.Duration
	timeout        time.Duration
	unhealthyAfter int
	proxyBind      string
	sink           events.Sink
	metrics        *Metrics
	onPong         func(backendID string, pong *raknet.Pong)

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// OnPong registers a hook invoked after every successfully-matched pong,
// with the parsed pong envelope, so a caller (the fleet Controller's MOTD
// refresh task) can update out-of-band on a pong from its designated MOTD
// source backend, per spec.md §4.2(a) — distinct from the refresh ticker.
func (p *Prober) OnPong(hook func(backendID string, pong *raknet.Pong)) {
	p.onPong = hook
}

func NewProber(checkRate time.Duration, unhealthyAfter int, proxyBind string, sink events.Sink, m *Metrics) *Prober {
	return &Prober{
		checkRate:      checkRate,
		timeout:        checkRate - checkRate/10,
		unhealthyAfter: unhealthyAfter,
		proxyBind:      proxyBind,
		sink:           sink,
		metrics:        m,
		tasks:          make(map[string]context.CancelFunc),
	}
}

// Register starts probing b. Calling Register again for the same backend
// ID is a no-op unless Unregister was called first.
func (p *Prober) Register(parent context.Context, b *backend.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[b.ID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	p.tasks[b.ID] = cancel
	go p.run(ctx, b)
}

// Unregister stops probing a backend, e.g. on fleet removal.
func (p *Prober) Unregister(backendID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.tasks[backendID]; ok {
		cancel()
		delete(p.tasks, backendID)
	}
}

func (p *Prober) run(ctx context.Context, b *backend.Backend) {
	ticker := time.NewTicker(p.checkRate)
	defer ticker.Stop()

	// probe immediately so a freshly-added backend doesn't wait a full
	// interval before it can become eligible for selection.
	p.probeOnce(ctx, b)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx, b)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, b *backend.Backend) {
	if p.metrics != nil {
		p.metrics.ProbesSent.Add(1)
	}
	rtt, pong, err := p.ping(ctx, b.Addr)

	prevHealth := b.Health()

	if err != nil {
		fails := b.IncConsecutiveFailures()
		if p.metrics != nil {
			p.metrics.ProbesFailed.Add(1)
		}
		if prevHealth == backend.Up && fails >= p.unhealthyAfter {
			b.SetHealth(backend.Down)
			p.sink.BackendDown(b.ID, b.Addr, fails)
		} else if prevHealth == backend.Unknown {
			// still unknown until the first success; nothing to publish.
		}
		return
	}

	b.ResetConsecutiveFailures()
	b.SetLastRTT(rtt)
	if prevHealth != backend.Up {
		b.SetHealth(backend.Up)
		p.sink.BackendUp(b.ID, b.Addr, rtt)
	}
	if p.onPong != nil {
		p.onPong(b.ID, pong)
	}
}

// ping sends one unconnected ping from a fresh probe socket and waits for
// the matching pong, matched by the client timestamp this call embeds. A
// pong with a different echoed timestamp is rejected outright, the same
// as a timeout, rather than accepted as a successful probe.
func (p *Prober) ping(ctx context.Context, addr *net.UDPAddr) (time.Duration, *raknet.Pong, error) {
	localAddr, err := net.ResolveUDPAddr("udp", p.proxyBind)
	if err != nil {
		return 0, nil, err
	}

	conn, err := net.DialUDP("udp", localAddr, addr)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(p.timeout)); err != nil {
		return 0, nil, err
	}

	sent := time.Now()
	timestamp := sent.UnixMilli()
	ping := &raknet.Ping{ClientTimestamp: timestamp, ClientGUID: timestamp}
	if _, err := conn.Write(raknet.EncodeUnconnectedPing(ping)); err != nil {
		return 0, nil, err
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, nil, err
	}

	pong, err := raknet.DecodeUnconnectedPong(buf[:n])
	if err != nil {
		return 0, nil, err
	}
	if pong.ServerTimestamp != timestamp {
		logrus.WithField("addr", addr).Debug("Ignoring pong with mismatched timestamp")
		return 0, nil, errMismatchedTimestamp
	}

	return time.Since(sent), pong, nil
}
