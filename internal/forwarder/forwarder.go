// Package forwarder is the data plane (C6): a single downstream UDP
// listener loop, one upstream UDP socket per session, and answering the
// RakNet unconnected-ping discovery exchange straight out of the MOTD
// cache without ever touching a backend. Modeled on server/connector.go's
// accept-loop-plus-relay shape, reworked from TCP Accept/Copy into a
// single shared UDP socket with per-session upstream sockets.
package forwarder

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/backend"
	"github.com/go-bedrock/router/internal/clientfilter"
	"github.com/go-bedrock/router/internal/events"
	"github.com/go-bedrock/router/internal/fleet"
	"github.com/go-bedrock/router/internal/metrics"
	"github.com/go-bedrock/router/internal/motd"
	"github.com/go-bedrock/router/internal/raknet"
	"github.com/go-bedrock/router/internal/session"
	"github.com/go-bedrock/router/internal/snapshot"
)

// datagramSize is large enough for the biggest unconnected pong this
// proxy will ever need to relay or synthesize; real gameplay datagrams
// are typically well under the path MTU.
const datagramSize = 2048

// errRateLimited and errClientDenied reject a new session before any
// backend or socket resources are touched; they are distinct from
// session.ErrUpstreamFailed, which marks an already-established session.
var (
	errRateLimited  = errors.New("forwarder: session rate limit exceeded")
	errClientDenied = errors.New("forwarder: client rejected by filter")
)

// Forwarder owns the downstream socket and every session's upstream
// socket. It holds no backend-set state of its own; every routing
// decision is delegated to the fleet Controller it was built with.
type Forwarder struct {
	listenAddr     string
	upstreamBind   string
	sendProxyProto bool
	idleTimeout    time.Duration
	reapInterval   time.Duration

	fleet   *fleet.Controller
	table   *session.Table
	filter  *clientfilter.Filter
	metrics *metrics.Set
	sink    events.Sink

	rewriter *motd.Rewriter
	bucket   *ratelimit.Bucket

	conn *net.UDPConn
}

// Config bundles the construction parameters the cmd layer gathers from
// a validated config.Config.
type Config struct {
	ListenAddr       string
	UpstreamBind     string
	SendProxyProto   bool
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	SessionRateLimit int
}

func New(cfg Config, f *fleet.Controller, filter *clientfilter.Filter, m *metrics.Set, sink events.Sink) *Forwarder {
	rate := cfg.SessionRateLimit
	if rate <= 0 {
		rate = 1
	}
	return &Forwarder{
		listenAddr:     cfg.ListenAddr,
		upstreamBind:   cfg.UpstreamBind,
		sendProxyProto: cfg.SendProxyProto,
		idleTimeout:    cfg.IdleTimeout,
		reapInterval:   cfg.ReapInterval,
		fleet:          f,
		table:          session.NewTable(),
		filter:         filter,
		metrics:        m,
		sink:           sink,
		rewriter:       &motd.Rewriter{ProxyGUID: f.ProxyGUID()},
		bucket:         ratelimit.NewBucketWithRate(float64(rate), int64(rate*2)),
	}
}

// Bind opens the downstream socket and stamps the MOTD rewriter's ports
// from whatever port the OS assigned. It must be called before Serve,
// Snapshot, or Restore.
func (fw *Forwarder) Bind() error {
	addr, err := net.ResolveUDPAddr("udp", fw.listenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	fw.conn = conn

	if v4 := conn.LocalAddr().(*net.UDPAddr); v4.Port != 0 {
		fw.rewriter.PortV4 = uint16(v4.Port)
		fw.rewriter.PortV6 = uint16(v4.Port)
	}

	logrus.WithField("listenAddress", fw.listenAddr).Info("Listening for Bedrock client datagrams")
	return nil
}

// Serve runs the read loop and the idle-session reaper against the
// socket Bind opened, until ctx is canceled or a read from the frontend
// socket fails; a failed read is returned as a fatal frontend socket error.
func (fw *Forwarder) Serve(ctx context.Context) error {
	go fw.reapLoop(ctx)

	buf := make([]byte, datagramSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, clientAddr, err := fw.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "frontend socket read failed")
		}
		fw.handleDatagram(clientAddr, buf[:n])
	}
}

func (fw *Forwarder) handleDatagram(clientAddr *net.UDPAddr, data []byte) {
	if raknet.IsUnconnectedPing(data) {
		fw.replyPing(clientAddr, data)
		return
	}

	clientKey, ok := netip.AddrFromSlice(clientAddr.IP.To16())
	if !ok {
		return
	}
	addrPort := netip.AddrPortFrom(clientKey, uint16(clientAddr.Port))

	sess, isNew, err := fw.table.GetOrCreate(addrPort, func(ap netip.AddrPort) (*session.Session, error) {
		return fw.createSession(ap, clientAddr)
	})
	if err != nil {
		switch err {
		case errClientDenied:
			logrus.WithField("client", clientAddr).Debug("Session rejected: client denied by filter")
		case errRateLimited:
			logrus.WithField("client", clientAddr).Debug("Session rejected: rate limit exceeded")
			if fw.metrics != nil {
				fw.metrics.RateLimited.Add(1)
			}
		default:
			logrus.WithError(err).WithField("client", clientAddr).Debug("Rejected new session")
		}
		return
	}
	if isNew {
		// Fired after GetOrCreate has released the shard lock: a webhook
		// sink does a synchronous HTTP POST, and table.go's CreateFunc
		// contract forbids blocking the lock on anything past a UDP dial.
		fw.sink.SessionOpened(clientAddr, sess.Backend.ID)
		go fw.pumpUpstream(sess)
	}

	fw.table.Touch(sess)
	if _, err := sess.Upstream.Write(data); err != nil {
		logrus.WithError(err).WithField("backend", sess.Backend.ID).Debug("Upstream write failed")
		if fw.metrics != nil {
			fw.metrics.PacketsDropped.Add(1)
		}
		return
	}
	if fw.metrics != nil {
		fw.metrics.BytesUpstream.Add(float64(len(data)))
	}
}

func (fw *Forwarder) createSession(addrPort netip.AddrPort, clientAddr *net.UDPAddr) (*session.Session, error) {
	if fw.bucket.TakeAvailable(1) == 0 {
		return nil, errRateLimited
	}

	ip, ok := netip.AddrFromSlice(clientAddr.IP.To16())
	if ok && !fw.filter.Allow(ip.Unmap()) {
		return nil, errClientDenied
	}

	b, err := fw.fleet.Pick()
	if err != nil {
		return nil, err
	}

	localAddr, err := net.ResolveUDPAddr("udp", fw.upstreamBind)
	if err != nil {
		return nil, err
	}
	upstream, err := net.DialUDP("udp", localAddr, b.Addr)
	if err != nil {
		return nil, err
	}

	if fw.sendProxyProto {
		if err := fw.writeProxyHeader(upstream, clientAddr); err != nil {
			upstream.Close()
			return nil, err
		}
	}

	b.IncSessionCount()
	if fw.metrics != nil {
		fw.metrics.SessionsOpened.Add(1)
		fw.metrics.SessionsActive.Add(1)
	}

	return &session.Session{
		ClientAddr: addrPort,
		Backend:    b,
		Upstream:   upstream,
		CreatedAt:  time.Now(),
	}, nil
}

func (fw *Forwarder) writeProxyHeader(upstream *net.UDPConn, clientAddr *net.UDPAddr) error {
	header, err := raknet.BuildProxyV2UDPHeader(clientAddr, fw.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		return err
	}
	_, err = upstream.Write(header)
	return err
}

// pumpUpstream relays backend replies for one session back to that
// client's address on the shared downstream socket, until the upstream
// socket errors or goes idle long enough to be reaped.
func (fw *Forwarder) pumpUpstream(sess *session.Session) {
	buf := make([]byte, datagramSize)
	clientAddr := net.UDPAddrFromAddrPort(sess.ClientAddr)
	for {
		n, err := sess.Upstream.Read(buf)
		if err != nil {
			fw.closeSession(sess, "upstream_error")
			return
		}
		fw.table.Touch(sess)
		if _, err := fw.conn.WriteToUDP(buf[:n], clientAddr); err != nil {
			logrus.WithError(err).WithField("client", clientAddr).Debug("Downstream write failed")
			if fw.metrics != nil {
				fw.metrics.PacketsDropped.Add(1)
			}
			continue
		}
		if fw.metrics != nil {
			fw.metrics.BytesDownstream.Add(float64(n))
		}
	}
}

func (fw *Forwarder) closeSession(sess *session.Session, reason string) {
	if _, ok := fw.table.Evict(sess.ClientAddr); !ok {
		return
	}
	sess.Upstream.Close()
	sess.Backend.DecSessionCount()
	if fw.metrics != nil {
		fw.metrics.SessionsClosed.Add(1)
		fw.metrics.SessionsActive.Add(-1)
	}
	fw.sink.SessionClosed(net.UDPAddrFromAddrPort(sess.ClientAddr), sess.Backend.ID, reason)
}

// replyPing answers a RakNet unconnected ping straight from the MOTD
// cache, echoing the client's own timestamp and stamping the proxy's
// guid and listen ports via the rewriter. No backend is contacted.
func (fw *Forwarder) replyPing(clientAddr *net.UDPAddr, data []byte) {
	ping, err := raknet.DecodeUnconnectedPing(data)
	if err != nil {
		return
	}

	snap := fw.rewriter.Rewrite(fw.fleet.MotdCache().Get())
	motdStr := raknet.FormatMotdString(snap, fw.rewriter.PortV4, fw.rewriter.PortV6)

	pong := &raknet.Pong{
		ServerTimestamp: ping.ClientTimestamp,
		ServerGUID:      fw.rewriter.ProxyGUID,
		Motd:            motdStr,
	}
	if _, err := fw.conn.WriteToUDP(raknet.EncodeUnconnectedPong(pong), clientAddr); err != nil {
		logrus.WithError(err).WithField("client", clientAddr).Debug("Failed to reply to ping")
	}
}

func (fw *Forwarder) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(fw.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range fw.table.Reap(time.Now(), fw.idleTimeout) {
				sess.Upstream.Close()
				sess.Backend.DecSessionCount()
				if fw.metrics != nil {
					fw.metrics.SessionsClosed.Add(1)
					fw.metrics.SessionsActive.Add(-1)
				}
				fw.sink.SessionClosed(net.UDPAddrFromAddrPort(sess.ClientAddr), sess.Backend.ID, "idle_timeout")
			}
			fw.fleet.ReapDraining()
		}
	}
}

// Bound reports whether the frontend socket is currently bound, exposed
// to the control surface's /healthz liveness check.
func (fw *Forwarder) Bound() bool {
	return fw.conn != nil
}

// Close shuts down the frontend socket. Serve returns once the pending
// read unblocks with an error.
func (fw *Forwarder) Close() error {
	if fw.conn == nil {
		return nil
	}
	return fw.conn.Close()
}

// SessionCount reports the number of live sessions, part of the control
// surface's SessionCounter interface.
func (fw *Forwarder) SessionCount() int {
	return fw.table.Len()
}

// SessionCountByBackend reports live sessions grouped by backend ID.
func (fw *Forwarder) SessionCountByBackend() map[string]int {
	return fw.table.CountByBackend()
}

// Snapshot captures every live session for best-effort recovery across a
// restart, per spec.md §4.10.
func (fw *Forwarder) Snapshot() *snapshot.File {
	sessions := fw.table.All()
	f := &snapshot.File{
		TakenAt:    time.Now(),
		ListenAddr: fw.listenAddr,
		Clients:    make([]snapshot.ClientRecord, 0, len(sessions)),
	}
	for _, s := range sessions {
		f.Clients = append(f.Clients, snapshot.ClientRecord{
			ClientAddr:       net.UDPAddrFromAddrPort(s.ClientAddr).String(),
			ServerAddr:       s.Backend.Addr.String(),
			ServerProxyProto: fw.sendProxyProto,
			UpstreamBindAddr: fw.upstreamBind,
		})
	}
	return f
}

// Restore re-dials upstream sockets for every client record in f and
// seeds the session table ahead of the first client datagram, so a
// recovering client's reply doesn't have to wait for a fresh session to
// be created. Must be called after Bind and before Serve. A nil or
// expired snapshot is a no-op.
func (fw *Forwarder) Restore(f *snapshot.File) {
	if f == nil || f.HasExpired() {
		return
	}

	current := fw.fleet.Current()
	if current == nil {
		return
	}

	restored := 0
	for _, rec := range f.Clients {
		clientUDP, err := net.ResolveUDPAddr("udp", rec.ClientAddr)
		if err != nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(clientUDP.IP.To16())
		if !ok {
			continue
		}
		addrPort := netip.AddrPortFrom(ip, uint16(clientUDP.Port))

		b, ok := current.ByID(rec.ServerAddr)
		if !ok || b.Health() != backend.Up {
			continue
		}

		localAddr, err := net.ResolveUDPAddr("udp", rec.UpstreamBindAddr)
		if err != nil {
			continue
		}
		upstream, err := net.DialUDP("udp", localAddr, b.Addr)
		if err != nil {
			continue
		}

		sess := &session.Session{
			ClientAddr: addrPort,
			Backend:    b,
			Upstream:   upstream,
			CreatedAt:  time.Now(),
		}
		_, isNew, err := fw.table.GetOrCreate(addrPort, func(netip.AddrPort) (*session.Session, error) {
			return sess, nil
		})
		if err != nil || !isNew {
			upstream.Close()
			continue
		}

		b.IncSessionCount()
		go fw.pumpUpstream(sess)
		restored++
	}

	if restored > 0 {
		logrus.WithField("sessions", restored).Info("Restored sessions from recovery snapshot")
	}
}
