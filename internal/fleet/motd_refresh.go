package fleet

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/backend"
	"github.com/go-bedrock/router/internal/config"
	"github.com/go-bedrock/router/internal/motd"
	"github.com/go-bedrock/router/internal/raknet"
)

// repointMotdRefresh (re)starts the MOTD refresh task against whatever
// source cfg now names, per spec.md §4.2's source-selection rule:
// explicit motd_source if set, else the first currently-up backend in
// list order, falling back in order if that one goes down. Must be
// called with c.mu held.
func (c *Controller) repointMotdRefresh(cfg *config.Config) {
	newSource := cfg.Backend.MotdSource
	if newSource == c.motdSource && c.motdCancel != nil {
		return
	}

	if c.motdCancel != nil {
		c.motdCancel()
	}

	c.motdSource = newSource
	c.motdRefresh = cfg.Backend.MotdRefreshRate

	ctx, cancel := context.WithCancel(context.Background())
	c.motdCancel = cancel
	go c.runMotdRefresh(ctx)
}

func (c *Controller) runMotdRefresh(ctx context.Context) {
	ticker := time.NewTicker(c.motdRefresh)
	defer ticker.Stop()

	c.refreshMotdOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshMotdOnce()
		}
	}
}

// resolveMotdSource implements the fallback order described in
// spec.md §4.2 and resolved by original_source/src/motd.rs: an explicit
// configured source wins; otherwise the first backend in list order
// that is currently Up; if none are Up, no source is available this
// round and the cache is left untouched (the synthetic snapshot keeps
// serving until a backend comes up).
func (c *Controller) resolveMotdSource() (*net.UDPAddr, string) {
	if c.motdSource != "" {
		addr, err := net.ResolveUDPAddr("udp", c.motdSource)
		if err != nil {
			logrus.WithError(err).WithField("motd_source", c.motdSource).Error("Bad motd_source address")
			return nil, c.motdSource
		}
		return addr, c.motdSource
	}

	f := c.Current()
	if f == nil {
		return nil, ""
	}
	for _, b := range f.Backends {
		if b.Health() == backend.Up {
			return b.Addr, b.ID
		}
	}
	return nil, ""
}

// onProbePong is the health prober's pong hook: whenever a probe pong
// arrives from whichever backend is currently the designated MOTD
// source, it updates the cache immediately instead of waiting for the
// next ticker tick, per spec.md §4.2(a)'s "also updates out-of-band"
// clause.
func (c *Controller) onProbePong(backendID string, pong *raknet.Pong) {
	_, label := c.resolveMotdSource()
	if label == "" || label != backendID {
		return
	}

	snap, err := raknet.ParseMotdString(pong.Motd)
	if err != nil {
		logrus.WithError(err).WithField("source", label).Debug("Could not parse MOTD from probe pong")
		return
	}

	c.motdCache.Set(snap)
	c.sink.MotdRefreshed(label, true)
}

func (c *Controller) refreshMotdOnce() {
	addr, label := c.resolveMotdSource()
	if addr == nil {
		return
	}

	snap, err := pingForMotd(c.proxyBind, addr)
	if err != nil {
		logrus.WithError(err).WithField("source", label).Debug("Could not refresh MOTD")
		return
	}

	c.motdCache.Set(snap)
	c.sink.MotdRefreshed(label, true)
}

// pingForMotd sends a single unconnected ping to addr and parses the
// resulting pong into a motd.Snapshot.
func pingForMotd(proxyBind string, addr *net.UDPAddr) (*motd.Snapshot, error) {
	local, err := net.ResolveUDPAddr("udp", proxyBind)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", local, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if _, err := conn.Write(raknet.EncodeUnconnectedPing(&raknet.Ping{ClientTimestamp: now, ClientGUID: now})); err != nil {
		return nil, err
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	pong, err := raknet.DecodeUnconnectedPong(buf[:n])
	if err != nil {
		return nil, err
	}

	return raknet.ParseMotdString(pong.Motd)
}
