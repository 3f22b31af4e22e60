// Package config is the validated Config struct the core consumes. The
// CLI flag/env layer (go-flagsfiller) and the TOML file layer are both
// external collaborators that populate this same struct; the core only
// ever sees a validated *Config.
package config

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/go-bedrock/router/internal/balancer"
)

// ErrInvalid wraps every config validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

type ServerConfig struct {
	Address string `toml:"address" usage:"host:port of a backend Bedrock server"`
}

type BackendConfig struct {
	HealthCheckRate time.Duration  `toml:"health_check_rate" default:"2s" usage:"interval between health probes"`
	MotdRefreshRate time.Duration  `toml:"motd_refresh_rate" default:"5s" usage:"interval between MOTD refreshes"`
	MotdSource      string         `toml:"motd_source" usage:"host:port to source MOTD from; defaults to the first healthy backend"`
	UnhealthyAfter  int            `toml:"unhealthy_after" default:"3" usage:"consecutive missed probes before a backend is marked down"`
	Servers         []ServerConfig `toml:"servers" usage:"ordered list of backend servers"`
}

type K8sDiscoveryConfig struct {
	Enabled      bool   `toml:"enabled"`
	Namespace    string `toml:"namespace"`
	ServiceName  string `toml:"service_name" usage:"name of the Service whose Endpoints are watched for backend addresses"`
	KubeConfig   string `toml:"kube_config" usage:"path to a kubeconfig file; empty uses in-cluster config"`
}

type DiscoveryConfig struct {
	Kubernetes K8sDiscoveryConfig `toml:"kubernetes"`
}

type Config struct {
	Bind              string        `toml:"bind" default:"0.0.0.0:19132" usage:"frontend UDP bind address"`
	ProxyBind         string        `toml:"proxy_bind" default:"0.0.0.0:0" usage:"upstream socket bind address; port 0 means ephemeral per session"`
	LoadBalanceMethod string        `toml:"load_balance_method" default:"round_robin" usage:"round_robin or least_connected"`
	ProxyProtocol     bool          `toml:"proxy_protocol" usage:"prepend a PROXY v2 UDP header to the first datagram sent to a backend per session"`
	SessionRateLimit  int           `toml:"session_rate_limit" default:"50" usage:"max new sessions accepted per second"`
	IdleTimeout       time.Duration `toml:"idle_timeout" default:"30s" usage:"idle duration after which a session is reaped"`
	ReapInterval      time.Duration `toml:"reap_interval" default:"5s" usage:"interval between idle-session sweeps"`
	ApiBinding        string        `toml:"api_binding" usage:"host:port for the HTTP control surface; empty disables it"`
	MetricsBackend    string        `toml:"metrics_backend" default:"discard" usage:"discard, expvar, prometheus, or influxdb"`
	Webhook           string        `toml:"webhook" usage:"URL to POST lifecycle events to; empty disables it"`
	ClientsToAllow    []string      `toml:"clients_allow" usage:"zero or more client IPs/CIDRs to allow; takes precedence over deny"`
	ClientsToDeny     []string      `toml:"clients_deny" usage:"zero or more client IPs/CIDRs to deny; ignored if any are allowed"`
	SnapshotPath      string        `toml:"snapshot_path" usage:"path to write a best-effort session-recovery snapshot on shutdown and read on startup; empty disables it"`

	Backend   BackendConfig   `toml:"backend"`
	Discovery DiscoveryConfig `toml:"discovery"`

	CpuProfile string `toml:"-" usage:"enables CPU profiling and writes to given path"`
}

// Validate rejects configurations spec.md §7 classifies as ConfigInvalid:
// bad addresses, an empty backend list with no discovery source, and an
// unknown load-balance method. It does not mutate cfg.
func (c *Config) Validate() error {
	if _, err := net.ResolveUDPAddr("udp", c.Bind); err != nil {
		return errors.Wrapf(ErrInvalid, "bad bind address %q: %v", c.Bind, err)
	}
	if _, err := net.ResolveUDPAddr("udp", c.ProxyBind); err != nil {
		return errors.Wrapf(ErrInvalid, "bad proxy_bind address %q: %v", c.ProxyBind, err)
	}

	if len(c.Backend.Servers) == 0 && !c.Discovery.Kubernetes.Enabled {
		return errors.Wrap(ErrInvalid, "no backend servers configured and no discovery source enabled")
	}

	seen := make(map[string]bool, len(c.Backend.Servers))
	for _, s := range c.Backend.Servers {
		addr, err := net.ResolveUDPAddr("udp", s.Address)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "bad backend address %q: %v", s.Address, err)
		}
		key := addr.String()
		if seen[key] {
			return errors.Wrapf(ErrInvalid, "duplicate backend address %q", s.Address)
		}
		seen[key] = true
	}

	if _, err := balancer.New(c.LoadBalanceMethod); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}

	// Open Question 2 (see DESIGN.md): motd_source naming an address not
	// present in Backend.Servers is accepted, not rejected — it may be a
	// motd-only sidecar server that never takes player sessions.
	if c.Backend.MotdSource != "" {
		if _, err := net.ResolveUDPAddr("udp", c.Backend.MotdSource); err != nil {
			return errors.Wrapf(ErrInvalid, "bad motd_source address %q: %v", c.Backend.MotdSource, err)
		}
	}

	return nil
}
