// Package metrics builds the go-kit metrics.Counter/Gauge set the data
// plane updates, against whichever backend the config names. The Health
// counters are built too, but the fleet Controller creates its prober
// without them, so they are never incremented.
// Modeled directly on server/metrics.go's builder-per-backend pattern.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/kit/metrics"
	kitlogrus "github.com/go-kit/kit/log/logrus"
	discardMetrics "github.com/go-kit/kit/metrics/discard"
	expvarMetrics "github.com/go-kit/kit/metrics/expvar"
	kitinflux "github.com/go-kit/kit/metrics/influx"
	prometheusMetrics "github.com/go-kit/kit/metrics/prometheus"
	influx "github.com/influxdata/influxdb1-client/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/health"
)

const (
	BackendExpvar     = "expvar"
	BackendPrometheus = "prometheus"
	BackendInfluxDB   = "influxdb"
	BackendDiscard    = "discard"
)

// Set bundles every metric the proxy reports, grouped by the subsystem
// that owns it.
type Set struct {
	SessionsOpened  metrics.Counter
	SessionsClosed  metrics.Counter
	SessionsActive  metrics.Gauge
	BytesUpstream   metrics.Counter
	BytesDownstream metrics.Counter
	PacketsDropped  metrics.Counter
	RateLimited     metrics.Counter

	Health health.Metrics
}

type InfluxConfig struct {
	Interval        time.Duration
	Tags            map[string]string
	Addr            string
	Username        string
	Password        string
	Database        string
	RetentionPolicy string
}

// Builder constructs a Set for one backend and, for backends that need a
// background flush loop (influxdb), starts it.
type Builder interface {
	Build() *Set
	Start(ctx context.Context) error
}

// NewBuilder picks a Builder by name, defaulting to discard for anything
// unrecognized so a typo in config never crashes startup.
func NewBuilder(backend string, influxCfg *InfluxConfig) Builder {
	switch strings.ToLower(backend) {
	case BackendExpvar:
		return &expvarBuilder{}
	case BackendPrometheus:
		return &prometheusBuilder{}
	case BackendInfluxDB:
		return &influxBuilder{cfg: influxCfg}
	case BackendDiscard, "":
		return &discardBuilder{}
	default:
		return &discardBuilder{}
	}
}

type discardBuilder struct{}

func (discardBuilder) Start(context.Context) error { return nil }

func (discardBuilder) Build() *Set {
	return &Set{
		SessionsOpened:  discardMetrics.NewCounter(),
		SessionsClosed:  discardMetrics.NewCounter(),
		SessionsActive:  discardMetrics.NewGauge(),
		BytesUpstream:   discardMetrics.NewCounter(),
		BytesDownstream: discardMetrics.NewCounter(),
		PacketsDropped:  discardMetrics.NewCounter(),
		RateLimited:     discardMetrics.NewCounter(),
		Health: health.Metrics{
			ProbesSent:   discardMetrics.NewCounter(),
			ProbesFailed: discardMetrics.NewCounter(),
		},
	}
}

type expvarBuilder struct{}

func (expvarBuilder) Start(context.Context) error { return nil }

func (expvarBuilder) Build() *Set {
	return &Set{
		SessionsOpened:  expvarMetrics.NewCounter("bedrock_router_sessions_opened"),
		SessionsClosed:  expvarMetrics.NewCounter("bedrock_router_sessions_closed"),
		SessionsActive:  expvarMetrics.NewGauge("bedrock_router_sessions_active"),
		BytesUpstream:   expvarMetrics.NewCounter("bedrock_router_bytes_upstream"),
		BytesDownstream: expvarMetrics.NewCounter("bedrock_router_bytes_downstream"),
		PacketsDropped:  expvarMetrics.NewCounter("bedrock_router_packets_dropped"),
		RateLimited:     expvarMetrics.NewCounter("bedrock_router_rate_limited"),
		Health: health.Metrics{
			ProbesSent:   expvarMetrics.NewCounter("bedrock_router_probes_sent"),
			ProbesFailed: expvarMetrics.NewCounter("bedrock_router_probes_failed"),
		},
	}
}

type prometheusBuilder struct{}

func (prometheusBuilder) Start(context.Context) error { return nil }

func (prometheusBuilder) Build() *Set {
	counter := func(name, help string) metrics.Counter {
		return prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bedrock_router",
			Name:      name,
			Help:      help,
		}, nil))
	}
	gauge := func(name, help string) metrics.Gauge {
		return prometheusMetrics.NewGauge(promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bedrock_router",
			Name:      name,
			Help:      help,
		}, nil))
	}
	return &Set{
		SessionsOpened:  counter("sessions_opened_total", "Total sessions opened"),
		SessionsClosed:  counter("sessions_closed_total", "Total sessions closed"),
		SessionsActive:  gauge("sessions_active", "Currently active sessions"),
		BytesUpstream:   counter("bytes_upstream_total", "Bytes forwarded client to backend"),
		BytesDownstream: counter("bytes_downstream_total", "Bytes forwarded backend to client"),
		PacketsDropped:  counter("packets_dropped_total", "Datagrams dropped under backpressure"),
		RateLimited:     counter("sessions_rate_limited_total", "New sessions rejected by the rate limiter"),
		Health: health.Metrics{
			ProbesSent:   counter("health_probes_sent_total", "Health probes sent"),
			ProbesFailed: counter("health_probes_failed_total", "Health probes that timed out or errored"),
		},
	}
}

type influxBuilder struct {
	cfg     *InfluxConfig
	metrics *kitinflux.Influx
}

func (b *influxBuilder) Start(ctx context.Context) error {
	if b.cfg == nil || b.cfg.Addr == "" {
		return errors.New("metrics: influxdb addr is required")
	}

	ticker := time.NewTicker(b.cfg.Interval)
	client, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:     b.cfg.Addr,
		Username: b.cfg.Username,
		Password: b.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("metrics: creating influx http client: %w", err)
	}

	go b.metrics.WriteLoop(ctx, ticker.C, client)
	logrus.WithField("addr", b.cfg.Addr).Debug("Reporting metrics to influxdb")
	return nil
}

func (b *influxBuilder) Build() *Set {
	if b.cfg == nil {
		// Same nil-guard Start() already applies: a misconfigured influxdb
		// backend degrades to discard rather than panicking at startup.
		return (&discardBuilder{}).Build()
	}

	m := kitinflux.New(b.cfg.Tags, influx.BatchPointsConfig{
		Database:        b.cfg.Database,
		RetentionPolicy: b.cfg.RetentionPolicy,
	}, kitlogrus.NewLogger(logrus.StandardLogger()))
	b.metrics = m

	return &Set{
		SessionsOpened:  m.NewCounter("bedrock_router_sessions_opened"),
		SessionsClosed:  m.NewCounter("bedrock_router_sessions_closed"),
		SessionsActive:  m.NewGauge("bedrock_router_sessions_active"),
		BytesUpstream:   m.NewCounter("bedrock_router_bytes_upstream"),
		BytesDownstream: m.NewCounter("bedrock_router_bytes_downstream"),
		PacketsDropped:  m.NewCounter("bedrock_router_packets_dropped"),
		RateLimited:     m.NewCounter("bedrock_router_rate_limited"),
		Health: health.Metrics{
			ProbesSent:   m.NewCounter("bedrock_router_probes_sent"),
			ProbesFailed: m.NewCounter("bedrock_router_probes_failed"),
		},
	}
}
