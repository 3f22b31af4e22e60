package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/itzg/go-flagsfiller"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/apiserver"
	"github.com/go-bedrock/router/internal/clientfilter"
	"github.com/go-bedrock/router/internal/config"
	"github.com/go-bedrock/router/internal/events"
	"github.com/go-bedrock/router/internal/fleet"
	"github.com/go-bedrock/router/internal/forwarder"
	"github.com/go-bedrock/router/internal/metrics"
	"github.com/go-bedrock/router/internal/snapshot"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func showVersion() {
	fmt.Printf("%v, commit %v, built at %v\n", version, commit, date)
}

// appConfig layers onto config.Config the flags that only make sense at
// the cmd level: where to find the TOML file and whether to watch it.
type appConfig struct {
	ConfigFile  string `usage:"path to a TOML config file"`
	ConfigWatch bool   `default:"true" usage:"watch the config file for changes and reload on write"`
	VersionFlag bool   `usage:"output version and exit"`
	Config      config.Config
}

func main() {
	var cfg appConfig
	filler := flagsfiller.New()
	if err := filler.Fill(flag.CommandLine, &cfg); err != nil {
		logrus.WithError(err).Fatal("Could not register flags")
	}
	flag.Parse()

	if cfg.VersionFlag {
		showVersion()
		os.Exit(0)
	}

	if cfg.ConfigFile != "" {
		if err := config.LoadFile(cfg.ConfigFile, &cfg.Config); err != nil {
			logrus.WithError(err).Fatal("Could not load config file")
		}
	}

	if cfg.Config.CpuProfile != "" {
		f, err := os.Create(cfg.Config.CpuProfile)
		if err != nil {
			logrus.WithError(err).Fatal("Could not create cpu profile file")
		}
		logrus.WithField("file", cfg.Config.CpuProfile).Info("Starting cpu profiling")
		if err := pprof.StartCPUProfile(f); err != nil {
			logrus.WithError(err).Fatal("Could not start cpu profile")
		}
		defer pprof.StopCPUProfile()
	}

	if err := cfg.Config.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := []events.Sink{events.LogSink{}}
	if cfg.Config.Webhook != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Config.Webhook))
	}
	sink := events.NewMultiSink(sinks...)

	metricsBuilder := metrics.NewBuilder(cfg.Config.MetricsBackend, nil)
	if err := metricsBuilder.Start(ctx); err != nil {
		logrus.WithError(err).Warn("Could not start metrics backend")
	}
	metricSet := metricsBuilder.Build()

	filter, err := clientfilter.New(cfg.Config.ClientsToAllow, cfg.Config.ClientsToDeny)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid client filter configuration")
	}

	fleetController := fleet.New(sink, "A Bedrock Router proxy server")
	if err := fleetController.Reload(ctx, &cfg.Config); err != nil {
		logrus.WithError(err).Fatal("Could not apply initial configuration")
	}

	var k8s *fleet.K8sDiscovery
	if cfg.Config.Discovery.Kubernetes.Enabled {
		k8s, err = fleet.NewK8sDiscovery(cfg.Config.Discovery.Kubernetes, func(addrs []string) {
			if err := fleetController.ApplyDiscovered(ctx, &cfg.Config, addrs); err != nil {
				logrus.WithError(err).Error("Could not apply discovered backends")
			}
		})
		if err != nil {
			logrus.WithError(err).Warn("Could not start Kubernetes backend discovery")
		} else if k8s != nil {
			k8s.Start(ctx)
		}
	}

	fw := forwarder.New(forwarder.Config{
		ListenAddr:       cfg.Config.Bind,
		UpstreamBind:     cfg.Config.ProxyBind,
		SendProxyProto:   cfg.Config.ProxyProtocol,
		IdleTimeout:      cfg.Config.IdleTimeout,
		ReapInterval:     cfg.Config.ReapInterval,
		SessionRateLimit: cfg.Config.SessionRateLimit,
	}, fleetController, filter, metricSet, sink)

	if err := fw.Bind(); err != nil {
		logrus.WithError(err).Fatal("Could not bind frontend socket")
	}

	if cfg.Config.SnapshotPath != "" {
		snap, err := snapshot.Read(cfg.Config.SnapshotPath)
		if err != nil {
			logrus.WithError(err).Warn("Could not read recovery snapshot")
		} else {
			fw.Restore(snap)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- fw.Serve(ctx)
	}()

	watcher := &configWatcher{appConfig: &cfg, fleet: fleetController}
	if cfg.Config.ApiBinding != "" {
		var metricsHandler http.Handler
		if cfg.Config.MetricsBackend == metrics.BackendPrometheus {
			metricsHandler = promhttp.Handler()
		}
		api := apiserver.New(fleetController, fw, watcher, metricsHandler)
		api.ListenAndServe(cfg.Config.ApiBinding)
	}

	if cfg.ConfigFile != "" && cfg.ConfigWatch {
		if err := watcher.watch(ctx); err != nil {
			logrus.WithError(err).Warn("Could not watch config file for changes")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	select {
	case <-sig:
		logrus.Info("Stopping")
	case err := <-serveErr:
		logrus.WithError(err).Error("Forwarder stopped unexpectedly, shutting down")
	}

	if cfg.Config.SnapshotPath != "" {
		if err := snapshot.Write(cfg.Config.SnapshotPath, fw.Snapshot()); err != nil {
			logrus.WithError(err).Warn("Could not write recovery snapshot")
		}
	}

	cancel()
	_ = fw.Close()
}

// configWatcher re-reads the TOML file on a debounced fsnotify event and
// on an explicit /reload API call, mirroring
// server/routes_config_loader.go's watch-then-debounce-then-reload shape.
type configWatcher struct {
	appConfig *appConfig
	fleet     *fleet.Controller
}

const debounceReloadDelay = 2 * time.Second

func (w *configWatcher) TriggerReload() {
	w.reload()
}

func (w *configWatcher) reload() {
	if err := config.LoadFile(w.appConfig.ConfigFile, &w.appConfig.Config); err != nil {
		logrus.WithError(err).Error("Could not re-read config file")
		return
	}
	if err := w.fleet.Reload(context.Background(), &w.appConfig.Config); err != nil {
		logrus.WithError(err).Error("Could not apply reloaded config")
		return
	}
	logrus.Info("Applied reloaded config")
}

func (w *configWatcher) watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.appConfig.ConfigFile); err != nil {
		return err
	}

	go func() {
		defer fsw.Close()
		var debounce *time.Timer
		var debounceChan <-chan time.Time = make(<-chan time.Time)

		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if debounce == nil {
						debounce = time.NewTimer(debounceReloadDelay)
					} else {
						debounce.Reset(debounceReloadDelay)
					}
					debounceChan = debounce.C
				}
			case <-debounceChan:
				w.reload()
			case <-ctx.Done():
				return
			}
		}
	}()

	logrus.WithField("file", w.appConfig.ConfigFile).Info("Watching config file for changes")
	return nil
}
