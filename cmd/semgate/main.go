// Package main implements the semgate daemon: it polls the health of the
// configured upstreams, drives their circuit breakers, proxies /api traffic,
// dispatches alerts and serves the orchestrator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semgate/alert"
	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/config"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/gateway"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/natsclient"
	"github.com/c360/semgate/orchestrator"
	"github.com/c360/semgate/pkg/tlsutil"
	"github.com/c360/semgate/poller"
	"github.com/c360/semgate/registry"
	"github.com/c360/semgate/server"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semgate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger, logCloser := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cliCfg.LogFile)
	defer logCloser.Close()
	slog.SetDefault(logger)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Addr != "" {
		cfg.Server.Addr = cliCfg.Addr
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "services", len(cfg.Services))
		return nil
	}

	slog.Info("Starting semgate",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"services", len(cfg.Services))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// app bundles everything built from the configuration.
type app struct {
	registry   *registry.Registry
	metrics    *metric.MetricsRegistry
	bus        *events.Bus
	nats       *natsclient.Client
	store      circuit.Store
	machine    *circuit.Machine
	cache      *health.Cache
	tracker    *health.Tracker
	poller     *poller.Poller
	dispatcher *alert.Dispatcher
	server     *server.Server
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// subscribe before any producer starts so no transition is missed
	alertSub := a.bus.Subscribe("alerts", 256)
	metricsSub := a.bus.Subscribe("metrics", 256)
	var bridgeSub *events.Subscription
	if a.nats != nil {
		bridgeSub = a.bus.Subscribe("nats-bridge", 1024)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx, alertSub) })
	g.Go(func() error {
		a.metrics.Metrics.Consume(gctx, metricsSub)
		return nil
	})
	if bridgeSub != nil {
		bridge := events.NewBridge(a.nats, cfg.NATS.EventSubject, logger)
		g.Go(func() error { return bridge.Run(gctx, bridgeSub) })
	}
	g.Go(func() error {
		return a.server.Run(gctx, cfg.Server.Addr, cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout)
	})

	slog.Info("semgate started", "addr", cfg.Server.Addr, "store", cfg.Store.Type, "alert_sink", cfg.Alerts.Sink)
	err = g.Wait()
	slog.Info("semgate shutdown complete")
	return err
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	a := &app{
		registry: reg,
		metrics:  metric.NewMetricsRegistry(cfg.Metrics.Namespace),
		cache:    health.NewCache(),
		tracker:  health.NewTracker(health.DefaultWindow, 0),
	}
	a.bus = events.NewBus(func(subscriber string, ev events.Event) {
		a.metrics.Metrics.RecordEventDropped(subscriber)
		logger.Warn("event dropped", "subscriber", subscriber, "kind", ev.Kind, "service", ev.Service)
	})

	if cfg.NATS.Enabled() {
		if a.nats, err = connectNATS(ctx, cfg.NATS, a.metrics.Metrics, logger); err != nil {
			return nil, err
		}
	}

	if a.store, err = openStore(ctx, cfg, a.nats); err != nil {
		a.close()
		return nil, err
	}

	a.machine = circuit.NewMachine(circuit.Config{
		Threshold:    cfg.Circuit.Threshold,
		BaseBackoff:  cfg.Circuit.BaseBackoff,
		MaxBackoff:   cfg.Circuit.MaxBackoff,
		Warmup:       cfg.Circuit.Warmup,
		RestartGrace: cfg.Circuit.RestartGrace,
	},
		circuit.WithStore(a.store),
		circuit.WithPublisher(a.bus),
		circuit.WithRegistry(reg),
		circuit.WithLogger(logger))
	if err := a.machine.Load(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("load circuit state: %w", err)
	}

	upstream, err := tlsutil.Transport(cfg.Upstream.TLS)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("upstream tls: %w", err)
	}
	serverTLS, err := tlsutil.LoadServerConfig(cfg.Server.TLS)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("server tls: %w", err)
	}

	a.poller = poller.New(poller.Config{
		Interval:          cfg.Poller.Interval,
		OnlineThreshold:   cfg.Poller.OnlineThreshold,
		DegradedThreshold: cfg.Poller.DegradedThreshold,
	}, reg, a.cache,
		poller.WithTracker(a.tracker),
		poller.WithBreaker(a.machine),
		poller.WithPublisher(a.bus),
		poller.WithMetrics(a.metrics.Metrics),
		poller.WithHTTPClient(&http.Client{Transport: upstream}),
		poller.WithLogger(logger))

	router, err := gateway.NewRouter(reg, a.cache,
		gateway.WithBreaker(a.machine),
		gateway.WithMetrics(a.metrics.Metrics),
		gateway.WithTransport(upstream),
		gateway.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build router: %w", err)
	}

	sink, err := openSink(cfg, a.nats, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = alert.NewDispatcher(sink,
		alert.WithCooldown(cfg.Alerts.Cooldown),
		alert.WithMetrics(a.metrics.Metrics),
		alert.WithHistory(cfg.Alerts.History),
		alert.WithLogger(logger))

	var controller orchestrator.ProcessController
	if len(cfg.Actions.Commands) > 0 {
		controller = orchestrator.NewExecController(cfg.Actions.Commands, cfg.Actions.OutputLimit, logger)
	} else {
		logger.Warn("no action commands configured, orchestrator actions will fail")
	}
	orch := orchestrator.New(reg, a.machine, controller,
		orchestrator.WithPublisher(a.bus),
		orchestrator.WithHealth(a.cache, a.tracker),
		orchestrator.WithTimeout(cfg.Actions.Timeout),
		orchestrator.WithOutputLimit(cfg.Actions.OutputLimit),
		orchestrator.WithLogger(logger))

	deps := server.Deps{
		Registry:     reg,
		Cache:        a.cache,
		Tracker:      a.tracker,
		Collector:    metric.NewCollector(cfg.Metrics.Window, metric.WithHealthSource(a.cache), metric.WithPrometheus(a.metrics.Metrics)),
		Metrics:      a.metrics,
		Orchestrator: orch,
		Alerts:       a.dispatcher,
		Bus:          a.bus,
		Proxy:        router,
	}
	if a.nats != nil {
		deps.NATS = a.nats
	}
	a.server, err = server.New(deps,
		server.WithAuthorizer(server.BearerToken(cfg.Server.AuthToken)),
		server.WithEventStream(cfg.Server.EventStream),
		server.WithTLS(serverTLS),
		server.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build server: %w", err)
	}
	if err := registerRuntimeMetrics(a.metrics, cfg.Metrics.Namespace, a.poller, a.bus); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// registerRuntimeMetrics exposes counters owned by the poller and the bus,
// read at scrape time.
func registerRuntimeMetrics(r *metric.MetricsRegistry, namespace string, p *poller.Poller, bus *events.Bus) error {
	cycles := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_cycles_total",
		Help:      "Completed health poll cycles.",
	}, func() float64 { return float64(p.Cycles()) })
	if err := r.Register("poll_cycles", cycles); err != nil {
		return fmt.Errorf("register poll cycles: %w", err)
	}

	subscribers := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Current event bus subscriptions.",
	}, func() float64 { return float64(bus.Subscribers()) })
	if err := r.Register("event_subscribers", subscribers); err != nil {
		return fmt.Errorf("register event subscribers: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close circuit store", "error", err)
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil {
			slog.Warn("close NATS", "error", err)
		}
	}
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, m *metric.Metrics, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithLogger(logger),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	client.OnHealthChange(m.RecordNATSStatus)

	slog.Info("Connecting to NATS", "urls", client.URLs())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	m.RecordNATSStatus(true)
	return client, nil
}

func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client) (circuit.Store, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return circuit.NewMemoryStore(), nil
	case config.StoreNATS:
		s, err := circuit.NewKVStore(ctx, nc, cfg.Store.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open NATS circuit store: %w", err)
		}
		return s, nil
	case config.StoreRedis:
		s, err := circuit.NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Store.Key)
		if err != nil {
			return nil, fmt.Errorf("open redis circuit store: %w", err)
		}
		return s, nil
	default:
		return circuit.NewFileStore(cfg.Store.Path), nil
	}
}

func openSink(cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (alert.Sink, error) {
	switch cfg.Alerts.Sink {
	case config.SinkWebhook:
		s, err := alert.NewWebhookSink(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout, alert.WithWebhookLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create webhook sink: %w", err)
		}
		return s, nil
	case config.SinkNATS:
		s, err := alert.NewNATSSink(nc, cfg.Alerts.Subject)
		if err != nil {
			return nil, fmt.Errorf("create NATS sink: %w", err)
		}
		return s, nil
	default:
		return alert.NewLogSink(logger), nil
	}
}
