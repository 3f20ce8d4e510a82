package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/toolbridge/internal/channel"
	"github.com/gaspardpetit/toolbridge/internal/config"
	"github.com/gaspardpetit/toolbridge/internal/corr"
	"github.com/gaspardpetit/toolbridge/internal/logx"
	"github.com/gaspardpetit/toolbridge/internal/metrics"
	"github.com/gaspardpetit/toolbridge/internal/relay"
	"github.com/gaspardpetit/toolbridge/internal/resource"
	"github.com/gaspardpetit/toolbridge/internal/secret"
	"github.com/gaspardpetit/toolbridge/internal/server"
	"github.com/gaspardpetit/toolbridge/internal/serverstate"
	"github.com/gaspardpetit/toolbridge/internal/sse"
	"github.com/gaspardpetit/toolbridge/internal/stdio"
	"github.com/gaspardpetit/toolbridge/internal/tools"
	"github.com/gaspardpetit/toolbridge/internal/wschan"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// resolveConfig layers settings into cfg. Later sources win: built-in
// defaults, the YAML file, environment variables, then command-line flags.
// The caller parses flags; the bindings installed here point into cfg.
func resolveConfig(cfg *config.BridgeConfig) {
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if path := configPathArg(os.Args[1:]); path != "" {
		cfg.ConfigFile = path
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("read config file")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
}

// configPathArg scans args for --config ahead of flag.Parse. The file has to
// be loaded before the flags bind because its values seed the flag defaults.
func configPathArg(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
	}
	return ""
}

// watchSignals drains on the first SIGINT or SIGTERM and exits on the next.
// With no drain timeout configured the first signal already exits.
func watchSignals(ctx context.Context, cancel context.CancelFunc, cfg config.BridgeConfig, resources *resource.Registry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	for range sigCh {
		if serverstate.IsDraining() || cfg.DrainTimeout <= 0 {
			logx.Log.Warn().Msg("terminating now")
			cancel()
			return
		}
		serverstate.StartDrain()
		logx.Log.Info().Int64("in_flight", resources.Count()).Msg("drain started; repeat signal to force exit")
		deadline, stop := context.WithTimeout(ctx, cfg.DrainTimeout)
		go func() {
			defer stop()
			if resources.WaitForZero(deadline) {
				logx.Log.Info().Msg("drain complete")
				cancel()
				return
			}
			if errors.Is(deadline.Err(), context.DeadlineExceeded) {
				logx.Log.Warn().Int64("in_flight", resources.Count()).Msg("drain deadline passed")
				cancel()
			}
		}()
	}
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	resolveConfig(&cfg)
	flag.Parse()
	if *showVersion {
		fmt.Printf("toolbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("redis state store")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("state persisted to redis")
	}
	serverstate.SetState("starting")

	tracker := corr.NewTracker()
	resources := resource.NewRegistry()
	registry := tools.NewRegistry()

	var (
		event   channel.EventChannel
		events  http.HandlerFunc
		ingress http.HandlerFunc
		attach  http.HandlerFunc
		clients func() int
	)
	switch cfg.EventTransport {
	case "sse":
		hub := sse.NewHub(cfg.KeepAlive, 0)
		event = hub
		events = hub.ServeEvents
		ingress = hub.ServeIngress
		clients = hub.ClientCount
	case "ws":
		peer := wschan.NewPeer(0, cfg.KeepAlive)
		event = peer
		attach = peer.Attach
		clients = func() int {
			if peer.Connected() {
				return 1
			}
			return 0
		}
	default:
		logx.Log.Fatal().Str("transport", cfg.EventTransport).Msg("unknown event transport")
	}

	var responder relay.Responder
	if cfg.DeferResponses {
		responder = relay.ToolResponder(registry, relay.PassthroughResponder)
	} else {
		responder = relay.ToolResponder(registry, nil)
	}

	line := stdio.New(os.Stdin, os.Stdout)
	eng := relay.New(relay.Options{
		Line:            line,
		Event:           event,
		Tracker:         tracker,
		Resources:       resources,
		Tools:           registry,
		Responder:       responder,
		ServerVersion:   version,
		ResponseTimeout: cfg.ResponseTimeout,
	})

	handler := server.New(cfg, server.Deps{
		Registry:  preg,
		Tools:     registry,
		Tracker:   tracker,
		Resources: resources,
		Clients:   clients,
		Version:   version,
		Events:    events,
		Ingress:   ingress,
		Attach:    attach,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go watchSignals(ctx, cancel, cfg, resources)

	go func() {
		err := eng.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("relay stopped")
		} else {
			logx.Log.Info().Msg("relay stopped")
		}
		cancel()
	}()
	go func() {
		<-ctx.Done()
		event.Disconnect()
		line.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("http shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics listener shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics listener")
			}
		}()
	}

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("bearer auth enabled on event surface")
	}
	serverstate.SetState("ready")
	logx.Log.Info().Int("port", cfg.Port).Str("transport", cfg.EventTransport).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("http server")
	}
}
