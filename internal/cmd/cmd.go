// Package cmd is fragproxy's CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"

	"github.com/rafalfr/fragproxy/internal/version"
	"github.com/rafalfr/fragproxy/proxy"
)

// statsLogMonitorMaxBytes is the access log size above which MonitorLogFile
// deletes it.
const statsLogMonitorMaxBytes = 64 * 1024 * 1024

// Main is the entrypoint of the fragproxy CLI. It parses arguments,
// configures logging, wires the proxy core's collaborators, starts the
// Supervisor, and blocks until a termination signal arrives.
func Main() {
	opts, err := loadOptions(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("parsing options: %w", err))
		os.Exit(osutil.ExitCodeArgumentError)
	}

	if opts.Version {
		fmt.Println("fragproxy", version.Version())
		os.Exit(0)
	}

	logOutput := os.Stdout
	if opts.LogOutput != "" {
		logOutput, err = os.OpenFile(opts.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("cannot create a log file: %w", err))
			os.Exit(osutil.ExitCodeArgumentError)
		}
		defer func() { _ = logOutput.Close() }()
	}

	lvl := slog.LevelInfo
	if opts.Verbose {
		lvl = slog.LevelDebug
	}

	l := slogutil.New(&slogutil.Config{
		Output:       logOutput,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
	ctx := context.Background()
	l.InfoContext(ctx, "fragproxy starting", "version", version.Version())

	cfg, err := opts.toProxyConfig()
	if err != nil {
		l.ErrorContext(ctx, "invalid configuration", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeArgumentError)
	}

	if opts.Pprof {
		runPprof(l)
	}

	if err = runProxy(ctx, l, cfg); err != nil {
		l.ErrorContext(ctx, "running fragproxy", slogutil.KeyError, err)
		if logOutput != os.Stdout {
			_ = logOutput.Close()
		}
		os.Exit(osutil.ExitCodeFailure)
	}
}

// runProxy builds the proxy core's collaborators (BlacklistOracle, RuleSet,
// DNSCache, StatsSink, Logger, ConnectionCore, Supervisor), starts the
// Supervisor, runs the ambient periodic tasks and the /stats endpoint, and
// blocks until a termination signal or a fatal startup error.
func runProxy(ctx context.Context, l *slog.Logger, cfg *proxy.Config) error {
	blacklist, err := proxy.NewBlacklistOracle(cfg)
	if err != nil {
		// BlacklistLoadMissing: fatal at startup per §7.
		return fmt.Errorf("loading blacklist: %w", err)
	}

	rules := proxy.NewRuleSet(cfg.Rules)
	dnsCache := proxy.NewDNSCache(proxy.DefaultDNSCacheTTL, proxy.DefaultDNSCacheCapacity)
	stats := proxy.NewStatsSink(cfg.Host, cfg.Port, cfg.FragmentMethod)

	logger, err := proxy.NewLogger(cfg.LogAccessFile, cfg.LogErrorFile, stats)
	if err != nil {
		return fmt.Errorf("opening log files: %w", err)
	}

	core := proxy.NewConnectionCore(cfg, blacklist, rules, stats, logger, dnsCache)
	supervisor := proxy.NewSupervisor(cfg, core)

	if err = supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	sched := gocron.NewScheduler(time.UTC)
	if cfg.LogAccessFile != "" {
		_, err = sched.Every(1).Hour().Do(func() {
			proxy.MonitorLogFile(cfg.LogAccessFile, statsLogMonitorMaxBytes)
		})
		if err != nil {
			log.Error("fragproxy: can't start access log monitor: %v", err)
		}
	}
	if !cfg.Quiet {
		_, err = sched.Every(10).Seconds().Do(func() { printStatsBanner(stats) })
		if err != nil {
			log.Error("fragproxy: can't start stats banner: %v", err)
		}
	}
	sched.StartAsync()

	statsSrv := startStatsServer(cfg.StatsAddr, stats)

	l.InfoContext(ctx, "fragproxy ready", "host", cfg.Host, "port", cfg.Port, "method", cfg.FragmentMethod)

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	l.InfoContext(ctx, "fragproxy shutting down")

	sched.Stop()
	if statsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = statsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if err = supervisor.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping supervisor: %w", err)
	}

	return nil
}

// printStatsBanner writes a terse, human-readable line summarising the
// current snapshot to the process-wide logger, the ambient stand-in for the
// out-of-scope terminal banner/statistics renderer (§1).
func printStatsBanner(stats *proxy.StatsSink) {
	snap := stats.Snapshot()
	log.Info(
		"stats: total=%d allowed=%d blocked=%d error=%d in=%d out=%d efficiency=%.1f%%",
		snap.TotalConnections, snap.AllowedConnections, snap.BlockedConnections,
		snap.ErrorConnections, snap.TrafficIn, snap.TrafficOut, snap.Efficiency,
	)
}

// startStatsServer serves the read-only JSON /stats endpoint on addr. An
// empty addr disables the endpoint.
func startStatsServer(addr string, stats *proxy.StatsSink) *http.Server {
	if addr == "" {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, stats.Snapshot())
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("fragproxy: stats server: %v", err)
		}
	}()

	return srv
}

// runPprof runs pprof server on localhost:6060.
func runPprof(l *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	go func() {
		pprofAddr := "localhost:6060"
		l.Info("starting pprof", "addr", pprofAddr)

		srv := &http.Server{
			Addr:        pprofAddr,
			ReadTimeout: 60 * time.Second,
			Handler:     mux,
		}

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("pprof failed to listen", "addr", pprofAddr, slogutil.KeyError, err)
		}
	}()
}
