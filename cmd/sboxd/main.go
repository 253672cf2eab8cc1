// sboxd is the sing-box supervisor daemon.
//
// It keeps the sing-box kernel installed, configured and running, and serves
// an HTTP API on a unix socket for the sbox CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/api"
	"github.com/xfeldman/sboxd/internal/config"
	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/logging"
	"github.com/xfeldman/sboxd/internal/logstore"
	"github.com/xfeldman/sboxd/internal/registry"
	"github.com/xfeldman/sboxd/internal/service"
	"github.com/xfeldman/sboxd/internal/supervisor"
	"github.com/xfeldman/sboxd/internal/transport"
	"github.com/xfeldman/sboxd/internal/version"
)

var cli struct {
	Config      string           `short:"c" help:"Configuration file path (default ~/.sboxd/sboxd.yaml)" type:"path"`
	LogLevel    string           `help:"Override the configured log level"`
	StartKernel bool             `name:"start" help:"Start the kernel once the daemon is ready"`
	Version     kong.VersionFlag `help:"Show version and exit"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("sboxd"),
		kong.Description("sing-box supervisor daemon"),
		kong.Vars{"version": version.Version()},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sboxd: %v\n", err)
		os.Exit(1)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Development = cfg.Log.Development
	if cfg.Log.File != "" {
		logCfg.OutputPaths = []string{cfg.Log.File}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sboxd: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("sboxd failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	platform := config.DetectPlatform()
	logger.Info("sboxd starting",
		zap.String("version", version.Version()),
		zap.Stringer("platform", platform),
		zap.String("data_dir", cfg.DataDir))

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	kernelLogs := logstore.Open(cfg.LogsDir, "kernel", 0)
	defer kernelLogs.Close()

	bus := events.NewBus()
	defer bus.Close()

	ua := cfg.Fetch.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	httpc := transport.New(transport.Options{
		UserAgent: ua,
		Retries:   cfg.Fetch.Retries,
		RetryWait: cfg.Fetch.RetryWait,
		Logger:    logger,
	})

	svc := service.New(service.Options{
		Config:   cfg,
		Logger:   logger,
		HTTP:     httpc,
		Events:   bus,
		Registry: reg,
		Platform: platform,
	})

	sup := supervisor.New(supervisor.Options{
		Binary:       cfg.KernelBinary(),
		ConfigPath:   cfg.ConfigPath(),
		WorkDir:      cfg.WorkDir,
		Launcher:     &supervisor.ExecLauncher{Logs: kernelLogs},
		ReadyTimeout: cfg.Kernel.ReadyTimeout,
		StopGrace:    cfg.Kernel.StopGrace,
		KillTimeout:  cfg.Kernel.KillTimeout,
		StableAfter:  cfg.Kernel.StableAfter,
		Probe:        supervisor.ControllerProbe(cfg.ConfigPath(), cfg.Proxy.ClashController),
		Logger:       logger,
	})
	sup.OnStateChange(service.KernelStatusHook(bus, reg, logger))

	if cfg.Kernel.AutoRestart {
		policy := service.NewRestartPolicy(sup, cfg.Kernel.MaxCrashRestarts, cfg.Kernel.RestartBackoff, logger)
		sup.OnStateChange(policy.Observe)
		defer policy.Close()
	}

	if sub := cfg.Subscription; sub.URL != "" && (sub.Cron != "" || sub.Refresh > 0) {
		sched, err := service.NewScheduler(svc, logger)
		if err != nil {
			return err
		}
		if sub.Cron != "" {
			_, err = sched.ScheduleSubscriptionCron(sub.Cron, sub.URL)
		} else {
			_, err = sched.ScheduleSubscriptionRefresh(sub.Refresh, sub.URL)
		}
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Logger:   logger,
		Kernel:   sup,
		Ops:      svc,
		Events:   bus,
		Logs:     kernelLogs,
		Registry: reg,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	pidPath := filepath.Join(cfg.DataDir, "sboxd.pid")
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("write pid file", zap.String("path", pidPath), zap.Error(err))
	} else {
		defer os.Remove(pidPath)
	}

	logger.Info("sboxd ready", zap.Int("pid", os.Getpid()), zap.String("socket", cfg.SocketPath))

	if cli.StartKernel {
		go func() {
			if err := sup.Start(context.Background()); err != nil {
				logger.Warn("initial kernel start failed", zap.Error(err))
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("shutting down", zap.Stringer("signal", sig))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := sup.Stop(ctx); err != nil {
		logger.Error("kernel stop", zap.Error(err))
	}
	os.Remove(cfg.SocketPath)

	logger.Info("sboxd stopped")
	return nil
}

// writePIDFile records the daemon pid next to its socket.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
