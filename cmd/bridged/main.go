// Command bridged is the bridge daemon's entrypoint: it wires config,
// logging, the resource manager, the handle registry, every handler
// module, the validator, the dispatcher, the connection loop, and the
// background monitor into one running process, and also doubles as the
// fallback subprocess target (spec §4.H) when invoked with
// --fallback-exec.
//
// Grounded on the pack's cobra-based daemon entrypoints
// (steveyegge-beads' cmd/bd/main.go) for the overall command/flag
// shape; the teacher (mini-rpc) ships no cmd/ of its own to imitate
// here; it is a library the original developers linked into their own
// binaries.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeAmalgamation/bridged/codec"
	"github.com/CodeAmalgamation/bridged/config"
	"github.com/CodeAmalgamation/bridged/dispatch"
	"github.com/CodeAmalgamation/bridged/fallback"
	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/handlers/database"
	"github.com/CodeAmalgamation/bridged/handlers/httpagent"
	"github.com/CodeAmalgamation/bridged/handlers/sshsession"
	"github.com/CodeAmalgamation/bridged/handlers/system"
	"github.com/CodeAmalgamation/bridged/handlers/xmlparse"
	"github.com/CodeAmalgamation/bridged/logging"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/metrics"
	"github.com/CodeAmalgamation/bridged/monitor"
	"github.com/CodeAmalgamation/bridged/registry"
	"github.com/CodeAmalgamation/bridged/resource"
	"github.com/CodeAmalgamation/bridged/server"
	"github.com/CodeAmalgamation/bridged/validate"
)

// Exit codes per spec §6.
const (
	exitClean              = 0
	exitInitError          = 1
	exitSocketConflict     = 2
	exitStateDirUnwritable = 3
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "Long-lived helper daemon exposing module-level operations over a local socket",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "optional TOML/YAML config file")
	root.Flags().Bool(fallback.SubprocessArg[2:], false, "run one request read from stdin as a one-shot subprocess, then exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitError)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if fallbackExec, _ := cmd.Flags().GetBool(fallback.SubprocessArg[2:]); fallbackExec {
		return runFallbackExec(cmd.InOrStdin(), cmd.OutOrStdout())
	}

	loader, err := config.NewLoader(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitError)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitError)
	}

	logLevel := "info"
	if cfg.Debug {
		logLevel = "debug"
	}
	logger, logLevelHandle, err := logging.New(logging.Config{Level: logLevel, JSON: !cfg.Debug})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInitError)
	}
	defer logger.Sync()

	reg, err := registry.New(cfg.StateDir)
	if err != nil {
		logger.Error("state dir unwritable", zap.Error(err))
		logger.Sync()
		os.Exit(exitStateDirUnwritable)
	}
	reg.WithRestorationTTL(cfg.StaleTimeout())

	rm := resource.New(resource.Limits{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxRequestsPerMinute:  cfg.MaxRequestsPerMinute,
		MaxMemoryBytes:        cfg.MaxMemoryBytes(),
		MaxCPUPercent:         cfg.MaxCPUPercent,
		MaxConcurrentConns:    cfg.MaxConcurrentRequests,
	})
	m := metrics.New()

	loader.Watch(func(newCfg config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed, keeping previous settings", zap.Error(err))
			return
		}
		newLevel := "info"
		if newCfg.Debug {
			newLevel = "debug"
		}
		logging.SetLevel(logLevelHandle, newLevel)
		reg.WithRestorationTTL(newCfg.StaleTimeout())
		rm.UpdateLimits(resource.Limits{
			MaxConcurrentRequests: newCfg.MaxConcurrentRequests,
			MaxRequestsPerMinute:  newCfg.MaxRequestsPerMinute,
			MaxMemoryBytes:        newCfg.MaxMemoryBytes(),
			MaxCPUPercent:         newCfg.MaxCPUPercent,
			MaxConcurrentConns:    newCfg.MaxConcurrentRequests,
		})
		logger.Info("config reloaded", zap.String("log_level", newLevel))
	})
	handlerRegistry, allowLists := buildHandlers(reg, m, rm)
	v := validate.New(0, allowLists)
	d := dispatch.New(handlerRegistry, reg, reg)
	srv := server.New(v, d, rm, logger, 0).WithMetrics(m)

	var beacon *registry.Beacon
	if len(cfg.EtcdEndpoints) > 0 {
		beacon, err = registry.NewBeacon(cfg.EtcdEndpoints)
		if err != nil {
			logger.Warn("etcd beacon unavailable, continuing without it", zap.Error(err))
		} else {
			info := registry.BeaconInfo{PID: os.Getpid(), SocketPath: cfg.SocketPath, StartedAt: time.Now()}
			if err := beacon.Start(context.Background(), "/bridged/"+cfg.SocketPath, info, 30); err != nil {
				logger.Warn("etcd beacon failed to start", zap.Error(err))
				beacon = nil
			}
		}
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	mon := monitor.New(monitor.Config{
		RefreshInterval: cfg.ResourceCheckInterval(),
		SummaryInterval: 5 * time.Minute,
		StaleTimeout:    cfg.StaleTimeout(),
	}, rm, reg, logger).WithStateDir(cfg.StateDir)
	go func() {
		if err := mon.Run(monitorCtx); err != nil {
			logger.Error("monitor loop exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve("unix", cfg.SocketPath) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		cancelMonitor()
		if beacon != nil {
			beacon.Close()
		}
		if err != nil {
			logger.Error("listener failed", zap.Error(err))
			logger.Sync()
			os.Exit(exitSocketConflict)
		}
	}

	cancelMonitor()
	if beacon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		beacon.Stop(ctx)
		beacon.Close()
		cancel()
	}
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Warn("shutdown did not finish cleanly", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildHandlers wires every handler module against reg and returns both
// the dispatcher's handler.Registry and the validator's allow-list. The
// system module is always Exempt (spec §4.I's reserved module) and is
// bound to the same metrics/resource instances the connection loop
// itself updates, so system.metrics/system.health reflect live traffic.
func buildHandlers(reg *registry.Registry, m *metrics.Metrics, rm *resource.Manager) (*handler.Registry, []validate.ModuleAllowList) {
	dbMod := database.New(reg)
	sshMod := sshsession.New(reg)
	httpMod := httpagent.New(reg)
	xmlMod := xmlparse.New()
	sysMod := system.New(m, rm)

	handlerRegistry := handler.NewRegistry(dbMod, sshMod, httpMod, xmlMod, sysMod)

	allowLists := []validate.ModuleAllowList{
		{Module: dbMod.Name, Functions: dbMod.AllowList()},
		{Module: sshMod.Name, Functions: sshMod.AllowList()},
		{Module: httpMod.Name, Functions: httpMod.AllowList()},
		{Module: xmlMod.Name, Functions: xmlMod.AllowList()},
		{Module: sysMod.Name, Exempt: true},
	}
	return handlerRegistry, allowLists
}

// runFallbackExec implements the --fallback-exec half of spec §4.H: read
// one JSON request from stdin, run it through an in-process Executor
// rooted at the same state directory the daemon uses, write the JSON
// response to stdout.
func runFallbackExec(stdin io.Reader, stdout io.Writer) error {
	payload, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("bridged: read request from stdin: %w", err)
	}
	var req message.Request
	if err := (&codec.JSONCodec{}).Decode(payload, &req); err != nil {
		return fmt.Errorf("bridged: decode request: %w", err)
	}

	loader, err := config.NewLoader(configFile)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.StateDir)
	if err != nil {
		return err
	}
	reg.WithRestorationTTL(cfg.StaleTimeout())
	rm := resource.New(resource.Limits{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxRequestsPerMinute:  cfg.MaxRequestsPerMinute,
		MaxMemoryBytes:        cfg.MaxMemoryBytes(),
		MaxCPUPercent:         cfg.MaxCPUPercent,
		MaxConcurrentConns:    cfg.MaxConcurrentRequests,
	})
	handlerRegistry, allowLists := buildHandlers(reg, metrics.New(), rm)
	v := validate.New(0, allowLists)
	executor := fallback.New(v, handlerRegistry, reg)

	resp := executor.Execute(context.Background(), &req)

	data, err := (&codec.JSONCodec{}).Encode(resp)
	if err != nil {
		return fmt.Errorf("bridged: encode response: %w", err)
	}
	_, err = stdout.Write(data)
	return err
}
