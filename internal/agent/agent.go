// Package agent runs a guard inside a host process together with its
// policy reloader and control channel.
package agent

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/agentsh/loadguard/internal/config"
	"github.com/agentsh/loadguard/internal/control"
	"github.com/agentsh/loadguard/internal/guard"
	"github.com/agentsh/loadguard/internal/logging"
	"github.com/agentsh/loadguard/pkg/hotreload"
)

// Agent owns a guard and the background services that feed it.
type Agent struct {
	guard       *guard.Guard
	logger      *slog.Logger
	reload      *hotreload.Manager
	controlAddr string
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// Start attaches a guard on p, applies the initial blacklist from cfg and
// starts the reloader and control server when enabled. Failures are logged;
// the host process always keeps running.
func Start(cfg *config.Config, p guard.Platform, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{logger: logger, cancel: cancel}

	a.guard = guard.New(p,
		guard.WithLogger(logger),
		guard.WithModules(cfg.Modules),
		guard.WithMatchMode(cfg.MatchMode()),
	)
	a.guard.Attach()

	names, err := cfg.Policy()
	if err != nil {
		logger.Error("initial blacklist not loaded", "error", err)
	} else if n, err := a.guard.SetPolicy(names); err == nil {
		logger.Info("blacklist applied", "names", n, "state", a.guard.State().String())
	}

	if cfg.Watch.Enabled {
		m, err := hotreload.NewManager(cfg, a.guard, logger)
		if err == nil {
			err = m.Start(ctx)
		}
		if err != nil {
			logger.Error("policy watcher not started", "error", err)
		} else {
			a.reload = m
		}
	}

	if cfg.Control.Enabled {
		addr := cfg.Control.Address
		if addr == "" {
			addr = control.DefaultAddress(os.Getpid())
		}
		ln, err := control.Listen(addr)
		if err != nil {
			logger.Error("control channel not started", "address", addr, "error", err)
		} else {
			a.controlAddr = addr
			srv := control.NewServer(a.guard, logger)
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := srv.Serve(ctx, ln); err != nil {
					logger.Error("control channel stopped", "error", err)
				}
			}()
			logger.Info("control channel listening", "address", addr)
		}
	}
	return a
}

// Guard returns the agent's guard.
func (a *Agent) Guard() *guard.Guard {
	return a.guard
}

// ControlAddress returns the control channel address, or "" if it is not
// running.
func (a *Agent) ControlAddress() string {
	return a.controlAddr
}

// Reload returns the policy reload manager, or nil if watching is off.
func (a *Agent) Reload() *hotreload.Manager {
	return a.reload
}

// Stop shuts the background services down and detaches the guard.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		if a.reload != nil {
			if err := a.reload.Stop(); err != nil {
				a.logger.Warn("stop policy watcher", "error", err)
			}
		}
		a.wg.Wait()
		a.guard.Detach()
	})
}
