package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/simcore/internal/actionqueue"
	"github.com/nvandessel/simcore/internal/bridge"
	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/cluster"
	"github.com/nvandessel/simcore/internal/connection"
	"github.com/nvandessel/simcore/internal/lifecycle"
	"github.com/nvandessel/simcore/internal/mcp"
	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/process"
	"github.com/nvandessel/simcore/internal/scene"
	"github.com/nvandessel/simcore/internal/scene/headless"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [scenario.yaml]",
		Short: "Host simulation runs",
		Long: `Host the simulation lifecycle.

With a scenario file, the run is started immediately and simcore exits once
it has stopped. With --mcp, simcore serves the MCP tools over stdio and
stays up until the client disconnects. Both may be combined.

The first interrupt stops the active run; a second interrupt exits at once.

Examples:
  simcore run scenario.yaml          # Run one scenario to completion
  simcore run --mcp                  # Serve MCP tools over stdio
  simcore run --mcp --addr :8181     # Also publish status over websocket`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHost,
	}
	cmd.Flags().Bool("mcp", false, "Serve MCP tools over stdio")
	cmd.Flags().String("addr", "", "Status websocket listen address (overrides connection.addr)")
	cmd.Flags().StringSlice("scenario-dir", nil, "Directories MCP clients may load scenario files from (default: working directory and <data>/scenarios)")
	return cmd
}

func runHost(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	serveMCP, _ := cmd.Flags().GetBool("mcp")
	if len(args) == 0 && !serveMCP {
		return errors.New("nothing to do: pass a scenario file or --mcp")
	}

	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		h.cfg.Connection.Addr = addr
	}

	var first *models.SimulationConfig
	if len(args) == 1 {
		req, err := models.LoadRequest(args[0])
		if err != nil {
			return err
		}
		if first, err = models.BuildConfig(req, bridge.Default()); err != nil {
			return err
		}
	}

	platform, err := bundle.ParsePlatform(h.cfg.Host.Platform)
	if err != nil {
		return err
	}
	engine := headless.New(h.logger)
	builder := scene.NewBuilder(engine, bundle.Options{Platform: platform, PluginDir: h.pluginDir()}, h.logger)
	hub := connection.NewHub(connection.Options{
		Logger:         h.logger,
		Offline:        h.cfg.Host.Offline,
		RequireClients: h.cfg.Host.RequireClients,
	})
	cl := cluster.NewLocal(h.logger, h.events)
	sup := process.New(h.logger)

	mgr, err := lifecycle.New(lifecycle.Deps{
		Queue:      actionqueue.New(h.logger),
		Downloads:  h.downloads,
		Scene:      builder,
		Notifier:   hub,
		Cluster:    cl,
		Recorder:   h.store,
		Host:       &operatorHost{hub: hub, bell: cmd.ErrOrStderr(), logger: h.logger},
		Supervisor: sup,
		Process: lifecycle.ProcessConfig{
			Command:           h.cfg.Process.Command,
			VolumesPath:       h.cfg.Process.VolumesPath,
			InternalTemplates: h.cfg.Process.InternalTemplates,
		},
		Progress: func(label string, fraction float64) {
			h.logger.Debug("download progress", "asset", label, "fraction", fraction)
		},
		Logger: h.logger,
		Events: h.events,
	})
	if err != nil {
		return err
	}
	cl.OnReady(mgr.APIReady)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// First signal stops the run and exits once idle; the second exits now.
	var exitWhenIdle atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, stopSignals...)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		h.logger.Info("interrupt received, stopping simulation")
		exitWhenIdle.Store(true)
		mgr.StopAsync()
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := mgr.Run(gctx, h.cfg.Host.TickInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if h.cfg.Connection.Addr != "" {
		g.Go(func() error {
			h.logger.Info("status websocket listening", "addr", h.cfg.Connection.Addr, "path", connection.Path)
			return hub.ListenAndServe(gctx, h.cfg.Connection.Addr)
		})
	}

	if serveMCP {
		scenarioDirs, _ := cmd.Flags().GetStringSlice("scenario-dir")
		if len(scenarioDirs) == 0 {
			scenarioDirs = []string{filepath.Join(h.dataDir, "scenarios")}
			if wd, err := os.Getwd(); err == nil {
				scenarioDirs = append(scenarioDirs, wd)
			}
		}
		srv, err := mcp.NewServer(&mcp.Config{
			Name:       "simcore",
			Version:    version,
			Controller: mgr,
			History:    h.store,
			AuditDir:   h.dataDir,
			Logger:     h.logger,

			ScenarioDirs: scenarioDirs,
		})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		defer srv.Close()
		g.Go(func() error {
			defer cancel()
			return srv.Run(gctx)
		})
	}

	if first != nil {
		if err := mgr.StartSimulation(first); err != nil {
			return err
		}
	}

	// Without MCP the command lives for one run.
	g.Go(func() error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			snap := mgr.Snapshot()
			if snap.Status.Active() {
				continue
			}
			finished := first != nil && snap.SimulationID == first.ID
			if exitWhenIdle.Load() || (!serveMCP && finished) {
				cancel()
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	snap := mgr.Snapshot()
	if jsonOut {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(snap); err != nil {
			return err
		}
	} else if snap.SimulationID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "simulation %s: %s\n", snap.SimulationID, snap.Label)
	}
	if snap.LastError != "" {
		return fmt.Errorf("simulation failed: %s", snap.LastError)
	}
	return nil
}
