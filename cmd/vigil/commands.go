package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/vigil"
	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/history"
	chsink "github.com/loykin/vigil/internal/history/clickhouse"
	"github.com/loykin/vigil/internal/logger"
)

// newMonitorCmd runs the health monitor daemon: detection loop, optional
// operator HTTP API, metrics.
func newMonitorCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the health monitor control loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log)

			st, err := vigil.NewStore(cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := st.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			if err := vigil.RegisterMetricsDefault(); err != nil {
				return err
			}

			var sinks []history.Sink
			if ch := cfg.History.ClickHouse; ch != nil {
				sink, err := chsink.New(ch.Addr, ch.Database, ch.Username, ch.Password, ch.Table)
				if err != nil {
					return err
				}
				defer func() { _ = sink.Close() }()
				sinks = append(sinks, sink)
				log.Info("clickhouse history sink enabled", "addr", ch.Addr)
			}

			mon, err := vigil.NewMonitor(st, cfg.MonitorConfig(log, sinks))
			if err != nil {
				return err
			}

			if cfg.Server.Listen != "" {
				srv, err := vigil.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, st)
				if err != nil {
					return err
				}
				log.Info("operator API listening", "addr", cfg.Server.Listen)
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			return mon.Run(ctx)
		},
	}
}

// newStatusCmd prints the current active instances.
func newStatusCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List active instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			st, err := vigil.NewStore(cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			insts, err := st.ActiveInstances(cmd.Context())
			if err != nil {
				return err
			}
			if len(insts) == 0 {
				cmd.Println("no active instances")
				return nil
			}
			now := time.Now().UTC()
			for _, i := range insts {
				cmd.Printf("%-14s %-10s pid=%-7d host=%-16s hb=%-8s cmds=%-8d errs=%d\n",
					i.InstanceType, i.Status, i.ProcessID, i.Hostname,
					now.Sub(i.LastHeartbeat).Round(time.Second), i.CommandsProcessed, i.ErrorsEncountered)
			}
			return nil
		},
	}
}

// newHistoryCmd prints recent status transitions.
func newHistoryCmd(gf *GlobalFlags) *cobra.Command {
	var (
		instanceID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show status transition history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			st, err := vigil.NewStore(cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var entries []vigil.HistoryEntry
			if instanceID != "" {
				entries, err = st.History(cmd.Context(), instanceID, limit)
			} else {
				entries, err = st.RecentHistory(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			for _, h := range entries {
				prev := string(h.PreviousStatus)
				if prev == "" {
					prev = "-"
				}
				cmd.Printf("%s  %s  %s -> %s  uptime=%.0fs  %s\n",
					h.CreatedAt.Format(time.RFC3339), shortID(h.InstanceID),
					prev, h.NewStatus, h.UptimeSeconds, h.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "id", "", "filter by instance id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print")
	return cmd
}

// shortID abbreviates a uuid for display; ids from other writers may be
// arbitrary strings.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
