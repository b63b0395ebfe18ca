package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/logging"
	afmcp "github.com/rendis/autoflow/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var (
		listen   string
		poolSize int
		withMCP  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, the operator API and optionally the MCP server",
		Long: `serve starts the schedule tick loop, resumes runs left open by a previous
process, and serves the operator API and /metrics over HTTP. With --mcp the
MCP tools are served over stdio as well.

SIGHUP or an edit to settings.json reloads the configuration: log level and
panel changes apply at once, anything else is reported and needs a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("pool-size") {
				a.cfg.PoolSize = poolSize
			}
			if cmd.Flags().Changed("mcp") {
				a.cfg.MCP = withMCP
			}
			if err := a.cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides listen_addr)")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "Concurrent runs (overrides pool_size)")
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Serve MCP tools over stdio")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}

	if err := rt.dispatcher.Start(ctx); err != nil {
		return err
	}
	if _, err := rt.dispatcher.Recover(ctx); err != nil {
		a.logger.ErrorContext(ctx, "recover interrupted runs", slog.String("error", err.Error()))
	}

	swapper := newHandlerSwapper(a.httpHandler(rt, a.cfg.Panel))
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("http listening", slog.String("addr", a.cfg.ListenAddr), slog.Bool("panel", a.cfg.Panel))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.cfg.MCP {
		mcpSrv := afmcp.NewServer(afmcp.ServerDeps{
			Store:      a.store,
			Ledger:     rt.ledger,
			Dispatcher: rt.dispatcher,
			Hub:        rt.hub,
			Logger:     a.logger,
		})
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	settingsChanged, err := watchSettings(ctx, a.dir, settingsDebounce, a.logger)
	if err != nil {
		a.logger.Warn("settings.json changes will need SIGHUP", slog.String("error", err.Error()))
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case <-hup:
			a.reload(rt, swapper)
		case <-settingsChanged:
			a.reload(rt, swapper)
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	if err := rt.dispatcher.Stop(shutdownCtx); err != nil {
		a.logger.Error("dispatcher shutdown", slog.String("error", err.Error()))
	}
	return runErr
}

// reload re-reads configuration and applies what can change in place.
func (a *app) reload(rt *runtime, swapper *handlerSwapper) {
	next, err := loadConfig(a.dir, a.getenv)
	if err != nil {
		a.logger.Error("reload config", slog.String("error", err.Error()))
		return
	}
	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
	}
	if diff.PanelChanged {
		swapper.Swap(a.httpHandler(rt, next.Panel))
		a.cfg.Panel = next.Panel
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.Warn("config changes need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	a.logger.Info("config reloaded",
		slog.Bool("log_level_changed", diff.LogLevelChanged),
		slog.Bool("panel_changed", diff.PanelChanged),
	)
}
