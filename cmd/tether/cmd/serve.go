package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudtether/tether/internal/api"
	"github.com/cloudtether/tether/internal/config"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon with the status API",
	Long: `Serve runs the full supervisor in the foreground: session registry,
health monitors, auto-reconnection, resource governor, and the HTTP status
API with a server-sent event stream. Configuration changes on disk are
picked up without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"API listen address (overrides api.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := appConfig.API.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	apiCfg := api.DefaultConfig()
	apiCfg.Addr = addr
	server := api.New(apiCfg, svc, appLogger.Logger)
	if err := server.Start(); err != nil {
		return err
	}

	// Pick up config edits while running.
	if appConfigFile != "" {
		watcher := config.NewWatcher(appConfigFile, appLogger.Logger, func(cfg *config.Config) {
			svc.ApplyConfig(ctx, cfg)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				appLogger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	if !quiet {
		fmt.Printf("tether daemon listening on %s\n", addr)
	}

	runErr := svc.Run(ctx)

	shutdownCtx := context.Background()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("api shutdown", "error", err)
	}
	return runErr
}
