package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/server"
)

// ServerCmd starts the mundo HTTP server with the worker and the sweeper
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the mundo server",
	Long: `Serve the upload, status and download API. The world worker and the
expiration sweeper run in the same process.`,
	RunE: runServer,
}

var (
	serverPort    int
	serverDBPath  string
	serverNoWatch bool
)

func init() {
	ServerCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to listen on (overrides config)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoWatch, "no-watch", false, "Do not reload notifier settings when the config file changes")
}

func runServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = logger.VerbosityInfo
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.GetServerPort()
	if serverPort != 0 {
		port = serverPort
	}

	database, err := openDatabase(serverDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, database, appOptions{RequireTransform: true}, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to wire components")
	}
	srv, err := a.newServer(logger.Logger, !serverNoWatch)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	printStartupBanner(verbosity, dbPath, port, cfg.Notify.WebhookURL != "")

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer stopCancel()
			shutdownDone <- srv.Stop(stopCtx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
