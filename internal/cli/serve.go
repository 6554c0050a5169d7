package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-io/mnemo/internal/config"
	"github.com/mnemo-io/mnemo/internal/crypt"
	"github.com/mnemo-io/mnemo/internal/server"
	"github.com/mnemo-io/mnemo/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	codec, err := newCodec(cfg, logger)
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}

	if cfg.Admin.Token == "" {
		logger.Warn("no admin token configured; admin endpoints disabled")
	}

	srv := server.New(db, codec, VersionString(),
		server.WithLogger(logger),
		server.WithAdminToken(cfg.Admin.Token))
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "mnemo serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", db.Path)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}

// openDB resolves the database path from config and opens it.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	return store.Open(dbPath)
}

// newCodec builds the content codec from config. Without a configured key
// a fresh one is generated for the process lifetime; memories stored under
// it are unreadable after restart.
func newCodec(cfg config.Config, logger *slog.Logger) (*crypt.Codec, error) {
	if cfg.Crypto.Key != "" {
		return crypt.NewFromHex(cfg.Crypto.Key)
	}
	logger.Warn("no encryption key configured; using ephemeral key, stored memories will not survive a restart")
	return crypt.NewEphemeral()
}
