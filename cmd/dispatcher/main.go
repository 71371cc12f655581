package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"renderfarm/internal/authsecret"
	"renderfarm/internal/dispatcher"
	"renderfarm/internal/logx"
	"renderfarm/internal/secrets"
	"renderfarm/internal/store"
)

var (
	port   int
	host   string
	dbPath string
)

var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Render-farm coordinator: job queue, SubJob assignment, worker bookkeeping",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVar(&port, "port", 8080, "listen port")
	rootCmd.Flags().StringVar(&host, "host", "", "listen host (empty binds all interfaces)")
	rootCmd.Flags().StringVar(&dbPath, "db", "renderfarm.db", "path to the embedded store file")
}

func main() {
	log.Logger = zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger()

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("dispatcher exited")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	mgr, err := secrets.Load(context.Background(), db)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	secretSvc := secrets.NewService(db, mgr)
	if err := secrets.VerifyAll(context.Background(), db, secretSvc); err != nil {
		return fmt.Errorf("verify secrets: %w", err)
	}
	authsecret.Init(secretSvc)

	st := store.New(db)
	d := dispatcher.New(st)
	scheduler := d.StartSweep()
	defer scheduler.Stop()

	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("dispatcher listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
