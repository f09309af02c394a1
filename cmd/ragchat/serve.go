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

	"github.com/MegaGrindStone/rag-chat-client/internal/handlers"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Relay the conversation over local HTTP",
		Long: `Keep the event stream connected and expose the conversation on a local HTTP server.

Endpoints:
  GET    /messages        conversation as JSON
  POST   /messages        send a message (fields "message" and "mode")
  DELETE /messages        clear the conversation
  GET    /status          event stream connectivity
  POST   /reconnect       reconnect the event stream now
  GET    /sse/messages    server-sent "messages" and "status" updates`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return serve(cmd.Context(), cfg, opts.configPath, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on, overrides the config file")

	return cmd
}

func serve(ctx context.Context, cfg config, configPath string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	m := handlers.NewMain(a.session, logger)
	m.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/status", m.HandleStatus)
	mux.HandleFunc("/reconnect", m.HandleReconnect)
	mux.HandleFunc("/sse/messages", m.HandleSSE)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	sessionErrors := a.run(ctx)

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", cfg.Listen),
			slog.String("baseURL", cfg.BaseURL),
			slog.String("userID", a.session.UserID()))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case err := <-sessionErrors:
		runErr = err
	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
		if err := srv.Close(); err != nil {
			logger.Error("Forcing server close", slog.String("err", err.Error()))
		}
	}

	return runErr
}
