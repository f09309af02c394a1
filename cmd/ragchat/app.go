package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/rag-chat-client/internal/chat"
	"github.com/MegaGrindStone/rag-chat-client/internal/services"
)

type app struct {
	session *chat.Session
	cfg     config
	logger  *slog.Logger

	closers []func() error
}

// newApp wires the transport, the chat API, the history journal and the session described by cfg.
func newApp(ctx context.Context, cfg config, configPath string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	dialer := &net.Dialer{Timeout: cfg.HTTP.ConnectTimeout}
	streamClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   cfg.HTTP.ConnectTimeout,
			ResponseHeaderTimeout: cfg.HTTP.ConnectTimeout,
		},
	}
	requestClient := &http.Client{Timeout: cfg.HTTP.RequestTimeout}

	transport := services.NewEventSource(cfg.BaseURL, streamClient, logger)
	api := services.NewChatAPI(cfg.BaseURL, requestClient, logger)

	var journal chat.Journal
	if path := cfg.historyFile(configPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("error creating history directory: %w", err)
		}
		boltDB, err := services.NewBoltDB(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, boltDB.Close)
		journal = boltDB
		logger.Debug("Using history file", slog.String("path", path))
	}

	store := chat.NewStore(journal, logger)
	if err := store.Restore(ctx); err != nil {
		a.close()
		return nil, err
	}

	session, err := chat.NewSession(transport, api, store, chat.SessionConfig{
		Retry:         cfg.retryPolicy(),
		UnifyReplyIDs: cfg.UnifyReplyIDs,
		UserID:        cfg.UserID,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.session = session

	return a, nil
}

// run keeps the session connected in the background until ctx is done, then closes it. The returned channel
// receives the result of the session loop.
func (a *app) run(ctx context.Context) <-chan error {
	errs := make(chan error, 1)
	go func() {
		errs <- a.session.Run(ctx)
	}()
	return errs
}

func (a *app) close() {
	if a.session != nil {
		a.session.Close()
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Error("Failed to close resource", slog.String("err", err.Error()))
		}
	}
}
