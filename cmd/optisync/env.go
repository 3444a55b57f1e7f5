package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bellaotica/optisync/internal/auth"
	"github.com/bellaotica/optisync/internal/config"
	"github.com/bellaotica/optisync/internal/queue"
	"github.com/bellaotica/optisync/internal/remote"
	"github.com/bellaotica/optisync/internal/store"
)

// env bundles the pieces most commands need.
type env struct {
	cfg   *config.Config
	store *store.Store
	queue *queue.Queue
}

// openEnv loads configuration and opens the local database. The caller
// must call close() when done.
func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	if err := st.InitSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &env{
		cfg:   cfg,
		store: st,
		queue: queue.New(st.RawDB(), cfg.RetryLimit),
	}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

// gateway builds the HTTP gateway from config; the config must already
// be validated.
func (e *env) gateway() (*remote.HTTPGateway, error) {
	principal, err := auth.New(e.cfg.UserID, auth.Role(e.cfg.Role), e.cfg.StoreID)
	if err != nil {
		return nil, err
	}

	return remote.NewHTTPGateway(remote.HTTPConfig{
		BaseURL:  e.cfg.ServerURL,
		Token:    e.cfg.Token,
		DeviceID: e.cfg.DeviceID,
	}, principal), nil
}
