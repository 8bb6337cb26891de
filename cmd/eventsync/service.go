package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	eventsync "github.com/offgrid-labs/eventsync"
)

// newService wires the data layer for one CLI invocation: client, local
// store, bus and an initial connectivity probe. The returned cleanup closes
// the store and bus.
func newService(ctx context.Context) (*eventsync.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, nil, errors.New("no server configured; run 'eventsync init <base-url>' first")
	}

	var clientOpts []eventsync.ClientOption
	if cfg.Server.AuthToken != "" {
		clientOpts = append(clientOpts, eventsync.WithAuthToken(cfg.Server.AuthToken))
	}
	client := eventsync.NewClient(cfg.Server.BaseURL, clientOpts...)

	path, err := storePath(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := eventsync.Open(path)
	if err != nil {
		return nil, nil, err
	}

	log := logrus.StandardLogger()
	bus := eventsync.NewBus(cfg.Local.RedisURL, log)

	conn := eventsync.NewConnectivity(false)
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn.SetOnline(client.Health(probeCtx) == nil)

	svc := eventsync.New(client, store, bus, conn, &eventsync.Options{
		QueueMaxAttempts: cfg.Sync.MaxAttempts,
		Logger:           log,
	})

	cleanup := func() {
		_ = bus.Close()
		_ = store.Close()
	}
	return svc, cleanup, nil
}
