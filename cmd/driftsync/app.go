package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/backend"
	"github.com/driftsync/driftsync/internal/cache"
	"github.com/driftsync/driftsync/internal/connectivity"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/tabs"
)

// app bundles a fully wired engine and its collaborators for one CLI
// invocation.
type app struct {
	store       store.Store
	cache       *cache.Cache
	queue       *queue.Queue
	client      *backend.Client
	monitor     *connectivity.Monitor
	coordinator *tabs.Coordinator
	elector     *tabs.Elector
	engine      *engine.Engine
	device      store.DeviceState
	logger      *log.Logger
}

// buildApp assembles the component stack from the loaded config. With
// coordinate set, the cross-process journal and leader election are wired
// in; one-shot commands that only read state skip them.
func buildApp(ctx context.Context, logger *log.Logger, coordinate bool) (*app, error) {
	s, err := store.OpenOrFallback(cfg.StorePath())
	if err != nil {
		logger.Printf("Warning: persistent store unavailable, running memory-only: %v", err)
	}

	device, err := store.LoadDeviceState(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}

	// The persisted device ID is shared by every process on this data
	// dir; coordination and item minting need a per-process identity.
	instanceID := uuid.NewString()

	client := backend.New(cfg.Backend.URL, func(context.Context) (string, error) {
		return cfg.Token(), nil
	}, nil)

	monitor := connectivity.New(connectivity.ProbeFunc(client.Probe), connectivity.Config{
		ProbeInterval:  cfg.Connectivity.ProbeInterval,
		ProbeTimeout:   cfg.Connectivity.ProbeTimeout,
		DebounceWindow: cfg.Connectivity.DebounceWindow,
		Logger:         logger,
	})

	var coordinator *tabs.Coordinator
	var elector *tabs.Elector
	if coordinate {
		coordinator, err = tabs.NewCoordinator(cfg.DataDir, instanceID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start coordinator: %w", err)
		}
		elector = tabs.NewElector(s, tabs.Candidate{
			InstanceID: instanceID,
			CreatedAt:  device.CreatedAt,
		}, tabs.ElectorConfig{Logger: logger})
	}

	c := cache.New(s, cache.Config{
		Logger: logger,
		OnEvent: func(event cache.Event) {
			if coordinator == nil || event.Type != cache.EventInvalidate {
				return
			}
			if err := coordinator.Broadcast(tabs.EventCacheInvalidate, event.Key); err != nil {
				logger.Printf("Failed to broadcast invalidation: %v", err)
			}
		},
	})

	q, err := queue.New(ctx, s, device.DeviceID, queue.Config{
		InstanceID:      instanceID,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BackoffBase:     cfg.Queue.BackoffBase,
		BackoffCap:      cfg.Queue.BackoffCap,
		DisableCoalesce: !cfg.Queue.Coalesce,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation queue: %w", err)
	}

	engineConfig := engine.Config{
		BatchSize:    cfg.Sync.BatchSize,
		SyncInterval: cfg.Sync.Interval,
		CacheTTL:     cfg.Sync.CacheTTL,
	}
	if cfg.Sync.MergeDefault == "server_wins" {
		engineConfig.DefaultMerger = func(engine.Conflict) (json.RawMessage, error) { return nil, nil }
	}

	e := engine.New(engine.Deps{
		Store:       s,
		Cache:       c,
		Queue:       q,
		Backend:     client,
		Monitor:     monitor,
		Coordinator: coordinator,
		Elector:     elector,
		DeviceID:    device.DeviceID,
		Logger:      logger,
	}, engineConfig)

	return &app{
		store:       s,
		cache:       c,
		queue:       q,
		client:      client,
		monitor:     monitor,
		coordinator: coordinator,
		elector:     elector,
		engine:      e,
		device:      device,
		logger:      logger,
	}, nil
}

// probeOnce resolves connectivity immediately so one-shot commands do not
// wait for the monitor's probe loop.
func (a *app) probeOnce(ctx context.Context) {
	err := a.client.Probe(ctx)
	a.monitor.Report(err == nil)
	if err != nil {
		a.logger.Printf("Backend unreachable: %v", err)
	}
}

func (a *app) close() {
	if a.coordinator != nil {
		if err := a.coordinator.Close(); err != nil {
			a.logger.Printf("Failed to close coordinator: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Printf("Failed to close store: %v", err)
	}
}
