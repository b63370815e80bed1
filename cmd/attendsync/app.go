package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/attendance"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/audit"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/config"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/hybrid"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/queue"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/remote"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/syncer"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/validation"
)

// App wires the sync agent together.
type App struct {
	cfg config.App
	log zerolog.Logger

	api      *remote.Client
	local    store.Store
	queue    queue.Queue
	storage  *hybrid.Storage
	trail    *audit.Trail
	sync     *syncer.Service
	workflow *attendance.Service

	closers []func() error
}

// NewApp opens the local store and queue selected by cfg and builds the
// services on top of them. It does not touch the network.
func NewApp(cfg config.App) (*App, error) {
	a := &App{cfg: cfg, log: logger.New("attendsync")}

	var redisStore *store.Redis
	redisClient := func() *store.Redis {
		if redisStore == nil {
			redisStore = store.NewRedis(cfg.RedisAddr, cfg.LocalNamespace)
			a.closers = append(a.closers, redisStore.Client.Close)
		}
		return redisStore
	}

	switch cfg.LocalBackend {
	case "memory":
		a.local = store.NewMemory()
	case "redis":
		a.local = redisClient()
	case "sqlite", "":
		s, err := store.NewSQLite(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.local = s
	default:
		return nil, fmt.Errorf("unknown LOCAL_BACKEND %q", cfg.LocalBackend)
	}

	switch cfg.QueueBackend {
	case "memory":
		a.queue = queue.NewInMemory()
	case "redis":
		a.queue = queue.NewRedisQueue(redisClient().Client, cfg.LocalNamespace+":sync_queue")
	case "store", "":
		a.queue = queue.NewStoreQueue(a.local)
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	a.api = remote.New(cfg.APIBaseURL, cfg.APIToken, cfg.RemoteTimeout)
	a.api.SetDeviceID(cfg.DeviceID)
	a.storage = hybrid.New(a.api, a.local, a.queue, logger.New("hybrid"), hybrid.WithInterval(cfg.SyncInterval))
	a.trail = audit.New(a.local, cfg.AuditCap, logger.New("audit"))
	checks := validation.NewService(a.storage, logger.New("validation"))
	a.sync = syncer.New(a.local, a.storage, a.trail, logger.New("syncer"))
	a.workflow = attendance.NewService(a.storage, checks, a.sync, a.trail, logger.New("attendance"))
	return a, nil
}

// Connect obtains a device token when none is configured and sets the
// initial connectivity state. An unreachable API leaves the agent offline.
// Later requests register again whenever the token is missing or rejected.
func (a *App) Connect(ctx context.Context) {
	if !a.api.HasToken() {
		if _, err := a.api.Register(ctx, a.cfg.DeviceID); err != nil {
			a.log.Warn().Err(err).Str("device", a.cfg.DeviceID).Msg("device registration failed, working offline")
			a.storage.SetOnline(ctx, false)
			return
		}
		a.log.Info().Str("device", a.cfg.DeviceID).Msg("device registered")
	}
	if err := a.api.Ping(ctx); err != nil {
		a.log.Warn().Err(err).Msg("api unreachable, working offline")
		a.storage.SetOnline(ctx, false)
	}
}

// Close releases the local store and redis connections.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
