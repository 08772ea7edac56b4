// Package app assembles one leasecast instance from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	config "leasecast/configs"
	"leasecast/pkg/api"
	"leasecast/pkg/auth"
	"leasecast/pkg/clock"
	"leasecast/pkg/election"
	"leasecast/pkg/medium"
	etcdmedium "leasecast/pkg/medium/etcd"
	"leasecast/pkg/medium/filesystem"
	memmedium "leasecast/pkg/medium/memory"
	redismedium "leasecast/pkg/medium/redis"
	"leasecast/pkg/models"
	"leasecast/pkg/notify"
	"leasecast/pkg/queue"
	"leasecast/pkg/resilience"
	"leasecast/pkg/storage"
	memstore "leasecast/pkg/storage/memory"
	"leasecast/pkg/storage/postgres"
	"leasecast/pkg/storage/sqlite"
	"leasecast/pkg/syncengine"
)

// OpenStore opens the configured store wrapped with tracing and metrics.
func OpenStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	var (
		s   storage.Store
		err error
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		s = memstore.NewStore()
	case config.StoreSQLite:
		s, err = sqlite.Open(cfg.SQLitePath)
	case config.StorePostgres:
		s, err = postgres.NewPostgresStore(cfg.PostgresDSN)
	default:
		err = fmt.Errorf("%w: unknown store_driver %q", config.ErrInvalidConfig, cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("store opened", zap.String("driver", cfg.StoreDriver))
	return storage.Instrument(s, log), nil
}

// OpenMedium connects to the configured broadcast medium. The memory
// driver only reaches instances inside this process.
func OpenMedium(cfg *config.Config, log *zap.Logger) (medium.Medium, error) {
	var (
		m   medium.Medium
		err error
	)
	switch cfg.MediumDriver {
	case config.MediumMemory:
		m = memmedium.NewHub().Attach()
	case config.MediumRedis:
		rc := redismedium.DefaultConfig(cfg.RedisAddr)
		rc.Password = cfg.RedisPassword
		m, err = redismedium.New(rc, log)
	case config.MediumEtcd:
		m, err = etcdmedium.New(etcdmedium.DefaultConfig(cfg.EtcdEndpoints), log)
	case config.MediumFilesystem:
		m, err = filesystem.New(cfg.MediumDir, log)
	default:
		err = fmt.Errorf("%w: unknown medium_driver %q", config.ErrInvalidConfig, cfg.MediumDriver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("medium connected", zap.String("driver", cfg.MediumDriver))
	return m, nil
}

// Instance is one running participant of a partition.
type Instance struct {
	Config  *config.Config
	Store   storage.Store
	Medium  medium.Medium
	Queue   *queue.Queue
	Elector *election.Elector
	Channel *notify.BroadcastChannel
	API     *api.Server

	log *zap.Logger
}

// New wires an instance over an already opened store and medium. engine
// receives forwarded sibling transitions and primacy changes.
func New(cfg *config.Config, store storage.Store, m medium.Medium, engine syncengine.Sink, clk clock.Clock, log *zap.Logger) (*Instance, error) {
	q := queue.New(log.Named("queue"))

	ncfg := notify.DefaultConfig(cfg.PersistenceKey, cfg.UserID, cfg.InstanceID)
	ncfg.HeartbeatInterval = cfg.HeartbeatInterval
	ncfg.StaleTolerance = cfg.StaleTolerance
	ch, err := notify.NewBroadcastChannel(ncfg, m, q, engine, clk, log.Named("notify"))
	if err != nil {
		q.Close()
		return nil, err
	}

	ecfg := election.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseDuration:     cfg.LeaseDuration,
		StaleTolerance:    cfg.StaleTolerance,
		Breaker:           resilience.DefaultCircuitBreakerConfig(),
	}
	ecfg.Breaker.FailureThreshold = cfg.BreakerFailureThreshold
	ecfg.Breaker.Timeout = cfg.BreakerTimeout
	// The channel learns primacy synchronously, inside the elector's task.
	sink := syncengine.Multi{engine, syncengine.PrimaryFunc(ch.SetPrimaryState)}
	el, err := election.New(cfg.InstanceID, ecfg, q, store, sink, clk, log.Named("election"))
	if err != nil {
		q.Close()
		return nil, err
	}

	var jwt *auth.JWTService
	if cfg.JWTSecret != "" {
		if jwt, err = auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret)); err != nil {
			q.Close()
			return nil, err
		}
	}

	server := api.NewServer(api.Config{
		Port:      cfg.APIPort,
		Partition: cfg.PersistenceKey,
		Elector:   el,
		Channel:   ch,
		Store:     store,
		Medium:    m,
		JWT:       jwt,
		Clock:     clk,
		Log:       log.Named("api"),
	})

	return &Instance{
		Config:  cfg,
		Store:   store,
		Medium:  m,
		Queue:   q,
		Elector: el,
		Channel: ch,
		API:     server,
		log:     log,
	}, nil
}

// Start brings up the channel, then the elector. A first election failure
// is logged; the heartbeat retries it.
func (i *Instance) Start(ctx context.Context) error {
	vis, err := models.ParseVisibility(i.Config.Visibility)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if err := i.Channel.Start(ctx); err != nil {
		return fmt.Errorf("start notification channel: %w", err)
	}
	if err := errors.Join(
		i.Elector.SetVisibility(ctx, vis),
		i.Channel.SetVisibility(ctx, vis),
	); err != nil {
		i.log.Warn("failed to publish initial visibility", zap.Error(err))
	}
	if err := i.Elector.Start(ctx, i.Config.UserID); err != nil {
		i.log.Warn("initial election attempt failed", zap.Error(err))
	}
	return nil
}

// Stop resigns the lease, shuts the channel down and drains the queue.
// Store and medium stay open; their owner closes them.
func (i *Instance) Stop(ctx context.Context) error {
	i.Elector.Stop()
	var errs []error
	if err := i.Elector.Resign(ctx); err != nil {
		errs = append(errs, err)
	}
	if i.Channel.Started() {
		if err := i.Channel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	i.Queue.Close()
	return errors.Join(errs...)
}
