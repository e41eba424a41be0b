// Package app 根据配置组装存储、变更流、计数更新器、重算任务与运维接口。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/planetary-computer-tasks/internal/api"
	"github.com/microsoft/planetary-computer-tasks/internal/config"
	"github.com/microsoft/planetary-computer-tasks/internal/counter"
	"github.com/microsoft/planetary-computer-tasks/internal/feed"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/alerting"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/internal/reconciler"
	"github.com/microsoft/planetary-computer-tasks/internal/store"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// Runtime 持有一次进程运行所需的全部组件。
type Runtime struct {
	Config     *config.Config
	Store      store.Store
	Queue      feed.Queue
	Updater    *counter.Updater
	Reconciler *reconciler.Reconciler
	Registry   *prometheus.Registry
	Sink       metrics.Sink
	Alerts     alerting.Dispatcher
}

// Build 按配置创建组件。返回错误时已创建的资源会被释放。
func Build(ctx context.Context, cfg *config.Config) (rt *Runtime, err error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(registry)

	rt = &Runtime{Config: cfg, Registry: registry, Sink: sink}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if rt.Store, err = OpenStore(ctx, cfg.Store); err != nil {
		return rt, err
	}
	if rt.Queue, err = OpenQueue(ctx, cfg.Feed, feed.WithMaxDeliveries(cfg.Feed.MaxDeliveries), feed.WithMetrics(sink)); err != nil {
		return rt, err
	}
	rt.Alerts = buildAlerts(cfg.Alerting)
	rt.Updater = counter.NewUpdater(rt.Store,
		counter.WithMaxAttempts(cfg.Counter.MaxAttempts),
		counter.WithBackoff(cfg.Counter.BackoffBase, cfg.Counter.BackoffMax),
		counter.WithMetrics(sink),
		counter.WithAlertDispatcher(rt.Alerts),
	)
	rt.Reconciler = reconciler.New(rt.Store, reconciler.WithMetrics(sink))
	return rt, nil
}

// OpenStore 根据驱动名创建文档存储。
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		s, err := store.NewMySQLStore(ctx, store.MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := store.NewBadgerStore(store.BadgerConfig{Path: cfg.Badger.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// OpenQueue 根据驱动名创建变更流。
func OpenQueue(ctx context.Context, cfg config.FeedConfig, opts ...feed.Option) (feed.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return feed.NewMemoryQueue(cfg.BufferSize, opts...), nil
	case "redis":
		q, err := feed.NewRedisQueue(ctx, feed.RedisQueueConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Queue:      cfg.Redis.Queue,
			DeadLetter: cfg.Redis.DeadLetter,
			BlockWait:  cfg.Redis.BlockWait,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "rabbitmq":
		q, err := feed.NewRabbitMQQueue(feed.RabbitMQConfig{
			URL:                cfg.RabbitMQ.URL,
			Queue:              cfg.RabbitMQ.Queue,
			Prefetch:           cfg.RabbitMQ.Prefetch,
			Durable:            cfg.RabbitMQ.Durable,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
			DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Webhook.URL,
			Client: &http.Client{Timeout: cfg.Webhook.Timeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// Serve 同时运行变更流消费者、运维接口与定期重算，直到 ctx 取消或任一组件失败。
func (rt *Runtime) Serve(ctx context.Context) error {
	var scheduler *reconciler.Scheduler
	if rt.Config.Reconciler.Enabled {
		var err error
		scheduler, err = reconciler.NewScheduler(rt.Reconciler, rt.Config.Reconciler.Schedule, rt.Config.Reconciler.Timeout)
		if err != nil {
			return fmt.Errorf("解析重算计划失败: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(rt.Queue.Consume(ctx, rt.Config.Feed.Workers, rt.Updater.Handle))
	})

	server := api.NewServer(rt.Config.Server.Address, rt.Updater,
		api.WithPublisher(rt.Queue),
		api.WithReconciler(rt.Reconciler),
		api.WithGatherer(rt.Registry),
		api.WithMetrics(rt.Sink),
		api.WithShutdownTimeout(rt.Config.Server.ShutdownTimeout),
	)
	g.Go(func() error {
		return ignoreCanceled(server.Start(ctx))
	})

	if scheduler != nil {
		g.Go(func() error {
			scheduler.Start(ctx)
			return nil
		})
	}

	logger.L().Info("计数服务已启动",
		slog.String("store", rt.Config.Store.Driver),
		slog.String("feed", rt.Config.Feed.Driver),
		slog.Int("workers", rt.Config.Feed.Workers))
	return g.Wait()
}

// Close 释放存储与队列连接。
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	if rt.Queue != nil {
		errs = append(errs, rt.Queue.Close())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
