package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address    string
	Password   string
	DB         int
	Queue      string
	DeadLetter string
	BlockWait  time.Duration
}

// RedisQueue 使用 Redis list 实现变更流，失败事件写入死信 list。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	deadLetter string
	wait       time.Duration
	opts       options
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig, opts ...Option) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueFromClient(client, cfg, opts...), nil
}

// NewRedisQueueFromClient 使用已有客户端创建队列。
func NewRedisQueueFromClient(client *redis.Client, cfg RedisQueueConfig, opts ...Option) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "pctasks:events"
	}
	deadLetter := cfg.DeadLetter
	if deadLetter == "" {
		deadLetter = queue + ":dead"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, deadLetter: deadLetter, wait: wait, opts: buildOptions(opts)}
}

// Publish 将事件投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, ev Event) error {
	return q.push(ctx, q.queue, ev)
}

func (q *RedisQueue) push(ctx context.Context, list string, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, list, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败", xerrors.WithMetadata("list", list))
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				q.handle(ctx, values[1], handler)
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) handle(ctx context.Context, payload string, handler Handler) {
	ev, err := DecodeEvent([]byte(payload))
	if err != nil {
		logger.L().Error("丢弃无法解析的事件", slog.Any("error", err))
		if pushErr := q.client.LPush(ctx, q.deadLetter, payload).Err(); pushErr != nil {
			logger.L().Error("写入死信失败", slog.Any("error", pushErr))
		}
		return
	}
	switch q.opts.settle("redis", ev, handler(ctx, ev)) {
	case dispositionRequeue:
		ev.Attempt++
		if err := q.push(ctx, q.queue, ev); err != nil {
			logger.L().Error("事件重新入队失败", slog.String("event_id", ev.ID), slog.Any("error", err))
		}
	case dispositionDeadLetter:
		if err := q.push(ctx, q.deadLetter, ev); err != nil {
			logger.L().Error("写入死信失败", slog.String("event_id", ev.ID), slog.Any("error", err))
		}
	}
}

// DeadLetters 返回死信 list 中最多 limit 个事件，最新的在前。
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	values, err := q.client.LRange(ctx, q.deadLetter, 0, limit-1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取死信失败")
	}
	events := make([]Event, 0, len(values))
	for _, value := range values {
		ev, err := DecodeEvent([]byte(value))
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
