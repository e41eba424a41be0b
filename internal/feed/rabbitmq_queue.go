package feed

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// DeadLetterExchange 非空时声明一个 fanout 交换机作为队列的 x-dead-letter-exchange，
	// 并把 DeadLetterQueue 绑定到它上面，拒绝的消息由 broker 转发到该队列。
	DeadLetterExchange string
	// DeadLetterQueue 默认为 Queue 加 ".dead" 后缀。
	DeadLetterQueue string
}

// RabbitMQQueue 使用 RabbitMQ 实现变更流。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	opts  options
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig, opts ...Option) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "pctasks.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	cfg.Queue = queue
	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, opts: buildOptions(opts)}, nil
}

// topology 是声明队列拓扑所需的 channel 方法。
type topology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// declareTopology 先声明死信交换机与死信队列，再声明带 x-dead-letter-exchange 的主队列。
func declareTopology(ch topology, cfg RabbitMQConfig) error {
	var args amqp.Table
	if dlx := cfg.DeadLetterExchange; dlx != "" {
		dlq := cfg.DeadLetterQueue
		if dlq == "" {
			dlq = cfg.Queue + ".dead"
		}
		if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, cfg.Durable, false, false, false, nil); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明死信交换机失败", xerrors.WithMetadata("exchange", dlx))
		}
		if _, err := ch.QueueDeclare(dlq, cfg.Durable, false, false, false, nil); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明死信队列失败", xerrors.WithMetadata("queue", dlq))
		}
		if err := ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "绑定死信队列失败", xerrors.WithMetadata("queue", dlq))
		}
		args = amqp.Table{"x-dead-letter-exchange": dlx}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, args); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败", xerrors.WithMetadata("queue", cfg.Queue))
	}
	return nil
}

// Publish 将事件投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, ev Event) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	msg, err := toPublishing(ev)
	if err != nil {
		return err
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

func toPublishing(ev Event) (amqp.Publishing, error) {
	body, err := ev.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.PublishedAt,
		Body:         body,
	}, nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。
// 可重试的失败以递增后的 Attempt 重新发布并确认原消息；其余失败 Nack 且不重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return consumeDeliveries(ctx, msgs, workerCount, func(msg amqp.Delivery) {
		q.handle(ctx, msg, handler)
	})
}

// consumeDeliveries 在 ctx 取消或 broker 关闭投递通道前持续分发消息。
// 通道被关闭时返回 QUEUE_FAILURE，由上层决定重连或退出。
func consumeDeliveries(ctx context.Context, msgs <-chan amqp.Delivery, workerCount int, handle func(amqp.Delivery)) error {
	lost := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						once.Do(func() { close(lost) })
						return
					}
					handle(msg)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case <-lost:
		wg.Wait()
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (q *RabbitMQQueue) handle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	q.settleDelivery(ctx, msg.Body, &msg, handler, q.Publish)
}

func (q *RabbitMQQueue) settleDelivery(ctx context.Context, body []byte, ack acknowledger, handler Handler, republish func(context.Context, Event) error) {
	ev, err := DecodeEvent(body)
	if err != nil {
		logger.L().Error("拒绝无法解析的事件", slog.Any("error", err))
		_ = ack.Nack(false, false)
		return
	}
	switch q.opts.settle("rabbitmq", ev, handler(ctx, ev)) {
	case dispositionAck:
		_ = ack.Ack(false)
	case dispositionRequeue:
		ev.Attempt++
		if err := republish(ctx, ev); err != nil {
			logger.L().Error("事件重新发布失败，交由 broker 重投", slog.String("event_id", ev.ID), slog.Any("error", err))
			_ = ack.Nack(false, true)
			return
		}
		_ = ack.Ack(false)
	case dispositionDeadLetter:
		_ = ack.Nack(false, false)
	}
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
