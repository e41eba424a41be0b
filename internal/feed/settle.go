package feed

import (
	"log/slog"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

const defaultMaxDeliveries = 5

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDeadLetter
)

// Option 定义队列的可选配置。
type Option func(*options)

type options struct {
	maxDeliveries int
	sink          metrics.Sink
}

// WithMaxDeliveries 设置单个事件最多投递的次数，超过后进入死信。
func WithMaxDeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDeliveries = n
		}
	}
}

// WithMetrics 配置消费结果的指标输出。
func WithMetrics(sink metrics.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxDeliveries: defaultMaxDeliveries, sink: metrics.NewNoopSink()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// settle 根据处理结果决定事件去向。可重试错误在投递次数用尽前重新入队，
// 其余错误直接进入死信。
func (o options) settle(transport string, ev Event, err error) disposition {
	if err == nil {
		o.sink.EventConsumed(transport, metrics.OutcomeApplied)
		return dispositionAck
	}
	attrs := []any{
		slog.String("transport", transport),
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.Int("attempt", ev.Attempt+1),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	}
	if xerrors.RetryableError(err) && ev.Attempt+1 < o.maxDeliveries {
		logger.L().Warn("事件处理失败，重新入队", attrs...)
		o.sink.EventConsumed(transport, metrics.OutcomeRequeued)
		return dispositionRequeue
	}
	logger.Audit().Error("事件处理失败，转入死信", attrs...)
	o.sink.EventConsumed(transport, metrics.OutcomeDeadLetter)
	return dispositionDeadLetter
}
