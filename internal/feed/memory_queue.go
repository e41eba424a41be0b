package feed

import (
	"context"
	"log/slog"
	"sync"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// MemoryQueue 使用 channel 模拟变更流，主要用于测试和单机部署。
type MemoryQueue struct {
	ch      chan Event
	opts    options
	mu      sync.RWMutex
	closed  bool
	quit    chan struct{}
	once    sync.Once
	deadMu  sync.Mutex
	dead    []Event
	pending sync.WaitGroup
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int, opts ...Option) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Event, size), quit: make(chan struct{}), opts: buildOptions(opts)}
}

// Publish 将事件投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	q.pending.Add(1)
	select {
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	case <-q.quit:
		q.pending.Done()
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case q.ch <- ev:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的事件。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-q.ch:
					if !ok {
						return
					}
					q.handle(ctx, ev, handler)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) handle(ctx context.Context, ev Event, handler Handler) {
	defer q.pending.Done()
	switch q.opts.settle("memory", ev, handler(ctx, ev)) {
	case dispositionRequeue:
		ev.Attempt++
		q.pending.Add(1)
		go q.requeue(ctx, ev)
	case dispositionDeadLetter:
		q.deadLetter(ev)
	}
}

// requeue 在缓冲区有空位前一直等待，工作协程不会因此阻塞。
// 只有队列关闭或 ctx 取消时才放弃重投并转入死信。
func (q *MemoryQueue) requeue(ctx context.Context, ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.abandon(ev, "队列已关闭")
		return
	}
	select {
	case q.ch <- ev:
	case <-ctx.Done():
		q.abandon(ev, "消费已停止")
	case <-q.quit:
		q.abandon(ev, "队列已关闭")
	}
}

func (q *MemoryQueue) abandon(ev Event, reason string) {
	defer q.pending.Done()
	logger.Audit().Error("事件重新入队失败，转入死信",
		slog.String("transport", "memory"),
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.Int("attempt", ev.Attempt),
		slog.String("reason", reason))
	q.opts.sink.EventConsumed("memory", metrics.OutcomeDeadLetter)
	q.deadLetter(ev)
}

func (q *MemoryQueue) deadLetter(ev Event) {
	q.deadMu.Lock()
	q.dead = append(q.dead, ev)
	q.deadMu.Unlock()
}

// DeadLetters 返回已转入死信的事件副本。
func (q *MemoryQueue) DeadLetters() []Event {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]Event(nil), q.dead...)
}

// Drain 等待所有已投递事件处理完成（包括重新入队的事件）。
func (q *MemoryQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.quit) })
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
