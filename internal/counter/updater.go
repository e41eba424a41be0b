package counter

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/feed"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/alerting"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 10 * time.Millisecond
	defaultBackoffMax  = 500 * time.Millisecond
)

// Store 是计数更新所需的最小存储能力。
type Store interface {
	Query(ctx context.Context, filter records.Filter) ([]records.Document, error)
	Replace(ctx context.Context, doc records.Document) error
}

// Updater 在子记录写入后维护父聚合上的状态计数。
//
// 每次尝试只做一次父文档查询和一次带版本号的替换。替换遇到版本冲突时重新执行
// 查询、修改、写回的完整流程，直到达到 MaxAttempts。
//
// 同一个事件重复处理会重复计数，调用方需要保证每次写入只投递一次。
type Updater struct {
	store       Store
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
	sink        metrics.Sink
	alerter     alerting.Dispatcher
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option 定义可选配置。
type Option func(*Updater)

// WithMaxAttempts 设置版本冲突时的最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(u *Updater) {
		if n > 0 {
			u.maxAttempts = n
		}
	}
}

// WithBackoff 设置冲突重试的退避区间，实际等待时间带随机抖动。
func WithBackoff(base, max time.Duration) Option {
	return func(u *Updater) {
		if base >= 0 {
			u.backoffBase = base
		}
		if max > 0 {
			u.backoffMax = max
		}
		if u.backoffMax < u.backoffBase {
			u.backoffMax = u.backoffBase
		}
	}
}

// WithLogger 指定调试日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(u *Updater) {
		u.logger = l
	}
}

// WithMetrics 配置指标输出。
func WithMetrics(sink metrics.Sink) Option {
	return func(u *Updater) {
		if sink != nil {
			u.sink = sink
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(u *Updater) {
		u.alerter = dispatcher
	}
}

// NewUpdater 构造 Updater。
func NewUpdater(store Store, opts ...Option) *Updater {
	u := &Updater{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		sink:        metrics.NewNoopSink(),
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	if u.logger == nil {
		u.logger = logger.Named("counter")
	}
	return u
}

// Handle 根据事件类型分发。只处理 JobPartitionRun 与 WorkflowRun，其余类型直接忽略。
func (u *Updater) Handle(ctx context.Context, ev feed.Event) error {
	switch ev.Type {
	case records.RecordTypeJobPartitionRun:
		var rec records.JobPartitionRunRecord
		if err := json.Unmarshal(ev.Body, &rec); err != nil {
			return u.reject(ctx, string(ev.Type), ev.ID, xerrors.Wrap(records.CodeInvalidChildRecord, err, "解析分区运行记录失败"))
		}
		return u.ApplyJobPartitionRun(ctx, &rec)
	case records.RecordTypeWorkflowRun:
		var rec records.WorkflowRunRecord
		if err := json.Unmarshal(ev.Body, &rec); err != nil {
			return u.reject(ctx, string(ev.Type), ev.ID, xerrors.Wrap(records.CodeInvalidChildRecord, err, "解析工作流运行记录失败"))
		}
		return u.ApplyWorkflowRun(ctx, &rec)
	default:
		u.logger.Debug("忽略非子记录事件", slog.String("type", string(ev.Type)), slog.String("event_id", ev.ID))
		return nil
	}
}

// ApplyJobPartitionRun 将分区运行的状态变化计入所属作业的 job_partition_counts。
// 父文档是 run_id 相同的 WorkflowRun，计数位于其中 job_id 相同的作业条目。
func (u *Updater) ApplyJobPartitionRun(ctx context.Context, rec *records.JobPartitionRunRecord) error {
	recordType := string(records.RecordTypeJobPartitionRun)
	if err := rec.Validate(); err != nil {
		id := ""
		if rec != nil {
			id = rec.GetID()
		}
		return u.reject(ctx, recordType, id, err)
	}
	previous, _ := rec.StatusHistory.Previous()
	return u.apply(ctx, transition{
		recordType: recordType,
		recordID:   rec.GetID(),
		parent:     records.Filter{Type: records.RecordTypeWorkflowRun, RunID: rec.RunID},
		previous:   previous,
		current:    rec.Status,
		edit: func(doc records.Document) (*records.CountsEditor, error) {
			return records.EditJobPartitionCounts(doc, rec.JobID)
		},
	})
}

// ApplyWorkflowRun 将工作流运行的状态变化计入所属 Workflow 的 workflow_run_counts。
func (u *Updater) ApplyWorkflowRun(ctx context.Context, rec *records.WorkflowRunRecord) error {
	recordType := string(records.RecordTypeWorkflowRun)
	if err := rec.Validate(); err != nil {
		id := ""
		if rec != nil {
			id = rec.RunID
		}
		return u.reject(ctx, recordType, id, err)
	}
	previous, _ := rec.StatusHistory.Previous()
	return u.apply(ctx, transition{
		recordType: recordType,
		recordID:   rec.GetID(),
		parent:     records.Filter{Type: records.RecordTypeWorkflow, WorkflowID: rec.WorkflowID},
		previous:   previous,
		current:    rec.Status,
		edit:       records.EditWorkflowRunCounts,
	})
}

type transition struct {
	recordType string
	recordID   string
	parent     records.Filter
	previous   string
	current    string
	edit       func(records.Document) (*records.CountsEditor, error)
}

func (u *Updater) apply(ctx context.Context, t transition) error {
	start := u.now()
	defer func() { u.sink.ApplyLatency(t.recordType, u.now().Sub(start)) }()

	for attempt := 1; ; attempt++ {
		doc, err := u.locateParent(ctx, t.parent)
		if err != nil {
			return u.fail(ctx, t, attempt, err)
		}
		editor, err := t.edit(doc)
		if err != nil {
			return u.fail(ctx, t, attempt, err)
		}
		if !editor.Counts.Transition(t.previous, t.current) {
			u.sink.CountDrift(t.recordType, t.previous)
			u.logger.Warn("上一状态计数缺失或为 0，跳过扣减",
				slog.String("record_type", t.recordType),
				slog.String("record_id", t.recordID),
				slog.String("parent", doc.Key()),
				slog.String("previous", t.previous))
		}
		body, err := editor.Encode()
		if err != nil {
			return u.fail(ctx, t, attempt, err)
		}
		next := doc
		next.Body = body

		err = u.store.Replace(ctx, next)
		if err == nil {
			u.sink.TransitionApplied(t.recordType, t.previous, t.current)
			logger.Audit().Info("父聚合计数已更新",
				slog.String("record_type", t.recordType),
				slog.String("record_id", t.recordID),
				slog.String("parent", doc.Key()),
				slog.String("previous", t.previous),
				slog.String("current", t.current),
				slog.Int64("version", doc.Version+1),
				slog.Int("attempts", attempt),
			)
			return nil
		}

		if xerrors.CodeOf(err) == records.CodeVersionConflict && attempt < u.maxAttempts {
			u.sink.ConflictRetry(t.recordType)
			u.logger.Debug("父聚合版本冲突，重新读取",
				slog.String("parent", doc.Key()),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", u.maxAttempts))
			if sleepErr := u.sleep(ctx, u.backoff(attempt)); sleepErr != nil {
				return u.fail(ctx, t, attempt, persistFailed(doc, attempt, sleepErr))
			}
			continue
		}
		return u.fail(ctx, t, attempt, persistFailed(doc, attempt, err))
	}
}

// locateParent 要求过滤结果恰好一条。
func (u *Updater) locateParent(ctx context.Context, filter records.Filter) (records.Document, error) {
	docs, err := u.store.Query(ctx, filter)
	if err != nil {
		return records.Document{}, err
	}
	switch len(docs) {
	case 0:
		return records.Document{}, xerrors.New(records.CodeParentNotFound, "找不到父聚合",
			xerrors.WithMetadata("filter", filter.String()))
	case 1:
		return docs[0], nil
	default:
		return records.Document{}, xerrors.New(records.CodeAmbiguousParent, "匹配到多个父聚合",
			xerrors.WithMetadata("filter", filter.String()),
			xerrors.WithMetadata("matches", strconv.Itoa(len(docs))))
	}
}

func persistFailed(doc records.Document, attempt int, cause error) error {
	return xerrors.Wrap(records.CodePersistFailed, cause, "写回父聚合失败",
		xerrors.WithMetadata("parent", doc.Key()),
		xerrors.WithMetadata("attempts", strconv.Itoa(attempt)))
}

func (u *Updater) backoff(attempt int) time.Duration {
	if u.backoffBase <= 0 {
		return 0
	}
	d := u.backoffBase << (attempt - 1)
	if d > u.backoffMax || d <= 0 {
		d = u.backoffMax
	}
	return d/2 + rand.N(d/2+1)
}

func (u *Updater) reject(ctx context.Context, recordType, id string, err error) error {
	return u.fail(ctx, transition{recordType: recordType, recordID: id}, 0, err)
}

func (u *Updater) fail(ctx context.Context, t transition, attempt int, err error) error {
	code := xerrors.CodeOf(err)
	u.sink.ApplyFailed(t.recordType, string(code))
	logger.L().Error("子记录计数更新失败",
		slog.String("record_type", t.recordType),
		slog.String("record_id", t.recordID),
		slog.String("error_code", string(code)),
		slog.Int("attempts", attempt),
		slog.Any("error", err))
	u.emitAlert(ctx, t, attempt, err)
	return err
}

func (u *Updater) emitAlert(ctx context.Context, t transition, attempt int, cause error) {
	if u.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	metadata := xerrors.MetadataOf(cause)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	if t.parent != (records.Filter{}) {
		metadata["parent_filter"] = t.parent.String()
	}
	event := alerting.Event{
		Code:        code,
		Message:     cause.Error(),
		Severity:    xerrors.SeverityOf(cause),
		RecordType:  t.recordType,
		RecordID:    t.recordID,
		Attempts:    attempt,
		MaxAttempts: u.maxAttempts,
		Metadata:    metadata,
		OccurredAt:  u.now(),
	}
	if err := u.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("record_id", t.recordID),
			slog.String("code", string(code)))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
