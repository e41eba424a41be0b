// Package reconciler recomputes parent status counts from the child records
// that exist in the store and repairs aggregates whose stored counts drifted.
//
// The counter updater is not idempotent: a redelivered event is counted twice
// and a lost event is never counted. A reconcile pass is the repair path for
// both cases.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
	"github.com/microsoft/planetary-computer-tasks/pkg/logger"
)

// Store is the subset of the document store a reconcile pass needs.
type Store interface {
	Query(ctx context.Context, filter records.Filter) ([]records.Document, error)
	Replace(ctx context.Context, doc records.Document) error
}

// Drift describes one set of counts that did not match its children.
type Drift struct {
	Parent string               `json:"parent"`
	JobID  string               `json:"job_id,omitempty"`
	Stored records.StatusCounts `json:"stored"`
	Actual records.StatusCounts `json:"actual"`
}

// Report summarises a reconcile pass.
type Report struct {
	Checked  int           `json:"checked"`
	Repaired int           `json:"repaired"`
	Skipped  int           `json:"skipped"`
	Drifts   []Drift       `json:"drifts,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Reconciler walks every Workflow and WorkflowRun aggregate.
type Reconciler struct {
	store  Store
	sink   metrics.Sink
	logger *slog.Logger
	dryRun bool
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(r *Reconciler) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDryRun reports drift without writing repairs.
func WithDryRun(dryRun bool) Option {
	return func(r *Reconciler) {
		r.dryRun = dryRun
	}
}

// New builds a Reconciler over store.
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store: store,
		sink:  metrics.NewNoopSink(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("reconciler")
	}
	return r
}

// Run performs one full pass. A parent whose version changed between read and
// write is skipped and left for the next pass.
func (r *Reconciler) Run(ctx context.Context) (report Report, err error) {
	start := r.now()
	defer func() {
		report.Duration = r.now().Sub(start)
		r.sink.ReconcileCompleted(report.Duration, err)
	}()

	if err = r.reconcileWorkflows(ctx, &report); err != nil {
		return report, err
	}
	if err = r.reconcileWorkflowRuns(ctx, &report); err != nil {
		return report, err
	}
	r.logger.Info("reconcile pass finished",
		slog.Int("checked", report.Checked),
		slog.Int("repaired", report.Repaired),
		slog.Int("skipped", report.Skipped),
		slog.Bool("dry_run", r.dryRun))
	return report, nil
}

func (r *Reconciler) reconcileWorkflows(ctx context.Context, report *Report) error {
	parents, err := r.store.Query(ctx, records.Filter{Type: records.RecordTypeWorkflow})
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Checked++
		if parent.WorkflowID == "" {
			r.logger.Warn("workflow document has no workflow_id", slog.String("parent", parent.Key()))
			report.Skipped++
			continue
		}
		children, err := r.store.Query(ctx, records.Filter{Type: records.RecordTypeWorkflowRun, WorkflowID: parent.WorkflowID})
		if err != nil {
			return err
		}
		actual, err := countStatuses(children)
		if err != nil {
			r.skip(report, parent, err)
			continue
		}
		editor, err := records.EditWorkflowRunCounts(parent)
		if err != nil {
			r.skip(report, parent, err)
			continue
		}
		if editor.Counts.Equal(actual) {
			continue
		}
		report.Drifts = append(report.Drifts, Drift{Parent: parent.Key(), Stored: editor.Counts.Clone(), Actual: actual})
		editor.Counts = merge(editor.Counts, actual)
		body, err := editor.Encode()
		if err != nil {
			return err
		}
		r.repair(ctx, report, parent, body)
	}
	return nil
}

func (r *Reconciler) reconcileWorkflowRuns(ctx context.Context, report *Report) error {
	parents, err := r.store.Query(ctx, records.Filter{Type: records.RecordTypeWorkflowRun})
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Checked++
		var run records.WorkflowRunRecord
		if err := parent.Decode(&run); err != nil {
			r.skip(report, parent, err)
			continue
		}
		if len(run.Jobs) == 0 {
			continue
		}
		children, err := r.store.Query(ctx, records.Filter{Type: records.RecordTypeJobPartitionRun, RunID: run.RunID})
		if err != nil {
			return err
		}
		byJob, err := r.groupByJob(parent, run, children)
		if err != nil {
			r.skip(report, parent, err)
			continue
		}
		if err := r.reconcileJobs(ctx, report, parent, run, byJob); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileJobs(ctx context.Context, report *Report, parent records.Document, run records.WorkflowRunRecord, byJob map[string]records.StatusCounts) error {
	next := parent
	drifted := false
	for _, job := range run.Jobs {
		editor, err := records.EditJobPartitionCounts(next, job.JobID)
		if err != nil {
			r.skip(report, parent, err)
			return nil
		}
		actual := byJob[job.JobID]
		if editor.Counts.Equal(actual) {
			continue
		}
		drifted = true
		report.Drifts = append(report.Drifts, Drift{
			Parent: parent.Key(),
			JobID:  job.JobID,
			Stored: editor.Counts.Clone(),
			Actual: actual,
		})
		editor.Counts = merge(editor.Counts, actual)
		if next.Body, err = editor.Encode(); err != nil {
			return err
		}
	}
	if drifted {
		r.repair(ctx, report, parent, next.Body)
	}
	return nil
}

func (r *Reconciler) groupByJob(parent records.Document, run records.WorkflowRunRecord, children []records.Document) (map[string]records.StatusCounts, error) {
	byJob := make(map[string][]records.Document, len(run.Jobs))
	for _, child := range children {
		var partition records.JobPartitionRunRecord
		if err := child.Decode(&partition); err != nil {
			return nil, err
		}
		if _, ok := run.Job(partition.JobID); !ok {
			r.logger.Warn("partition run references a job missing from its workflow run",
				slog.String("parent", parent.Key()),
				slog.String("child", child.Key()),
				slog.String("job_id", partition.JobID))
			continue
		}
		byJob[partition.JobID] = append(byJob[partition.JobID], child)
	}
	counts := make(map[string]records.StatusCounts, len(byJob))
	for jobID, docs := range byJob {
		c, err := countStatuses(docs)
		if err != nil {
			return nil, err
		}
		counts[jobID] = c
	}
	return counts, nil
}

func (r *Reconciler) repair(ctx context.Context, report *Report, parent records.Document, body []byte) {
	if r.dryRun {
		r.logger.Warn("count drift detected", slog.String("parent", parent.Key()))
		return
	}
	next := parent
	next.Body = body
	if err := r.store.Replace(ctx, next); err != nil {
		r.skip(report, parent, err)
		return
	}
	report.Repaired++
	r.sink.ReconcileRepaired(string(parent.Type))
	logger.Audit().Info("parent counts repaired",
		slog.String("parent", parent.Key()),
		slog.Int64("version", parent.Version+1))
}

func (r *Reconciler) skip(report *Report, parent records.Document, err error) {
	report.Skipped++
	level := slog.LevelError
	if xerrors.CodeOf(err) == records.CodeVersionConflict {
		level = slog.LevelInfo
	}
	r.logger.Log(context.Background(), level, "parent skipped",
		slog.String("parent", parent.Key()),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
}

// countStatuses tallies the status field of each child document.
func countStatuses(children []records.Document) (records.StatusCounts, error) {
	counts := records.StatusCounts{}
	for _, child := range children {
		var head struct {
			Status string `json:"status"`
		}
		if err := child.Decode(&head); err != nil {
			return nil, err
		}
		if head.Status == "" {
			continue
		}
		counts[head.Status]++
	}
	return counts, nil
}

// merge keeps the stored keys at zero so a repaired document has the same shape.
func merge(stored, actual records.StatusCounts) records.StatusCounts {
	out := make(records.StatusCounts, len(stored)+len(actual))
	for status := range stored {
		out[status] = 0
	}
	for status, n := range actual {
		out[status] = n
	}
	return out
}
