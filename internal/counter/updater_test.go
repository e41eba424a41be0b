package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/feed"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/alerting"
	"github.com/microsoft/planetary-computer-tasks/internal/observability/metrics"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
	"github.com/microsoft/planetary-computer-tasks/internal/store"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestUpdater(s Store, opts ...Option) *Updater {
	u := NewUpdater(s, opts...)
	u.sleep = noSleep
	return u
}

func seedWorkflowRun(t *testing.T, s store.Store, runID string, jobIDs ...string) {
	t.Helper()
	_, err := store.PutRecord(context.Background(), s, records.NewWorkflowRun("ds", "wf-1", runID, jobIDs, testTime))
	require.NoError(t, err)
}

func loadWorkflowRun(t *testing.T, s store.Store, runID string) (records.Document, records.WorkflowRunRecord) {
	t.Helper()
	doc, err := s.Get(context.Background(), records.RecordTypeWorkflowRun, runID)
	require.NoError(t, err)
	var run records.WorkflowRunRecord
	require.NoError(t, doc.Decode(&run))
	return doc, run
}

func jobCounts(t *testing.T, s store.Store, runID, jobID string) records.StatusCounts {
	t.Helper()
	_, run := loadWorkflowRun(t, s, runID)
	job, ok := run.Job(jobID)
	require.True(t, ok)
	return job.JobPartitionCounts
}

func partitionAt(runID, jobID, partitionID string, statuses ...records.JobPartitionRunStatus) *records.JobPartitionRunRecord {
	rec := records.NewJobPartitionRun(runID, jobID, partitionID, testTime)
	for _, status := range statuses {
		rec.SetStatus(status, testTime)
	}
	return rec
}

func TestApplyJobPartitionRunInitialStatus(t *testing.T) {
	s := store.NewMemoryStore()
	seedWorkflowRun(t, s, "run-1", "job-a", "job-b")
	u := newTestUpdater(s)

	require.NoError(t, u.ApplyJobPartitionRun(context.Background(), partitionAt("run-1", "job-a", "0")))

	counts := jobCounts(t, s, "run-1", "job-a")
	assert.Equal(t, 1, counts["pending"])
	assert.Equal(t, 1, counts.Total())
	assert.Equal(t, 0, jobCounts(t, s, "run-1", "job-b").Total())
}

func TestApplyJobPartitionRunTransition(t *testing.T) {
	s := store.NewMemoryStore()
	seedWorkflowRun(t, s, "run-1", "job-a")
	u := newTestUpdater(s)
	ctx := context.Background()

	require.NoError(t, u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-a", "0")))
	require.NoError(t, u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-a", "0", records.JobPartitionRunStatusRunning)))

	counts := jobCounts(t, s, "run-1", "job-a")
	assert.Equal(t, 0, counts["pending"])
	assert.Equal(t, 1, counts["running"])
	assert.Equal(t, 1, counts.Total())

	doc, _ := loadWorkflowRun(t, s, "run-1")
	assert.Equal(t, int64(3), doc.Version)
}

func TestApplyJobPartitionRunDriftDoesNotGoNegative(t *testing.T) {
	s := store.NewMemoryStore()
	seedWorkflowRun(t, s, "run-1", "job-a")
	recorder := &recordingSink{}
	u := newTestUpdater(s, WithMetrics(recorder))

	rec := partitionAt("run-1", "job-a", "0", records.JobPartitionRunStatusRunning, records.JobPartitionRunStatusCompleted)
	require.NoError(t, u.ApplyJobPartitionRun(context.Background(), rec))

	counts := jobCounts(t, s, "run-1", "job-a")
	assert.Equal(t, 0, counts["running"])
	assert.Equal(t, 1, counts["completed"])
	assert.Equal(t, int32(1), recorder.drift.Load())
}

func TestApplyWorkflowRun(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_, err := store.PutRecord(ctx, s, records.NewWorkflow("wf-1"))
	require.NoError(t, err)
	u := newTestUpdater(s)

	run := records.NewWorkflowRun("ds", "wf-1", "run-1", nil, testTime)
	require.NoError(t, u.ApplyWorkflowRun(ctx, run))
	run.SetStatus(records.WorkflowRunStatusRunning, testTime)
	require.NoError(t, u.ApplyWorkflowRun(ctx, run))

	doc, err := s.Get(ctx, records.RecordTypeWorkflow, "wf-1")
	require.NoError(t, err)
	var wf records.WorkflowRecord
	require.NoError(t, doc.Decode(&wf))
	assert.Equal(t, records.StatusCounts{"submitted": 0, "running": 1}, wf.WorkflowRunCounts)
}

func TestApplyPreservesUnknownParentFields(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_, err := s.Put(ctx, records.Document{
		ID:         "wf-1",
		Type:       records.RecordTypeWorkflow,
		WorkflowID: "wf-1",
		Body:       json.RawMessage(`{"type":"Workflow","workflow_id":"wf-1","definition":{"name":"ingest"}}`),
	})
	require.NoError(t, err)

	u := newTestUpdater(s)
	require.NoError(t, u.ApplyWorkflowRun(ctx, records.NewWorkflowRun("ds", "wf-1", "run-1", nil, testTime)))

	doc, err := s.Get(ctx, records.RecordTypeWorkflow, "wf-1")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"Workflow","workflow_id":"wf-1","definition":{"name":"ingest"},"workflow_run_counts":{"submitted":1}}`,
		string(doc.Body))
}

func TestApplyErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid child touches no store", func(t *testing.T) {
		fs := &fakeStore{}
		u := newTestUpdater(fs)
		rec := partitionAt("run-1", "", "0")
		err := u.ApplyJobPartitionRun(ctx, rec)
		assert.Equal(t, records.CodeInvalidChildRecord, xerrors.CodeOf(err))
		assert.Zero(t, fs.queries.Load())

		err = u.ApplyWorkflowRun(ctx, nil)
		assert.Equal(t, records.CodeInvalidChildRecord, xerrors.CodeOf(err))
		assert.Zero(t, fs.queries.Load())
	})

	t.Run("parent not found leaves other aggregates untouched", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedWorkflowRun(t, s, "run-1", "job-a")
		_, err := store.PutRecord(ctx, s, records.NewWorkflow("wf-1"))
		require.NoError(t, err)
		runBefore, err := s.Get(ctx, records.RecordTypeWorkflowRun, "run-1")
		require.NoError(t, err)
		wfBefore, err := s.Get(ctx, records.RecordTypeWorkflow, "wf-1")
		require.NoError(t, err)

		u := newTestUpdater(s)
		err = u.ApplyJobPartitionRun(ctx, partitionAt("missing", "job-a", "0"))
		assert.Equal(t, records.CodeParentNotFound, xerrors.CodeOf(err))
		assert.True(t, errors.Is(err, records.ErrParentNotFound))

		err = u.ApplyWorkflowRun(ctx, records.NewWorkflowRun("ds", "wf-missing", "run-2", nil, testTime))
		assert.Equal(t, records.CodeParentNotFound, xerrors.CodeOf(err))

		runAfter, err := s.Get(ctx, records.RecordTypeWorkflowRun, "run-1")
		require.NoError(t, err)
		wfAfter, err := s.Get(ctx, records.RecordTypeWorkflow, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, runBefore.Version, runAfter.Version)
		assert.JSONEq(t, string(runBefore.Body), string(runAfter.Body))
		assert.Equal(t, wfBefore.Version, wfAfter.Version)
		assert.JSONEq(t, string(wfBefore.Body), string(wfAfter.Body))
	})

	t.Run("job entry missing", func(t *testing.T) {
		s := store.NewMemoryStore()
		seedWorkflowRun(t, s, "run-1", "job-a")
		u := newTestUpdater(s)
		err := u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-z", "0"))
		assert.Equal(t, records.CodeParentNotFound, xerrors.CodeOf(err))
		assert.Equal(t, "job-z", xerrors.MetadataOf(err)["job_id"])
	})

	t.Run("ambiguous parent", func(t *testing.T) {
		s := store.NewMemoryStore()
		for _, id := range []string{"wf-1-a", "wf-1-b"} {
			_, err := s.Put(ctx, records.Document{
				ID: id, Type: records.RecordTypeWorkflow, WorkflowID: "wf-1",
				Body: json.RawMessage(`{"workflow_id":"wf-1"}`),
			})
			require.NoError(t, err)
		}
		u := newTestUpdater(s)
		err := u.ApplyWorkflowRun(ctx, records.NewWorkflowRun("ds", "wf-1", "run-1", nil, testTime))
		assert.Equal(t, records.CodeAmbiguousParent, xerrors.CodeOf(err))
		assert.Equal(t, "2", xerrors.MetadataOf(err)["matches"])
	})

	t.Run("query failure propagates", func(t *testing.T) {
		boom := xerrors.New(xerrors.CodeStorageFailure, "down")
		u := newTestUpdater(&fakeStore{queryErr: boom})
		err := u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-a", "0"))
		assert.Same(t, boom, err)
	})
}

func TestApplyGivesUpAfterMaxAttempts(t *testing.T) {
	run := records.NewWorkflowRun("ds", "wf-1", "run-1", []string{"job-a"}, testTime)
	doc, err := records.NewDocument(run)
	require.NoError(t, err)
	doc.Version = 1

	fs := &fakeStore{docs: []records.Document{doc}, replaceErr: xerrors.New(records.CodeVersionConflict, "stale")}
	recorder := &recordingSink{}
	alerts := &recordingDispatcher{}
	u := newTestUpdater(fs, WithMaxAttempts(3), WithMetrics(recorder), WithAlertDispatcher(alerts))

	err = u.ApplyJobPartitionRun(context.Background(), partitionAt("run-1", "job-a", "0"))
	require.Error(t, err)
	assert.Equal(t, records.CodePersistFailed, xerrors.CodeOf(err))
	assert.True(t, errors.Is(err, records.ErrVersionConflict))
	assert.Equal(t, int32(3), fs.replaces.Load())
	assert.Equal(t, int32(3), fs.queries.Load())
	assert.Equal(t, int32(2), recorder.conflicts.Load())

	require.Len(t, alerts.events, 1)
	assert.Equal(t, records.CodePersistFailed, alerts.events[0].Code)
	assert.Equal(t, 3, alerts.events[0].Attempts)
}

func TestApplyNonConflictReplaceErrorIsNotRetried(t *testing.T) {
	run := records.NewWorkflowRun("ds", "wf-1", "run-1", []string{"job-a"}, testTime)
	doc, err := records.NewDocument(run)
	require.NoError(t, err)

	fs := &fakeStore{docs: []records.Document{doc}, replaceErr: xerrors.New(xerrors.CodeStorageFailure, "disk full")}
	u := newTestUpdater(fs)

	err = u.ApplyJobPartitionRun(context.Background(), partitionAt("run-1", "job-a", "0"))
	assert.Equal(t, records.CodePersistFailed, xerrors.CodeOf(err))
	assert.Equal(t, int32(1), fs.replaces.Load())
}

func TestApplyConcurrentChildrenAreAllCounted(t *testing.T) {
	s := store.NewMemoryStore()
	seedWorkflowRun(t, s, "run-1", "job-a")
	u := newTestUpdater(s, WithMaxAttempts(1000))

	const partitions = 40
	var wg sync.WaitGroup
	errs := make(chan error, partitions)
	for i := 0; i < partitions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- u.ApplyJobPartitionRun(context.Background(), partitionAt("run-1", "job-a", fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	counts := jobCounts(t, s, "run-1", "job-a")
	assert.Equal(t, partitions, counts["pending"])
	assert.Equal(t, partitions, counts.Total())
}

func TestApplyConcurrentTransitionsMatchSequential(t *testing.T) {
	const perKind = 10
	children := make([]*records.JobPartitionRunRecord, 0, 2*perKind)
	for i := 0; i < perKind; i++ {
		children = append(children,
			partitionAt("run-1", "job-a", fmt.Sprintf("p%d", i), records.JobPartitionRunStatusRunning))
		// 这些分区在种子计数中已处于 running。
		children = append(children,
			partitionAt("run-1", "job-a", fmt.Sprintf("r%d", i), records.JobPartitionRunStatusRunning, records.JobPartitionRunStatusFailed))
	}
	seed := records.StatusCounts{"pending": perKind, "running": perKind}

	sequential := store.NewMemoryStore()
	seedJobCounts(t, sequential, seed.Clone())
	u := newTestUpdater(sequential)
	for _, child := range children {
		require.NoError(t, u.ApplyJobPartitionRun(context.Background(), child))
	}

	concurrent := store.NewMemoryStore()
	seedJobCounts(t, concurrent, seed.Clone())
	u = newTestUpdater(concurrent, WithMaxAttempts(1000))
	var wg sync.WaitGroup
	errs := make(chan error, len(children))
	for _, child := range children {
		wg.Add(1)
		go func(child *records.JobPartitionRunRecord) {
			defer wg.Done()
			errs <- u.ApplyJobPartitionRun(context.Background(), child)
		}(child)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	want := records.StatusCounts{"pending": 0, "running": perKind, "failed": perKind}
	assert.True(t, want.Equal(jobCounts(t, sequential, "run-1", "job-a")))
	assert.True(t, jobCounts(t, sequential, "run-1", "job-a").Equal(jobCounts(t, concurrent, "run-1", "job-a")))
}

func TestWithBackoffKeepsCapAboveBase(t *testing.T) {
	u := NewUpdater(nil, WithBackoff(2*time.Second, time.Second))
	assert.Equal(t, 2*time.Second, u.backoffBase)
	assert.Equal(t, 2*time.Second, u.backoffMax)
	for attempt := 1; attempt <= 3; attempt++ {
		d := u.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}

	u = NewUpdater(nil, WithBackoff(time.Second, 0))
	assert.Equal(t, time.Second, u.backoffMax)
}

func TestHandleDispatchesByType(t *testing.T) {
	s := store.NewMemoryStore()
	seedWorkflowRun(t, s, "run-1", "job-a")
	u := newTestUpdater(s)
	ctx := context.Background()

	ev, err := feed.NewEvent(partitionAt("run-1", "job-a", "0"))
	require.NoError(t, err)
	require.NoError(t, u.Handle(ctx, ev))
	assert.Equal(t, 1, jobCounts(t, s, "run-1", "job-a")["pending"])

	ev, err = feed.NewEvent(records.NewWorkflow("wf-1"))
	require.NoError(t, err)
	assert.NoError(t, u.Handle(ctx, ev))

	err = u.Handle(ctx, feed.Event{ID: "bad", Type: records.RecordTypeJobPartitionRun, Body: json.RawMessage(`[1]`)})
	assert.Equal(t, records.CodeInvalidChildRecord, xerrors.CodeOf(err))
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	u := NewUpdater(store.NewMemoryStore(), WithBackoff(10*time.Millisecond, 40*time.Millisecond))
	for attempt := 1; attempt <= 6; attempt++ {
		d := u.backoff(attempt)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
	assert.Zero(t, NewUpdater(nil, WithBackoff(0, 0)).backoff(3))
}

type fakeStore struct {
	mu         sync.Mutex
	docs       []records.Document
	queryErr   error
	replaceErr error
	queries    atomic.Int32
	replaces   atomic.Int32
}

func (f *fakeStore) Query(_ context.Context, filter records.Filter) ([]records.Document, error) {
	f.queries.Add(1)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []records.Document
	for _, doc := range f.docs {
		if filter.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) Replace(context.Context, records.Document) error {
	f.replaces.Add(1)
	return f.replaceErr
}

type recordingSink struct {
	metrics.NoopSink
	conflicts atomic.Int32
	drift     atomic.Int32
}

func (r *recordingSink) ConflictRetry(string)      { r.conflicts.Add(1) }
func (r *recordingSink) CountDrift(string, string) { r.drift.Add(1) }

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func seedJobCounts(t *testing.T, s store.Store, counts records.StatusCounts) {
	t.Helper()
	run := records.NewWorkflowRun("ds", "wf-1", "run-1", []string{"job-a"}, testTime)
	run.Jobs[0].JobPartitionCounts = counts
	_, err := store.PutRecord(context.Background(), s, run)
	require.NoError(t, err)
}

func TestApplyTransitionMovesOneChild(t *testing.T) {
	s := store.NewMemoryStore()
	seedJobCounts(t, s, records.StatusCounts{"pending": 3, "running": 1})
	u := newTestUpdater(s)

	require.NoError(t, u.ApplyJobPartitionRun(context.Background(),
		partitionAt("run-1", "job-a", "0", records.JobPartitionRunStatusRunning)))
	assert.Equal(t, records.StatusCounts{"pending": 2, "running": 2}, jobCounts(t, s, "run-1", "job-a"))
}

func TestApplySameStatusRepeatIsNeutral(t *testing.T) {
	s := store.NewMemoryStore()
	seedJobCounts(t, s, records.StatusCounts{"pending": 1, "running": 4})
	u := newTestUpdater(s)

	rec := partitionAt("run-1", "job-a", "0", records.JobPartitionRunStatusRunning, records.JobPartitionRunStatusRunning)
	require.NoError(t, u.ApplyJobPartitionRun(context.Background(), rec))
	assert.Equal(t, records.StatusCounts{"pending": 1, "running": 4}, jobCounts(t, s, "run-1", "job-a"))
}

func TestApplyEndToEndSequence(t *testing.T) {
	s := store.NewMemoryStore()
	seedJobCounts(t, s, records.StatusCounts{"pending": 2, "running": 1})
	u := newTestUpdater(s)
	ctx := context.Background()

	require.NoError(t, u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-a", "0", records.JobPartitionRunStatusRunning)))
	assert.Equal(t, records.StatusCounts{"pending": 1, "running": 2}, jobCounts(t, s, "run-1", "job-a"))

	require.NoError(t, u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-a", "1")))
	assert.Equal(t, records.StatusCounts{"pending": 2, "running": 2}, jobCounts(t, s, "run-1", "job-a"))

	require.NoError(t, u.ApplyJobPartitionRun(ctx, partitionAt("run-1", "job-a", "2",
		records.JobPartitionRunStatusRunning, records.JobPartitionRunStatusCompleted)))
	assert.Equal(t, records.StatusCounts{"pending": 2, "running": 1, "completed": 1}, jobCounts(t, s, "run-1", "job-a"))
}
