package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

func newBadgerTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewBadgerStore(BadgerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStores(t *testing.T) {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"badger": newBadgerTestStore,
		"redis":  newRedisTestStore,
	}
	for name, factory := range factories {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) { testPutAndGet(t, factory(t)) })
			t.Run("query", func(t *testing.T) { testQuery(t, factory(t)) })
			t.Run("replace", func(t *testing.T) { testReplace(t, factory(t)) })
			t.Run("concurrent replace", func(t *testing.T) { testConcurrentReplace(t, factory(t)) })
		})
	}
}

func testPutAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	run := records.NewWorkflowRun("ds", "wf-1", "run-1", []string{"job-a"}, time.Now())

	first, err := PutRecord(ctx, s, run)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	second, err := PutRecord(ctx, s, run)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)

	got, err := s.Get(ctx, records.RecordTypeWorkflowRun, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.JSONEq(t, string(second.Body), string(got.Body))

	_, err = s.Get(ctx, records.RecordTypeWorkflow, "run-1")
	assert.Equal(t, records.CodeDocumentNotFound, xerrors.CodeOf(err))
}

func testQuery(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()
	_, err := PutRecord(ctx, s, records.NewWorkflowRun("ds", "wf-1", "run-1", nil, now))
	require.NoError(t, err)
	_, err = PutRecord(ctx, s, records.NewWorkflowRun("ds", "wf-1", "run-2", nil, now))
	require.NoError(t, err)
	_, err = PutRecord(ctx, s, records.NewWorkflow("wf-1"))
	require.NoError(t, err)
	_, err = PutRecord(ctx, s, records.NewJobPartitionRun("run-1", "job-a", "0", now))
	require.NoError(t, err)

	runs, err := s.Query(ctx, records.Filter{Type: records.RecordTypeWorkflowRun, WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)

	workflows, err := s.Query(ctx, records.Filter{Type: records.RecordTypeWorkflow, WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, records.RecordTypeWorkflow, workflows[0].Type)

	byRun, err := s.Query(ctx, records.Filter{Type: records.RecordTypeWorkflowRun, RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)

	none, err := s.Query(ctx, records.Filter{Type: records.RecordTypeWorkflowRun, RunID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := s.Query(ctx, records.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testReplace(t *testing.T, s Store) {
	ctx := context.Background()
	doc, err := PutRecord(ctx, s, records.NewWorkflow("wf-1"))
	require.NoError(t, err)

	stale := doc
	doc.Body = json.RawMessage(`{"type":"Workflow","workflow_id":"wf-1","workflow_run_counts":{"running":1}}`)
	require.NoError(t, s.Replace(ctx, doc))

	got, err := s.Get(ctx, records.RecordTypeWorkflow, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Version+1, got.Version)
	assert.JSONEq(t, string(doc.Body), string(got.Body))

	stale.Body = json.RawMessage(`{"type":"Workflow","workflow_id":"wf-1","workflow_run_counts":{}}`)
	err = s.Replace(ctx, stale)
	assert.Equal(t, records.CodeVersionConflict, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))

	missing := records.Document{ID: "wf-x", Type: records.RecordTypeWorkflow, Version: 1, Body: json.RawMessage(`{}`)}
	err = s.Replace(ctx, missing)
	assert.Equal(t, records.CodeDocumentNotFound, xerrors.CodeOf(err))
}

// 同一版本的并发写入只能有一个成功。
func testConcurrentReplace(t *testing.T, s Store) {
	ctx := context.Background()
	doc, err := PutRecord(ctx, s, records.NewWorkflow("wf-1"))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Replace(ctx, doc)
			switch {
			case err == nil:
				succeeded.Add(1)
			case xerrors.CodeOf(err) == records.CodeVersionConflict:
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())
}

func TestValidateDocument(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Put(context.Background(), records.Document{Type: records.RecordTypeWorkflow, Body: json.RawMessage(`{}`)})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
