package records

import (
	"fmt"
	"time"
)

// StatusHistoryEntry 记录一次状态变化。
type StatusHistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusHistory 是只追加的状态变化日志，包含初始状态。
type StatusHistory []StatusHistoryEntry

// Previous 返回当前状态之前的状态。历史少于两条时没有上一个状态。
func (h StatusHistory) Previous() (string, bool) {
	if len(h) < 2 {
		return "", false
	}
	return h[len(h)-2].Status, true
}

// Last 返回最后一条历史记录的状态。
func (h StatusHistory) Last() (string, bool) {
	if len(h) == 0 {
		return "", false
	}
	return h[len(h)-1].Status, true
}

// Record 是可以写入文档存储的记录。
type Record interface {
	GetID() string
	Keys() Filter
}

// JobPartitionRunRecord 描述一个作业分区的一次运行。
type JobPartitionRunRecord struct {
	Type          RecordType    `json:"type"`
	RunID         string        `json:"run_id"`
	JobID         string        `json:"job_id"`
	PartitionID   string        `json:"partition_id"`
	Status        string        `json:"status"`
	StatusHistory StatusHistory `json:"status_history"`
}

// NewJobPartitionRun 创建处于 pending 状态的分区运行记录。
func NewJobPartitionRun(runID, jobID, partitionID string, at time.Time) *JobPartitionRunRecord {
	rec := &JobPartitionRunRecord{
		Type:        RecordTypeJobPartitionRun,
		RunID:       runID,
		JobID:       jobID,
		PartitionID: partitionID,
	}
	rec.SetStatus(JobPartitionRunStatusPending, at)
	return rec
}

// JobPartitionRunID 拼接分区运行记录的 ID。
func JobPartitionRunID(runID, jobID, partitionID string) string {
	return fmt.Sprintf("%s:%s:%s", runID, jobID, partitionID)
}

// GetID 实现 Record 接口。
func (r *JobPartitionRunRecord) GetID() string {
	return JobPartitionRunID(r.RunID, r.JobID, r.PartitionID)
}

// Keys 实现 Record 接口。
func (r *JobPartitionRunRecord) Keys() Filter {
	return Filter{Type: RecordTypeJobPartitionRun, RunID: r.RunID}
}

// SetStatus 更新状态并追加一条历史记录。
func (r *JobPartitionRunRecord) SetStatus(status JobPartitionRunStatus, at time.Time) {
	r.Status = string(status)
	r.StatusHistory = append(r.StatusHistory, StatusHistoryEntry{Status: string(status), Timestamp: at.UTC()})
}

// JobRunRecord 是工作流运行中某个作业的聚合，持有分区状态计数。
type JobRunRecord struct {
	RunID              string        `json:"run_id"`
	JobID              string        `json:"job_id"`
	Status             string        `json:"status"`
	StatusHistory      StatusHistory `json:"status_history"`
	JobPartitionCounts StatusCounts  `json:"job_partition_counts"`
}

// NewJobRun 创建 pending 状态的作业运行，所有分区计数为 0。
func NewJobRun(runID, jobID string, at time.Time) JobRunRecord {
	return JobRunRecord{
		RunID:              runID,
		JobID:              jobID,
		Status:             string(JobRunStatusPending),
		StatusHistory:      StatusHistory{{Status: string(JobRunStatusPending), Timestamp: at.UTC()}},
		JobPartitionCounts: NewJobPartitionCounts(),
	}
}

// WorkflowRunRecord 描述一次工作流运行。它既是 Workflow 的子记录，
// 也是其作业分区计数的父文档。
type WorkflowRunRecord struct {
	Type          RecordType     `json:"type"`
	DatasetID     string         `json:"dataset_id"`
	RunID         string         `json:"run_id"`
	WorkflowID    string         `json:"workflow_id"`
	Status        string         `json:"status"`
	StatusHistory StatusHistory  `json:"status_history"`
	Jobs          []JobRunRecord `json:"jobs"`
}

// NewWorkflowRun 创建 submitted 状态的工作流运行及其作业。
func NewWorkflowRun(datasetID, workflowID, runID string, jobIDs []string, at time.Time) *WorkflowRunRecord {
	rec := &WorkflowRunRecord{
		Type:       RecordTypeWorkflowRun,
		DatasetID:  datasetID,
		RunID:      runID,
		WorkflowID: workflowID,
		Jobs:       make([]JobRunRecord, 0, len(jobIDs)),
	}
	for _, jobID := range jobIDs {
		rec.Jobs = append(rec.Jobs, NewJobRun(runID, jobID, at))
	}
	rec.SetStatus(WorkflowRunStatusSubmitted, at)
	return rec
}

// GetID 实现 Record 接口。
func (r *WorkflowRunRecord) GetID() string {
	return r.RunID
}

// Keys 实现 Record 接口。
func (r *WorkflowRunRecord) Keys() Filter {
	return Filter{Type: RecordTypeWorkflowRun, RunID: r.RunID, WorkflowID: r.WorkflowID}
}

// SetStatus 更新状态并追加一条历史记录。
func (r *WorkflowRunRecord) SetStatus(status WorkflowRunStatus, at time.Time) {
	r.Status = string(status)
	r.StatusHistory = append(r.StatusHistory, StatusHistoryEntry{Status: string(status), Timestamp: at.UTC()})
}

// Job 返回指定作业的运行记录。
func (r *WorkflowRunRecord) Job(jobID string) (*JobRunRecord, bool) {
	for i := range r.Jobs {
		if r.Jobs[i].JobID == jobID {
			return &r.Jobs[i], true
		}
	}
	return nil, false
}

// WorkflowRecord 是工作流聚合，持有其运行的状态计数。
type WorkflowRecord struct {
	Type              RecordType   `json:"type"`
	WorkflowID        string       `json:"workflow_id"`
	WorkflowRunCounts StatusCounts `json:"workflow_run_counts"`
}

// NewWorkflow 创建计数为空的工作流记录。
func NewWorkflow(workflowID string) *WorkflowRecord {
	return &WorkflowRecord{
		Type:              RecordTypeWorkflow,
		WorkflowID:        workflowID,
		WorkflowRunCounts: StatusCounts{},
	}
}

// GetID 实现 Record 接口。
func (r *WorkflowRecord) GetID() string {
	return r.WorkflowID
}

// Keys 实现 Record 接口。
func (r *WorkflowRecord) Keys() Filter {
	return Filter{Type: RecordTypeWorkflow, WorkflowID: r.WorkflowID}
}
