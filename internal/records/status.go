package records

// RecordType 是写入文档上的类型鉴别字段。
type RecordType string

const (
	RecordTypeJobPartitionRun RecordType = "JobPartitionRun"
	RecordTypeJobRun          RecordType = "JobRun"
	RecordTypeWorkflowRun     RecordType = "WorkflowRun"
	RecordTypeWorkflow        RecordType = "Workflow"
)

// JobPartitionRunStatus 表示作业分区运行的状态。
type JobPartitionRunStatus string

const (
	JobPartitionRunStatusPending   JobPartitionRunStatus = "pending"
	JobPartitionRunStatusRunning   JobPartitionRunStatus = "running"
	JobPartitionRunStatusCompleted JobPartitionRunStatus = "completed"
	JobPartitionRunStatusFailed    JobPartitionRunStatus = "failed"
	JobPartitionRunStatusCancelled JobPartitionRunStatus = "cancelled"
)

// JobRunStatus 表示作业运行的状态。
type JobRunStatus string

const (
	JobRunStatusPending   JobRunStatus = "pending"
	JobRunStatusRunning   JobRunStatus = "running"
	JobRunStatusCompleted JobRunStatus = "completed"
	JobRunStatusFailed    JobRunStatus = "failed"
	JobRunStatusSkipped   JobRunStatus = "skipped"
	JobRunStatusCancelled JobRunStatus = "cancelled"
)

// WorkflowRunStatus 表示工作流运行的状态。
type WorkflowRunStatus string

const (
	WorkflowRunStatusSubmitted WorkflowRunStatus = "submitted"
	WorkflowRunStatusRunning   WorkflowRunStatus = "running"
	WorkflowRunStatusCompleted WorkflowRunStatus = "completed"
	WorkflowRunStatusFailed    WorkflowRunStatus = "failed"
)

// JobPartitionRunStatuses 按生命周期顺序列出全部分区状态。
var JobPartitionRunStatuses = []JobPartitionRunStatus{
	JobPartitionRunStatusPending,
	JobPartitionRunStatusRunning,
	JobPartitionRunStatusCompleted,
	JobPartitionRunStatusFailed,
	JobPartitionRunStatusCancelled,
}

// WorkflowRunStatuses 按生命周期顺序列出全部工作流运行状态。
var WorkflowRunStatuses = []WorkflowRunStatus{
	WorkflowRunStatusSubmitted,
	WorkflowRunStatusRunning,
	WorkflowRunStatusCompleted,
	WorkflowRunStatusFailed,
}

// IsValidJobPartitionRunStatus 检查给定的分区状态是否为支持的枚举值。
func IsValidJobPartitionRunStatus(status string) bool {
	switch JobPartitionRunStatus(status) {
	case JobPartitionRunStatusPending, JobPartitionRunStatusRunning, JobPartitionRunStatusCompleted,
		JobPartitionRunStatusFailed, JobPartitionRunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidJobRunStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidJobRunStatus(status string) bool {
	switch JobRunStatus(status) {
	case JobRunStatusPending, JobRunStatusRunning, JobRunStatusCompleted,
		JobRunStatusFailed, JobRunStatusSkipped, JobRunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidWorkflowRunStatus 检查给定的工作流运行状态是否为支持的枚举值。
func IsValidWorkflowRunStatus(status string) bool {
	switch WorkflowRunStatus(status) {
	case WorkflowRunStatusSubmitted, WorkflowRunStatusRunning, WorkflowRunStatusCompleted, WorkflowRunStatusFailed:
		return true
	default:
		return false
	}
}
