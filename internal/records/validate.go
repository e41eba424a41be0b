package records

import (
	"fmt"
	"sort"
	"strings"
)

// Validate 在处理前检查分区运行记录是否完整。
func (r *JobPartitionRunRecord) Validate() error {
	if r == nil {
		return invalidChild("record", "分区运行记录为空")
	}
	if r.Type != "" && r.Type != RecordTypeJobPartitionRun {
		return invalidChild("type", fmt.Sprintf("记录类型 %q 不是 %s", r.Type, RecordTypeJobPartitionRun))
	}
	if err := requireFields(map[string]string{
		"run_id":       r.RunID,
		"job_id":       r.JobID,
		"partition_id": r.PartitionID,
	}); err != nil {
		return err
	}
	return validateStatus(r.Status, r.StatusHistory, IsValidJobPartitionRunStatus)
}

// Validate 在处理前检查工作流运行记录是否完整。
func (r *WorkflowRunRecord) Validate() error {
	if r == nil {
		return invalidChild("record", "工作流运行记录为空")
	}
	if r.Type != "" && r.Type != RecordTypeWorkflowRun {
		return invalidChild("type", fmt.Sprintf("记录类型 %q 不是 %s", r.Type, RecordTypeWorkflowRun))
	}
	if err := requireFields(map[string]string{
		"run_id":      r.RunID,
		"workflow_id": r.WorkflowID,
	}); err != nil {
		return err
	}
	return validateStatus(r.Status, r.StatusHistory, IsValidWorkflowRunStatus)
}

func requireFields(fields map[string]string) error {
	missing := make([]string, 0, len(fields))
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return invalidChild(strings.Join(missing, ","), "缺少必填字段: "+strings.Join(missing, ", "))
}

func validateStatus(status string, history StatusHistory, valid func(string) bool) error {
	if !valid(status) {
		return invalidChild("status", fmt.Sprintf("未知状态 %q", status))
	}
	for i, entry := range history {
		if !valid(entry.Status) {
			return invalidChild("status_history", fmt.Sprintf("第 %d 条历史记录的状态 %q 未知", i, entry.Status))
		}
	}
	if last, ok := history.Last(); ok && last != status {
		return invalidChild("status_history", fmt.Sprintf("当前状态 %q 与最后一条历史状态 %q 不一致", status, last))
	}
	return nil
}
