package records

import (
	"bytes"
	"encoding/json"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
)

const (
	fieldWorkflowRunCounts  = "workflow_run_counts"
	fieldJobPartitionCounts = "job_partition_counts"
	fieldJobs               = "jobs"
	fieldJobID              = "job_id"
)

// CountsEditor 在父文档中定位一组计数并在修改后写回。
// 只改写计数字段，文档中的其他字段按原样保留，保证整体替换不会丢失未建模的数据。
type CountsEditor struct {
	Counts StatusCounts

	root  map[string]json.RawMessage
	jobs  []map[string]json.RawMessage
	job   int
	field string
}

// EditWorkflowRunCounts 定位 Workflow 文档中的 workflow_run_counts。
func EditWorkflowRunCounts(doc Document) (*CountsEditor, error) {
	root, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}
	counts, err := decodeCounts(doc, root[fieldWorkflowRunCounts])
	if err != nil {
		return nil, err
	}
	return &CountsEditor{Counts: counts, root: root, job: -1, field: fieldWorkflowRunCounts}, nil
}

// EditJobPartitionCounts 定位 WorkflowRun 文档中指定作业的 job_partition_counts。
// 作业不存在时返回 PARENT_NOT_FOUND。
func EditJobPartitionCounts(doc Document, jobID string) (*CountsEditor, error) {
	root, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}
	var jobs []map[string]json.RawMessage
	if raw, ok := root[fieldJobs]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &jobs); err != nil {
			return nil, xerrors.Wrap(CodeMalformedDocument, err, "解析 jobs 字段失败",
				xerrors.WithMetadata("document", doc.Key()))
		}
	}
	for i, job := range jobs {
		var id string
		if raw, ok := job[fieldJobID]; ok {
			if err := json.Unmarshal(raw, &id); err != nil {
				return nil, xerrors.Wrap(CodeMalformedDocument, err, "解析 job_id 失败",
					xerrors.WithMetadata("document", doc.Key()))
			}
		}
		if id != jobID {
			continue
		}
		counts, err := decodeCounts(doc, job[fieldJobPartitionCounts])
		if err != nil {
			return nil, err
		}
		return &CountsEditor{Counts: counts, root: root, jobs: jobs, job: i, field: fieldJobPartitionCounts}, nil
	}
	return nil, xerrors.New(CodeParentNotFound, "工作流运行中找不到对应作业",
		xerrors.WithMetadata("document", doc.Key()),
		xerrors.WithMetadata("job_id", jobID))
}

// Encode 将当前计数写回并返回新的文档内容。
func (e *CountsEditor) Encode() (json.RawMessage, error) {
	counts := e.Counts
	if counts == nil {
		counts = StatusCounts{}
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码计数失败")
	}
	if e.job < 0 {
		e.root[e.field] = raw
	} else {
		e.jobs[e.job][e.field] = raw
		jobs, err := json.Marshal(e.jobs)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 jobs 失败")
		}
		e.root[fieldJobs] = jobs
	}
	body, err := json.Marshal(e.root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码文档失败")
	}
	return body, nil
}

func decodeObject(doc Document) (map[string]json.RawMessage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(doc.Body, &root); err != nil {
		return nil, xerrors.Wrap(CodeMalformedDocument, err, "解析父文档失败",
			xerrors.WithMetadata("document", doc.Key()))
	}
	if root == nil {
		return nil, xerrors.New(CodeMalformedDocument, "父文档内容为空",
			xerrors.WithMetadata("document", doc.Key()))
	}
	return root, nil
}

func decodeCounts(doc Document, raw json.RawMessage) (StatusCounts, error) {
	counts := StatusCounts{}
	if len(raw) == 0 || isNull(raw) {
		return counts, nil
	}
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, xerrors.Wrap(CodeMalformedDocument, err, "解析计数失败",
			xerrors.WithMetadata("document", doc.Key()))
	}
	return counts, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
