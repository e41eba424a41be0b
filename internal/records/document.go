package records

import (
	"encoding/json"
	"strings"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
)

// Document 是存储层保存的版本化 JSON 文档。
// Type、RunID、WorkflowID 是写入时从 Body 投影出来的索引字段。
type Document struct {
	ID         string          `json:"id"`
	Type       RecordType      `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Version    int64           `json:"version"`
	Body       json.RawMessage `json:"body"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Key 返回文档在存储中的唯一键，不同类型的 ID 互不冲突。
func (d Document) Key() string {
	return DocumentKey(d.Type, d.ID)
}

// DocumentKey 拼接类型与 ID。
func DocumentKey(recordType RecordType, id string) string {
	return string(recordType) + "/" + id
}

// Decode 将文档内容解析到 v。
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return xerrors.Wrap(CodeMalformedDocument, err, "解析文档内容失败",
			xerrors.WithMetadata("document", d.Key()))
	}
	return nil
}

// Clone 返回文档的深拷贝。
func (d Document) Clone() Document {
	clone := d
	if d.Body != nil {
		clone.Body = append(json.RawMessage(nil), d.Body...)
	}
	return clone
}

// NewDocument 将记录编码为文档。版本由存储在写入时维护。
func NewDocument(rec Record) (Document, error) {
	if rec == nil {
		return Document{}, xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return Document{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记录失败")
	}
	keys := rec.Keys()
	return Document{
		ID:         rec.GetID(),
		Type:       keys.Type,
		RunID:      keys.RunID,
		WorkflowID: keys.WorkflowID,
		Body:       body,
	}, nil
}

// Filter 描述对文档索引字段的等值过滤，空字段不参与过滤。
type Filter struct {
	Type       RecordType
	RunID      string
	WorkflowID string
}

// Matches 判断文档是否满足过滤条件。
func (f Filter) Matches(doc Document) bool {
	if f.Type != "" && doc.Type != f.Type {
		return false
	}
	if f.RunID != "" && doc.RunID != f.RunID {
		return false
	}
	if f.WorkflowID != "" && doc.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// String 以便日志输出。
func (f Filter) String() string {
	parts := make([]string, 0, 3)
	if f.Type != "" {
		parts = append(parts, "type="+string(f.Type))
	}
	if f.RunID != "" {
		parts = append(parts, "run_id="+f.RunID)
	}
	if f.WorkflowID != "" {
		parts = append(parts, "workflow_id="+f.WorkflowID)
	}
	return strings.Join(parts, ",")
}
