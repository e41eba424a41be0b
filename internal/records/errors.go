package records

import (
	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
)

const (
	CodeInvalidChildRecord xerrors.Code = "INVALID_CHILD_RECORD"
	CodeParentNotFound     xerrors.Code = "PARENT_NOT_FOUND"
	CodeAmbiguousParent    xerrors.Code = "AMBIGUOUS_PARENT"
	CodePersistFailed      xerrors.Code = "PERSIST_FAILED"
	CodeVersionConflict    xerrors.Code = "VERSION_CONFLICT"
	CodeDocumentNotFound   xerrors.Code = "DOCUMENT_NOT_FOUND"
	CodeMalformedDocument  xerrors.Code = "MALFORMED_DOCUMENT"
)

var (
	// ErrInvalidChildRecord 表示子记录缺少必填字段或状态不合法。
	ErrInvalidChildRecord = xerrors.New(CodeInvalidChildRecord, "invalid child record")
	// ErrParentNotFound 表示找不到子记录对应的父聚合。
	ErrParentNotFound = xerrors.New(CodeParentNotFound, "parent aggregate not found")
	// ErrAmbiguousParent 表示匹配到多个父聚合。
	ErrAmbiguousParent = xerrors.New(CodeAmbiguousParent, "more than one parent aggregate matched")
	// ErrPersistFailed 表示父聚合无法写回。
	ErrPersistFailed = xerrors.New(CodePersistFailed, "failed to persist parent aggregate")
	// ErrVersionConflict 表示乐观并发写入时版本不一致。
	ErrVersionConflict = xerrors.New(CodeVersionConflict, "document version conflict")
	// ErrDocumentNotFound 表示文档不存在。
	ErrDocumentNotFound = xerrors.New(CodeDocumentNotFound, "document not found")
	// ErrMalformedDocument 表示文档内容无法解析。
	ErrMalformedDocument = xerrors.New(CodeMalformedDocument, "malformed document")
)

func init() {
	xerrors.Register(CodeInvalidChildRecord, xerrors.Attributes{
		Message:  "invalid child record",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeParentNotFound, xerrors.Attributes{
		Message:  "parent aggregate not found",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeAmbiguousParent, xerrors.Attributes{
		Message:  "more than one parent aggregate matched",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePersistFailed, xerrors.Attributes{
		Message:   "failed to persist parent aggregate",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeVersionConflict, xerrors.Attributes{
		Message:   "document version conflict",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeDocumentNotFound, xerrors.Attributes{
		Message:  "document not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeMalformedDocument, xerrors.Attributes{
		Message:  "malformed document",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

func invalidChild(field, message string) *xerrors.Error {
	return xerrors.New(CodeInvalidChildRecord, message, xerrors.WithMetadata("field", field))
}
