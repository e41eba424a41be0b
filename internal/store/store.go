package store

import (
	"context"
	"strconv"
	"strings"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

// Store 抽象了版本化文档的持久化接口。
//
// Replace 是乐观并发写入：只有当存储中的版本仍等于 doc.Version 时才会写入，
// 成功后版本加一。版本不一致返回 records.ErrVersionConflict，文档不存在返回
// records.ErrDocumentNotFound。
type Store interface {
	Query(ctx context.Context, filter records.Filter) ([]records.Document, error)
	Get(ctx context.Context, recordType records.RecordType, id string) (records.Document, error)
	Put(ctx context.Context, doc records.Document) (records.Document, error)
	Replace(ctx context.Context, doc records.Document) error
	Close() error
}

// PutRecord 将记录编码后写入存储。
func PutRecord(ctx context.Context, s Store, rec records.Record) (records.Document, error) {
	doc, err := records.NewDocument(rec)
	if err != nil {
		return records.Document{}, err
	}
	return s.Put(ctx, doc)
}

func validateDocument(doc records.Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "文档 ID 不能为空")
	}
	if doc.Type == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "文档类型不能为空")
	}
	if len(doc.Body) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "文档内容不能为空")
	}
	return nil
}

func versionConflict(key string, expected, current int64) error {
	return xerrors.New(records.CodeVersionConflict, "文档版本已变化",
		xerrors.WithMetadata("document", key),
		xerrors.WithMetadata("expected_version", strconv.FormatInt(expected, 10)),
		xerrors.WithMetadata("current_version", strconv.FormatInt(current, 10)))
}

func documentNotFound(key string) error {
	return xerrors.New(records.CodeDocumentNotFound, "文档不存在", xerrors.WithMetadata("document", key))
}
