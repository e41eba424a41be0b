package store

import (
	"context"
	stdErrors "errors"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

// BadgerConfig 描述嵌入式 Badger 存储的参数。Path 为空时使用纯内存模式。
type BadgerConfig struct {
	Path string
}

// BadgerStore 使用 badgerhold 在本地保存文档。
type BadgerStore struct {
	store *badgerhold.Store
	now   func() time.Time
}

// NewBadgerStore 打开 Badger 数据库。
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	options := badgerhold.DefaultOptions
	options.Logger = nil
	if strings.TrimSpace(cfg.Path) == "" {
		options.InMemory = true
		options.Dir = ""
		options.ValueDir = ""
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 Badger 目录失败")
		}
		options.Dir = cfg.Path
		options.ValueDir = cfg.Path
	}

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 Badger 数据库失败")
	}
	return &BadgerStore{store: store, now: time.Now}, nil
}

// Query 按索引字段查找文档。
func (s *BadgerStore) Query(ctx context.Context, filter records.Filter) ([]records.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []records.Document
	if err := s.store.Find(&docs, badgerQuery(filter)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文档失败",
			xerrors.WithMetadata("filter", filter.String()))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key() < docs[j].Key() })
	if docs == nil {
		docs = make([]records.Document, 0)
	}
	return docs, nil
}

func badgerQuery(filter records.Filter) *badgerhold.Query {
	var query *badgerhold.Query
	and := func(field string, value any) {
		if query == nil {
			query = badgerhold.Where(field).Eq(value)
			return
		}
		query = query.And(field).Eq(value)
	}
	if filter.Type != "" {
		and("Type", filter.Type)
	}
	if filter.RunID != "" {
		and("RunID", filter.RunID)
	}
	if filter.WorkflowID != "" {
		and("WorkflowID", filter.WorkflowID)
	}
	if query == nil {
		query = badgerhold.Where("ID").Ne("")
	}
	return query
}

// Get 查询指定文档。
func (s *BadgerStore) Get(ctx context.Context, recordType records.RecordType, id string) (records.Document, error) {
	if err := ctx.Err(); err != nil {
		return records.Document{}, err
	}
	key := records.DocumentKey(recordType, id)
	var doc records.Document
	if err := s.store.Get(key, &doc); err != nil {
		if stdErrors.Is(err, badgerhold.ErrNotFound) {
			return records.Document{}, documentNotFound(key)
		}
		return records.Document{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取文档失败",
			xerrors.WithMetadata("document", key))
	}
	return doc, nil
}

// Put 在事务中写入或覆盖文档。
func (s *BadgerStore) Put(ctx context.Context, doc records.Document) (records.Document, error) {
	if err := ctx.Err(); err != nil {
		return records.Document{}, err
	}
	if err := validateDocument(doc); err != nil {
		return records.Document{}, err
	}
	next := doc.Clone()
	err := s.store.Badger().Update(func(txn *badger.Txn) error {
		var current records.Document
		switch err := s.store.TxGet(txn, doc.Key(), &current); {
		case err == nil:
			next.Version = current.Version + 1
		case stdErrors.Is(err, badgerhold.ErrNotFound):
			next.Version = 1
		default:
			return err
		}
		next.UpdatedAt = s.now().Unix()
		return s.store.TxUpsert(txn, doc.Key(), next)
	})
	if err != nil {
		if stdErrors.Is(err, badger.ErrConflict) {
			return records.Document{}, versionConflict(doc.Key(), doc.Version, -1)
		}
		return records.Document{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入文档失败",
			xerrors.WithMetadata("document", doc.Key()))
	}
	return next, nil
}

// Replace 在读写事务中比较版本后写入。并发事务提交冲突同样视为版本冲突。
func (s *BadgerStore) Replace(ctx context.Context, doc records.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	err := s.store.Badger().Update(func(txn *badger.Txn) error {
		var current records.Document
		if err := s.store.TxGet(txn, doc.Key(), &current); err != nil {
			if stdErrors.Is(err, badgerhold.ErrNotFound) {
				return documentNotFound(doc.Key())
			}
			return err
		}
		if current.Version != doc.Version {
			return versionConflict(doc.Key(), doc.Version, current.Version)
		}
		next := doc.Clone()
		next.Version = current.Version + 1
		next.UpdatedAt = s.now().Unix()
		return s.store.TxUpdate(txn, doc.Key(), next)
	})
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, badger.ErrConflict) {
		return versionConflict(doc.Key(), doc.Version, -1)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新文档失败", xerrors.WithMetadata("document", doc.Key()))
}

// Close 关闭数据库。
func (s *BadgerStore) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Close()
}
