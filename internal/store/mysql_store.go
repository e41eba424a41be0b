package store

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

// InnoDB 死锁与锁等待超时，按版本冲突处理以便调用方重试。
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLStore 使用 MySQL 的 record_documents 表保存文档。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 连接数据库并执行迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := NewMySQLStoreFromDB(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreFromDB 包装已有连接，不执行迁移。
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

const selectColumns = `SELECT id, type, run_id, workflow_id, version, body, updated_at FROM record_documents`

// Query 按索引列过滤文档。
func (s *MySQLStore) Query(ctx context.Context, filter records.Filter) ([]records.Document, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	stmt := selectColumns
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY doc_key"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文档失败",
			xerrors.WithMetadata("filter", filter.String()))
	}
	defer rows.Close()

	docs := make([]records.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历文档失败")
	}
	return docs, nil
}

// Get 查询指定文档。
func (s *MySQLStore) Get(ctx context.Context, recordType records.RecordType, id string) (records.Document, error) {
	key := records.DocumentKey(recordType, id)
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE doc_key = ?`, key)
	doc, err := scanDocument(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return records.Document{}, documentNotFound(key)
		}
		return records.Document{}, err
	}
	return doc, nil
}

// Put 插入文档，已存在时覆盖内容并递增版本。
func (s *MySQLStore) Put(ctx context.Context, doc records.Document) (records.Document, error) {
	if err := validateDocument(doc); err != nil {
		return records.Document{}, err
	}
	const stmt = `INSERT INTO record_documents
        (doc_key, id, type, run_id, workflow_id, version, body, updated_at)
        VALUES (?, ?, ?, ?, ?, 1, ?, ?)
        ON DUPLICATE KEY UPDATE run_id = VALUES(run_id), workflow_id = VALUES(workflow_id),
        body = VALUES(body), version = version + 1, updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		doc.Key(),
		doc.ID,
		string(doc.Type),
		doc.RunID,
		doc.WorkflowID,
		string(doc.Body),
		s.now().Unix(),
	)
	if err != nil {
		return records.Document{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入文档失败",
			xerrors.WithMetadata("document", doc.Key()))
	}
	return s.Get(ctx, doc.Type, doc.ID)
}

// Replace 以版本号为条件更新文档。
func (s *MySQLStore) Replace(ctx context.Context, doc records.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	const stmt = `UPDATE record_documents SET run_id = ?, workflow_id = ?, body = ?, version = version + 1, updated_at = ?
        WHERE doc_key = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		doc.RunID,
		doc.WorkflowID,
		string(doc.Body),
		s.now().Unix(),
		doc.Key(),
		doc.Version,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && (mysqlErr.Number == mysqlErrDeadlock || mysqlErr.Number == mysqlErrLockWaitTimeout) {
			return versionConflict(doc.Key(), doc.Version, -1)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新文档失败",
			xerrors.WithMetadata("document", doc.Key()))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM record_documents WHERE doc_key = ?`, doc.Key()).Scan(&current)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return documentNotFound(doc.Key())
	case err != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文档版本失败")
	default:
		return versionConflict(doc.Key(), doc.Version, current)
	}
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (records.Document, error) {
	var (
		doc     records.Document
		docType string
		body    []byte
	)
	if err := row.Scan(&doc.ID, &docType, &doc.RunID, &doc.WorkflowID, &doc.Version, &body, &doc.UpdatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return records.Document{}, err
		}
		return records.Document{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析文档行失败")
	}
	doc.Type = records.RecordType(docType)
	doc.Body = body
	return doc, nil
}
