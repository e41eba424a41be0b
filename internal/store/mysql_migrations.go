package store

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/microsoft/planetary-computer-tasks/deploy/migrations"
	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
)

var embeddedMigrations fs.FS = migrations.Files

type migration struct {
	version    string
	name       string
	statements []string
}

// Migrate 依次执行尚未应用的嵌入式迁移，每个迁移在单独事务中完成。
func (s *MySQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	pending, err := loadMigrations(embeddedMigrations)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (s *MySQLStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败", xerrors.WithMetadata("migration", m.name))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	result := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败", xerrors.WithMetadata("migration", name))
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		result = append(result, migration{version: migrationVersion(name), name: name, statements: statements})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].version == result[j].version {
			return result[i].name < result[j].name
		}
		return result[i].version < result[j].version
	})
	return result, nil
}

func splitStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func migrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	return strings.TrimSuffix(name, ".sql")
}
