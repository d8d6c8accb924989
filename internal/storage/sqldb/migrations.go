package sqldb

import (
	"cmp"
	"context"
	"database/sql"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"chimera/deploy/migrations"
	xerrors "chimera/internal/errors"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migration 对应 deploy/migrations/<dialect>/ 下的一个 NNNN_name.sql 文件。
type migration struct {
	version    string
	file       string
	statements []string
}

// Migrate 按版本号顺序执行尚未记录在 schema_migrations 中的内嵌迁移，每个文件一个事务。
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return migrateError(err, "创建 schema_migrations 表失败", "")
	}
	source, err := migrations.For(string(dialect))
	if err != nil {
		return migrateError(err, "定位迁移目录失败", string(dialect))
	}
	all, err := readMigrations(source)
	if err != nil {
		return err
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := m.apply(ctx, db, dialect); err != nil {
			return err
		}
	}
	return nil
}

func migrateError(err error, msg, file string) error {
	var opts []xerrors.Option
	if file != "" {
		opts = append(opts, xerrors.WithMetadata("migration", file))
	}
	return xerrors.Wrap(xerrors.CodeInitializationFailure, err, msg, opts...)
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, migrateError(err, "查询已执行的迁移失败", "")
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, migrateError(err, "读取迁移版本失败", "")
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, migrateError(err, "读取迁移版本失败", "")
	}
	return done, nil
}

func (m migration) apply(ctx context.Context, db *sql.DB, dialect Dialect) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return migrateError(err, "开启迁移事务失败", m.file)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return migrateError(err, "执行迁移失败", m.file)
		}
	}
	record := dialect.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`)
	if _, err = tx.ExecContext(ctx, record, m.version, time.Now().Unix()); err != nil {
		return migrateError(err, "记录迁移版本失败", m.file)
	}
	if err = tx.Commit(); err != nil {
		return migrateError(err, "提交迁移事务失败", m.file)
	}
	return nil
}

func readMigrations(source fs.FS) ([]migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, migrateError(err, "读取迁移目录失败", "")
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, migrateError(err, "读取迁移文件失败", name)
		}
		if stmts := splitStatements(string(content)); len(stmts) > 0 {
			out = append(out, migration{version: versionOf(name), file: name, statements: stmts})
		}
	}
	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return out, nil
}

// splitStatements 去掉整行的 -- 注释后按分号切分。迁移文件中不允许出现带分号的字符串字面量。
func splitStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	var stmts []string
	for _, part := range strings.Split(body.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// versionOf 取文件名中第一个下划线之前的部分，没有下划线时取去掉扩展名的文件名。
func versionOf(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if prefix, _, ok := strings.Cut(base, "_"); ok && prefix != "" {
		return prefix
	}
	return base
}
