package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// For 返回指定方言的 SQL 迁移文件。
func For(dialect string) (fs.FS, error) {
	return fs.Sub(files, dialect)
}
