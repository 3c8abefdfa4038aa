package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露各方言的 SQL 迁移文件。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// Dialect 返回指定方言（mysql 或 sqlite）的迁移目录。
func Dialect(name string) (fs.FS, error) {
	switch name {
	case "mysql", "sqlite":
		return fs.Sub(Files, name)
	default:
		return nil, fmt.Errorf("不支持的迁移方言: %s", name)
	}
}
