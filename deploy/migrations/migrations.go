package migrations

import "embed"

// MySQL 暴露 MySQL 方言的 SQL 迁移文件。
//
//go:embed mysql/*.sql
var MySQL embed.FS

// SQLite 暴露 SQLite 方言的 SQL 迁移文件。
//
//go:embed sqlite/*.sql
var SQLite embed.FS
