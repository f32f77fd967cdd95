// Package migrations 内嵌托管商务层的数据库结构定义。
package migrations

import "embed"

// Files 按版本号顺序应用的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
