package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// 支持的存储驱动。
const (
	DriverFS       = "fs"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	// DriverDynamoDB 每个条目存为一条 item，单条响应（含头部）不能超过约 390 KB。
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// Drivers 返回全部可用驱动名称。
func Drivers() []string {
	return []string{DriverFS, DriverSQLite, DriverPostgres, DriverDynamoDB, DriverMemory}
}

// Options 选择并配置后端，由全局配置映射而来。
type Options struct {
	Driver         string
	Path           string
	DSN            string
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string
}

// Open 根据 Driver 构建后端。sqlite 驱动把 Path 视为目录，数据库文件名固定为 shellcache.db。
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverFS:
		return NewFileBackend(opts.Path)
	case DriverSQLite:
		return OpenSQLite(ctx, filepath.Join(opts.Path, "shellcache.db"))
	case DriverPostgres:
		return OpenPostgres(ctx, opts.DSN)
	case DriverDynamoDB:
		return OpenDynamo(ctx, opts.DynamoTable, opts.DynamoRegion, opts.DynamoEndpoint)
	case DriverMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}
