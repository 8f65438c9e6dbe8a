package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrPingFailed 表示初次连接数据库失败。
var ErrPingFailed = errors.New("ping returned error")

var postgresDialect = dialect{
	name:                  "postgres",
	numbered:              true,
	isForeignKeyViolation: isPostgresForeignKeyViolation,
}

// OpenPostgres 连接 PostgreSQL 并执行内置迁移，多实例可共享同一数据库。
func OpenPostgres(ctx context.Context, dsn string) (Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("storage dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrPingFailed, err)
	}
	backend, err := newSQLBackend(ctx, db, postgresDialect, "migrations/postgres")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func isPostgresForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
