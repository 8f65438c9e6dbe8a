package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect 抹平 SQLite 与 PostgreSQL 之间的占位符差异。
type dialect struct {
	name     string
	numbered bool
	// isForeignKeyViolation 判断写入是否因代际已删除而被外键拒绝。
	isForeignKeyViolation func(error) bool
}

// rebind 将 "?" 占位符改写为目标方言的格式。
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	queryCreateGeneration = `INSERT INTO generations (scope, name, created_at) VALUES (?, ?, ?)
ON CONFLICT (scope, name) DO NOTHING`
	queryListGenerations = `SELECT name FROM generations WHERE scope = ? ORDER BY name`
	queryDeleteGeneration = `DELETE FROM generations WHERE scope = ? AND name = ?`
	queryFetchEntry       = `SELECT payload FROM entries WHERE scope = ? AND generation = ? AND cache_key = ?`
	queryUpsertEntry      = `INSERT INTO entries (scope, generation, cache_key, payload, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (scope, generation, cache_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	queryListKeys = `SELECT cache_key FROM entries WHERE scope = ? AND generation = ? ORDER BY cache_key`
)

// sqlBackend 以 generations/entries 两张表保存全部 scope 的数据，
// entries 通过外键级联删除，保证 Delete 一次清空整个代际。
type sqlBackend struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLBackend(ctx context.Context, db *sql.DB, d dialect, migrationRoot string) (*sqlBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s db: %w", d.name, err)
	}
	if err := applyMigrations(ctx, db, d, migrationRoot); err != nil {
		return nil, fmt.Errorf("run %s migrations: %w", d.name, err)
	}
	return &sqlBackend{db: db, dialect: d, now: time.Now}, nil
}

func (b *sqlBackend) Namespace(scope string) Store {
	return &sqlStore{backend: b, scope: scope}
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqlBackend) q(query string) string {
	return b.dialect.rebind(query)
}

type sqlStore struct {
	backend *sqlBackend
	scope   string
}

type sqlGeneration struct {
	store *sqlStore
	name  string
}

func (s *sqlStore) Open(ctx context.Context, generation string) (Generation, error) {
	if err := validateGenerationName(generation); err != nil {
		return nil, err
	}
	b := s.backend
	if _, err := b.db.ExecContext(ctx, b.q(queryCreateGeneration), s.scope, generation, b.now().UTC().UnixMilli()); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", generation, err)
	}
	return &sqlGeneration{store: s, name: generation}, nil
}

func (s *sqlStore) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := s.backend.db.QueryContext(ctx, s.backend.q(queryListGenerations), s.scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, generation string) (bool, error) {
	res, err := s.backend.db.ExecContext(ctx, s.backend.q(queryDeleteGeneration), s.scope, generation)
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", generation, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (g *sqlGeneration) Name() string { return g.name }

func (g *sqlGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	b := g.store.backend
	var payload []byte
	err := b.db.QueryRowContext(ctx, b.q(queryFetchEntry), g.store.scope, g.name, key.String()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeResponse(payload)
}

func (g *sqlGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	b := g.store.backend
	_, err = b.db.ExecContext(ctx, b.q(queryUpsertEntry),
		g.store.scope, g.name, key.String(), payload, b.now().UTC().UnixMilli())
	if err != nil {
		if b.dialect.isForeignKeyViolation != nil && b.dialect.isForeignKeyViolation(err) {
			return ErrGenerationMissing
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (g *sqlGeneration) Keys(ctx context.Context) ([]Key, error) {
	b := g.store.backend
	rows, err := b.db.QueryContext(ctx, b.q(queryListKeys), g.store.scope, g.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		method, target, ok := strings.Cut(raw, " ")
		if !ok {
			continue
		}
		keys = append(keys, Key{Method: method, URL: target})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
