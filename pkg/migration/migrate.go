// Package migration はSQLiteデータベースのマイグレーションを管理する。
// fs.FSからSQLファイルを読み込み、バージョン管理テーブルで適用状態を追跡する。
//
// ファイル名は 000001_description.up.sql と 000001_description.down.sql の組で置く。
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrNoDownFile は取り消しに必要なdown.sqlが無いことを表す。
var ErrNoDownFile = errors.New("取り消し用のマイグレーションがありません")

// step は1つのバージョンに対応するファイルの組。
type step struct {
	version int
	name    string
	up      string
	down    string
}

// Migrator は1つのデータベースに対するマイグレーションを実行する。
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	dir    string
	logger *zap.Logger
}

// New は新しいMigratorを生成する。
func New(db *sql.DB, fsys fs.FS, dir string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, fsys: fsys, dir: dir, logger: logger}
}

// Up は未適用のマイグレーションをバージョン順に適用し、適用した数を返す。
func (m *Migrator) Up(ctx context.Context) (int, error) {
	steps, applied, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range steps {
		if applied[s.version] || s.up == "" {
			continue
		}
		if err := m.exec(ctx, s.up, "INSERT INTO schema_migrations (version) VALUES (?)", s.version); err != nil {
			return n, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", s.version, err)
		}
		n++
		m.logger.Info("[Migration] マイグレーションを適用しました",
			zap.Int("version", s.version),
			zap.String("name", s.name),
		)
	}
	return n, nil
}

// Down は適用済みのマイグレーションを新しい方からstepsだけ取り消し、取り消した数を返す。
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	all, applied, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range slices.Backward(all) {
		if n >= steps {
			break
		}
		if !applied[s.version] {
			continue
		}
		if s.down == "" {
			return n, fmt.Errorf("マイグレーション %06d: %w", s.version, ErrNoDownFile)
		}
		if err := m.exec(ctx, s.down, "DELETE FROM schema_migrations WHERE version = ?", s.version); err != nil {
			return n, fmt.Errorf("マイグレーション %06d の取り消しに失敗: %w", s.version, err)
		}
		n++
		m.logger.Info("[Migration] マイグレーションを取り消しました",
			zap.Int("version", s.version),
			zap.String("name", s.name),
		)
	}
	return n, nil
}

// Version は適用済みの最新バージョンを返す。未適用なら0。
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("バージョンの取得に失敗: %w", err)
	}
	return int(v.Int64), nil
}

// load はファイルの一覧と適用済みバージョンを読み込む。
func (m *Migrator) load(ctx context.Context) ([]step, map[int]bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	steps, err := collect(m.fsys, m.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	return steps, applied, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// exec はSQLファイルとバージョン記録の更新を1つのトランザクションで実行する。
func (m *Migrator) exec(ctx context.Context, file, record string, version int) error {
	content, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}

// collect はディレクトリのup.sqlとdown.sqlをバージョンごとにまとめ、昇順に並べる。
func collect(fsys fs.FS, dir string) ([]step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*step)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		s, ok := byVersion[version]
		if !ok {
			s = &step{version: version, name: strings.TrimSuffix(rest, "."+direction+".sql")}
			byVersion[version] = s
		}
		if direction == "up" {
			s.up = path.Join(dir, name)
		} else {
			s.down = path.Join(dir, name)
		}
	}

	steps := make([]step, 0, len(byVersion))
	for _, s := range byVersion {
		steps = append(steps, *s)
	}
	slices.SortFunc(steps, func(a, b step) int { return a.version - b.version })
	return steps, nil
}
