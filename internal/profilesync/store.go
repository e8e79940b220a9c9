package profilesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLiteドライバ

	"github.com/nao1215/bookshelf/pkg/event"
)

// アウトボックスのエントリ状態。
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// timeLayout は文字列比較で時刻順に並ぶ固定長の書式。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound は指定したエントリが存在しないことを表す。
var ErrNotFound = errors.New("アウトボックスのエントリが見つかりません")

// Entry はアウトボックスに保存された未反映の変更。
type Entry struct {
	Event     *event.Event
	Status    string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Store はIdPへの反映に失敗した変更をSQLiteに保存する。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open はDSNでSQLiteを開き、スキーマを適用したStoreを返す。
// ":memory:" を渡すとプロセス内だけのアウトボックスになる。
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みを直列化する必要がある
	db.SetMaxOpenConns(1)

	s, err := NewStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore は既存の接続にスキーマを適用してStoreを返す。
func NewStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Store, error) {
	if err := initSchema(ctx, db, logger); err != nil {
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue は変更を保存する。同じユーザーの変更には連番のバージョンを振る。
// causeは反映に失敗した理由で、最初の反映を1回目の試行として数える。
// causeがnilなら先行する変更の後ろに並べただけなので試行回数は0になる。
func (s *Store) Enqueue(ctx context.Context, ev *event.Event, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM profile_sync_outbox WHERE aggregate_id = ?",
		ev.AggregateID,
	).Scan(&version); err != nil {
		return fmt.Errorf("バージョンの採番に失敗: %w", err)
	}
	ev.Version = version

	attempts := 0
	if cause != nil {
		attempts = 1
	}
	now := s.now().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profile_sync_outbox
			(id, aggregate_id, aggregate_type, event_type, data, version, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AggregateID, string(ev.AggregateType), string(ev.EventType), string(ev.Data),
		ev.Version, StatusPending, attempts, errorText(cause), ev.CreatedAt.UTC().Format(timeLayout), now,
	); err != nil {
		return fmt.Errorf("アウトボックスへの保存に失敗: %w", err)
	}

	return tx.Commit()
}

// Pending は未反映のエントリを作成順に最大limit件返す。
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, data, version, status, attempts, last_error, created_at, updated_at
		FROM profile_sync_outbox
		WHERE status = ?
		ORDER BY created_at, version
		LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("未反映エントリの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// HasPending は指定したユーザーに未反映のエントリが残っているかを返す。
func (s *Store) HasPending(ctx context.Context, aggregateID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM profile_sync_outbox WHERE aggregate_id = ? AND status = ?",
		aggregateID, StatusPending,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("未反映エントリの確認に失敗: %w", err)
	}
	return n > 0, nil
}

// Get はIDでエントリを取得する。
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, data, version, status, attempts, last_error, created_at, updated_at
		FROM profile_sync_outbox
		WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// MarkDone はエントリを反映済みにする。
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.update(ctx, id, `
		UPDATE profile_sync_outbox
		SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?`, StatusDone, s.now().Format(timeLayout), id)
}

// MarkFailed は試行回数を増やし、maxAttemptsに達したエントリを再試行対象から外す。
// 更新後の状態を返す。
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (string, error) {
	err := s.update(ctx, id, `
		UPDATE profile_sync_outbox
		SET attempts = attempts + 1,
		    last_error = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ?`, errorText(cause), maxAttempts, StatusDead, s.now().Format(timeLayout), id)
	if err != nil {
		return "", err
	}

	var status string
	if err := s.db.QueryRowContext(ctx, "SELECT status FROM profile_sync_outbox WHERE id = ?", id).Scan(&status); err != nil {
		return "", fmt.Errorf("状態の取得に失敗: %w", err)
	}
	return status, nil
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("アウトボックスの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		ev                   event.Event
		aggregateType, typ   string
		data                 string
		createdAt, updatedAt string
		e                    Entry
	)
	if err := row.Scan(
		&ev.ID, &ev.AggregateID, &aggregateType, &typ, &data, &ev.Version,
		&e.Status, &e.Attempts, &e.LastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	ev.AggregateType = event.AggregateType(aggregateType)
	ev.EventType = event.Type(typ)
	ev.Data = []byte(data)
	ev.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	e.Event = &ev
	return &e, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
