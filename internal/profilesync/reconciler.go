package profilesync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/pkg/event"
)

// ReconcilerConfig は再試行ループの設定。
type ReconcilerConfig struct {
	// Interval は再試行の間隔。0なら30秒。
	Interval time.Duration
	// MaxAttempts はエントリを諦めるまでの試行回数。0なら10回。
	MaxAttempts int
	// BatchSize は1回の再試行で処理する件数。0なら50件。
	BatchSize int
}

// Reconciler はアウトボックスの未反映エントリを定期的に再送する。
type Reconciler struct {
	store   *Store
	updater UserUpdater
	cfg     ReconcilerConfig
	logger  *zap.Logger
	hook    func(error)
}

// NewReconciler は新しいReconcilerを生成する。
func NewReconciler(store *Store, updater UserUpdater, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, updater: updater, cfg: cfg, logger: logger}
}

// OnAttempt は再送のたびに結果を受け取る関数を登録する。
func (r *Reconciler) OnAttempt(fn func(error)) {
	r.hook = fn
}

// Start はctxが終了するまで再試行ループを回す。
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("[ProfileSync] 再試行ループを開始します",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("max_attempts", r.cfg.MaxAttempts),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("[ProfileSync] 再試行に失敗しました", zap.Error(err))
			}
		}
	}
}

// RunOnce は未反映エントリを1巡再送し、反映できた件数を返す。
// 同じユーザーのエントリはバージョン順に送り、途中で失敗したら後続を次回に回す。
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	blocked := make(map[string]bool)
	synced := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if blocked[e.Event.AggregateID] {
			continue
		}

		if err := r.retry(ctx, e.Event); err != nil {
			blocked[e.Event.AggregateID] = true
			status, markErr := r.store.MarkFailed(ctx, e.Event.ID, err, r.cfg.MaxAttempts)
			if markErr != nil {
				return synced, markErr
			}
			if status == StatusDead {
				r.logger.Error("[ProfileSync] 再試行回数の上限に達しました",
					zap.String("event_id", e.Event.ID),
					zap.String("aggregate_id", e.Event.AggregateID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := r.store.MarkDone(ctx, e.Event.ID); err != nil {
			return synced, err
		}
		synced++
	}

	if synced > 0 {
		r.logger.Info("[ProfileSync] 未反映の変更を反映しました", zap.Int("count", synced))
	}
	return synced, nil
}

func (r *Reconciler) retry(ctx context.Context, ev *event.Event) error {
	data, err := event.DecodeData[event.UserPatchData](ev)
	if err != nil {
		return err
	}
	subject := data.Subject
	if subject == "" {
		if data.UserID == "" {
			return fmt.Errorf("イベント %s に反映先のユーザーがありません", ev.ID)
		}
		// 保存時にサブジェクトを解決できなかった変更は再送のたびに検索し直す
		subject, err = r.updater.FindSubject(ctx, data.UserID)
		if err != nil {
			if r.hook != nil {
				r.hook(err)
			}
			return fmt.Errorf("IdP上のユーザー検索に失敗: %w", err)
		}
	}

	err = r.updater.UpdateUser(ctx, subject, data.Patch)
	if r.hook != nil {
		r.hook(err)
	}
	return err
}
