package profilesync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/pkg/event"
)

// UserUpdater はIdPの管理APIを呼び出す。
type UserUpdater interface {
	UpdateUser(ctx context.Context, subject string, patch map[string]any) error
	FindSubject(ctx context.Context, userID string) (string, error)
}

// Forwarder は変更をIdPへ反映し、失敗した変更をアウトボックスに保存する。
type Forwarder struct {
	updater UserUpdater
	store   *Store
	logger  *zap.Logger
	hook    func(error)
}

// NewForwarder は新しいForwarderを生成する。storeがnilなら失敗した変更は保存しない。
func NewForwarder(updater UserUpdater, store *Store, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{updater: updater, store: store, logger: logger}
}

// OnPush は反映のたびに結果を受け取る関数を登録する。
func (f *Forwarder) OnPush(fn func(error)) {
	f.hook = fn
}

// Push は変更をIdPへ反映する。subjectが空ならuserIDから検索する。
// 同じユーザーの未反映の変更がアウトボックスに残っていれば、追い越さないよう直接は送らずその後ろに並べる。
// 検索または反映に失敗した場合は変更を保存してUpstreamFailureを返す。
func (f *Forwarder) Push(ctx context.Context, subject, userID string, change Change) error {
	if change.Empty() {
		return nil
	}
	data := event.UserPatchData{Subject: subject, UserID: userID, Patch: change.ToPatch()}
	key := data.AggregateKey()
	if key == "" {
		return fault.Violation("反映先のユーザーを特定できません")
	}

	if f.queued(ctx, key) {
		if err := f.enqueue(ctx, change, data, nil); err != nil {
			return fault.UpstreamErr("IdPへのプロフィール反映を保留できませんでした", err)
		}
		f.logger.Info("[ProfileSync] 未反映の変更が残っているため後ろに並べました",
			zap.String("aggregate_id", key),
			zap.String("event_type", string(change.EventType())),
		)
		return nil
	}

	if data.Subject == "" {
		found, err := f.updater.FindSubject(ctx, userID)
		if err != nil {
			f.report(err)
			f.logger.Warn("[ProfileSync] IdP上のユーザー検索に失敗しました",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			_ = f.enqueue(ctx, change, data, err)
			return fault.UpstreamErr("IdP上のユーザー検索に失敗しました", err)
		}
		data.Subject = found
	}

	err := f.updater.UpdateUser(ctx, data.Subject, data.Patch)
	f.report(err)
	if err == nil {
		f.logger.Debug("[ProfileSync] IdPへ反映しました",
			zap.String("subject", data.Subject),
			zap.String("event_type", string(change.EventType())),
		)
		return nil
	}

	f.logger.Warn("[ProfileSync] IdPへの反映に失敗しました",
		zap.String("subject", data.Subject),
		zap.String("user_id", userID),
		zap.Error(err),
	)
	_ = f.enqueue(ctx, change, data, err)
	return fault.UpstreamErr("IdPへのプロフィール反映に失敗しました", err)
}

// queued は同じユーザーの変更がアウトボックスで反映を待っているかを返す。
// 確認できなかった場合は待っていないものとして扱う。
func (f *Forwarder) queued(ctx context.Context, key string) bool {
	if f.store == nil {
		return false
	}
	pending, err := f.store.HasPending(ctx, key)
	if err != nil {
		f.logger.Warn("[ProfileSync] アウトボックスを確認できませんでした", zap.Error(err))
		return false
	}
	return pending
}

// enqueue は変更をアウトボックスに保存する。causeがnilなら先行する変更の後ろに並べただけ。
func (f *Forwarder) enqueue(ctx context.Context, change Change, data event.UserPatchData, cause error) error {
	if f.store == nil {
		return errors.New("アウトボックスが設定されていません")
	}

	ev, err := event.NewUserPatch(change.EventType(), data)
	if err != nil {
		f.logger.Error("[ProfileSync] イベントの生成に失敗しました", zap.Error(err))
		return err
	}

	if err := f.store.Enqueue(context.WithoutCancel(ctx), ev, cause); err != nil {
		f.logger.Error("[ProfileSync] アウトボックスへの保存に失敗しました",
			zap.String("aggregate_id", ev.AggregateID),
			zap.Error(err),
		)
		return err
	}
	f.logger.Info("[ProfileSync] アウトボックスに保存しました",
		zap.String("event_id", ev.ID),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Int64("version", ev.Version),
	)
	return nil
}

func (f *Forwarder) report(err error) {
	if f.hook != nil {
		f.hook(err)
	}
}
