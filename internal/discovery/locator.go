// Package discovery は論理サービス名を稼働中のネットワークアドレスへ解決する。
//
// 対応表は Source から丸ごと読み込み、完成したスナップショットを原子的に差し替える。
// 解決はロックを取らずに現在のスナップショットを読むだけで行う。
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/internal/fault"
)

// 論理サービス名。ルート表はこの閉じた集合だけを参照する。
const (
	Accounts    = "Accounts"
	Books       = "Books"
	Integration = "Integration"
)

// DefaultRefreshInterval は対応表の既定の再読み込み間隔。
const DefaultRefreshInterval = 10 * time.Second

// Locator は論理サービス名をベースURLに解決する。
type Locator struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger
	onLoad   func(error)

	snapshot atomic.Pointer[map[string]string]
}

// NewLocator は新しいLocatorを生成する。対応表はRefreshまで空。
func NewLocator(source Source, interval time.Duration, logger *zap.Logger) *Locator {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Locator{source: source, interval: interval, logger: logger}
	empty := map[string]string{}
	l.snapshot.Store(&empty)
	return l
}

// OnLoad は読み込みのたびに結果を受け取る関数を設定する。Start前に呼ぶこと。
func (l *Locator) OnLoad(fn func(error)) {
	l.onLoad = fn
}

// Resolve は論理サービス名のベースURLを返す。末尾のスラッシュは取り除く。
// 未登録またはアドレスが空の場合は解決失敗になる。
func (l *Locator) Resolve(name string) (string, error) {
	addr := strings.TrimRight((*l.snapshot.Load())[name], "/")
	if addr == "" {
		return "", fault.Unresolved("サービスが見つかりません", fmt.Errorf("service=%s", name))
	}
	return addr, nil
}

// Services は現在登録されている論理サービス名の数を返す。
func (l *Locator) Services() int {
	return len(*l.snapshot.Load())
}

// Refresh は対応表を読み込み直して差し替える。失敗時は以前の対応表を維持する。
func (l *Locator) Refresh(ctx context.Context) error {
	entries, err := l.source.Load(ctx)
	if l.onLoad != nil {
		l.onLoad(err)
	}
	if err != nil {
		return fmt.Errorf("サービス一覧の更新に失敗: %w", err)
	}
	l.snapshot.Store(&entries)
	return nil
}

// Start は対応表の定期再読み込みループを開始する。ctxが終了するまで戻らない。
func (l *Locator) Start(ctx context.Context) error {
	l.logger.Info("[Discovery] サービス一覧の定期更新を開始します", zap.Duration("interval", l.interval))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				l.logger.Warn("[Discovery] サービス一覧の更新に失敗しました。前回の一覧を使い続けます", zap.Error(err))
			}
		}
	}
}
