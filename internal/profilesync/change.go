// Package profilesync はユーザーが所有する項目の変更をIdPへ反映する。
//
// バックエンドが変更を受け付けた後、変更された項目だけを含む部分更新を
// 管理APIへ送る。反映に失敗しても元の変更は取り消さず、
// 失敗した更新をアウトボックスに保存してReconcilerが再試行する。
package profilesync

import "github.com/nao1215/bookshelf/pkg/event"

// ConfigureTOTP は凍結したアカウントに課す必須アクション。
const ConfigureTOTP = "CONFIGURE_TOTP"

// Change は反映する項目。nilの項目は送らない。
type Change struct {
	Username      *string
	Nickname      *string
	EmailVerified *bool
	Banned        *bool
}

// Empty は反映する項目がないかどうかを返す。
func (c Change) Empty() bool {
	return c.Username == nil && c.Nickname == nil && c.EmailVerified == nil && c.Banned == nil
}

// ToPatch は管理APIのユーザー表現に合わせた部分更新を返す。
func (c Change) ToPatch() map[string]any {
	patch := make(map[string]any, 4)
	if c.Username != nil {
		patch["username"] = *c.Username
	}
	if c.Nickname != nil {
		patch["lastName"] = *c.Nickname
	}
	if c.EmailVerified != nil {
		patch["emailVerified"] = *c.EmailVerified
	}
	if c.Banned != nil {
		actions := []string{}
		if *c.Banned {
			actions = []string{ConfigureTOTP}
		}
		patch["requiredActions"] = actions
	}
	return patch
}

// EventType は変更内容に対応するイベント種別を返す。
func (c Change) EventType() event.Type {
	switch {
	case c.Banned != nil:
		return event.TypeAccountStateChanged
	case c.EmailVerified != nil && c.Username == nil && c.Nickname == nil:
		return event.TypeEmailVerified
	default:
		return event.TypeProfileFieldsChanged
	}
}
