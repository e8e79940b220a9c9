package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeUser はIdP上のユーザーアカウントを表す。
	AggregateTypeUser AggregateType = "User"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeProfileFieldsChanged はユーザー名やニックネームなどのプロフィール項目が変更されたことを表す。
	TypeProfileFieldsChanged Type = "ProfileFieldsChanged"
	// TypeEmailVerified はメールアドレスの確認状態が変更されたことを表す。
	TypeEmailVerified Type = "EmailVerified"
	// TypeAccountStateChanged はアカウントの凍結状態が変更されたことを表す。
	TypeAccountStateChanged Type = "AccountStateChanged"
)

// Event はIdPへ反映すべきユーザー状態の変更を記録する不変のレコード。
// 反映に失敗した変更はこの構造体としてアウトボックスに永続化される。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象ユーザーを表すキー。UserPatchData.AggregateKey で決まる。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version は同一ユーザーに対する変更の順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// UserPatchData はIdPの管理APIへ送る部分更新の内容。
type UserPatchData struct {
	// Subject はIdP上のユーザー識別子。未解決なら空で、反映時にUserIDから検索する。
	Subject string `json:"subject"`
	// UserID はアプリケーション側の数値ユーザーID。
	UserID string `json:"user_id,omitempty"`
	// Patch は管理APIのユーザー表現に合わせた更新フィールド。
	Patch map[string]any `json:"patch"`
}

// AggregateKey は同じユーザーへの変更をまとめるキーを返す。
// サブジェクトの解決前後で同じキーになるよう、ユーザーIDがあればそちらを使う。
func (d UserPatchData) AggregateKey() string {
	if d.UserID != "" {
		return "user:" + d.UserID
	}
	if d.Subject != "" {
		return "sso:" + d.Subject
	}
	return ""
}
