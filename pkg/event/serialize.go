package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingTarget はサブジェクトとユーザーIDのどちらも空のときに返る。
	ErrMissingTarget = errors.New("反映先のユーザーが指定されていません")
	// ErrEmptyPatch は反映する項目が1つも無いときに返る。
	ErrEmptyPatch = errors.New("更新する項目がありません")
)

// NewUserPatch はIdPのユーザーへの部分更新をイベントにする。
// Versionは0のままで、アウトボックスへ保存するときに採番される。
// サブジェクトが未解決でもユーザーIDがあれば生成できる。
func NewUserPatch(eventType Type, data UserPatchData) (*Event, error) {
	if data.Subject == "" && data.UserID == "" {
		return nil, ErrMissingTarget
	}
	if len(data.Patch) == 0 {
		return nil, ErrEmptyPatch
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   data.AggregateKey(),
		AggregateType: AggregateTypeUser,
		EventType:     eventType,
		Data:          raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
