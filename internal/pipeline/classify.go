package pipeline

import (
	"encoding/json"
	"errors"

	"github.com/nao1215/bookshelf/internal/fault"
)

// ErrorEnvelope は失敗時に呼び出し元へ返すJSON。
type ErrorEnvelope struct {
	// Message は失敗の説明。
	Message string `json:"message"`
	// ErrorType は失敗種別の名前。
	ErrorType string `json:"errorType"`
	// RootCause は根本原因の説明。原因が無ければ省略する。
	RootCause string `json:"rootCause,omitempty"`
	// Body はバックエンドの応答ボディ。ルートが要求した場合のみ含める。
	Body any `json:"body,omitempty"`
}

// Classify はエラーをエンベロープとHTTPステータスに変換する。
// 型付きでないエラーは上流の失敗として扱う。
func Classify(err error) (ErrorEnvelope, int) {
	fe := fault.From(err)
	if fe == nil {
		fe = fault.UpstreamErr("不明なエラー", nil)
	}

	env := ErrorEnvelope{
		Message:   fe.Message,
		ErrorType: fe.Kind.String(),
	}
	if fe.Cause != nil {
		env.RootCause = rootCause(fe.Cause).Error()
	}
	if fe.IncludeBody && len(fe.Body) > 0 {
		env.Body = decodeBody(fe.Body)
	}
	return env, fe.Kind.Status()
}

// rootCause はラップの連鎖を最後まで辿る。
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// decodeBody はJSONとして解釈できるボディはそのまま埋め込み、それ以外は文字列にする。
func decodeBody(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}
