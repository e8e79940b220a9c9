// Package fault はゲートウェイのパイプライン各段が返す型付きエラーを定義する。
// 各段は nil か *Error をちょうど1つ返し、境界でHTTPステータスとエラー種別に変換される。
package fault

import (
	"errors"
	"net/http"
)

// Kind はパイプラインの失敗種別を表す。
type Kind int

const (
	// Upstream はバックエンドまたは外部サービスの失敗を表す。未分類のエラーもここに含まれる。
	Upstream Kind = iota
	// Authentication は資格情報の欠落・不正・期限切れを表す。
	Authentication
	// Authorization は必要なロールを持たないことを表す。
	Authorization
	// Contract はルートが要求するヘッダー契約への違反を表す。
	Contract
	// Discovery は論理サービス名を解決できなかったことを表す。
	Discovery
)

// String はエンベロープの errorType に書き出す名前を返す。
func (k Kind) String() string {
	switch k {
	case Authentication:
		return "AuthenticationFailure"
	case Authorization:
		return "AuthorizationFailure"
	case Contract:
		return "ContractViolation"
	case Discovery:
		return "DiscoveryFailure"
	default:
		return "UpstreamFailure"
	}
}

// Status は種別に対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case Contract:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// Error はパイプラインの失敗を表す。
type Error struct {
	// Kind は失敗種別。
	Kind Kind
	// Message は呼び出し元に返すメッセージ。
	Message string
	// Cause は根本原因。nilの場合もある。
	Cause error
	// Status はバックエンドが返したステータスコード。バックエンド由来でなければ0。
	Status int
	// Body はバックエンドが返したボディ。
	Body []byte
	// IncludeBody はエンベロープに Body を含めるかどうか。
	IncludeBody bool
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap は根本原因を返す。
func (e *Error) Unwrap() error {
	return e.Cause
}

// New は指定種別のエラーを生成する。
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Authn は認証失敗を生成する。
func Authn(message string, cause error) *Error {
	return New(Authentication, message, cause)
}

// Authz は認可失敗を生成する。
func Authz(message string) *Error {
	return New(Authorization, message, nil)
}

// Violation は契約違反を生成する。
func Violation(message string) *Error {
	return New(Contract, message, nil)
}

// Unresolved はサービス解決失敗を生成する。
func Unresolved(message string, cause error) *Error {
	return New(Discovery, message, cause)
}

// UpstreamErr は外部呼び出しの失敗を生成する。
func UpstreamErr(message string, cause error) *Error {
	return New(Upstream, message, cause)
}

// From は任意のエラーを *Error に変換する。型付きでないエラーは Upstream として扱う。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return UpstreamErr(err.Error(), err)
}

// KindOf はエラーの種別を返す。
func KindOf(err error) Kind {
	return From(err).Kind
}
