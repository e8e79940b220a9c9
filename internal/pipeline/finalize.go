package pipeline

import (
	"encoding/json"
	"net/http"
	"time"
)

// ProcessedBy は成功応答の meta.processedBy に書く名前。
const ProcessedBy = "bookshelf-gateway"

// internalHeaders はデバッグ時以外は応答から取り除くヘッダー。X-User-ID は残す。
var internalHeaders = []string{
	"X-Email-Verified",
	"X-Realm-Roles",
	"X-Client-Roles",
	"X-User-SSO-ID",
	"X-Service-Request",
	"X-Service",
	"X-Service-Url",
	"X-Email",
	"X-Nickname",
	"Authorization",
	"Refresh",
	"Cookie",
	"X-Roles-Required",
	"X-Include-Body",
	"X-No-Meta",
	"username",
	"password",
}

// Scrub は内部ヘッダーを取り除く。debugがtrueなら何もしない。何度呼んでも結果は同じ。
func Scrub(h http.Header, debug bool) {
	if debug {
		return
	}
	for _, name := range internalHeaders {
		h.Del(name)
		delete(h, name)
	}
}

// SuccessEnvelope は成功時に呼び出し元へ返すJSON。
type SuccessEnvelope struct {
	// Data はバックエンドの応答本体。
	Data any `json:"data"`
	// Meta は処理情報。
	Meta Meta `json:"meta"`
}

// Meta は成功応答に付ける処理情報。
type Meta struct {
	// ProcessedBy は処理したコンポーネント名。
	ProcessedBy string `json:"processedBy"`
	// Timestamp は応答を組み立てた時刻（RFC3339）。
	Timestamp string `json:"timestamp"`
	// UserID は呼び出し元のユーザーID。未認証なら空。
	UserID string `json:"userId"`
}

// Response は呼び出し元に書き出す応答。
type Response struct {
	// Status はHTTPステータスコード。
	Status int
	// Header は応答ヘッダー。
	Header http.Header
	// Body は応答ボディ。
	Body []byte
}

// Finalize は処理結果から応答を組み立てる。
// 内部ヘッダーを除去した後で、このリクエスト中に発行した資格情報をヘッダーとCookieに載せる。
// 資格情報はエラー応答でも引き渡す。
func Finalize(rc *RequestContext, err error, now time.Time) *Response {
	out := rc.Out.Clone()
	if out == nil {
		out = http.Header{}
	}
	Scrub(out, rc.Debug)

	if pair := rc.Issued; pair != nil {
		out.Set("Authorization", pair.AccessToken)
		out.Set("Refresh", pair.RefreshToken)
		if pair.SessionState != "" {
			out.Set("X-Session-ID", pair.SessionState)
		}
		out.Add("Set-Cookie", BaseCookie("Authorization", pair.AccessToken))
		out.Add("Set-Cookie", BaseCookie("Refresh", pair.RefreshToken))
	}

	if err != nil {
		env, status := Classify(err)
		body, _ := json.Marshal(env)
		out.Set("Content-Type", "application/json")
		return &Response{Status: status, Header: out, Body: body}
	}

	status := rc.Status
	if status == 0 {
		status = http.StatusOK
	}

	if rc.NoMeta {
		ct := rc.ResponseContentType
		if ct == "" {
			ct = "application/json"
		}
		out.Set("Content-Type", ct)
		return &Response{Status: status, Header: out, Body: rc.ResponseBody}
	}

	env := SuccessEnvelope{
		Data: successData(rc.ResponseBody),
		Meta: Meta{
			ProcessedBy: ProcessedBy,
			Timestamp:   now.UTC().Format(time.RFC3339),
			UserID:      rc.UserID(),
		},
	}
	body, _ := json.Marshal(env)
	out.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: out, Body: body}
}

// successData は応答本体をエンベロープの data に収まる形にする。空ならnull。
func successData(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return decodeBody(b)
}
