// Package pipeline はゲートウェイのリクエスト処理パイプラインを実装する。
//
// 各リクエストはヘッダー契約の検査、認証、ロール検査、サービス解決、
// バックエンド呼び出しの順に進み、最後に応答の整形とヘッダーの除去を行う。
// どの段も *fault.Error を返して処理を打ち切れる。
package pipeline

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nao1215/bookshelf/internal/identity"
	"github.com/nao1215/bookshelf/internal/idp"
)

// maxBodyBytes は受け付けるリクエストボディの上限。
const maxBodyBytes = 10 << 20

// RequestContext は1リクエスト分の処理状態。1つのリクエストだけが所有する。
type RequestContext struct {
	// Method は受信したHTTPメソッド。
	Method string
	// Path は受信したパス。
	Path string
	// Query は受信したクエリパラメータ。
	Query url.Values
	// Params はルートのパスパラメータ。
	Params map[string]string
	// Body は受信したボディ。
	Body []byte
	// ContentType は受信したボディのContent-Type。
	ContentType string
	// Headers は上記以外の受信ヘッダー。型付きフィールドに収まらないものの受け皿。
	Headers http.Header

	// AccessToken はアクセストークン。ヘッダーまたはCookieから取り出す。
	AccessToken string
	// RefreshToken はリフレッシュトークン。
	RefreshToken string
	// SessionID はIdPのセッションID。
	SessionID string
	// Identity は認証に成功した場合の呼び出し元。
	Identity *identity.Identity
	// Issued はこのリクエスト中に発行された資格情報。呼び出し元に引き渡す。
	Issued *idp.CredentialPair

	// Debug はtrueのとき内部ヘッダーを除去しない。
	Debug bool
	// IncludeBody はエラー時にバックエンドのボディを含めるかどうか。
	IncludeBody bool
	// NoMeta はtrueのとき成功応答をエンベロープで包まない。
	NoMeta bool

	// Service は呼び出す論理サービス名。
	Service string
	// TargetPath はバックエンド上のパス。
	TargetPath string
	// ServiceURL は解決したバックエンドのベースURL。
	ServiceURL string

	// Status は応答ステータス。
	Status int
	// ResponseBody は応答ボディ。
	ResponseBody []byte
	// ResponseContentType は応答ボディのContent-Type。
	ResponseContentType string

	// Out は呼び出し元に返す候補のヘッダー。Finalizeで除去対象が取り除かれる。
	Out http.Header
}

// NewRequestContext は受信したリクエストからRequestContextを組み立てる。
// AuthorizationとRefreshが無い場合はCookieの同名の値で補う。
func NewRequestContext(r *http.Request, params map[string]string) (*RequestContext, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("リクエストボディの読み込みに失敗: %w", err)
		}
		body = b
	}

	rc := &RequestContext{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.Query(),
		Params:      params,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Headers:     r.Header.Clone(),
		Out:         http.Header{},
	}
	if rc.Headers == nil {
		rc.Headers = http.Header{}
	}

	rc.AccessToken = identity.StripBearer(rc.Headers.Get("Authorization"))
	rc.RefreshToken = strings.TrimSpace(rc.Headers.Get("Refresh"))
	if cookie := rc.Headers.Get("Cookie"); cookie != "" {
		cookies := ParseCookies(cookie)
		if rc.AccessToken == "" {
			rc.AccessToken = identity.StripBearer(cookies["Authorization"])
		}
		if rc.RefreshToken == "" {
			rc.RefreshToken = cookies["Refresh"]
		}
	}
	rc.SessionID = rc.Headers.Get("X-Session-ID")
	rc.Debug = parseBool(rc.Headers.Get("X-Debug"))

	return rc, nil
}

// Param はパスパラメータを返す。
func (rc *RequestContext) Param(name string) string {
	return rc.Params[name]
}

// Header は受信ヘッダーの値を返す。
func (rc *RequestContext) Header(name string) string {
	if v := rc.Headers.Get(name); v != "" {
		return v
	}
	// 正規化されていないキーで格納された値も探す
	if vs := rc.Headers[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// UserID は呼び出し元のユーザーIDを文字列で返す。
// 認証済みならIdentityから、そうでなければ X-User-ID ヘッダーから取る。
func (rc *RequestContext) UserID() string {
	if rc.Identity != nil {
		return strconv.FormatInt(rc.Identity.UserID, 10)
	}
	return rc.Header("X-User-ID")
}

// SubjectID は呼び出し元のIdP上のユーザーIDを返す。
func (rc *RequestContext) SubjectID() string {
	if rc.Identity != nil {
		return rc.Identity.Subject
	}
	return rc.Header("X-User-SSO-ID")
}

// Issue は発行された資格情報を採用する。以降の検証と応答はこの組を使う。
func (rc *RequestContext) Issue(pair *idp.CredentialPair) {
	rc.Issued = pair
	rc.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		rc.RefreshToken = pair.RefreshToken
	}
	if pair.SessionState != "" {
		rc.SessionID = pair.SessionState
	}
}

// SetIdentity は認証済みの呼び出し元を記録し、識別ヘッダーを出力候補に載せる。
func (rc *RequestContext) SetIdentity(id *identity.Identity) {
	rc.Identity = id
	for k, v := range identityHeaders(id) {
		rc.Out[k] = v
	}
}

// identityHeaders は呼び出し元を表すヘッダーを組み立てる。
// バックエンドへの伝播と、デバッグ時の応答の両方で使う。
func identityHeaders(id *identity.Identity) http.Header {
	h := http.Header{}
	h.Set("X-User-ID", strconv.FormatInt(id.UserID, 10))
	h.Set("X-User-SSO-ID", id.Subject)
	h.Set("X-Login", id.Login)
	h.Set("X-Email", id.Email)
	h.Set("X-Email-Verified", strconv.FormatBool(id.EmailVerified))
	h.Set("X-Nickname", id.Nickname)
	h.Set("X-Realm-Roles", strings.Join(id.RealmRoles(), ","))
	h.Set("X-Client-Roles", strings.Join(id.ClientRoles(), ","))
	return h
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
