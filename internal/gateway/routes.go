package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nao1215/bookshelf/internal/contract"
	"github.com/nao1215/bookshelf/internal/discovery"
	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/internal/pipeline"
	"github.com/nao1215/bookshelf/internal/profilesync"
)

// ロール名。
const (
	roleProfileWatch  = "profile-watch"
	roleProfileChange = "profile-change"
	roleAccountBan    = "account-ban"
	roleBookWatch     = "book-watch"
	roleReadingChange = "reading-change"
)

// formContentType は内部サービスへ送るフォームのContent-Type。
const formContentType = "application/x-www-form-urlencoded"

// routeSpec はHTTPメソッドとパスに結び付けたルート定義。
type routeSpec struct {
	pipeline.Route
	method string
	path   string
	// formFields はフォームの値をヘッダーとして受け付けるかどうか。
	formFields bool
}

// routes はゲートウェイが公開するルートを返す。
func (s *Server) routes() []routeSpec {
	return []routeSpec{
		// 認証
		{
			method: http.MethodPost,
			path:   "/oapi/v1/accounts/login",
			Route: pipeline.Route{
				Name:     "accounts-login",
				Contract: contract.RouteContract{RequiredHeaders: []string{"username", "password"}},
				Action:   s.pipeline.Login,
			},
		},
		{
			method: http.MethodPost,
			path:   "/oapi/v1/accounts/refresh",
			Route: pipeline.Route{
				Name:   "accounts-refresh",
				Action: s.pipeline.RefreshSession,
			},
		},

		// アカウント
		{
			method: http.MethodGet,
			path:   "/oapi/v1/accounts/user",
			Route: pipeline.Route{
				Name:         "accounts-user-get",
				Contract:     contract.RouteContract{RequiredRoles: []string{roleProfileWatch}},
				Authenticate: true,
				Service:      discovery.Accounts,
				Target:       userPath(""),
			},
		},
		{
			method: http.MethodPut,
			path:   "/oapi/v1/accounts/user",
			Route: pipeline.Route{
				Name:         "accounts-user-put",
				Contract:     contract.RouteContract{RequiredRoles: []string{roleProfileWatch, roleProfileChange}},
				Authenticate: true,
				Service:      discovery.Accounts,
				Target:       userPath(""),
				IncludeBody:  true,
				After:        s.syncProfileFields,
			},
		},
		{
			method: http.MethodPost,
			path:   "/oapi/v1/accounts/verify-email",
			Route: pipeline.Route{
				Name:         "accounts-verify-email",
				Contract:     contract.RouteContract{RequiredRoles: []string{roleProfileWatch}},
				Authenticate: true,
				Service:      discovery.Integration,
				Target:       constPath("oapi-inner/v1/accounts/verify-email"),
				Method:       http.MethodPost,
				Body:         emptyBody,
			},
		},
		{
			method: http.MethodPost,
			path:   "/oapi/v1/accounts/redeem-token",
			Route: pipeline.Route{
				Name:     "accounts-redeem-token",
				Contract: contract.RouteContract{RequiredHeaders: []string{"Token"}},
				Service:  discovery.Integration,
				Target:   constPath("oapi-inner/v1/accounts/redeem-token"),
				Method:   http.MethodPost,
				Body:     emptyBody,
			},
		},
		{
			method: http.MethodPut,
			path:   "/oapi/v1/accounts/user/:id/ban",
			Route: pipeline.Route{
				Name: "accounts-user-ban",
				Contract: contract.RouteContract{
					RequiredHeaders: []string{"X-Account-Banned"},
					RequiredRoles:   []string{roleProfileWatch, roleAccountBan},
				},
				Authenticate: true,
				Service:      discovery.Accounts,
				Target:       userPath("id", "state"),
				IncludeBody:  true,
				After:        s.syncAccountState,
			},
		},

		// 内部サービス向け
		{
			method: http.MethodPost,
			path:   "/oapi-inner/v1/accounts/verify-email",
			Route: pipeline.Route{
				Name:     "accounts-inner-verify-email",
				Contract: contract.RouteContract{RequiredHeaders: []string{"X-User-ID"}},
				Service:  discovery.Accounts,
				Target:   constPath("api/v1/accounts/token"),
				Method:   http.MethodPost,
				NoMeta:   true,
				Body: func(rc *pipeline.RequestContext) ([]byte, string) {
					form := url.Values{"type": {"verify_email_token"}, "userId": {rc.UserID()}}
					return []byte(form.Encode()), formContentType
				},
			},
		},
		{
			method: http.MethodPost,
			path:   "/oapi-inner/v1/accounts/redeem-token",
			Route: pipeline.Route{
				Name:     "accounts-inner-redeem-token",
				Contract: contract.RouteContract{RequiredHeaders: []string{"Token"}},
				Service:  discovery.Accounts,
				Target:   constPath("api/v1/accounts/token/redeem"),
				Method:   http.MethodPost,
				NoMeta:   true,
				Body: func(rc *pipeline.RequestContext) ([]byte, string) {
					form := url.Values{"token": {rc.Header("Token")}}
					return []byte(form.Encode()), formContentType
				},
			},
		},
		{
			method:     http.MethodPost,
			path:       "/oapi-inner/v1/accounts/verify-email-sso",
			formFields: true,
			Route: pipeline.Route{
				Name: "accounts-inner-verify-email-sso",
				Contract: contract.RouteContract{
					RequiredHeaders:  []string{"Email-Verified", "X-User-ID"},
					ForbiddenHeaders: []string{"New-Nickname", "New-Username"},
				},
				NoMeta: true,
				Action: s.pushEmailVerified,
			},
		},
		{
			method:     http.MethodPost,
			path:       "/oapi-inner/v1/accounts/update-user-sso",
			formFields: true,
			Route: pipeline.Route{
				Name:     "accounts-inner-update-user-sso",
				Contract: contract.RouteContract{RequiredHeaders: []string{"X-User-ID"}},
				NoMeta:   true,
				Action:   s.pushProfileFields,
			},
		},
		{
			method:     http.MethodPost,
			path:       "/oapi-inner/v1/accounts/update-account-state-sso",
			formFields: true,
			Route: pipeline.Route{
				Name:     "accounts-inner-update-account-state-sso",
				Contract: contract.RouteContract{RequiredHeaders: []string{"X-User-ID", "X-Account-Banned"}},
				NoMeta:   true,
				Action:   s.pushAccountState,
			},
		},

		// 書籍
		{
			method: http.MethodGet,
			path:   "/oapi/v1/books/:id",
			Route: pipeline.Route{
				Name:         "books-get",
				Contract:     contract.RouteContract{RequiredRoles: []string{roleBookWatch}},
				Authenticate: true,
				Service:      discovery.Books,
				Target:       paramPath("api/v1/books", "id"),
			},
		},
		{
			method: http.MethodGet,
			path:   "/oapi/v1/collections/:id",
			Route: pipeline.Route{
				Name:         "collections-get",
				Contract:     contract.RouteContract{RequiredRoles: []string{roleBookWatch}},
				Authenticate: true,
				Service:      discovery.Books,
				Target:       paramPath("api/v1/collections", "id"),
			},
		},
		{
			method: http.MethodPut,
			path:   "/oapi/v1/reading/:bookId/progress",
			Route: pipeline.Route{
				Name:         "reading-progress-put",
				Contract:     contract.RouteContract{RequiredRoles: []string{roleReadingChange}},
				Authenticate: true,
				Service:      discovery.Books,
				Target: func(rc *pipeline.RequestContext) string {
					return "api/v1/reading/" + url.PathEscape(rc.UserID()) + "/" + url.PathEscape(rc.Param("bookId")) + "/progress"
				},
				IncludeBody: true,
			},
		},
	}
}

// constPath は固定のバックエンドパスを返す。
func constPath(p string) func(*pipeline.RequestContext) string {
	return func(*pipeline.RequestContext) string { return p }
}

// paramPath はプレフィックスにパスパラメータを連結したパスを返す。
func paramPath(prefix, param string) func(*pipeline.RequestContext) string {
	return func(rc *pipeline.RequestContext) string {
		return prefix + "/" + url.PathEscape(rc.Param(param))
	}
}

// userPath はユーザー単位のパスを返す。paramが空なら呼び出し元のユーザーIDを使う。
func userPath(param string, suffix ...string) func(*pipeline.RequestContext) string {
	return func(rc *pipeline.RequestContext) string {
		id := rc.UserID()
		if param != "" {
			id = rc.Param(param)
		}
		p := "api/v1/accounts/user/" + url.PathEscape(id)
		for _, s := range suffix {
			p += "/" + s
		}
		return p
	}
}

func emptyBody(*pipeline.RequestContext) ([]byte, string) {
	return nil, ""
}

// profileChange は New-Username と New-Nickname ヘッダーから変更内容を組み立てる。
func profileChange(rc *pipeline.RequestContext) profilesync.Change {
	var change profilesync.Change
	if v := rc.Header("New-Username"); v != "" {
		change.Username = &v
	}
	if v := rc.Header("New-Nickname"); v != "" {
		change.Nickname = &v
	}
	return change
}

// boolHeader は真偽値ヘッダーを読む。解釈できなければ契約違反にする。
func boolHeader(rc *pipeline.RequestContext, name string) (bool, error) {
	b, err := strconv.ParseBool(rc.Header(name))
	if err != nil {
		return false, fault.Violation(name + " ヘッダーが真偽値ではありません")
	}
	return b, nil
}

// syncProfileFields はバックエンドが受け付けたプロフィール変更をIdPへ反映する。
func (s *Server) syncProfileFields(ctx context.Context, rc *pipeline.RequestContext) error {
	return s.forwarder.Push(ctx, rc.SubjectID(), rc.UserID(), profileChange(rc))
}

// syncAccountState はバックエンドが受け付けた凍結状態の変更を対象ユーザーのIdP上のアカウントへ反映する。
func (s *Server) syncAccountState(ctx context.Context, rc *pipeline.RequestContext) error {
	banned, err := boolHeader(rc, "X-Account-Banned")
	if err != nil {
		return err
	}
	return s.forwarder.Push(ctx, "", rc.Param("id"), profilesync.Change{Banned: &banned})
}

// pushEmailVerified はメール確認状態をIdPへ反映する。
func (s *Server) pushEmailVerified(ctx context.Context, rc *pipeline.RequestContext) error {
	verified, err := boolHeader(rc, "Email-Verified")
	if err != nil {
		return err
	}
	return s.pushOnly(ctx, rc, profilesync.Change{EmailVerified: &verified})
}

// pushProfileFields は内部サービスから通知されたプロフィール変更をIdPへ反映する。
func (s *Server) pushProfileFields(ctx context.Context, rc *pipeline.RequestContext) error {
	change := profileChange(rc)
	if change.Empty() {
		return fault.Violation("New-Username または New-Nickname ヘッダーが必要です")
	}
	return s.pushOnly(ctx, rc, change)
}

// pushAccountState は内部サービスから通知された凍結状態をIdPへ反映する。
func (s *Server) pushAccountState(ctx context.Context, rc *pipeline.RequestContext) error {
	banned, err := boolHeader(rc, "X-Account-Banned")
	if err != nil {
		return err
	}
	return s.pushOnly(ctx, rc, profilesync.Change{Banned: &banned})
}

// pushOnly はバックエンドを呼ばずにIdPへ反映し、成功したら本文なしの204を返す。
func (s *Server) pushOnly(ctx context.Context, rc *pipeline.RequestContext, change profilesync.Change) error {
	if err := s.forwarder.Push(ctx, rc.SubjectID(), rc.UserID(), change); err != nil {
		return err
	}
	rc.Status = http.StatusNoContent
	return nil
}
