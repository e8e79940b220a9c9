package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/bookshelf/internal/contract"
	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/internal/identity"
	"github.com/nao1215/bookshelf/internal/identity/identitytest"
	"github.com/nao1215/bookshelf/internal/idp"
	"github.com/nao1215/bookshelf/pkg/httpclient"
)

// fakeTokens はIdPのトークンエンドポイントの代わり。
type fakeTokens struct {
	issuer    *identitytest.Issuer
	t         *testing.T
	refreshes atomic.Int32
	logins    atomic.Int32
}

func (f *fakeTokens) Login(_ context.Context, username, password string) (*idp.CredentialPair, error) {
	f.logins.Add(1)
	if username != "alice" || password != "pw" {
		return nil, fault.Authn("ログインに失敗しました", nil)
	}
	return &idp.CredentialPair{
		AccessToken:  f.issuer.Sign(f.t, testUser, time.Minute),
		RefreshToken: "refresh-login",
		ExpiresAt:    time.Now().Add(time.Minute),
		SessionState: "session-login",
	}, nil
}

func (f *fakeTokens) Refresh(_ context.Context, refreshToken string) (*idp.CredentialPair, error) {
	f.refreshes.Add(1)
	if refreshToken != "refresh-ok" {
		return nil, fault.Authn("トークンの更新に失敗しました", nil)
	}
	return &idp.CredentialPair{
		AccessToken:  f.issuer.Sign(f.t, testUser, time.Minute),
		RefreshToken: "refresh-new",
		ExpiresAt:    time.Now().Add(time.Minute),
		SessionState: "session-new",
	}, nil
}

// mapResolver は固定の対応表で解決するResolver。
type mapResolver struct {
	entries map[string]string
	calls   atomic.Int32
}

func (m *mapResolver) Resolve(name string) (string, error) {
	m.calls.Add(1)
	if addr, ok := m.entries[name]; ok {
		return addr, nil
	}
	return "", fault.Unresolved("サービスが見つかりません", nil)
}

var testUser = identitytest.User{
	Subject:    "sso-1",
	UserID:     42,
	Login:      "alice",
	Email:      "alice@example.com",
	Nickname:   "アリス",
	RealmRoles: []string{"profile-watch"},
}

// backend はバックエンドの代わりのテストサーバー。
type backend struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status int
	body   string
	header http.Header
	last   chan *http.Request
}

func newBackend(t *testing.T, status int, body string) *backend {
	t.Helper()

	b := &backend{status: status, body: body, last: make(chan *http.Request, 8)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		payload, _ := io.ReadAll(r.Body)
		clone := r.Clone(context.Background())
		clone.Body = io.NopCloser(strings.NewReader(string(payload)))
		b.last <- clone
		w.Header().Set("Content-Type", "application/json")
		for k, vs := range b.header {
			w.Header()[k] = vs
		}
		w.WriteHeader(b.status)
		_, _ = w.Write([]byte(b.body))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

type fixture struct {
	issuer   *identitytest.Issuer
	tokens   *fakeTokens
	resolver *mapResolver
	pipeline *Pipeline
}

func newFixture(t *testing.T, backends map[string]string) *fixture {
	t.Helper()

	iss := identitytest.NewIssuer(t)
	v := identity.NewVerifier(iss)
	if err := v.Refresh(context.Background()); err != nil {
		t.Fatalf("鍵セットの読み込みに失敗: %v", err)
	}
	tokens := &fakeTokens{issuer: iss, t: t}
	resolver := &mapResolver{entries: backends}
	p := New(Options{
		Verifier: v,
		Tokens:   tokens,
		Resolver: resolver,
		Client:   httpclient.New(time.Second),
	})
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return &fixture{issuer: iss, tokens: tokens, resolver: resolver, pipeline: p}
}

func newRC(t *testing.T, method, target string, header http.Header) *RequestContext {
	t.Helper()

	r := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		r.Header[k] = vs
	}
	rc, err := NewRequestContext(r, map[string]string{})
	if err != nil {
		t.Fatalf("NewRequestContext() error = %v", err)
	}
	return rc
}

var userRoute = Route{
	Name:         "accounts.user.get",
	Contract:     contract.RouteContract{RequiredRoles: []string{"profile-watch"}},
	Authenticate: true,
	Service:      "Accounts",
	Target:       func(rc *RequestContext) string { return "api/v1/accounts/user/" + rc.UserID() },
	Method:       http.MethodGet,
	IncludeBody:  true,
}

func TestPipeline_Authenticate(t *testing.T) {
	t.Parallel()

	t.Run("Authorizationが無ければ401でバックエンドを呼ばないこと", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `{}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})

		resp := f.pipeline.Handle(context.Background(), userRoute, newRC(t, http.MethodGet, "/oapi/v1/accounts/user", nil))
		if resp.Status != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusUnauthorized)
		}
		if be.hits.Load() != 0 {
			t.Errorf("バックエンドが呼ばれた: %d回", be.hits.Load())
		}
		if f.resolver.calls.Load() != 0 {
			t.Error("サービス解決が呼ばれた")
		}
		var env ErrorEnvelope
		if err := json.Unmarshal(resp.Body, &env); err != nil {
			t.Fatalf("エンベロープのパースに失敗: %v", err)
		}
		if env.ErrorType != "AuthenticationFailure" {
			t.Errorf("errorType = %q, want AuthenticationFailure", env.ErrorType)
		}
	})

	t.Run("期限切れトークンは1回だけ更新して成功すること", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `{"userId":42}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})

		expired := f.issuer.Sign(t, testUser, -time.Minute)
		rc := newRC(t, http.MethodGet, "/oapi/v1/accounts/user", http.Header{
			"Authorization": {expired},
			"Refresh":       {"refresh-ok"},
		})
		resp := f.pipeline.Handle(context.Background(), userRoute, rc)

		if resp.Status != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d (%s)", resp.Status, http.StatusOK, resp.Body)
		}
		if f.tokens.refreshes.Load() != 1 {
			t.Errorf("更新回数 = %d, want 1", f.tokens.refreshes.Load())
		}
		if resp.Header.Get("Authorization") == "" || resp.Header.Get("Authorization") == expired {
			t.Errorf("Authorization = %q, 更新後のトークンであるべき", resp.Header.Get("Authorization"))
		}
		if resp.Header.Get("Refresh") != "refresh-new" {
			t.Errorf("Refresh = %q, want %q", resp.Header.Get("Refresh"), "refresh-new")
		}
		if resp.Header.Get("X-Session-ID") != "session-new" {
			t.Errorf("X-Session-ID = %q, want %q", resp.Header.Get("X-Session-ID"), "session-new")
		}
		cookies := resp.Header.Values("Set-Cookie")
		want := []string{
			BaseCookie("Authorization", resp.Header.Get("Authorization")),
			"Refresh=refresh-new; Path=/; HttpOnly; SameSite=Strict",
		}
		if len(cookies) != 2 || cookies[0] != want[0] || cookies[1] != want[1] {
			t.Errorf("Set-Cookie = %v, want %v", cookies, want)
		}
		req := <-be.last
		if req.URL.Path != "/api/v1/accounts/user/42" {
			t.Errorf("バックエンドのパス = %q", req.URL.Path)
		}
	})

	t.Run("期限切れでリフレッシュトークンが無ければ401になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, map[string]string{"Accounts": "http://127.0.0.1:1"})
		rc := newRC(t, http.MethodGet, "/", http.Header{"Authorization": {f.issuer.Sign(t, testUser, -time.Minute)}})
		err := f.pipeline.Execute(context.Background(), userRoute, rc)
		if fault.KindOf(err) != fault.Authentication || err == nil {
			t.Errorf("Execute() = %v, want AuthenticationFailure", err)
		}
		if f.tokens.refreshes.Load() != 0 {
			t.Error("更新が呼ばれるべきではない")
		}
	})

	t.Run("更新に失敗すれば401になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, map[string]string{"Accounts": "http://127.0.0.1:1"})
		rc := newRC(t, http.MethodGet, "/", http.Header{
			"Authorization": {f.issuer.Sign(t, testUser, -time.Minute)},
			"Refresh":       {"revoked"},
		})
		err := f.pipeline.Execute(context.Background(), userRoute, rc)
		if err == nil || fault.KindOf(err) != fault.Authentication {
			t.Errorf("Execute() = %v, want AuthenticationFailure", err)
		}
	})

	t.Run("期限切れ以外の失敗では更新しないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, map[string]string{"Accounts": "http://127.0.0.1:1"})
		other := identitytest.NewIssuer(t)
		rc := newRC(t, http.MethodGet, "/", http.Header{
			"Authorization": {other.Sign(t, testUser, time.Minute)},
			"Refresh":       {"refresh-ok"},
		})
		err := f.pipeline.Execute(context.Background(), userRoute, rc)
		if err == nil || fault.KindOf(err) != fault.Authentication {
			t.Errorf("Execute() = %v, want AuthenticationFailure", err)
		}
		if f.tokens.refreshes.Load() != 0 {
			t.Error("更新が呼ばれるべきではない")
		}
	})

	t.Run("Cookieの資格情報でも認証できること", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `{}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
		token := f.issuer.Sign(t, testUser, time.Minute)
		rc := newRC(t, http.MethodGet, "/", http.Header{"Cookie": {"Authorization=" + token + "; Refresh=r"}})
		if err := f.pipeline.Execute(context.Background(), userRoute, rc); err != nil {
			t.Fatalf("Execute() = %v", err)
		}
		if rc.Identity == nil || rc.Identity.UserID != 42 {
			t.Errorf("Identity = %+v", rc.Identity)
		}
	})
}

func TestPipeline_Roles(t *testing.T) {
	t.Parallel()

	t.Run("ロールが不足すれば403でサービス解決に進まないこと", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `{}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})

		route := userRoute
		route.Contract = contract.RouteContract{RequiredRoles: []string{"profile-watch", "profile-change"}}
		rc := newRC(t, http.MethodGet, "/", http.Header{"Authorization": {"Bearer " + f.issuer.Sign(t, testUser, time.Minute)}})
		resp := f.pipeline.Handle(context.Background(), route, rc)

		if resp.Status != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusForbidden)
		}
		if f.resolver.calls.Load() != 0 {
			t.Error("サービス解決が呼ばれた")
		}
		if be.hits.Load() != 0 {
			t.Error("バックエンドが呼ばれた")
		}
	})
}

func TestPipeline_Contract(t *testing.T) {
	t.Parallel()

	t.Run("必須ヘッダーが無ければ400で認証に進まないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		route := Route{
			Name:         "accounts.redeem",
			Contract:     contract.RouteContract{RequiredHeaders: []string{"Token"}},
			Authenticate: true,
			Service:      "Integration",
		}
		resp := f.pipeline.Handle(context.Background(), route, newRC(t, http.MethodPost, "/", nil))
		if resp.Status != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusBadRequest)
		}
		var env ErrorEnvelope
		_ = json.Unmarshal(resp.Body, &env)
		if env.ErrorType != "ContractViolation" {
			t.Errorf("errorType = %q, want ContractViolation", env.ErrorType)
		}
	})
}

func TestPipeline_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("未登録のサービスは503でバックエンドを呼ばないこと", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `{}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
		route := Route{Name: "books.get", Service: "Books", Target: func(*RequestContext) string { return "api/v1/books/1" }}

		resp := f.pipeline.Handle(context.Background(), route, newRC(t, http.MethodGet, "/", nil))
		if resp.Status != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusServiceUnavailable)
		}
		var env ErrorEnvelope
		_ = json.Unmarshal(resp.Body, &env)
		if env.ErrorType != "DiscoveryFailure" {
			t.Errorf("errorType = %q, want DiscoveryFailure", env.ErrorType)
		}
		if be.hits.Load() != 0 {
			t.Error("バックエンドが呼ばれた")
		}
	})

	t.Run("非200はボディ付きの503になること", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusNotFound, `{"error":"user not found"}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
		rc := newRC(t, http.MethodGet, "/", http.Header{"Authorization": {f.issuer.Sign(t, testUser, time.Minute)}})

		resp := f.pipeline.Handle(context.Background(), userRoute, rc)
		if resp.Status != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusServiceUnavailable)
		}
		var env map[string]any
		if err := json.Unmarshal(resp.Body, &env); err != nil {
			t.Fatalf("エンベロープのパースに失敗: %v", err)
		}
		if env["errorType"] != "UpstreamFailure" {
			t.Errorf("errorType = %v", env["errorType"])
		}
		body, ok := env["body"].(map[string]any)
		if !ok || body["error"] != "user not found" {
			t.Errorf("body = %v, want バックエンドのボディ", env["body"])
		}
	})

	t.Run("ボディを要求しないルートでは含めないこと", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusInternalServerError, `{"error":"boom"}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
		route := userRoute
		route.IncludeBody = false
		rc := newRC(t, http.MethodGet, "/", http.Header{"Authorization": {f.issuer.Sign(t, testUser, time.Minute)}})

		resp := f.pipeline.Handle(context.Background(), route, rc)
		var env map[string]any
		_ = json.Unmarshal(resp.Body, &env)
		if _, ok := env["body"]; ok {
			t.Errorf("body が含まれている: %v", env["body"])
		}
	})

	t.Run("201も成功とはみなさないこと", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusCreated, `{}`)
		f := newFixture(t, map[string]string{"Books": be.srv.URL})
		route := Route{Name: "books.post", Service: "Books", Target: func(*RequestContext) string { return "api/v1/books" }}

		err := f.pipeline.Execute(context.Background(), route, newRC(t, http.MethodPost, "/", nil))
		if err == nil || fault.KindOf(err) != fault.Upstream {
			t.Errorf("Execute() = %v, want UpstreamFailure", err)
		}
	})

	t.Run("接続できないバックエンドは503になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, map[string]string{"Books": "http://127.0.0.1:1"})
		route := Route{Name: "books.get", Service: "Books", Target: func(*RequestContext) string { return "api/v1/books/1" }}

		resp := f.pipeline.Handle(context.Background(), route, newRC(t, http.MethodGet, "/", nil))
		if resp.Status != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusServiceUnavailable)
		}
	})

	t.Run("識別ヘッダーを伝播し資格情報は転送しないこと", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `{"ok":true}`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
		rc := newRC(t, http.MethodGet, "/?page=2", http.Header{
			"Authorization": {f.issuer.Sign(t, testUser, time.Minute)},
			"X-User-Id":     {"999"},
			"X-Request-Id":  {"req-1"},
		})

		resp := f.pipeline.Handle(context.Background(), userRoute, rc)
		if resp.Status != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", resp.Status, http.StatusOK)
		}
		req := <-be.last
		if req.Header.Get("X-User-ID") != "42" {
			t.Errorf("X-User-ID = %q, want 42", req.Header.Get("X-User-ID"))
		}
		if req.Header.Get("X-User-SSO-ID") != "sso-1" || req.Header.Get("X-Login") != "alice" {
			t.Errorf("識別ヘッダーが伝播されていない: %v", req.Header)
		}
		if req.Header.Get("Authorization") != "" {
			t.Error("Authorizationが転送された")
		}
		if req.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("X-Request-Id = %q", req.Header.Get("X-Request-Id"))
		}
		if req.URL.RawQuery != "page=2" {
			t.Errorf("クエリ = %q, want page=2", req.URL.RawQuery)
		}

		var env SuccessEnvelope
		if err := json.Unmarshal(resp.Body, &env); err != nil {
			t.Fatalf("エンベロープのパースに失敗: %v", err)
		}
		if env.Meta.UserID != "42" || env.Meta.ProcessedBy != ProcessedBy || env.Meta.Timestamp != "2026-01-02T03:04:05Z" {
			t.Errorf("meta = %+v", env.Meta)
		}
		if resp.Header.Get("X-User-ID") != "42" {
			t.Errorf("X-User-ID が応答に残っていない")
		}
		if resp.Header.Get("X-User-SSO-ID") != "" || resp.Header.Get("X-Service-Url") != "" {
			t.Errorf("内部ヘッダーが応答に残っている: %v", resp.Header)
		}
	})

	t.Run("バックエンドの応答ヘッダーを返し内部ヘッダーは除去すること", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name         string
			debug        bool
			wantEmail    string
			wantInternal string
		}{
			{name: "通常"},
			// 検証済みの識別ヘッダーはバックエンドの値で上書きされない
			{name: "デバッグ時", debug: true, wantEmail: "alice@example.com", wantInternal: "true"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				be := newBackend(t, http.StatusOK, `{"id":7}`)
				be.header = http.Header{
					"Location":       {"/api/v1/books/7"},
					"Cache-Control":  {"no-store"},
					"Etag":           {`"v7"`},
					"X-Email":        {"leak@example.com"},
					"X-Include-Body": {"true"},
					"X-User-Id":      {"999"},
					"Connection":     {"close"},
				}
				f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
				header := http.Header{"Authorization": {f.issuer.Sign(t, testUser, time.Minute)}}
				if tt.debug {
					header.Set("X-Debug", "true")
				}

				resp := f.pipeline.Handle(context.Background(), userRoute, newRC(t, http.MethodGet, "/", header))
				if resp.Status != http.StatusOK {
					t.Fatalf("ステータスコード: got %d, want %d", resp.Status, http.StatusOK)
				}
				if got := resp.Header.Get("Location"); got != "/api/v1/books/7" {
					t.Errorf("Location = %q, want %q", got, "/api/v1/books/7")
				}
				if got := resp.Header.Get("Cache-Control"); got != "no-store" {
					t.Errorf("Cache-Control = %q, want %q", got, "no-store")
				}
				if got := resp.Header.Get("ETag"); got != `"v7"` {
					t.Errorf("ETag = %q", got)
				}
				if got := resp.Header.Get("X-Email"); got != tt.wantEmail {
					t.Errorf("X-Email = %q, want %q", got, tt.wantEmail)
				}
				if got := resp.Header.Get("X-Include-Body"); got != tt.wantInternal {
					t.Errorf("X-Include-Body = %q, want %q", got, tt.wantInternal)
				}
				if got := resp.Header.Get("X-User-ID"); got != "42" {
					t.Errorf("X-User-ID = %q, want 検証済みの 42", got)
				}
				if got := resp.Header.Get("Connection"); got != "" {
					t.Errorf("Connection = %q, ホップ間ヘッダーは返さない", got)
				}
				if got := resp.Header.Get("Content-Type"); got != "application/json" {
					t.Errorf("Content-Type = %q", got)
				}
			})
		}
	})

	t.Run("Bodyで組み立てたボディが送られること", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusOK, `plain`)
		f := newFixture(t, map[string]string{"Accounts": be.srv.URL})
		route := Route{
			Name:    "accounts.inner.redeem",
			Service: "Accounts",
			Target:  func(*RequestContext) string { return "api/v1/accounts/token/redeem" },
			Method:  http.MethodPost,
			NoMeta:  true,
			Body: func(rc *RequestContext) ([]byte, string) {
				return []byte("token=" + rc.Header("Token")), "application/x-www-form-urlencoded"
			},
		}
		rc := newRC(t, http.MethodPost, "/", http.Header{"Token": {"abc"}})

		resp := f.pipeline.Handle(context.Background(), route, rc)
		if resp.Status != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", resp.Status, http.StatusOK)
		}
		if string(resp.Body) != "plain" {
			t.Errorf("Body = %q, want 素のボディ", resp.Body)
		}
		req := <-be.last
		payload, _ := io.ReadAll(req.Body)
		if string(payload) != "token=abc" {
			t.Errorf("送信ボディ = %q", payload)
		}
		if req.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
		}
	})

	t.Run("Afterは成功時だけ実行されること", func(t *testing.T) {
		t.Parallel()

		be := newBackend(t, http.StatusBadRequest, `{}`)
		f := newFixture(t, map[string]string{"Books": be.srv.URL})
		var called atomic.Bool
		route := Route{
			Name:    "books.put",
			Service: "Books",
			After: func(context.Context, *RequestContext) error {
				called.Store(true)
				return nil
			},
		}
		_ = f.pipeline.Execute(context.Background(), route, newRC(t, http.MethodPut, "/", nil))
		if called.Load() {
			t.Error("失敗時にAfterが呼ばれた")
		}
	})
}

func TestPipeline_Login(t *testing.T) {
	t.Parallel()

	loginRoute := func(p *Pipeline) Route {
		return Route{
			Name:     "accounts.login",
			Contract: contract.RouteContract{RequiredHeaders: []string{"username", "password"}},
			Action:   p.Login,
		}
	}

	t.Run("ログイン成功で資格情報がヘッダーとCookieに載ること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		rc := newRC(t, http.MethodPost, "/oapi/v1/accounts/login", http.Header{"Username": {"alice"}, "Password": {"pw"}})
		resp := f.pipeline.Handle(context.Background(), loginRoute(f.pipeline), rc)

		if resp.Status != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d (%s)", resp.Status, http.StatusOK, resp.Body)
		}
		access := resp.Header.Get("Authorization")
		if access == "" {
			t.Fatal("Authorizationが無い")
		}
		if resp.Header.Get("Refresh") != "refresh-login" {
			t.Errorf("Refresh = %q", resp.Header.Get("Refresh"))
		}
		cookies := resp.Header.Values("Set-Cookie")
		if len(cookies) != 2 ||
			cookies[0] != "Authorization="+access+"; Path=/; HttpOnly; SameSite=Strict" ||
			cookies[1] != "Refresh=refresh-login; Path=/; HttpOnly; SameSite=Strict" {
			t.Errorf("Set-Cookie = %v", cookies)
		}
		if resp.Header.Get("Username") != "" || resp.Header.Get("Password") != "" {
			t.Error("ログインヘッダーが応答に残っている")
		}
	})

	t.Run("パスワード誤りは401になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		rc := newRC(t, http.MethodPost, "/", http.Header{"Username": {"alice"}, "Password": {"wrong"}})
		resp := f.pipeline.Handle(context.Background(), loginRoute(f.pipeline), rc)

		if resp.Status != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusUnauthorized)
		}
		var env ErrorEnvelope
		_ = json.Unmarshal(resp.Body, &env)
		if env.ErrorType != "AuthenticationFailure" {
			t.Errorf("errorType = %q", env.ErrorType)
		}
		if len(resp.Header.Values("Set-Cookie")) != 0 {
			t.Error("失敗時にCookieが発行された")
		}
	})

	t.Run("パスワードヘッダーが無ければ400でIdPを呼ばないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		rc := newRC(t, http.MethodPost, "/", http.Header{"Username": {"alice"}})
		resp := f.pipeline.Handle(context.Background(), loginRoute(f.pipeline), rc)

		if resp.Status != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusBadRequest)
		}
		if f.tokens.logins.Load() != 0 {
			t.Error("IdPが呼ばれた")
		}
	})
}

func TestPipeline_RefreshSession(t *testing.T) {
	t.Parallel()

	t.Run("リフレッシュトークンで資格情報が更新されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		route := Route{Name: "accounts.refresh", Action: f.pipeline.RefreshSession}
		rc := newRC(t, http.MethodPost, "/", http.Header{"Cookie": {"Refresh=refresh-ok"}})

		resp := f.pipeline.Handle(context.Background(), route, rc)
		if resp.Status != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", resp.Status, http.StatusOK)
		}
		if resp.Header.Get("Refresh") != "refresh-new" || resp.Header.Get("X-Session-ID") != "session-new" {
			t.Errorf("ヘッダー = %v", resp.Header)
		}
	})

	t.Run("リフレッシュトークンが無ければ401になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		route := Route{Name: "accounts.refresh", Action: f.pipeline.RefreshSession}
		resp := f.pipeline.Handle(context.Background(), route, newRC(t, http.MethodPost, "/", nil))
		if resp.Status != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", resp.Status, http.StatusUnauthorized)
		}
	})
}
