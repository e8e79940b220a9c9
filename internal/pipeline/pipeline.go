package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/internal/contract"
	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/internal/identity"
	"github.com/nao1215/bookshelf/internal/idp"
	"github.com/nao1215/bookshelf/pkg/httpclient"
	"github.com/nao1215/bookshelf/pkg/metrics"
)

// Verifier はアクセストークンを検証する。
type Verifier interface {
	Verify(token string) (*identity.Identity, error)
}

// TokenExchanger はIdPのトークンエンドポイントを呼び出す。
type TokenExchanger interface {
	Login(ctx context.Context, username, password string) (*idp.CredentialPair, error)
	Refresh(ctx context.Context, refreshToken string) (*idp.CredentialPair, error)
}

// Resolver は論理サービス名をベースURLに解決する。
type Resolver interface {
	Resolve(name string) (string, error)
}

// Stage はパイプラインの1段。nilまたは *fault.Error を返す。
type Stage func(ctx context.Context, rc *RequestContext) error

// Route はルート登録時に宣言する処理内容。登録後は変更しない。
type Route struct {
	// Name はログとメトリクスに使うルート名。
	Name string
	// Contract はヘッダー契約とロール要件。
	Contract contract.RouteContract
	// Authenticate はアクセストークンの検証を行うかどうか。
	Authenticate bool
	// Service は呼び出す論理サービス名。
	Service string
	// Target はバックエンド上のパスを組み立てる。
	Target func(rc *RequestContext) string
	// Method はバックエンドに送るメソッド。空なら受信したメソッドを使う。
	Method string
	// Body はバックエンドに送るボディを組み立てる。nilなら受信したボディをそのまま送る。
	Body func(rc *RequestContext) (body []byte, contentType string)
	// IncludeBody はバックエンドの失敗時にそのボディを応答へ含めるかどうか。
	IncludeBody bool
	// NoMeta は成功応答をエンベロープで包まないかどうか。
	NoMeta bool
	// Action はバックエンド呼び出しの代わりに実行する処理。
	Action Stage
	// After は呼び出しまたはActionが成功した後に実行する処理。
	After Stage
}

// Options はPipelineの依存。
type Options struct {
	Verifier Verifier
	Tokens   TokenExchanger
	Resolver Resolver
	Client   *httpclient.Client
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Pipeline はルート定義に従ってリクエストを処理する。
type Pipeline struct {
	verifier Verifier
	tokens   TokenExchanger
	resolver Resolver
	client   *httpclient.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New は新しいPipelineを生成する。
func New(opts Options) *Pipeline {
	p := &Pipeline{
		verifier: opts.Verifier,
		tokens:   opts.Tokens,
		resolver: opts.Resolver,
		client:   opts.Client,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if p.client == nil {
		p.client = httpclient.New(0)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Handle はリクエストを処理して応答を組み立てる。
func (p *Pipeline) Handle(ctx context.Context, route Route, rc *RequestContext) *Response {
	err := p.Execute(ctx, route, rc)
	resp := Finalize(rc, err, p.now())

	errType := ""
	if err != nil {
		errType = fault.KindOf(err).String()
		p.logger.Info("[Pipeline] リクエストを打ち切りました",
			zap.String("route", route.Name),
			zap.Int("status", resp.Status),
			zap.String("error_type", errType),
			zap.Error(err),
		)
	}
	p.metrics.RequestsTotal.WithLabelValues(route.Name, strconv.Itoa(resp.Status), errType).Inc()
	return resp
}

// Execute は契約検査、認証、ロール検査、呼び出し、後処理の順に実行する。
// 最初に失敗した段のエラーを返す。
func (p *Pipeline) Execute(ctx context.Context, route Route, rc *RequestContext) error {
	rc.IncludeBody = route.IncludeBody
	rc.NoMeta = route.NoMeta

	if err := contract.EnforceHeaders(route.Contract, rc.Headers); err != nil {
		return err
	}
	if route.Authenticate {
		if err := p.Authenticate(ctx, rc); err != nil {
			return err
		}
	}
	if err := contract.EnforceRoles(route.Contract, rc.Identity); err != nil {
		return err
	}

	var err error
	if route.Action != nil {
		err = route.Action(ctx, rc)
	} else {
		err = p.Dispatch(ctx, route, rc)
	}
	if err != nil {
		return err
	}

	if route.After != nil {
		return route.After(ctx, rc)
	}
	return nil
}

// Authenticate はアクセストークンを検証する。
// 期限切れだけが原因の場合はリフレッシュトークンで1回だけ更新し、新しいトークンを検証し直す。
func (p *Pipeline) Authenticate(ctx context.Context, rc *RequestContext) error {
	if rc.AccessToken == "" {
		return fault.Authn("認証ヘッダーがありません", nil)
	}

	id, err := p.verifier.Verify(rc.AccessToken)
	if err == nil {
		rc.SetIdentity(id)
		return nil
	}
	if !identity.IsExpired(err) {
		return err
	}
	if rc.RefreshToken == "" {
		return fault.Authn("トークンの有効期限が切れており、リフレッシュトークンがありません", err)
	}

	pair, err := p.tokens.Refresh(ctx, rc.RefreshToken)
	p.metrics.TokenRefreshes.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	rc.Issue(pair)

	id, err = p.verifier.Verify(pair.AccessToken)
	if err != nil {
		return fault.Authn("更新したトークンの検証に失敗しました", err)
	}
	rc.SetIdentity(id)
	p.logger.Debug("[Pipeline] 期限切れのトークンを更新しました", zap.String("subject", id.Subject))
	return nil
}

// Dispatch は論理サービスを解決してバックエンドを呼び出す。
// 200だけを成功とし、それ以外のステータスと通信失敗は上流の失敗になる。
func (p *Pipeline) Dispatch(ctx context.Context, route Route, rc *RequestContext) error {
	rc.Service = route.Service
	if route.Target != nil {
		rc.TargetPath = strings.TrimLeft(route.Target(rc), "/")
	}
	rc.Out.Set("X-Service", rc.Service)
	rc.Out.Set("X-Service-Request", rc.TargetPath)

	base, err := p.resolver.Resolve(rc.Service)
	if err != nil {
		return err
	}
	rc.ServiceURL = base
	rc.Out.Set("X-Service-Url", base)

	target := base + "/" + rc.TargetPath
	if len(rc.Query) > 0 {
		target += "?" + rc.Query.Encode()
	}

	method := route.Method
	if method == "" {
		method = rc.Method
	}
	body, contentType := rc.Body, rc.ContentType
	if route.Body != nil {
		body, contentType = route.Body(rc)
	}
	if method == http.MethodGet || method == http.MethodHead {
		body, contentType = nil, ""
	}

	header := forwardHeaders(rc)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	if uid := rc.UserID(); uid != "" {
		ctx = httpclient.WithUserID(ctx, uid)
	}

	start := time.Now()
	resp, err := p.client.Do(ctx, httpclient.Request{Method: method, URL: target, Header: header, Body: body})
	elapsed := time.Since(start)
	if err != nil {
		p.metrics.DispatchDuration.WithLabelValues(rc.Service, "error").Observe(elapsed.Seconds())
		p.logger.Warn("[Pipeline] バックエンドを呼び出せませんでした",
			zap.String("service", rc.Service),
			zap.String("url", target),
			zap.Error(err),
		)
		return fault.UpstreamErr("バックエンドを呼び出せませんでした", err)
	}
	p.metrics.DispatchDuration.WithLabelValues(rc.Service, strconv.Itoa(resp.StatusCode)).Observe(elapsed.Seconds())

	rc.Status = resp.StatusCode
	rc.ResponseBody = resp.Body
	rc.ResponseContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("[Pipeline] バックエンドがエラーを返しました",
			zap.String("service", rc.Service),
			zap.String("path", rc.TargetPath),
			zap.Int("status", resp.StatusCode),
		)
		fe := fault.UpstreamErr("バックエンドがエラーを返しました", fmt.Errorf("status=%d", resp.StatusCode))
		fe.Status = resp.StatusCode
		fe.Body = resp.Body
		fe.IncludeBody = rc.IncludeBody
		return fe
	}
	copyResponseHeaders(rc.Out, resp.Header)

	p.logger.Info("[Pipeline] バックエンド呼び出しに成功しました",
		zap.String("service", rc.Service),
		zap.String("path", rc.TargetPath),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// hopHeaders はバックエンドとの間で受け渡さないヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Content-Type",
	"X-Debug",
}

// forwardHeaders はバックエンドへ送るヘッダーを組み立てる。
// 内部ヘッダーと資格情報は落とし、認証済みなら識別ヘッダーをIdentityから付け直す。
func forwardHeaders(rc *RequestContext) http.Header {
	h := rc.Headers.Clone()
	for _, name := range hopHeaders {
		h.Del(name)
	}
	Scrub(h, false)

	if rc.Identity != nil {
		for k, v := range identityHeaders(rc.Identity) {
			h[k] = v
		}
	}
	if rc.SessionID != "" {
		h.Set("X-Session-ID", rc.SessionID)
	}
	return h
}

// copyResponseHeaders は成功したバックエンド応答のヘッダーを出力候補に写す。
// ホップ間ヘッダーは落とし、ゲートウェイが設定済みのキーは上書きしない。
// 内部ヘッダーはFinalizeで除去される。
func copyResponseHeaders(out, from http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, name := range hopHeaders {
		skip[http.CanonicalHeaderKey(name)] = true
	}
	for k, vs := range from {
		k = http.CanonicalHeaderKey(k)
		if skip[k] {
			continue
		}
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
}

// Login はusernameとpasswordヘッダーでIdPにログインし、発行された資格情報を応答に載せる。
func (p *Pipeline) Login(ctx context.Context, rc *RequestContext) error {
	pair, err := p.tokens.Login(ctx, rc.Header("username"), rc.Header("password"))
	if err != nil {
		return err
	}
	return p.adopt(rc, pair)
}

// RefreshSession はリフレッシュトークンで資格情報を更新し、応答に載せる。
func (p *Pipeline) RefreshSession(ctx context.Context, rc *RequestContext) error {
	if rc.RefreshToken == "" {
		return fault.Authn("リフレッシュトークンがありません", nil)
	}
	pair, err := p.tokens.Refresh(ctx, rc.RefreshToken)
	p.metrics.TokenRefreshes.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	return p.adopt(rc, pair)
}

// adopt は発行された資格情報を採用し、検証できれば呼び出し元を記録する。
func (p *Pipeline) adopt(rc *RequestContext, pair *idp.CredentialPair) error {
	rc.Issue(pair)
	if id, err := p.verifier.Verify(pair.AccessToken); err == nil {
		rc.SetIdentity(id)
	} else {
		p.logger.Debug("[Pipeline] 発行されたトークンを検証できませんでした", zap.Error(err))
	}

	body, err := json.Marshal(map[string]any{
		"authenticated": true,
		"expiresAt":     pair.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fault.UpstreamErr("応答の組み立てに失敗しました", err)
	}
	rc.Status = http.StatusOK
	rc.ResponseBody = body
	rc.ResponseContentType = "application/json"
	return nil
}
