package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/internal/fault"
)

// DefaultRefreshInterval は検証鍵セットの既定の再取得間隔。
const DefaultRefreshInterval = 10 * time.Second

// Fetcher は検証鍵セットの取得を抽象化する。テストではスタブに差し替える。
type Fetcher interface {
	Fetch(ctx context.Context) (jwk.Set, error)
}

// JWKSFetcher はIdPのJWKSエンドポイントから鍵セットを取得する。
type JWKSFetcher struct {
	// URL はJWKSエンドポイントのURL。
	URL string
	// Client は取得に使うHTTPクライアント。nilの場合はhttp.DefaultClient。
	Client *http.Client
}

// Fetch はJWKSエンドポイントをGETして鍵セットを返す。
func (f *JWKSFetcher) Fetch(ctx context.Context) (jwk.Set, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	set, err := jwk.Fetch(ctx, f.URL, jwk.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("JWKSの取得に失敗: %w", err)
	}
	return set, nil
}

// KeySet は公開済みの鍵セットのスナップショット。
type KeySet struct {
	// Keys は検証に使う鍵の集合。
	Keys jwk.Set
	// FetchedAt は取得日時。
	FetchedAt time.Time
}

// Verifier はアクセストークンの署名と有効期限を検証する。
// 鍵セットはバックグラウンドで再取得され、原子的に差し替えられる。
type Verifier struct {
	fetcher  Fetcher
	clientID string
	issuer   string
	interval time.Duration
	logger   *zap.Logger
	onFetch  func(error)

	keys atomic.Pointer[KeySet]
}

// Option はVerifierの設定を変更する。
type Option func(*Verifier)

// WithClientID はクライアントロールを取り出すクライアントIDを指定する。
func WithClientID(clientID string) Option {
	return func(v *Verifier) { v.clientID = clientID }
}

// WithIssuer は期待するiss値を指定する。
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithInterval は鍵セットの再取得間隔を指定する。
func WithInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithLogger はロガーを指定する。
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithFetchHook は鍵セット取得のたびに結果を受け取る関数を指定する。
func WithFetchHook(fn func(error)) Option {
	return func(v *Verifier) { v.onFetch = fn }
}

// NewVerifier は新しいVerifierを生成する。鍵セットはRefreshまたはStartで読み込まれるまで空。
func NewVerifier(fetcher Fetcher, opts ...Option) *Verifier {
	v := &Verifier{
		fetcher:  fetcher,
		interval: DefaultRefreshInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Snapshot は現在公開されている鍵セットを返す。未取得ならnil。
func (v *Verifier) Snapshot() *KeySet {
	return v.keys.Load()
}

// Refresh は鍵セットを取得し直して差し替える。失敗時は以前のスナップショットを維持する。
func (v *Verifier) Refresh(ctx context.Context) error {
	set, err := v.fetcher.Fetch(ctx)
	if err == nil && set.Len() == 0 {
		err = errors.New("鍵セットが空です")
	}
	if v.onFetch != nil {
		v.onFetch(err)
	}
	if err != nil {
		return fmt.Errorf("検証鍵セットの更新に失敗: %w", err)
	}
	v.keys.Store(&KeySet{Keys: set, FetchedAt: time.Now().UTC()})
	return nil
}

// Start は鍵セットの定期再取得ループを開始する。ctxが終了するまで戻らない。
func (v *Verifier) Start(ctx context.Context) error {
	v.logger.Info("[Identity] 検証鍵セットの定期更新を開始します", zap.Duration("interval", v.interval))

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				v.logger.Warn("[Identity] 検証鍵セットの更新に失敗しました。前回の鍵を使い続けます", zap.Error(err))
			}
		}
	}
}

// Verify はトークンを検証してIdentityを返す。
// トークンの欠落・不正・署名不一致・期限切れはすべて認証失敗になる。
// 期限切れかどうかはIsExpiredで判定できる。
func (v *Verifier) Verify(token string) (*Identity, error) {
	token = StripBearer(token)
	if token == "" {
		return nil, fault.Authn("認証情報がありません", nil)
	}

	snapshot := v.keys.Load()
	if snapshot == nil {
		return nil, fault.Authn("検証鍵が読み込まれていません", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, keyFunc(snapshot.Keys), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fault.Authn("トークンの有効期限が切れています", err)
		}
		return nil, fault.Authn("トークンの検証に失敗しました", err)
	}

	return claims.toIdentity(v.clientID), nil
}

// keyFunc はヘッダーのkidに対応する公開鍵を返す。
// kidが無く鍵が1つだけの場合はその鍵を使う。
func keyFunc(set jwk.Set) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		var key jwk.Key
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			k, ok := set.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("kid=%s の鍵が見つかりません", kid)
			}
			key = k
		} else {
			if set.Len() != 1 {
				return nil, errors.New("kidが指定されていません")
			}
			key, _ = set.Key(0)
		}

		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("公開鍵の取り出しに失敗: %w", err)
		}
		return raw, nil
	}
}

// IsExpired は検証失敗の原因が有効期限切れだけであるかを返す。
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

// StripBearer はAuthorization値から "Bearer " 接頭辞を取り除く。
func StripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}
