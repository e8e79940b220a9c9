// Package idp はIdP（Keycloak互換）とのトークン交換と管理APIの呼び出しを担う。
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/pkg/httpclient"
)

// DefaultTimeout はIdP呼び出しの既定のタイムアウト。
const DefaultTimeout = 10 * time.Second

// adminTokenSkew は管理トークンを期限より前に取り直すための余裕。
const adminTokenSkew = 30 * time.Second

// CredentialPair はIdPが発行したトークンの組。サーバー側では保存しない。
type CredentialPair struct {
	// AccessToken はアクセストークン。
	AccessToken string
	// RefreshToken はリフレッシュトークン。
	RefreshToken string
	// ExpiresAt はアクセストークンの有効期限。
	ExpiresAt time.Time
	// SessionState はIdPのセッションID（session_state）。
	SessionState string
}

// Config はClientの設定。
type Config struct {
	// Endpoints は接続先エンドポイント。
	Endpoints Endpoints
	// ClientID は利用者向けクライアントID。
	ClientID string
	// ClientSecret は利用者向けクライアントシークレット。
	ClientSecret string
	// AdminClientID は管理トークン取得に使うクライアントID。空なら "admin-cli"。
	AdminClientID string
	// AdminUser は管理ユーザー名。
	AdminUser string
	// AdminPassword は管理ユーザーのパスワード。
	AdminPassword string
	// Timeout は1回の呼び出しのタイムアウト。
	Timeout time.Duration
}

// Client はIdPのトークンエンドポイントと管理APIのクライアント。
type Client struct {
	endpoints Endpoints
	user      *oauth2.Config
	admin     *oauth2.Config
	adminUser string
	adminPass string

	httpClient *http.Client
	api        *httpclient.Client
	logger     *zap.Logger

	mu         sync.Mutex
	adminToken *oauth2.Token
	group      singleflight.Group
}

// New は新しいClientを生成する。
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	adminClientID := cfg.AdminClientID
	if adminClientID == "" {
		adminClientID = "admin-cli"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		endpoints: cfg.Endpoints,
		user: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.Endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		admin: &oauth2.Config{
			ClientID: adminClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.Endpoints.AdminTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		adminUser:  cfg.AdminUser,
		adminPass:  cfg.AdminPassword,
		httpClient: &http.Client{Timeout: timeout},
		api:        httpclient.New(timeout),
		logger:     logger,
	}
}

// oauthContext はoauth2が使うHTTPクライアントをコンテキストに載せる。
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, c.httpClient)
}

// Login はパスワードグラントでトークンを取得する。
// 資格情報の誤り（invalid_grant）は認証失敗、それ以外は上流の失敗になる。
func (c *Client) Login(ctx context.Context, username, password string) (*CredentialPair, error) {
	tok, err := c.user.PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	if err != nil {
		return nil, classify("ログインに失敗しました", err)
	}
	return toPair(tok), nil
}

// Refresh はリフレッシュトークンで新しいトークンの組を取得する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*CredentialPair, error) {
	if refreshToken == "" {
		return nil, fault.Authn("リフレッシュトークンがありません", nil)
	}
	src := c.user.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify("トークンの更新に失敗しました", err)
	}
	return toPair(tok), nil
}

// AdminToken は管理APIを呼ぶためのアクセストークンを返す。
// 期限が近づくまではキャッシュを返し、同時に来た取得要求は1回にまとめる。
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if t := c.adminToken; t != nil && t.Expiry.After(time.Now().Add(adminTokenSkew)) {
		c.mu.Unlock()
		return t.AccessToken, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("admin", func() (any, error) {
		tok, err := c.admin.PasswordCredentialsToken(c.oauthContext(ctx), c.adminUser, c.adminPass)
		if err != nil {
			return nil, classify("管理トークンの取得に失敗しました", err)
		}
		c.mu.Lock()
		c.adminToken = tok
		c.mu.Unlock()
		c.logger.Debug("[IdP] 管理トークンを取得しました", zap.Time("expiry", tok.Expiry))
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateAdminToken はキャッシュした管理トークンを破棄する。
func (c *Client) invalidateAdminToken() {
	c.mu.Lock()
	c.adminToken = nil
	c.mu.Unlock()
}

// UpdateUser は管理APIでユーザー表現を部分更新する。patchには変更するフィールドのみを含める。
func (c *Client) UpdateUser(ctx context.Context, subject string, patch map[string]any) error {
	if subject == "" {
		return fault.UpstreamErr("更新対象のユーザーが指定されていません", nil)
	}

	token, err := c.AdminToken(ctx)
	if err != nil {
		return fault.UpstreamErr("管理トークンを取得できませんでした", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	resp, err := c.api.PutJSON(ctx, c.endpoints.AdminUsersURL+"/"+url.PathEscape(subject), header, patch)
	if err != nil {
		return fault.UpstreamErr("IdPへのユーザー更新要求に失敗しました", err)
	}
	if !resp.OK() {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateAdminToken()
		}
		fe := fault.UpstreamErr("IdPでのユーザー更新に失敗しました", fmt.Errorf("status=%d", resp.StatusCode))
		fe.Status = resp.StatusCode
		fe.Body = resp.Body
		return fe
	}
	return nil
}

// FindSubject はuser_id属性からIdP上のユーザーID（sub）を検索する。
// 該当ユーザーがいない場合も上流の失敗として扱う。
func (c *Client) FindSubject(ctx context.Context, userID string) (string, error) {
	token, err := c.AdminToken(ctx)
	if err != nil {
		return "", fault.UpstreamErr("管理トークンを取得できませんでした", err)
	}

	q := url.Values{}
	q.Set("q", "user_id:"+userID)
	q.Set("exact", "true")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "application/json")

	resp, err := c.api.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    c.endpoints.AdminUsersURL + "?" + q.Encode(),
		Header: header,
	})
	if err != nil {
		return "", fault.UpstreamErr("IdPへのユーザー検索要求に失敗しました", err)
	}
	if !resp.OK() {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateAdminToken()
		}
		return "", fault.UpstreamErr("IdPでのユーザー検索に失敗しました", fmt.Errorf("status=%d", resp.StatusCode))
	}

	var users []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &users); err != nil {
		return "", fault.UpstreamErr("ユーザー検索結果の解析に失敗しました", err)
	}
	if len(users) == 0 || users[0].ID == "" {
		return "", fault.UpstreamErr("IdPに該当するユーザーがいません", fmt.Errorf("user_id=%s", userID))
	}
	return users[0].ID, nil
}

// toPair はoauth2のトークンをCredentialPairに変換する。
func toPair(tok *oauth2.Token) *CredentialPair {
	pair := &CredentialPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if s, ok := tok.Extra("session_state").(string); ok {
		pair.SessionState = s
	}
	return pair
}

// classify はトークンエンドポイントのエラーを分類する。
func classify(message string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return fault.Authn(message, err)
	}
	return fault.UpstreamErr(message, err)
}
