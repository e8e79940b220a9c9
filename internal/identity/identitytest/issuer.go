// Package identitytest はテスト用のトークン発行者を提供する。
// RSA鍵で署名したアクセストークンと、対応するJWKSを返す。
package identitytest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyID はテスト鍵のkid。
const KeyID = "test-key-1"

// Issuer はテスト用のトークン発行者。
type Issuer struct {
	key  *rsa.PrivateKey
	keys jwk.Set
}

// NewIssuer はRSA鍵ペアを生成して発行者を返す。
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("RSA鍵の生成に失敗: %v", err)
	}
	pub, err := jwk.FromRaw(priv.PublicKey)
	if err != nil {
		t.Fatalf("JWKの生成に失敗: %v", err)
	}
	_ = pub.Set(jwk.KeyIDKey, KeyID)
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = pub.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("鍵セットへの追加に失敗: %v", err)
	}
	return &Issuer{key: priv, keys: set}
}

// Keys は公開鍵セットを返す。
func (i *Issuer) Keys() jwk.Set {
	return i.keys
}

// Fetch は公開鍵セットをそのまま返す。identity.Fetcher を満たす。
func (i *Issuer) Fetch(context.Context) (jwk.Set, error) {
	return i.keys, nil
}

// JWKSHandler はJWKSを返すHTTPハンドラ。
func (i *Issuer) JWKSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(i.keys)
	})
}

// User はトークンに載せるユーザー情報。
type User struct {
	Subject     string
	UserID      int64
	Login       string
	Email       string
	Nickname    string
	RealmRoles  []string
	ClientID    string
	ClientRoles []string
}

// Sign はユーザー情報をクレームにして署名済みトークンを返す。ttlが負なら期限切れトークンになる。
func (i *Issuer) Sign(t testing.TB, u User, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":                u.Subject,
		"iat":                now.Add(-time.Minute).Unix(),
		"exp":                now.Add(ttl).Unix(),
		"preferred_username": u.Login,
		"email":              u.Email,
		"email_verified":     true,
		"nickname":           u.Nickname,
		"user_id":            u.UserID,
		"realm_access":       map[string]any{"roles": u.RealmRoles},
	}
	if u.ClientID != "" {
		claims["resource_access"] = map[string]any{
			u.ClientID: map[string]any{"roles": u.ClientRoles},
		}
	}
	return i.SignClaims(t, claims)
}

// SignClaims は任意のクレームに署名する。
func (i *Issuer) SignClaims(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = KeyID
	signed, err := token.SignedString(i.key)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}
