package idp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Endpoints はIdPの各エンドポイントURL。
type Endpoints struct {
	// TokenURL は利用者向けレルムのトークンエンドポイント。
	TokenURL string
	// JWKSURL は検証鍵セットのエンドポイント。
	JWKSURL string
	// AdminTokenURL は管理レルムのトークンエンドポイント。
	AdminTokenURL string
	// AdminUsersURL は管理APIのユーザーコレクションURL。末尾にユーザーIDを付けて使う。
	AdminUsersURL string
}

// KeycloakEndpoints はKeycloakのURL規約に従ってエンドポイントを組み立てる。
func KeycloakEndpoints(baseURL, realm, adminRealm string) Endpoints {
	base := strings.TrimRight(baseURL, "/")
	if adminRealm == "" {
		adminRealm = "master"
	}
	return Endpoints{
		TokenURL:      base + "/realms/" + realm + "/protocol/openid-connect/token",
		JWKSURL:       base + "/realms/" + realm + "/protocol/openid-connect/certs",
		AdminTokenURL: base + "/realms/" + adminRealm + "/protocol/openid-connect/token",
		AdminUsersURL: base + "/admin/realms/" + realm + "/users",
	}
}

// DiscoverEndpoints はレルムのOIDCディスカバリ文書からトークンとJWKSのURLを取得する。
// 管理APIはディスカバリ文書に載らないためKeycloakの規約で補う。
func DiscoverEndpoints(ctx context.Context, client *http.Client, baseURL, realm, adminRealm string) (Endpoints, error) {
	eps := KeycloakEndpoints(baseURL, realm, adminRealm)
	issuer := strings.TrimRight(baseURL, "/") + "/realms/" + realm

	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("OIDCディスカバリに失敗: %w", err)
	}

	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return Endpoints{}, fmt.Errorf("ディスカバリ文書の解析に失敗: %w", err)
	}

	eps.TokenURL = provider.Endpoint().TokenURL
	if meta.JWKSURI != "" {
		eps.JWKSURL = meta.JWKSURI
	}
	return eps, nil
}
