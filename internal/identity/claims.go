package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// access はrealm_access / resource_access 内のロール一覧。
type access struct {
	Roles []string `json:"roles"`
}

// userIDClaim はuser_idクレーム。IdPのマッパー設定により数値と文字列のどちらでも届く。
type userIDClaim int64

// UnmarshalJSON は数値または数字文字列を受け付ける。
func (u *userIDClaim) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("user_idの解析に失敗: %w", err)
		}
		*u = userIDClaim(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("user_idの解析に失敗: %w", err)
	}
	*u = userIDClaim(v)
	return nil
}

// tokenClaims はアクセストークンのクレーム。
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string            `json:"preferred_username"`
	Email             string            `json:"email"`
	EmailVerified     bool              `json:"email_verified"`
	Nickname          string            `json:"nickname"`
	FamilyName        string            `json:"family_name"`
	UserID            userIDClaim       `json:"user_id"`
	RealmAccess       access            `json:"realm_access"`
	ResourceAccess    map[string]access `json:"resource_access"`
}

// toIdentity はクレームをIdentityに変換する。
// clientIDが空の場合は全クライアントのロールを合算する。
func (c *tokenClaims) toIdentity(clientID string) *Identity {
	nickname := c.Nickname
	if nickname == "" {
		nickname = c.FamilyName
	}

	var clientRoles []string
	if clientID != "" {
		clientRoles = c.ResourceAccess[clientID].Roles
	} else {
		for _, a := range c.ResourceAccess {
			clientRoles = append(clientRoles, a.Roles...)
		}
	}

	return New(
		c.Subject,
		int64(c.UserID),
		c.PreferredUsername,
		c.Email,
		c.EmailVerified,
		nickname,
		c.RealmAccess.Roles,
		clientRoles,
	)
}
