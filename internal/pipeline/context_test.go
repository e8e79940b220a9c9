package pipeline

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRequestContext(t *testing.T) {
	t.Parallel()

	t.Run("ヘッダーの資格情報が優先されること", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest("POST", "/oapi/v1/accounts/user?x=1", strings.NewReader(`{"a":1}`))
		r.Header.Set("Authorization", "Bearer header-token")
		r.Header.Set("Cookie", "Authorization=cookie-token; Refresh=cookie-refresh")
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-Debug", "true")

		rc, err := NewRequestContext(r, map[string]string{"id": "5"})
		if err != nil {
			t.Fatalf("NewRequestContext() error = %v", err)
		}
		if rc.AccessToken != "header-token" {
			t.Errorf("AccessToken = %q", rc.AccessToken)
		}
		if rc.RefreshToken != "cookie-refresh" {
			t.Errorf("RefreshToken = %q", rc.RefreshToken)
		}
		if !rc.Debug {
			t.Error("Debug = false, want true")
		}
		if string(rc.Body) != `{"a":1}` || rc.ContentType != "application/json" {
			t.Errorf("Body = %q ContentType = %q", rc.Body, rc.ContentType)
		}
		if rc.Param("id") != "5" || rc.Query.Get("x") != "1" {
			t.Errorf("Params = %v Query = %v", rc.Params, rc.Query)
		}
	})

	t.Run("X-Debugが真偽値でなければ無効になること", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Debug", "yes please")
		rc, err := NewRequestContext(r, nil)
		if err != nil {
			t.Fatalf("NewRequestContext() error = %v", err)
		}
		if rc.Debug {
			t.Error("Debug = true, want false")
		}
	})

	t.Run("未認証ならX-User-IDヘッダーをユーザーIDとして使うこと", func(t *testing.T) {
		t.Parallel()

		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("X-User-ID", "9")
		rc, _ := NewRequestContext(r, nil)
		if rc.UserID() != "9" {
			t.Errorf("UserID() = %q, want 9", rc.UserID())
		}
	})
}
