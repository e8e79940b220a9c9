package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(origins []string, called *bool) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	handler := func(c *gin.Context) {
		if called != nil {
			*called = true
		}
		c.Status(http.StatusOK)
	}
	router.GET("/oapi/v1/accounts/user", handler)
	router.OPTIONS("/oapi/v1/accounts/user", handler)
	return router
}

func TestCORS(t *testing.T) {
	t.Parallel()

	frontend := []string{"http://localhost:3000", "https://bookshelf.example.com"}

	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantStatus int
		wantAllow  string
		wantCalled bool
	}{
		{
			name: "許可されたオリジンのGETにCORSヘッダーが付くこと", origins: frontend,
			origin: "https://bookshelf.example.com", method: http.MethodGet,
			wantStatus: http.StatusOK, wantAllow: "https://bookshelf.example.com", wantCalled: true,
		},
		{
			name: "許可されていないオリジンにはCORSヘッダーが付かないこと", origins: frontend,
			origin: "https://evil.example.com", method: http.MethodGet,
			wantStatus: http.StatusOK, wantCalled: true,
		},
		{
			name: "Originが無ければCORSヘッダーが付かないこと", origins: frontend,
			method: http.MethodGet, wantStatus: http.StatusOK, wantCalled: true,
		},
		{
			name: "空の許可リストでは何も許可しないこと", origins: nil,
			origin: "http://localhost:3000", method: http.MethodGet,
			wantStatus: http.StatusOK, wantCalled: true,
		},
		{
			name: "プリフライトは204で打ち切られハンドラーに届かないこと", origins: frontend,
			origin: "http://localhost:3000", method: http.MethodOptions,
			wantStatus: http.StatusNoContent, wantAllow: "http://localhost:3000",
		},
		{
			name: "許可されていないオリジンのプリフライトも204になること", origins: frontend,
			origin: "https://evil.example.com", method: http.MethodOptions,
			wantStatus: http.StatusNoContent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			router := newCORSRouter(tt.origins, &called)
			req := httptest.NewRequest(tt.method, "/oapi/v1/accounts/user", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if called != tt.wantCalled {
				t.Errorf("ハンドラー呼び出し = %v, want %v", called, tt.wantCalled)
			}
		})
	}

	t.Run("資格情報を受け渡すためのヘッダーが許可と公開に含まれること", func(t *testing.T) {
		t.Parallel()

		router := newCORSRouter(frontend, nil)
		req := httptest.NewRequest(http.MethodGet, "/oapi/v1/accounts/user", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		allow := w.Header().Get("Access-Control-Allow-Headers")
		for _, h := range []string{"Authorization", "Refresh", "username", "password", "New-Nickname"} {
			if !strings.Contains(allow, h) {
				t.Errorf("Access-Control-Allow-Headers = %q, %sを含むべき", allow, h)
			}
		}
		expose := w.Header().Get("Access-Control-Expose-Headers")
		for _, h := range []string{"Authorization", "Refresh", "X-Session-ID", "X-User-ID"} {
			if !strings.Contains(expose, h) {
				t.Errorf("Access-Control-Expose-Headers = %q, %sを含むべき", expose, h)
			}
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q, want %q", got, "Origin")
		}
	})
}
