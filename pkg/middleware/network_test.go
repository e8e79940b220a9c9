package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestTrustedNetwork(t *testing.T) {
	t.Parallel()

	prefixes, err := ParsePrefixes(DefaultTrustedNetworks)
	if err != nil {
		t.Fatalf("既定のアドレス範囲のパースに失敗: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		wantStatus int
	}{
		{name: "ループバックからの呼び出しを通すこと", remoteAddr: "127.0.0.1:5000", wantStatus: http.StatusOK},
		{name: "プライベートアドレスからの呼び出しを通すこと", remoteAddr: "10.1.2.3:5000", wantStatus: http.StatusOK},
		{name: "IPv6のユニークローカルアドレスを通すこと", remoteAddr: "[fd00::1]:5000", wantStatus: http.StatusOK},
		{name: "IPv4射影アドレスもIPv4として判定すること", remoteAddr: "[::ffff:192.168.0.5]:5000", wantStatus: http.StatusOK},
		{name: "外部アドレスからの呼び出しを拒否すること", remoteAddr: "203.0.113.9:5000", wantStatus: http.StatusForbidden},
		{
			name: "X-Forwarded-Forで内部アドレスを名乗っても拒否すること", remoteAddr: "203.0.113.9:5000",
			forwarded: "10.0.0.1", wantStatus: http.StatusForbidden,
		},
		{name: "パースできない接続元は拒否すること", remoteAddr: "pipe", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			router := gin.New()
			router.POST("/oapi-inner/v1/accounts/verify-email", TrustedNetwork(prefixes, nil), func(c *gin.Context) {
				called = true
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/oapi-inner/v1/accounts/verify-email", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("後続ハンドラの呼び出し: got %v", called)
			}
		})
	}

	t.Run("拒否時は指定したハンドラで応答すること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.GET("/inner", TrustedNetwork(prefixes, func(c *gin.Context) {
			c.JSON(http.StatusForbidden, gin.H{"errorType": "AuthorizationFailure"})
		}), func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/inner", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Fatalf("ステータスコード: got %d", w.Code)
		}
		if got := w.Body.String(); got != `{"errorType":"AuthorizationFailure"}` {
			t.Errorf("応答ボディ: got %s", got)
		}
	})
}

func TestParsePrefixes(t *testing.T) {
	t.Parallel()

	t.Run("CIDRでない値はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := ParsePrefixes([]string{"10.0.0.0/8", "10.0.0.1"}); err == nil {
			t.Error("エラーになるべき")
		}
	})

	t.Run("ホスト部はマスクされること", func(t *testing.T) {
		t.Parallel()

		got, err := ParsePrefixes([]string{"192.168.1.7/24"})
		if err != nil {
			t.Fatalf("パースに失敗: %v", err)
		}
		if got[0].String() != "192.168.1.0/24" {
			t.Errorf("プレフィックス: got %s", got[0])
		}
	})
}
