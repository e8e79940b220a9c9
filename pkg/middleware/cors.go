package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultAllowHeaders はゲートウェイが受け付けるリクエストヘッダー。
var DefaultAllowHeaders = []string{
	"Authorization", "Refresh", "Content-Type", "X-Request-Id",
	"username", "password", "Token", "X-Debug",
	"New-Username", "New-Nickname", "X-Account-Banned",
}

// DefaultExposeHeaders はブラウザから読める応答ヘッダー。
var DefaultExposeHeaders = []string{
	"Authorization", "Refresh", "X-Session-ID", "X-User-ID", "X-Request-Id",
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// 発行した資格情報をフロントエンドが読めるよう、Cookieの送信と応答ヘッダーの公開を許可する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}
	allowHeaders := strings.Join(DefaultAllowHeaders, ", ")
	exposeHeaders := strings.Join(DefaultExposeHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := originsSet[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
