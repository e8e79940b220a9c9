package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID はリクエストIDを運ぶヘッダー。
const HeaderRequestID = "X-Request-Id"

// contextKeyRequestID はgin.Contextに保存するリクエストIDのキー。
const contextKeyRequestID = "request_id"

// RequestID は受信したリクエストIDを引き継ぎ、無ければUUIDを払い出す。
// 払い出したIDは応答ヘッダーにも設定する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
			c.Request.Header.Set(HeaderRequestID, id)
		}
		c.Set(contextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はRequestIDミドルウェアが設定したIDを返す。
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}

// Logger はリクエストごとに1行のアクセスログを出力する。
// 資格情報を含むクエリやヘッダーは出力しない。
func Logger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", GetRequestID(c)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Warn("[HTTP] リクエスト", fields...)
		default:
			logger.Info("[HTTP] リクエスト", fields...)
		}
	}
}
