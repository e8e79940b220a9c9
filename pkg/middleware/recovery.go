package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery はハンドラー内のパニックを捕まえ、エラーエンベロープと同じ形の500を返す。
// 資格情報が漏れないよう、ログにはヘッダーを出さずリクエストIDだけを残す。
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("[PANIC] リクエスト処理中にパニックが発生しました",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("request_id", GetRequestID(c)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message":   "内部サーバーエラーが発生しました",
				"errorType": "InternalError",
			})
		}()
		c.Next()
	}
}
