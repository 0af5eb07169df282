package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"autofutures/logger"
	"autofutures/metrics"
)

const contextUserIDKey = "user_id"

// requestLogger 请求日志中间件
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// WebSocket 升级后的长连接不记录耗时
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}
		logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// requestMetrics 请求指标中间件
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// authMiddleware JWT 认证中间件，通过后把用户 ID 放进上下文
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "缺少认证凭证"})
			return
		}

		userID, err := s.parseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "认证凭证无效或已过期"})
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

// currentUserID 从上下文取当前用户 ID
func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(contextUserIDKey)
}
