// Package middleware provides Gin middleware for the Sakha assistant API:
// request logging, API key authentication with user identification, and
// Redis-backed rate limiting.
package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sakha-crm/assistant/pkg/cache"
)

// Context keys set by AuthMiddleware.
const (
	CtxUserID    = "user_id"
	CtxCompanyID = "company_id"
)

// LoggingMiddleware returns a Gin middleware handler that logs request and
// response metadata including method, path, status code, latency, and client IP.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		bodySize := c.Writer.Size()

		if query != "" {
			path = path + "?" + query
		}

		switch {
		case statusCode >= 500:
			log.Printf("[ERROR] %s %s | %d | %v | %s | %d bytes | errors: %s",
				method, path, statusCode, latency, clientIP, bodySize, c.Errors.ByType(gin.ErrorTypePrivate).String())
		case statusCode >= 400:
			log.Printf("[WARN]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		default:
			log.Printf("[INFO]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		}
	}
}

// AuthMiddleware validates the API key and identifies the acting user from
// the X-User-ID header. The key is accepted from X-API-Key or an
// Authorization Bearer header. X-Company-ID scopes lead queries; it defaults
// to "default" for single-tenant deployments.
func AuthMiddleware(expectedKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(expectedKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"kind": "Unauthorized", "message": "invalid or missing API key"},
			})
			return
		}

		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   gin.H{"kind": "Validation", "message": "X-User-ID header is required"},
			})
			return
		}

		companyID := c.GetHeader("X-Company-ID")
		if companyID == "" {
			companyID = "default"
		}

		c.Set(CtxUserID, userID)
		c.Set(CtxCompanyID, companyID)
		c.Next()
	}
}

// RateLimitMiddleware enforces a per-user fixed-window rate limit using
// Redis. Without Redis (nil cache) or on Redis errors requests pass through;
// rate limiting degrades open, authentication does not.
func RateLimitMiddleware(c *cache.Cache, maxRequests int64, window time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}

		key := ctx.GetString(CtxUserID)
		if key == "" {
			key = ctx.ClientIP()
		}

		allowed, err := c.RateLimitCheck(ctx.Request.Context(), key, maxRequests, window)
		if err != nil {
			log.Printf("middleware: rate limit check error: %v", err)
			ctx.Next()
			return
		}

		if !allowed {
			retryAfter := int(window / time.Second)
			ctx.Header("Retry-After", strconv.Itoa(retryAfter))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"kind":              "RateLimited",
					"message":           "Too many requests. Please slow down.",
					"retryAfterSeconds": retryAfter,
				},
			})
			return
		}

		ctx.Next()
	}
}
