package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	logx "notifyd/pkg/logx"
)

const ctxSubject = "auth.subject"

func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panic",
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.Any("panic", r),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal server error"))
			}
		}()
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("route", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		switch {
		case status >= 500:
			log.Warn("http request failed", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

func cors(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o == "*" {
			wildcard = true
		} else if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := set[origin]; ok || (wildcard && origin != "") {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
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

// jwtAuth accepts HS256 bearer tokens signed with secret.
func jwtAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("bearer token required"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid token"))
			return
		}
		c.Set(ctxSubject, claims.Subject)
		c.Next()
	}
}
