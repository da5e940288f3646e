package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// The API only serves these verbs; settings are replaced with PUT.
const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, X-Request-ID"
)

type CORSConfig struct {
	// AllowOrigins lists exact origins, or "*" for any.
	AllowOrigins []string
	MaxAge       time.Duration
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		MaxAge:       24 * time.Hour,
	}
}

// CORS answers preflight requests itself. Requests from an origin outside
// AllowOrigins get no CORS headers, and their preflight is refused.
func CORS(config CORSConfig) gin.HandlerFunc {
	anyOrigin := slices.Contains(config.AllowOrigins, "*")
	maxAge := strconv.Itoa(int(config.MaxAge.Seconds()))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		c.Header("Vary", "Origin")

		allowed := anyOrigin || slices.Contains(config.AllowOrigins, origin)
		preflight := c.Request.Method == http.MethodOptions
		if !allowed {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		if anyOrigin {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if preflight {
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Max-Age", maxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
