package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bus-tracker/internal/auth"
	"bus-tracker/internal/tracking"
)

const (
	claimsKey = "claims"
	grantKey  = "grant"
)

// authenticate verifies the bearer token and stores its claims in the context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authorization header is required"})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid token format"})
			return
		}

		claims, err := s.tokens.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid or expired token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// authorize runs the single capability check for the vehicle in the path and
// hands the resulting grant to the handler.
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.MustGet(claimsKey).(*auth.Claims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "claims missing"})
			return
		}
		v, err := s.tracker.Vehicle(c.Request.Context(), c.Param("code"))
		if err != nil {
			writeError(c, err)
			return
		}
		if !claims.CanOperate(v.Vehicle) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "Not authorized to operate this vehicle"})
			return
		}
		c.Set(grantKey, tracking.Allow(claims.Subject))
		c.Next()
	}
}

func grantFrom(c *gin.Context) tracking.Grant {
	g, _ := c.Get(grantKey)
	grant, _ := g.(tracking.Grant)
	return grant
}
