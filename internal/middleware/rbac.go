// rbac.go implements scope-based authorization middleware.
//
// Scopes arrive in the bearer token issued by the membership platform, or are granted
// implicitly to a signing-link holder for the one contract the link was issued for.

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/membershiphub/esign/internal/auth"
)

// callerScopes reads the scopes placed in the context by AuthMiddleware, aborting with 403
// when they are missing or malformed
func callerScopes(c *gin.Context) ([]string, bool) {
	scopesVal, exists := c.Get(ContextKeyScopes)
	if !exists {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
		})
		return nil, false
	}

	userScopes, ok := scopesVal.([]string)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Invalid scopes format",
		})
		return nil, false
	}
	return userScopes, true
}

// RequireScope checks if the caller has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := callerScopes(c)
		if !ok {
			return
		}

		if !auth.HasScope(userScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks if the caller has at least one of the required scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := callerScopes(c)
		if !ok {
			return
		}

		if !auth.HasAnyScope(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}

		c.Next()
	}
}

// RequireAllScopes checks if the caller has all of the required scopes
func RequireAllScopes(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := callerScopes(c)
		if !ok {
			return
		}

		if !auth.HasAllScopes(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing one or more required scopes",
			})
			return
		}

		c.Next()
	}
}

// RequireUser rejects signing-link callers from routes that need a platform account
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserIDFromContext(c) == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "This action requires a member account",
			})
			return
		}
		c.Next()
	}
}
