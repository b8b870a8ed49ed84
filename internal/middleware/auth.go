// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, request tracing, metrics and security headers.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → Auth → RateLimit → RBAC → Handler
//
// Security headers run early so they appear on all responses including errors.
// Rate limiting runs after auth so authenticated callers are limited per identity
// rather than per shared IP. RBAC reads the scopes that auth placed in the context.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/signing"
)

// Context keys set by AuthMiddleware
const (
	ContextKeyUserID     = "user_id"
	ContextKeyEmail      = "email"
	ContextKeyScopes     = "scopes"
	ContextKeyAuthMethod = "auth_method"
	ContextKeyRecipient  = "recipient"

	AuthMethodJWT          = "jwt"
	AuthMethodSigningToken = "signing_token"

	// SigningTokenHeader carries a signing-link token when it is not passed as ?token=
	SigningTokenHeader = "X-Signing-Token"
)

// signingLinkScopes are granted to a caller holding a valid signing-link token
var signingLinkScopes = []string{string(auth.ScopeContractsSign), string(auth.ScopeContractsRead)}

// SigningTokenAuthorizer resolves a signing-link token to the invitation it was issued for
type SigningTokenAuthorizer interface {
	AuthorizeSigningToken(ctx context.Context, contractID, token string) (*models.ContractRecipient, error)
}

// AuthMiddleware authenticates the caller with a bearer JWT issued by the membership
// platform. When no Authorization header is present and signer is non-nil, a signing-link
// token scoped to the :id contract is accepted instead.
func AuthMiddleware(signer SigningTokenAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			authenticateJWT(c, authHeader)
			return
		}

		token := signingToken(c)
		if signer == nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		contractID := c.Param("id")
		if contractID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Signing links are only valid for a single contract",
			})
			return
		}

		rec, err := signer.AuthorizeSigningToken(c.Request.Context(), contractID, token)
		if err != nil {
			var validation *signing.ValidationError
			if errors.Is(err, signing.ErrInvalidSigningToken) || errors.As(err, &validation) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": signing.ErrInvalidSigningToken.Error(),
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
			})
			return
		}

		c.Set(ContextKeyRecipient, rec)
		c.Set(ContextKeyEmail, rec.RecipientEmail)
		c.Set(ContextKeyAuthMethod, AuthMethodSigningToken)
		c.Set(ContextKeyScopes, signingLinkScopes)
		c.Next()
	}
}

func authenticateJWT(c *gin.Context, header string) {
	token, err := auth.ExtractBearerToken(header)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": err.Error(),
		})
		return
	}

	claims, err := auth.ValidateJWT(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
		return
	}

	scopes := claims.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	c.Set(ContextKeyUserID, claims.UserID)
	c.Set(ContextKeyEmail, claims.Email)
	c.Set(ContextKeyAuthMethod, AuthMethodJWT)
	c.Set(ContextKeyScopes, scopes)
	c.Next()
}

// OptionalAuthMiddleware populates the identity from a valid bearer JWT and otherwise lets
// the request through anonymously
func OptionalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Next()
			return
		}
		if claims, err := auth.ValidateJWT(token); err == nil {
			c.Set(ContextKeyUserID, claims.UserID)
			c.Set(ContextKeyEmail, claims.Email)
			c.Set(ContextKeyAuthMethod, AuthMethodJWT)
			c.Set(ContextKeyScopes, claims.Scopes)
		}
		c.Next()
	}
}

func signingToken(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader(SigningTokenHeader)); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

// UserIDFromContext returns the authenticated user, or "" for signing-link callers
func UserIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// RecipientFromContext returns the invitation behind a signing-link caller, or nil
func RecipientFromContext(c *gin.Context) *models.ContractRecipient {
	v, ok := c.Get(ContextKeyRecipient)
	if !ok {
		return nil
	}
	rec, _ := v.(*models.ContractRecipient)
	return rec
}

// ScopesFromContext returns the caller's scopes
func ScopesFromContext(c *gin.Context) []string {
	v, ok := c.Get(ContextKeyScopes)
	if !ok {
		return nil
	}
	scopes, _ := v.([]string)
	return scopes
}
