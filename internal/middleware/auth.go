package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

const callerIDKey = "caller_id"

// Claims are issued by the Identity Provider for a verified session
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Auth requires an HS256 bearer token and stores the caller's account id
// (the verified email) in the gin context.
func Auth(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(strings.TrimSpace(tokenString), claims, func(t *jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			abortUnauthorized(c, msg)
			return
		}

		caller := claims.Email
		if caller == "" {
			caller = claims.Subject
		}
		caller = domain.NormalizeAccountID(caller)
		if caller == "" {
			abortUnauthorized(c, "token does not name an account")
			return
		}

		c.Set(callerIDKey, caller)
		c.Request = c.Request.WithContext(telemetry.WithLogAttrs(c.Request.Context(), "caller_id", caller))
		c.Next()
	}
}

// CallerID returns the authenticated account id, or "" when Auth did not run
func CallerID(c *gin.Context) string {
	return c.GetString(callerIDKey)
}

// IssueToken signs a session token for email. Used by tests and local tooling.
func IssueToken(secret []byte, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  "UNAUTHORIZED",
	})
}
