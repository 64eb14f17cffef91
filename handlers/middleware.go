package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/incidentops/courier/internal/config"
)

// AuthMiddleware guards the API. Callers present either the static API token
// or an HS256 JWT signed with the configured secret. With neither configured
// the API runs open (local development).
type AuthMiddleware struct {
	APIToken  string
	JWTSecret string
}

func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{
		APIToken:  config.App.APIToken,
		JWTSecret: config.App.JWTSecret,
	}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.APIToken == "" && m.JWTSecret == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		token, err := extractBearerToken(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		if m.APIToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.APIToken)) == 1 {
			c.Set("auth_subject", "api-token")
			c.Next()
			return
		}

		if m.JWTSecret != "" {
			if subject, err := m.validateJWT(token); err == nil {
				c.Set("auth_subject", subject)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		c.Abort()
	}
}

func extractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("authorization header must be Bearer token")
	}
	return strings.TrimSpace(parts[1]), nil
}

func (m *AuthMiddleware) validateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	subject, _ := claims["sub"].(string)
	return subject, nil
}
