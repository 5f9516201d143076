package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oroshi/shopver/app/dto"
	"github.com/oroshi/shopver/config"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// AdminAuthMiddleware protects administrative endpoints. Two credential
// forms are accepted: a Bearer JWT signed with the shared admin secret, or
// an X-API-Key header checked against the configured bcrypt hash.
type AdminAuthMiddleware struct {
	cfg *config.AdminConfig
}

// NewAdminAuthMiddleware creates a new admin authentication middleware
func NewAdminAuthMiddleware(cfg *config.AdminConfig) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{cfg: cfg}
}

// Authenticate validates admin credentials on the request.
func (m *AdminAuthMiddleware) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		if apiKey := c.Get("X-API-Key"); apiKey != "" {
			if m.cfg.APIKeyHash == "" {
				return m.unauthorized(c, "API_KEY_NOT_CONFIGURED", "API key authentication is not configured")
			}
			if err := bcrypt.CompareHashAndPassword([]byte(m.cfg.APIKeyHash), []byte(apiKey)); err != nil {
				return m.unauthorized(c, "API_KEY_INVALID", "Invalid API key")
			}
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return m.unauthorized(c, "MISSING_CREDENTIALS", "Authorization header or X-API-Key is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return m.unauthorized(c, "INVALID_AUTHORIZATION_FORMAT", "Invalid authorization header format. Expected 'Bearer <token>'")
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return m.unauthorized(c, "MISSING_ACCESS_TOKEN", "Access token is required")
		}

		if err := m.validateToken(token); err != nil {
			if errors.Is(err, ErrTokenExpired) {
				return m.unauthorized(c, "TOKEN_EXPIRED", "Access token has expired")
			}
			return m.unauthorized(c, "TOKEN_INVALID", "Invalid access token")
		}

		return c.Next()
	}
}

func (m *AdminAuthMiddleware) validateToken(tokenString string) error {
	if m.cfg.JWTSecret == "" {
		return ErrTokenInvalid
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.cfg.JWTSecret), nil
	}, jwt.WithIssuer(m.cfg.JWTIssuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}

	return nil
}

func (m *AdminAuthMiddleware) unauthorized(c fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code: code,
		},
	})
}
