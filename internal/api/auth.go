package api

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// identityContextKey is where the parsed claims live on the echo context.
const identityContextKey = "identity"

// IdentityClaims is the slice of the identity service's token this backend
// consumes: who the caller is and how to display them. Issuing these tokens
// is out of scope here.
type IdentityClaims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	jwt.RegisteredClaims
}

// ParseIdentity validates an HS256 bearer token from the identity service.
func ParseIdentity(token, secret string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse identity token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid identity token")
	}
	return claims, nil
}

// identityMiddleware attaches claims from a Bearer token when one is
// presented. Requests without a token pass through: endpoints that need the
// identity enforce it themselves.
func (s *Server) identityMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.opts.JWTSecret == "" {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return next(c)
			}

			claims, err := ParseIdentity(token, s.opts.JWTSecret)
			if err != nil {
				return c.JSON(401, map[string]string{"message": "invalid token"})
			}
			c.Set(identityContextKey, claims)
			return next(c)
		}
	}
}

// identityFrom returns the attached claims, or nil for anonymous requests.
func identityFrom(c echo.Context) *IdentityClaims {
	claims, _ := c.Get(identityContextKey).(*IdentityClaims)
	return claims
}
