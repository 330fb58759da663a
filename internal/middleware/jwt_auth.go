package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/capability-router/internal/config"
	"github.com/mir00r/capability-router/pkg/logger"
)

// JWTAuthMiddleware validates HMAC-signed bearer tokens on the admin API.
// Any valid token may read; mutating methods additionally need the admin role.
type JWTAuthMiddleware struct {
	config      config.AuthConfig
	logger      *logger.Logger
	publicPaths map[string]struct{}

	accepted int64
	rejected int64
	denied   int64
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role
func (c *JWTClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NewJWTAuthMiddleware creates the middleware. Requests to publicPaths
// bypass authentication.
func NewJWTAuthMiddleware(cfg config.AuthConfig, log *logger.Logger, publicPaths ...string) (*JWTAuthMiddleware, error) {
	if cfg.Enabled && cfg.Secret == "" {
		return nil, fmt.Errorf("jwt auth enabled without a secret")
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = "admin"
	}

	jm := &JWTAuthMiddleware{
		config:      cfg,
		logger:      log.MiddlewareLogger("jwt_auth"),
		publicPaths: make(map[string]struct{}, len(publicPaths)),
	}
	for _, p := range publicPaths {
		jm.publicPaths[p] = struct{}{}
	}

	jm.logger.WithFields(map[string]interface{}{
		"enabled":      cfg.Enabled,
		"issuer":       cfg.Issuer,
		"public_paths": len(publicPaths),
	}).Info("JWT authentication middleware initialized")
	return jm, nil
}

// JWTAuth returns the JWT authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !jm.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if _, public := jm.publicPaths[r.URL.Path]; public {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				atomic.AddInt64(&jm.rejected, 1)
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				jm.writeJWTError(w, "authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				atomic.AddInt64(&jm.rejected, 1)
				jm.logger.WithFields(map[string]interface{}{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				jm.writeJWTError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if mutating(r.Method) && !claims.HasRole(jm.config.AdminRole) {
				atomic.AddInt64(&jm.denied, 1)
				jm.logger.WithFields(map[string]interface{}{
					"subject":       claims.Subject,
					"roles":         claims.Roles,
					"required_role": jm.config.AdminRole,
					"path":          r.URL.Path,
				}).Warn("Insufficient roles for access")
				writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
				return
			}

			atomic.AddInt64(&jm.accepted, 1)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Claims returns the validated token claims of the request, if any
func Claims(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*JWTClaims)
	return claims, ok
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jm.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if jm.config.Issuer != "" && !claims.VerifyIssuer(jm.config.Issuer, true) {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}

// IssueToken signs a token for subject with roles. Used by operators and tests.
func (jm *JWTAuthMiddleware) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jm.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jm.config.Secret))
}

func (jm *JWTAuthMiddleware) writeJWTError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, statusCode, "UNAUTHORIZED", message)
}

// GetStats returns JWT authentication statistics
func (jm *JWTAuthMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"enabled":    jm.config.Enabled,
		"issuer":     jm.config.Issuer,
		"admin_role": jm.config.AdminRole,
		"accepted":   atomic.LoadInt64(&jm.accepted),
		"rejected":   atomic.LoadInt64(&jm.rejected),
		"denied":     atomic.LoadInt64(&jm.denied),
	}
}
