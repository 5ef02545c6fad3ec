// Package admin guards operator-only ledger operations. An operator exchanges
// the admin secret (stored as a bcrypt hash) for a short-lived HS256 token
// that the checkpoint endpoint requires.
package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	roleAdmin     = "admin"
	ctxAdminClaim = "ledger_admin_claims"
	issuer        = "medledger"
)

var (
	// ErrDisabled is returned when no admin secret or signing key is configured.
	ErrDisabled = errors.New("admin access is not configured")
	// ErrBadSecret is returned when the presented secret does not match.
	ErrBadSecret = errors.New("invalid admin secret")
)

// Claims are the JWT claims of an admin token.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	Operator string `json:"operator,omitempty"`
}

// Authenticator verifies the admin secret and issues and checks admin tokens.
type Authenticator struct {
	secretHash []byte
	key        []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator. secretHash is a bcrypt hash;
// signingKey signs HS256 tokens. Either being empty disables admin access.
func NewAuthenticator(secretHash, signingKey string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Authenticator{
		secretHash: []byte(secretHash),
		key:        []byte(signingKey),
		ttl:        ttl,
		now:        time.Now,
	}
}

// Enabled reports whether both the secret hash and signing key are set.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secretHash) > 0 && len(a.key) > 0
}

// Exchange checks secret against the configured hash and returns a signed
// token naming operator as its subject.
func (a *Authenticator) Exchange(secret, operator string) (token string, expiresAt time.Time, err error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(secret)); err != nil {
		return "", time.Time{}, ErrBadSecret
	}
	if operator == "" {
		operator = roleAdmin
	}

	now := a.now().UTC()
	expiresAt = now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
		Role:     roleAdmin,
		Operator: operator,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an admin token.
func (a *Authenticator) Verify(tokenStr string) (*Claims, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	tok, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.key, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid admin token claims")
	}
	if claims.Role != roleAdmin {
		return nil, errors.New("admin role required")
	}
	return claims, nil
}

// RequireAdmin returns a gin middleware that enforces a valid admin Bearer
// token and stores its claims on the context.
func (a *Authenticator) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrDisabled.Error()})
			return
		}
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin Bearer token required"})
			return
		}
		claims, err := a.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ctxAdminClaim, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the claims stored by RequireAdmin, or nil.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxAdminClaim)
	claims, _ := v.(*Claims)
	return claims
}

// Handler serves POST /admin/token.
type Handler struct {
	auth   *Authenticator
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(auth *Authenticator, logger *zap.Logger) *Handler {
	return &Handler{auth: auth, logger: logger}
}

// Register mounts the token exchange route.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/admin/token", h.IssueToken)
}

type tokenRequest struct {
	Secret   string `json:"secret" binding:"required"`
	Operator string `json:"operator"`
}

// IssueToken handles POST /admin/token.
//
//	Request:  {"secret": "...", "operator": "dr.ops"}
//	Response: {"token": "...", "token_type": "Bearer", "expires_at": "..."}
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, exp, err := h.auth.Exchange(req.Secret, req.Operator)
	switch {
	case errors.Is(err, ErrDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrBadSecret):
		h.logger.Warn("rejected admin token request", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	h.logger.Info("admin token issued", zap.String("operator", req.Operator), zap.Time("expires_at", exp))
	c.JSON(http.StatusOK, gin.H{
		"token":      tok,
		"token_type": "Bearer",
		"expires_at": exp,
	})
}
