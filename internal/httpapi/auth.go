package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// operatorClaims is the minimal claim set for a control-verb bearer
// token: a single operator subject, no roles or per-key scoping.
// Trimmed from internal/auth's JWTClaims, which carries user/API-key
// identity for a multi-tenant dashboard this pipeline does not have.
type operatorClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies operator bearer tokens against one
// shared HMAC secret (spec §6: "mutating control verbs require a
// bearer token").
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds a TokenIssuer. ttl defaults to 12h.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed token for operator.
func (t *TokenIssuer) Issue(operator string) (string, error) {
	now := time.Now()
	claims := operatorClaims{
		Subject: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// verify parses and validates a bearer token, returning its subject.
func (t *TokenIssuer) verify(raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &operatorClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*operatorClaims)
	if !ok || !parsed.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// RequireOperator enforces a valid bearer token on mutating routes,
// grounded on internal/api/middleware/auth.go's RequireAuth shape but
// reduced to the one operator identity this pipeline recognizes.
func (t *TokenIssuer) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		operator, err := t.verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set("operator", operator)
		c.Next()
	}
}
