package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Ensure Adapter implements AuthAdapter
var _ driven.AuthAdapter = (*Adapter)(nil)

const issuer = "marketplace-orchestrator"

// jwtClaims wraps domain.AgentClaims for JWT compatibility
type jwtClaims struct {
	AgentID string `json:"agent_id"`
	Scope   string `json:"scope"`
	jwt.RegisteredClaims
}

// Adapter signs and validates agent bearer tokens with HS256
type Adapter struct {
	jwtSecret []byte
}

// NewAdapter creates a new auth adapter with the given JWT secret
func NewAdapter(jwtSecret string) *Adapter {
	return &Adapter{jwtSecret: []byte(jwtSecret)}
}

// IssueToken builds claims for an agent and signs them
func (a *Adapter) IssueToken(agentID, scope string, ttl time.Duration) (string, *domain.AgentClaims, error) {
	if agentID == "" {
		return "", nil, domain.Invalid("agent_id", "is required")
	}
	if scope != domain.ScopeTools && scope != domain.ScopeOperator {
		return "", nil, domain.Invalid("scope", "must be %q or %q", domain.ScopeTools, domain.ScopeOperator)
	}
	now := time.Now()
	claims := &domain.AgentClaims{
		AgentID:   agentID,
		Scope:     scope,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	token, err := a.GenerateToken(claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// GenerateToken creates a signed JWT from domain claims
func (a *Adapter) GenerateToken(claims *domain.AgentClaims) (string, error) {
	jc := jwtClaims{
		AgentID: claims.AgentID,
		Scope:   claims.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   claims.AgentID,
			IssuedAt:  jwt.NewNumericDate(time.Unix(claims.IssuedAt, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.ExpiresAt, 0)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jc)
	return token.SignedString(a.jwtSecret)
}

// ParseToken validates a JWT and extracts domain claims.
// Expired tokens return domain.ErrTokenExpired, anything else domain.ErrTokenInvalid.
func (a *Adapter) ParseToken(tokenString string) (*domain.AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid || claims.AgentID == "" {
		return nil, domain.ErrTokenInvalid
	}

	out := &domain.AgentClaims{
		AgentID: claims.AgentID,
		Scope:   claims.Scope,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return out, nil
}
