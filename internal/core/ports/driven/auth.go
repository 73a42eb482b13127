package driven

import "github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"

// AuthAdapter handles agent token cryptographic operations.
type AuthAdapter interface {
	GenerateToken(claims *domain.AgentClaims) (string, error)
	ParseToken(token string) (*domain.AgentClaims, error)
}
