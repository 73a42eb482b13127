package driving

import (
	"context"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
)

// ToolDispatcher is the protocol-facing front door for agent tool calls.
type ToolDispatcher interface {
	// Call validates and executes a tool call. It never returns a transport
	// error: every failure is carried as a typed ToolError in the response.
	Call(ctx context.Context, call domain.ToolCall) *domain.ToolResponse

	// Tools lists the closed tool set with argument schemas.
	Tools() []domain.ToolDescriptor
}
