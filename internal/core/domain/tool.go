package domain

import (
	"encoding/json"
	"time"
)

// ToolName is one of the closed set of tools the agent may invoke.
type ToolName string

const (
	ToolGetListing     ToolName = "get_listing"
	ToolSearchListings ToolName = "search_listings"
	ToolGetOrderStatus ToolName = "get_order_status"
	ToolUpdatePrice    ToolName = "update_price"
	ToolUpdateQuantity ToolName = "update_quantity"
	ToolUpdateListing  ToolName = "update_listing"
	ToolCreateListing  ToolName = "create_listing"
	ToolEndListing     ToolName = "end_listing"
	ToolBulkOperations ToolName = "bulk_operations"
	ToolAnalyzeListing ToolName = "analyze_listing"
	ToolGenerateReport ToolName = "generate_report"
	ToolGetJobStatus   ToolName = "get_job_status"
)

// ToolCall is an inbound tool invocation.
type ToolCall struct {
	Tool      ToolName        `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`

	// AgentID is taken from the authenticated caller, not the payload
	AgentID string `json:"-"`
}

// ToolError is the protocol-level error payload.
type ToolError struct {
	Code      ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Tool      ToolName  `json:"tool"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolResponse carries either a result or an error, never both.
type ToolResponse struct {
	Result any        `json:"result,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r *ToolResponse) OK() bool {
	return r.Error == nil
}

// ToolDescriptor describes a tool and its argument schema.
type ToolDescriptor struct {
	Name        ToolName       `json:"name"`
	Description string         `json:"description"`
	Mutating    bool           `json:"mutating"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolInvocation is an audit record of one tool call.
type ToolInvocation struct {
	ID          string          `json:"id"`
	Tool        ToolName        `json:"tool"`
	AgentID     string          `json:"agent_id,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Success     bool            `json:"success"`
	ErrorCode   ErrorCode       `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AgentClaims identifies an authenticated agent.
type AgentClaims struct {
	AgentID   string `json:"agent_id"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Agent scopes.
const (
	ScopeTools    = "tools"
	ScopeOperator = "operator"
)

// CanOperate reports whether the caller may use operator endpoints.
func (c *AgentClaims) CanOperate() bool {
	return c.Scope == ScopeOperator
}
