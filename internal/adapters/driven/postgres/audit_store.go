package postgres

import (
	"context"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.AuditStore = (*AuditStore)(nil)

// AuditStore implements driven.AuditStore using PostgreSQL
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a new AuditStore
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record inserts one tool invocation
func (s *AuditStore) Record(ctx context.Context, inv *domain.ToolInvocation) error {
	if inv.ID == "" {
		inv.ID = domain.GenerateID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	var args []byte
	if len(inv.Arguments) > 0 {
		args = inv.Arguments
	}

	query := `
		INSERT INTO tool_invocations (id, tool, agent_id, arguments, fingerprint, success, error_code, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		string(inv.Tool),
		inv.AgentID,
		args,
		inv.Fingerprint,
		inv.Success,
		string(inv.ErrorCode),
		inv.Error,
		inv.Duration.Milliseconds(),
		inv.CreatedAt,
	)
	return err
}

// ListRecent returns the newest invocations, optionally for one tool
func (s *AuditStore) ListRecent(ctx context.Context, tool domain.ToolName, limit int) ([]*domain.ToolInvocation, error) {
	query := `
		SELECT id, tool, agent_id, arguments, fingerprint, success, error_code, error, duration_ms, created_at
		FROM tool_invocations
		WHERE ($1 = '' OR tool = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, string(tool), clampLimit(limit, defaultListLimit, maxListLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invocations []*domain.ToolInvocation
	for rows.Next() {
		var inv domain.ToolInvocation
		var toolName, errorCode string
		var args []byte
		var durationMs int64

		if err := rows.Scan(
			&inv.ID,
			&toolName,
			&inv.AgentID,
			&args,
			&inv.Fingerprint,
			&inv.Success,
			&errorCode,
			&inv.Error,
			&durationMs,
			&inv.CreatedAt,
		); err != nil {
			return nil, err
		}

		inv.Tool = domain.ToolName(toolName)
		inv.ErrorCode = domain.ErrorCode(errorCode)
		inv.Duration = time.Duration(durationMs) * time.Millisecond
		if len(args) > 0 {
			inv.Arguments = args
		}
		invocations = append(invocations, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invocations, nil
}
