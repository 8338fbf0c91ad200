// Package state provides SQLite-based persistence for Butler.
package state

import (
	"io"
	"time"

	"github.com/kestrelhq/butler/pkg/models"
)

// SessionStore handles session-related persistence operations.
type SessionStore interface {
	CreateSession(s *models.Session) error
	GetSession(id string) (*models.Session, error)
	UpdateSession(s *models.Session) error
	ListSessions(stateFilter *models.SessionState) ([]models.Session, error)
	ArchiveStale(cutoff time.Time) (int64, error)
}

// ToolCallStore handles tool call persistence operations.
type ToolCallStore interface {
	CreateToolCall(tc *models.ToolCall) error
	GetToolCall(id string) (*models.ToolCall, error)
	ListPendingToolCalls(sessionID string) ([]models.ToolCall, error)
}

// AuditStore is the append-only permission audit log.
type AuditStore interface {
	AppendDecision(d *models.PermissionDecision) error
	GetDecision(toolCallID string) (*models.PermissionDecision, error)
	ListDecisions() ([]models.PermissionDecision, error)
}

// CacheStore handles prompt cache segment metadata.
type CacheStore interface {
	UpsertCacheSegment(seg *models.CacheSegment) error
	GetCacheSegment(contentHash string) (*models.CacheSegment, error)
	IncrementCacheHit(contentHash string) error
	DeleteCacheSegment(contentHash string) error
}

// RunStore handles sub-agent run persistence.
type RunStore interface {
	CreateRun(r *models.SubAgentRun) error
	UpdateRun(r *models.SubAgentRun) error
	GetRun(id string) (*models.SubAgentRun, error)
	ListRunsBySession(sessionID string) ([]models.SubAgentRun, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the full persistence interface. It composes focused
// sub-interfaces so components can depend only on what they use.
type Store interface {
	io.Closer
	Migrator
	SessionStore
	ToolCallStore
	AuditStore
	CacheStore
	RunStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ SessionStore  = (*DB)(nil)
	_ ToolCallStore = (*DB)(nil)
	_ AuditStore    = (*DB)(nil)
	_ CacheStore    = (*DB)(nil)
	_ RunStore      = (*DB)(nil)
)
