// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Workspace lifecycle state constants.
const (
	WorkspaceStateUnconfigured = "unconfigured" // Created but never configured
	WorkspaceStateStopped      = "stopped"      // Configured, sandbox not running
	WorkspaceStateStarting     = "starting"     // Sandbox provisioning in progress
	WorkspaceStateStarted      = "started"      // Sandbox running and reachable
	WorkspaceStateStopping     = "stopping"     // Sandbox teardown in progress
	WorkspaceStateDeleting     = "deleting"     // Workspace removal in progress
	WorkspaceStateDeleted      = "deleted"      // Terminal; resources released
)

// CleanupPolicy controls what happens to an idle workspace.
type CleanupPolicy struct {
	// IdleSeconds is how long the workspace may sit without edge traffic
	// before Action fires. Zero disables idle cleanup.
	IdleSeconds int `json:"idle_seconds,omitempty"`
	// Action is "stop" or "delete".
	Action string `json:"action,omitempty"`
	// DeleteAfterSeconds optionally escalates a stopped workspace to
	// deletion after this much additional idle time.
	DeleteAfterSeconds int `json:"delete_after_seconds,omitempty"`
}

// Workspace is one sandbox-backed working environment and the durable half
// of its orchestrator.
type Workspace struct {
	ID string `gorm:"primaryKey;type:text" json:"id"`

	// Provisioner is the opaque provisioning configuration captured at
	// configure time, stored as JSON.
	Provisioner json.RawMessage `gorm:"type:text" json:"provisioner,omitempty"`

	// Cleanup is the serialized CleanupPolicy, stored as JSON.
	Cleanup json.RawMessage `gorm:"type:text" json:"cleanup,omitempty"`

	State      string  `gorm:"not null;type:text;default:unconfigured" json:"state"`
	LastError  *string `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	ErrorCount int     `gorm:"column:error_count;not null;default:0" json:"error_count"`

	// NextStreamID persists the tunnel's stream id counter so logical
	// stream ids are never reused across control-plane restarts.
	NextStreamID int64 `gorm:"column:next_stream_id;not null;default:0" json:"next_stream_id"`

	// ConversationID links workspace lifecycle notices to a conversation.
	ConversationID *string `gorm:"column:conversation_id;type:text;index" json:"conversation_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Workspace) TableName() string { return "workspaces" }

func (w *Workspace) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return nil
}

// CleanupPolicy decodes the serialized cleanup policy. A missing policy
// decodes to the zero value (no idle cleanup).
func (w *Workspace) CleanupPolicy() (CleanupPolicy, error) {
	var p CleanupPolicy
	if len(w.Cleanup) == 0 {
		return p, nil
	}
	err := json.Unmarshal(w.Cleanup, &p)
	return p, err
}

// SetCleanupPolicy serializes p into the workspace record.
func (w *Workspace) SetCleanupPolicy(p CleanupPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	w.Cleanup = data
	return nil
}

// ConversationMessage is one entry in a workspace's conversation log.
// Lifecycle notices (sandbox stopped, workspace deleted) are written here
// best-effort so the user sees them in context.
type ConversationMessage struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	ConversationID string    `gorm:"column:conversation_id;not null;type:text;index" json:"conversation_id"`
	Role           string    `gorm:"not null;type:text" json:"role"`
	UserText       *string   `gorm:"column:user_text;type:text" json:"user_text,omitempty"`
	ModelText      *string   `gorm:"column:model_text;type:text" json:"model_text,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }

func (m *ConversationMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Workspace{},
		&ConversationMessage{},
	}
}
