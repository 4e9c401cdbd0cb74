// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/obot-platform/workbench/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Workspaces ---

func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := s.db.WithContext(ctx).First(&ws, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	var workspaces []*model.Workspace
	err := s.db.WithContext(ctx).Order("created_at").Find(&workspaces).Error
	return workspaces, err
}

func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	return s.db.WithContext(ctx).Create(ws).Error
}

func (s *Store) UpdateWorkspace(ctx context.Context, ws *model.Workspace) error {
	return s.db.WithContext(ctx).Save(ws).Error
}

// UpdateWorkspaceState persists a state change together with the error
// bookkeeping that accompanies it.
func (s *Store) UpdateWorkspaceState(ctx context.Context, id, state string, lastError *string, errorCount int) error {
	return s.db.WithContext(ctx).Model(&model.Workspace{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":       state,
			"last_error":  lastError,
			"error_count": errorCount,
		}).Error
}

// UpdateWorkspaceNextStreamID persists the tunnel stream id counter. The
// counter only moves forward; stale writes from a torn-down session are
// ignored.
func (s *Store) UpdateWorkspaceNextStreamID(ctx context.Context, id string, next int64) error {
	return s.db.WithContext(ctx).Model(&model.Workspace{}).
		Where("id = ? AND next_stream_id < ?", id, next).
		Update("next_stream_id", next).Error
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&model.Workspace{}, "id = ?", id).Error
}

// --- Conversation messages ---

func (s *Store) CreateConversationMessage(ctx context.Context, msg *model.ConversationMessage) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *Store) ListConversationMessages(ctx context.Context, conversationID string) ([]*model.ConversationMessage, error) {
	var messages []*model.ConversationMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at").
		Find(&messages).Error
	return messages, err
}
