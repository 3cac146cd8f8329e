package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// ParticipantStore is the source of truth for conversation membership.
type ParticipantStore struct {
	db *gorm.DB
}

// NewParticipantStore creates a ParticipantStore.
func NewParticipantStore(db *gorm.DB) *ParticipantStore {
	return &ParticipantStore{db: db}
}

// Add inserts membership rows. Existing rows are left untouched.
func (s *ParticipantStore) Add(ctx context.Context, conversationID string, userIDs ...string) error {
	return addParticipants(s.db.WithContext(ctx), conversationID, time.Now().UTC(), userIDs...)
}

func addParticipants(tx *gorm.DB, conversationID string, now time.Time, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]model.Participant, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, model.Participant{ConversationID: conversationID, UserID: id, JoinedAt: now})
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	return translate("add participants", err)
}

// List returns the user ids participating in a conversation.
func (s *ParticipantStore) List(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, translate("list participants", err)
	}
	return ids, nil
}

// ListMany returns participants grouped by conversation id.
func (s *ParticipantStore) ListMany(ctx context.Context, conversationIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []model.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id IN ?", conversationIDs).
		Order("joined_at ASC, user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translate("list participants", err)
	}
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], r.UserID)
	}
	return out, nil
}

// IsMember reports whether userID belongs to the conversation.
func (s *ParticipantStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, translate("check participant", err)
	}
	return count > 0, nil
}
