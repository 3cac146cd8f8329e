package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// MessageRepository is the append-only message log with read/edit/delete mutations.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert appends msg. A row with the same id is never written twice: inserted
// is false when the id already existed, and msg is then reloaded from storage.
func (r *MessageRepository) Insert(ctx context.Context, msg *model.Message) (inserted bool, err error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return false, translate("insert message", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	existing, err := r.Get(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	*msg = *existing
	return false, nil
}

// Get loads a message by id.
func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "message not found")
		}
		return nil, translate("get message", err)
	}
	return &msg, nil
}

// Page selects a window of a conversation's log. Before and After are message
// ids; at most one should be set.
type Page struct {
	Before string
	After  string
	Limit  int
}

// List returns messages in commit order (oldest first) for the requested window.
func (r *MessageRepository) List(ctx context.Context, conversationID string, page Page) ([]model.Message, bool, error) {
	limit := page.Limit
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)

	descending := true
	switch {
	case page.After != "":
		anchor, err := r.Get(ctx, page.After)
		if err != nil {
			return nil, false, err
		}
		q = q.Where("(created_at > ?) OR (created_at = ? AND id > ?)", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
		descending = false
	case page.Before != "":
		anchor, err := r.Get(ctx, page.Before)
		if err != nil {
			return nil, false, err
		}
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}

	if descending {
		q = q.Order("created_at DESC").Order("id DESC")
	} else {
		q = q.Order("created_at ASC").Order("id ASC")
	}

	var msgs []model.Message
	if err := q.Limit(limit + 1).Find(&msgs).Error; err != nil {
		return nil, false, translate("list messages", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if descending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, hasMore, nil
}

// DistinctSenders returns the distinct sender ids of a conversation, excluding excludeID.
func (r *MessageRepository) DistinctSenders(ctx context.Context, conversationID, excludeID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Distinct("sender_id").
		Where("conversation_id = ? AND sender_id <> ?", conversationID, excludeID).
		Order("sender_id").
		Pluck("sender_id", &ids).Error
	if err != nil {
		return nil, translate("list senders", err)
	}
	return ids, nil
}

// MarkRead flips is_read on every unread message addressed to readerID.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("conversation_id = ? AND receiver_id = ? AND is_read = ?", conversationID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, translate("mark messages read", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateContent rewrites a live message authored by senderID.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, senderID, content string, editedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("id = ? AND sender_id = ? AND deleted_at IS NULL", id, senderID).
		Updates(map[string]any{"content": content, "edited_at": editedAt.UTC()})
	if res.Error != nil {
		return false, translate("edit message", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Tombstone marks a message authored by senderID as deleted. The row stays.
func (r *MessageRepository) Tombstone(ctx context.Context, id, senderID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("id = ? AND sender_id = ? AND deleted_at IS NULL", id, senderID).
		Update("deleted_at", at.UTC())
	if res.Error != nil {
		return false, translate("delete message", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Latest returns the newest live message of a conversation, or nil.
func (r *MessageRepository) Latest(ctx context.Context, conversationID string) (*model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND deleted_at IS NULL", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, translate("latest message", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}
