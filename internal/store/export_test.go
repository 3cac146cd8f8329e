package store

import (
	"context"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// CountByConversation returns the number of rows in a conversation's log.
func (r *MessageRepository) CountByConversation(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("conversation_id = ?", conversationID).Count(&n).Error
	return n, translate("count messages", err)
}

// Count returns the number of conversation rows.
func (r *ConversationRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).Count(&n).Error
	return n, translate("count conversations", err)
}
