// Package model defines data structures for the conversation and call core.
package model

import (
	"time"
)

// Conversation is a two-party message thread, optionally anchored to a listing.
// A nil ListingID denotes a support/direct conversation.
type Conversation struct {
	ID              string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	ListingID       *string    `gorm:"column:listing_id;size:64;index" json:"listing_id,omitempty"`
	LastMessage     string     `gorm:"column:last_message;size:500" json:"last_message"`
	LastMessageTime *time.Time `gorm:"column:last_message_time;index" json:"last_message_time,omitempty"`
	CacheStale      bool       `gorm:"column:cache_stale;default:false;index" json:"-"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updated_at"`

	Participants []ParticipantSummary `gorm:"-" json:"participants,omitempty"`
	Listing      *ListingSummary      `gorm:"-" json:"listing,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationKey reserves the (listing, user pair) identity of a conversation.
// Its unique primary key is what makes find-or-create converge under races.
type ConversationKey struct {
	PairKey        string    `gorm:"column:pair_key;primaryKey;size:200"`
	ConversationID string    `gorm:"column:conversation_id;size:36;index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (ConversationKey) TableName() string {
	return "conversation_keys"
}

// Participant is pure set membership of a user in a conversation.
type Participant struct {
	ConversationID string    `gorm:"column:conversation_id;primaryKey;size:36"`
	UserID         string    `gorm:"column:user_id;primaryKey;size:64;index"`
	JoinedAt       time.Time `gorm:"column:joined_at"`
}

func (Participant) TableName() string {
	return "conversation_participants"
}

// ParticipantSummary is the list-view projection of a participant.
type ParticipantSummary struct {
	UserID string `json:"user_id"`
}

// ListingSummary is the list-view projection of a listing.
type ListingSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	OwnerID      string `json:"owner_id"`
}

// HasParticipant reports whether userID is in the hydrated participant list.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// FindOrCreateConversationRequest is the request to start or resume a conversation.
type FindOrCreateConversationRequest struct {
	ListingID      *string `json:"listing_id,omitempty" validate:"omitempty,max=64"`
	CounterpartyID string  `json:"counterparty_id" validate:"required,max=64"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
