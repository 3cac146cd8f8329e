package model

import (
	"time"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	ID             string      `gorm:"column:id;primaryKey;size:36" json:"id"`
	ConversationID string      `gorm:"column:conversation_id;size:36;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	SenderID       string      `gorm:"column:sender_id;size:64;index" json:"sender_id"`
	ReceiverID     string      `gorm:"column:receiver_id;size:64;index" json:"receiver_id"`
	Content        string      `gorm:"column:content;type:text" json:"content"`
	MessageType    MessageType `gorm:"column:message_type;size:16;default:text" json:"message_type"`

	AttachmentURL  *string `gorm:"column:attachment_url;size:1024" json:"attachment_url,omitempty"`
	AttachmentName *string `gorm:"column:attachment_name;size:255" json:"attachment_name,omitempty"`
	AttachmentSize *int64  `gorm:"column:attachment_size" json:"attachment_size,omitempty"`

	IsRead    bool       `gorm:"column:is_read;default:false;index" json:"is_read"`
	CreatedAt time.Time  `gorm:"column:created_at;index:idx_messages_conv_created,priority:2" json:"created_at"`
	EditedAt  *time.Time `gorm:"column:edited_at" json:"edited_at,omitempty"`
	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// Tombstoned reports whether the message was deleted.
func (m *Message) Tombstoned() bool {
	return m.DeletedAt != nil
}

// Redacted returns a copy safe to hand out for a deleted message.
func (m Message) Redacted() Message {
	if m.DeletedAt == nil {
		return m
	}
	m.Content = ""
	m.AttachmentURL = nil
	m.AttachmentName = nil
	m.AttachmentSize = nil
	return m
}

// Attachment is optional file metadata carried by a message.
type Attachment struct {
	URL  string `json:"url" validate:"required,url,max=1024"`
	Name string `json:"name,omitempty" validate:"max=255"`
	Size int64  `json:"size,omitempty" validate:"gte=0"`
}

// SendMessageRequest is the request to send a new message. ID is optional and
// lets a client replace its optimistic echo by id and retry safely.
type SendMessageRequest struct {
	ID          string      `json:"id,omitempty" validate:"omitempty,uuid"`
	Content     string      `json:"content" validate:"max=10000"`
	MessageType MessageType `json:"message_type,omitempty" validate:"omitempty,oneof=text image audio file"`
	Attachment  *Attachment `json:"attachment,omitempty" validate:"omitempty"`
}

// EditMessageRequest is the request to edit a message's content.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// MarkReadResponse reports how many messages flipped to read.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}
