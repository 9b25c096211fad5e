package models

import (
	"encoding/json"
	"time"
)

// Sender types used in Message.SenderType. "user" is the end visitor; "bot"
// covers both automated replies and human-operator replies sent from the
// dashboard (the backend does not distinguish the two on the wire).
const (
	SenderTypeUser = "user"
	SenderTypeBot  = "bot"
)

// Message is a single entry in a conversation thread.
type Message struct {
	ID         string          `json:"id"`
	SenderType string          `json:"sender_type"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	ChatbotID  string          `json:"chatbot_id,omitempty"`
	LeadID     string          `json:"lead_id,omitempty"`
	IsRead     *bool           `json:"is_read,omitempty"`
	Reaction   string          `json:"reaction,omitempty"`
	Sources    json.RawMessage `json:"sources,omitempty"`
	Products   json.RawMessage `json:"products,omitempty"`
}

// Conversation is a lead thread as served by the backend. Messages is the
// cached thread snapshot ("msgs" upstream); the live view is owned by the
// sync controller once the conversation is selected.
type Conversation struct {
	ID              string    `json:"id"`
	Email           string    `json:"email,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	Name            string    `json:"name,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Status          string    `json:"status,omitempty"`
	TakeOverAsHuman bool      `json:"takeOverAsHuman"`
	Messages        []Message `json:"msgs,omitempty"`
}

// MessageBatch normalizes transport payloads that may carry either a single
// message object or an array of them.
type MessageBatch []Message

// UnmarshalJSON accepts both a bare Message object and a JSON array.
func (b *MessageBatch) UnmarshalJSON(data []byte) error {
	var many []Message
	if err := json.Unmarshal(data, &many); err == nil {
		*b = many
		return nil
	}
	var one Message
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*b = MessageBatch{one}
	return nil
}

// Outbound delivery statuses for OutboundEvent rows.
const (
	OutboundStatusPending   = "pending"
	OutboundStatusDelivered = "delivered"
	OutboundStatusFailed    = "failed"
)

// OutboundEvent is a queued outbound transport event (operator message or
// handover notice) persisted so that sends survive a bridge restart.
type OutboundEvent struct {
	ID          uint      `gorm:"primaryKey"`
	EventID     string    `gorm:"uniqueIndex;comment:Delivery manager event id"`
	LeadID      string    `gorm:"index;comment:Conversation this event belongs to"`
	EventType   string    `gorm:"comment:Transport event name"`
	Payload     string    `gorm:"type:text;comment:JSON payload to emit"`
	RetryCount  int       `gorm:"default:0"`
	LastError   string    `gorm:"type:text"`
	Status      string    `gorm:"index;comment:pending, delivered or failed"`
	NextRetryAt time.Time `gorm:"index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// ConversationRecord caches lead metadata and the last known takeover state
// locally, so the dashboard gets a conversation list without a backend round
// trip on every request.
type ConversationRecord struct {
	ID              uint      `gorm:"primaryKey"`
	LeadID          string    `gorm:"uniqueIndex;comment:Lead/conversation id from the backend"`
	ChatbotID       string    `gorm:"index"`
	Email           string
	Phone           string
	Name            string
	Platform        string
	Status          string
	TakeOverAsHuman bool
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}
