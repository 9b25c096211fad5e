package backend

import "github.com/chatbuddy/inbox-bridge/internal/models"

// conversationListResponse wraps the lead list returned by the backend.
type conversationListResponse struct {
	Leads []models.Conversation `json:"leads"`
}

// messageListResponse wraps the message history for a lead.
type messageListResponse struct {
	Messages []models.Message `json:"messages"`
}

// takeoverUpdatePayload updates the takeover flag on a lead row.
// TakeOverTimeout is an RFC3339 timestamp while takeover is active, null once
// it is released.
type takeoverUpdatePayload struct {
	TakeOverAsHuman bool    `json:"takeOverAsHuman"`
	TakeOverTimeout *string `json:"takeOverTimeout"`
}
