package transport

import (
	"context"
	"encoding/json"

	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// Event names exchanged with the Chatbuddy realtime backend.
const (
	EventConnectAsOwner         = "connect_as_owner"
	EventReceiveMessageFromLead = "owner_receive_message_from_lead"
	EventReceiveMessageUpdate   = "owner_receive_message_update"
	EventSendMessageToLead      = "owner_send_message_to_lead"
	EventHandoverSend           = "handover_send"
)

// Identity announces the connecting owner device to the backend.
type Identity struct {
	ChatbotID  string `json:"chatbotId"`
	UserID     string `json:"userId"`
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
}

// LeadMessagePayload is delivered when the end visitor sends one or more
// messages for a conversation.
type LeadMessagePayload struct {
	LeadID     string              `json:"leadId"`
	NewMessage models.MessageBatch `json:"newMessage"`
}

// MessageUpdatePayload is delivered when another operator device sends or
// receives messages for a conversation, keeping open dashboards in sync.
type MessageUpdatePayload struct {
	LeadID      string              `json:"leadId"`
	MessageData models.MessageBatch `json:"messageData"`
}

// SendMessagePayload carries an operator reply to a lead.
type SendMessagePayload struct {
	ChatbotID                   string         `json:"chatbotId"`
	LeadID                      string         `json:"leadId"`
	LeadEmail                   string         `json:"leadEmail,omitempty"`
	MessageData                 models.Message `json:"messageData"`
	IsFirstMessageWithUserImage bool           `json:"isFirstMessageWithUserImage"`
}

// HandoverPayload broadcasts a takeover state change to other devices.
type HandoverPayload struct {
	ChatbotID       string `json:"chatbotId"`
	LeadID          string `json:"leadId"`
	TakeOverAsHuman bool   `json:"takeOverAsHuman"`
}

// Handler receives the raw data of an inbound event.
type Handler func(data json.RawMessage)

// Transport is the bidirectional event channel between the bridge and the
// Chatbuddy realtime backend.
type Transport interface {
	Connect(ctx context.Context, identity Identity) error
	Emit(event string, payload interface{}) error
	On(event string, handler Handler)
	Off(event string)
	Close() error
}
