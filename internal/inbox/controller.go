package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chatbuddy/inbox-bridge/internal/models"
	"github.com/chatbuddy/inbox-bridge/internal/transport"
)

// LeadGateway persists the takeover flag on the backend, keyed by lead id.
type LeadGateway interface {
	UpdateTakeover(ctx context.Context, leadID string, takeOver bool, timeout *string) error
}

// Dispatcher hands outbound events to the delivery manager.
type Dispatcher interface {
	Dispatch(eventType, leadID string, payload interface{}) (string, error)
}

// MessageSink consumes lead-originated messages admitted by the merge, for
// side channels like queue fan-out and media archiving.
type MessageSink interface {
	Consume(msg models.Message)
}

// TakeoverState tracks the persistence status of the local takeover flag.
// The flag itself is set optimistically; the state makes divergence from the
// backend observable instead of silent.
type TakeoverState string

const (
	TakeoverIdle      TakeoverState = "idle"
	TakeoverPending   TakeoverState = "pending"
	TakeoverConfirmed TakeoverState = "confirmed"
	TakeoverFailed    TakeoverState = "failed"
)

// Controller owns the synchronized, deduplicated, append-only message view
// of the selected conversation. It merges the two inbound event channels
// (lead messages and cross-device echoes), sends operator replies with an
// optimistic local append, and coordinates the human-takeover toggle.
type Controller struct {
	mu sync.Mutex

	transport  transport.Transport
	gateway    LeadGateway
	dispatcher Dispatcher
	sinks      []MessageSink

	chatbotID string
	userID    string

	selected      *models.Conversation
	messages      []models.Message
	takeOver      bool
	takeoverState TakeoverState

	now   func() time.Time
	newID func() string
}

// NewController creates the sync controller. Sinks are optional.
func NewController(tr transport.Transport, gateway LeadGateway, dispatcher Dispatcher, chatbotID, userID string, sinks ...MessageSink) (*Controller, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil for sync controller")
	}
	if gateway == nil {
		return nil, fmt.Errorf("lead gateway cannot be nil for sync controller")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil for sync controller")
	}
	if chatbotID == "" {
		return nil, fmt.Errorf("chatbot id cannot be empty for sync controller")
	}

	c := &Controller{
		transport:     tr,
		gateway:       gateway,
		dispatcher:    dispatcher,
		sinks:         sinks,
		chatbotID:     chatbotID,
		userID:        userID,
		takeoverState: TakeoverIdle,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	return c, nil
}

// Select makes conv the active conversation. The local message view is
// rebuilt from the conversation's cached messages and the inbound handlers
// are re-scoped; no network calls happen here. A nil conv clears the
// selection and unsubscribes.
func (c *Controller) Select(conv *models.Conversation) {
	c.mu.Lock()
	c.selected = conv
	if conv == nil {
		c.messages = nil
		c.takeOver = false
		c.takeoverState = TakeoverIdle
		c.mu.Unlock()
		c.transport.Off(transport.EventReceiveMessageFromLead)
		c.transport.Off(transport.EventReceiveMessageUpdate)
		log.Debug().Msg("Conversation deselected, inbound handlers removed")
		return
	}

	c.messages = make([]models.Message, len(conv.Messages))
	copy(c.messages, conv.Messages)
	c.takeOver = conv.TakeOverAsHuman
	c.takeoverState = TakeoverIdle
	leadID := conv.ID
	c.mu.Unlock()

	c.transport.On(transport.EventReceiveMessageFromLead, c.handleLeadMessage)
	c.transport.On(transport.EventReceiveMessageUpdate, c.handleMessageUpdate)

	log.Info().
		Str("leadId", leadID).
		Int("cachedMessages", len(conv.Messages)).
		Msg("Conversation selected")
}

// SelectedID returns the id of the active conversation, or "" if none.
func (c *Controller) SelectedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ""
	}
	return c.selected.ID
}

// Messages returns a snapshot of the current message view.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Takeover returns the local takeover flag and its persistence state.
func (c *Controller) Takeover() (bool, TakeoverState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeOver, c.takeoverState
}

// SendMessage appends an operator reply to the local view and dispatches it
// to the lead. The append happens before any delivery attempt, so the
// operator sees the message immediately. Empty text or no selection is a
// no-op returning nil.
func (c *Controller) SendMessage(text string) (*models.Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return nil, nil
	}

	msg := models.Message{
		ID:         c.newID(),
		SenderType: models.SenderTypeBot,
		Message:    trimmed,
		CreatedAt:  c.now().UTC().Format(time.RFC3339),
		UserID:     c.userID,
		ChatbotID:  c.chatbotID,
		LeadID:     c.selected.ID,
	}

	isFirstOperatorMessage := true
	for i := range c.messages {
		if c.messages[i].SenderType == models.SenderTypeBot {
			isFirstOperatorMessage = false
			break
		}
	}

	c.messages = append(c.messages, msg)
	payload := transport.SendMessagePayload{
		ChatbotID:                   c.chatbotID,
		LeadID:                      c.selected.ID,
		LeadEmail:                   c.selected.Email,
		MessageData:                 msg,
		IsFirstMessageWithUserImage: isFirstOperatorMessage,
	}
	c.mu.Unlock()

	eventID, err := c.dispatcher.Dispatch(transport.EventSendMessageToLead, msg.LeadID, payload)
	if err != nil {
		// The optimistic append stands; delivery is the manager's problem now.
		log.Error().Err(err).Str("leadId", msg.LeadID).Msg("Failed to dispatch operator message")
		return &msg, nil
	}

	log.Info().
		Str("messageId", msg.ID).
		Str("leadId", msg.LeadID).
		Str("deliveryEventId", eventID).
		Msg("Operator message sent")
	return &msg, nil
}

// SetTakeover toggles human takeover for the active conversation. The local
// flag flips immediately and is marked pending; it becomes confirmed once
// the backend persists it (at which point other devices are notified), or
// failed if persistence rejects. The flag is not rolled back on failure.
func (c *Controller) SetTakeover(ctx context.Context, value bool) error {
	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return fmt.Errorf("no conversation selected")
	}
	leadID := c.selected.ID
	c.takeOver = value
	c.takeoverState = TakeoverPending

	var timeout *string
	if value {
		ts := c.now().UTC().Format(time.RFC3339)
		timeout = &ts
	}
	c.mu.Unlock()

	if err := c.gateway.UpdateTakeover(ctx, leadID, value, timeout); err != nil {
		c.mu.Lock()
		c.takeoverState = TakeoverFailed
		c.mu.Unlock()
		log.Error().Err(err).Str("leadId", leadID).Bool("takeOverAsHuman", value).Msg("Failed to persist takeover state")
		return fmt.Errorf("failed to persist takeover for lead %s: %w", leadID, err)
	}

	c.mu.Lock()
	c.takeoverState = TakeoverConfirmed
	if c.selected != nil && c.selected.ID == leadID {
		c.selected.TakeOverAsHuman = value
	}
	c.mu.Unlock()

	payload := transport.HandoverPayload{
		ChatbotID:       c.chatbotID,
		LeadID:          leadID,
		TakeOverAsHuman: value,
	}
	if _, err := c.dispatcher.Dispatch(transport.EventHandoverSend, leadID, payload); err != nil {
		log.Error().Err(err).Str("leadId", leadID).Msg("Failed to dispatch handover event")
	}
	return nil
}

// handleLeadMessage merges messages originated by the end visitor.
func (c *Controller) handleLeadMessage(data json.RawMessage) {
	var payload transport.LeadMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode lead message payload")
		return
	}
	admitted := c.merge(payload.LeadID, payload.NewMessage)
	for _, msg := range admitted {
		for _, sink := range c.sinks {
			sink.Consume(msg)
		}
	}
}

// handleMessageUpdate merges cross-device echoes from other open dashboards.
// These are not forwarded to sinks: the device that originated them already
// published the message.
func (c *Controller) handleMessageUpdate(data json.RawMessage) {
	var payload transport.MessageUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode message update payload")
		return
	}
	c.merge(payload.LeadID, payload.MessageData)
}

// merge appends incoming messages for the active conversation, dropping any
// whose id is already present. Existing entries are never removed, mutated
// or reordered; batch order is preserved. Returns the admitted messages.
func (c *Controller) merge(leadID string, batch models.MessageBatch) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selected == nil || c.selected.ID != leadID {
		return nil
	}

	var admitted []models.Message
	for _, incoming := range batch {
		exists := false
		for i := range c.messages {
			if c.messages[i].ID == incoming.ID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		c.messages = append(c.messages, incoming)
		admitted = append(admitted, incoming)
	}

	if len(admitted) > 0 {
		log.Debug().
			Str("leadId", leadID).
			Int("incoming", len(batch)).
			Int("admitted", len(admitted)).
			Msg("Merged inbound messages")
	}
	return admitted
}
