package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbuddy/inbox-bridge/internal/models"
	"github.com/chatbuddy/inbox-bridge/internal/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]transport.Handler)}
}

func (f *fakeTransport) Connect(ctx context.Context, identity transport.Identity) error {
	return nil
}

func (f *fakeTransport) Emit(event string, payload interface{}) error { return nil }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) On(event string, handler transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
}

func (f *fakeTransport) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

// deliver simulates an inbound event from the backend.
func (f *fakeTransport) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handler, ok := f.handlers[event]
	f.mu.Unlock()
	require.True(t, ok, "no handler registered for %s", event)
	handler(data)
}

type takeoverCall struct {
	leadID   string
	takeOver bool
	timeout  *string
}

type fakeGateway struct {
	mu    sync.Mutex
	err   error
	calls []takeoverCall
}

func (f *fakeGateway) UpdateTakeover(ctx context.Context, leadID string, takeOver bool, timeout *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, takeoverCall{leadID: leadID, takeOver: takeOver, timeout: timeout})
	return f.err
}

type dispatchedEvent struct {
	eventType string
	leadID    string
	payload   interface{}
}

type fakeDispatcher struct {
	mu         sync.Mutex
	err        error
	dispatched []dispatchedEvent
}

func (f *fakeDispatcher) Dispatch(eventType, leadID string, payload interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.dispatched = append(f.dispatched, dispatchedEvent{eventType: eventType, leadID: leadID, payload: payload})
	return fmt.Sprintf("evt-%d", len(f.dispatched)), nil
}

func (f *fakeDispatcher) events() []dispatchedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatchedEvent, len(f.dispatched))
	copy(out, f.dispatched)
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	consumed []models.Message
}

func (s *recordingSink) Consume(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = append(s.consumed, msg)
}

func newTestController(t *testing.T, sinks ...MessageSink) (*Controller, *fakeTransport, *fakeGateway, *fakeDispatcher) {
	t.Helper()
	tr := newFakeTransport()
	gw := &fakeGateway{}
	disp := &fakeDispatcher{}
	c, err := NewController(tr, gw, disp, "bot-1", "operator-1", sinks...)
	require.NoError(t, err)
	return c, tr, gw, disp
}

func msgIDs(messages []models.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func TestMergeDeduplicatesAcrossChannels(t *testing.T) {
	c, tr, _, _ := newTestController(t)
	c.Select(&models.Conversation{
		ID:       "lead-42",
		Messages: []models.Message{{ID: "a"}, {ID: "b"}},
	})

	tr.deliver(t, transport.EventReceiveMessageFromLead, transport.LeadMessagePayload{
		LeadID:     "lead-42",
		NewMessage: models.MessageBatch{{ID: "b"}, {ID: "c"}},
	})
	assert.Equal(t, []string{"a", "b", "c"}, msgIDs(c.Messages()))

	// The same id arriving again on the other channel stays deduplicated.
	tr.deliver(t, transport.EventReceiveMessageUpdate, transport.MessageUpdatePayload{
		LeadID:      "lead-42",
		MessageData: models.MessageBatch{{ID: "c"}, {ID: "d"}},
	})
	assert.Equal(t, []string{"a", "b", "c", "d"}, msgIDs(c.Messages()))
}

func TestMergeAcceptsSingleMessagePayload(t *testing.T) {
	c, tr, _, _ := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-1"})

	// Payload carries a bare object instead of an array.
	raw := []byte(`{"leadId":"lead-1","newMessage":{"id":"solo","sender_type":"user","message":"hi"}}`)
	tr.mu.Lock()
	handler := tr.handlers[transport.EventReceiveMessageFromLead]
	tr.mu.Unlock()
	handler(raw)

	messages := c.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "solo", messages[0].ID)
	assert.Equal(t, "hi", messages[0].Message)
}

func TestMergeIsAppendOnly(t *testing.T) {
	c, tr, _, _ := newTestController(t)
	c.Select(&models.Conversation{
		ID:       "lead-1",
		Messages: []models.Message{{ID: "a", Message: "first"}},
	})

	lengths := []int{len(c.Messages())}
	tr.deliver(t, transport.EventReceiveMessageFromLead, transport.LeadMessagePayload{
		LeadID:     "lead-1",
		NewMessage: models.MessageBatch{{ID: "b"}, {ID: "c"}},
	})
	lengths = append(lengths, len(c.Messages()))
	tr.deliver(t, transport.EventReceiveMessageUpdate, transport.MessageUpdatePayload{
		LeadID:      "lead-1",
		MessageData: models.MessageBatch{{ID: "a"}, {ID: "b"}},
	})
	lengths = append(lengths, len(c.Messages()))

	for i := 1; i < len(lengths); i++ {
		assert.GreaterOrEqual(t, lengths[i], lengths[i-1], "message list must never shrink")
	}

	messages := c.Messages()
	assert.Equal(t, []string{"a", "b", "c"}, msgIDs(messages))
	assert.Equal(t, "first", messages[0].Message, "existing entries must not be mutated")
}

func TestMergeIgnoresOtherConversations(t *testing.T) {
	c, tr, _, _ := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-1", Messages: []models.Message{{ID: "a"}}})

	tr.deliver(t, transport.EventReceiveMessageFromLead, transport.LeadMessagePayload{
		LeadID:     "lead-other",
		NewMessage: models.MessageBatch{{ID: "x"}},
	})
	assert.Equal(t, []string{"a"}, msgIDs(c.Messages()))
}

func TestSelectReplacesMessageView(t *testing.T) {
	c, tr, _, _ := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-a", Messages: []models.Message{{ID: "a1"}, {ID: "a2"}}})
	tr.deliver(t, transport.EventReceiveMessageFromLead, transport.LeadMessagePayload{
		LeadID:     "lead-a",
		NewMessage: models.MessageBatch{{ID: "a3"}},
	})
	require.Len(t, c.Messages(), 3)

	c.Select(&models.Conversation{ID: "lead-b", Messages: []models.Message{{ID: "b1"}}})
	assert.Equal(t, []string{"b1"}, msgIDs(c.Messages()), "no residual messages from the previous conversation")
	assert.Equal(t, "lead-b", c.SelectedID())
}

func TestSelectNilClearsStateAndHandlers(t *testing.T) {
	c, tr, _, _ := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-a", Messages: []models.Message{{ID: "a1"}}, TakeOverAsHuman: true})

	c.Select(nil)
	assert.Empty(t, c.Messages())
	assert.Equal(t, "", c.SelectedID())
	takeOver, state := c.Takeover()
	assert.False(t, takeOver)
	assert.Equal(t, TakeoverIdle, state)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.handlers, "inbound handlers must be unregistered")
}

func TestSendMessageOptimisticAppend(t *testing.T) {
	c, _, _, disp := newTestController(t)
	c.Select(&models.Conversation{
		ID:       "lead-42",
		Email:    "visitor@example.com",
		Messages: []models.Message{{ID: "m1", SenderType: models.SenderTypeUser}},
	})

	msg, err := c.SendMessage("Hello")
	require.NoError(t, err)
	require.NotNil(t, msg)

	messages := c.Messages()
	require.Len(t, messages, 2, "exactly one new message appended")
	assert.Equal(t, msg.ID, messages[1].ID)
	assert.Equal(t, models.SenderTypeBot, msg.SenderType)
	assert.Equal(t, "Hello", msg.Message)
	assert.Equal(t, "lead-42", msg.LeadID)
	assert.Equal(t, "bot-1", msg.ChatbotID)
	assert.Equal(t, "operator-1", msg.UserID)
	assert.NotEqual(t, "m1", msg.ID, "id must be freshly generated")
	assert.NotEmpty(t, msg.CreatedAt)

	events := disp.events()
	require.Len(t, events, 1, "exactly one outbound dispatch")
	assert.Equal(t, transport.EventSendMessageToLead, events[0].eventType)
	assert.Equal(t, "lead-42", events[0].leadID)

	payload, ok := events[0].payload.(transport.SendMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "lead-42", payload.LeadID)
	assert.Equal(t, "visitor@example.com", payload.LeadEmail)
	assert.Equal(t, msg.ID, payload.MessageData.ID)
	assert.True(t, payload.IsFirstMessageWithUserImage, "first operator message in the thread")
}

func TestSendMessageSecondOperatorMessageNotFirst(t *testing.T) {
	c, _, _, disp := newTestController(t)
	c.Select(&models.Conversation{
		ID:       "lead-1",
		Messages: []models.Message{{ID: "m1", SenderType: models.SenderTypeBot}},
	})

	_, err := c.SendMessage("again")
	require.NoError(t, err)

	events := disp.events()
	require.Len(t, events, 1)
	payload := events[0].payload.(transport.SendMessagePayload)
	assert.False(t, payload.IsFirstMessageWithUserImage)
}

func TestSendMessageEmptyIsNoOp(t *testing.T) {
	c, _, _, disp := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-1", Messages: []models.Message{{ID: "a"}}})

	for _, text := range []string{"", "   ", "\n\t"} {
		msg, err := c.SendMessage(text)
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	assert.Len(t, c.Messages(), 1)
	assert.Empty(t, disp.events(), "no outbound emission for empty sends")
}

func TestSendMessageWithoutSelectionIsNoOp(t *testing.T) {
	c, _, _, disp := newTestController(t)

	msg, err := c.SendMessage("Hello")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, c.Messages())
	assert.Empty(t, disp.events())
}

func TestSendMessageKeptOnDispatchFailure(t *testing.T) {
	c, _, _, disp := newTestController(t)
	disp.err = fmt.Errorf("transport down")
	c.Select(&models.Conversation{ID: "lead-1"})

	msg, err := c.SendMessage("Hello")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Len(t, c.Messages(), 1, "optimistic append stands even when dispatch fails")
}

func TestTakeoverConfirmedFlow(t *testing.T) {
	c, _, gw, disp := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-42"})

	require.NoError(t, c.SetTakeover(context.Background(), true))

	takeOver, state := c.Takeover()
	assert.True(t, takeOver)
	assert.Equal(t, TakeoverConfirmed, state)

	require.Len(t, gw.calls, 1)
	assert.Equal(t, "lead-42", gw.calls[0].leadID)
	assert.True(t, gw.calls[0].takeOver)
	require.NotNil(t, gw.calls[0].timeout, "timeout marker set when takeover turns on")
	_, parseErr := time.Parse(time.RFC3339, *gw.calls[0].timeout)
	assert.NoError(t, parseErr)

	events := disp.events()
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventHandoverSend, events[0].eventType)
	payload := events[0].payload.(transport.HandoverPayload)
	assert.True(t, payload.TakeOverAsHuman)
	assert.Equal(t, "lead-42", payload.LeadID)
}

func TestTakeoverOffClearsTimeout(t *testing.T) {
	c, _, gw, _ := newTestController(t)
	c.Select(&models.Conversation{ID: "lead-1", TakeOverAsHuman: true})

	require.NoError(t, c.SetTakeover(context.Background(), false))
	require.Len(t, gw.calls, 1)
	assert.False(t, gw.calls[0].takeOver)
	assert.Nil(t, gw.calls[0].timeout, "timeout marker cleared when takeover turns off")
}

func TestTakeoverFailureKeepsOptimisticFlag(t *testing.T) {
	c, _, gw, disp := newTestController(t)
	gw.err = fmt.Errorf("backend rejected update")
	c.Select(&models.Conversation{ID: "lead-1"})

	err := c.SetTakeover(context.Background(), true)
	require.Error(t, err)

	takeOver, state := c.Takeover()
	assert.True(t, takeOver, "flag stays at the unconfirmed value")
	assert.Equal(t, TakeoverFailed, state, "divergence is observable through the state")
	assert.Empty(t, disp.events(), "no handover broadcast when persistence fails")
}

func TestTakeoverWithoutSelectionFails(t *testing.T) {
	c, _, _, _ := newTestController(t)
	assert.Error(t, c.SetTakeover(context.Background(), true))
}

func TestSinksReceiveLeadMessagesOnly(t *testing.T) {
	sink := &recordingSink{}
	c, tr, _, _ := newTestController(t, sink)
	c.Select(&models.Conversation{ID: "lead-1"})

	tr.deliver(t, transport.EventReceiveMessageFromLead, transport.LeadMessagePayload{
		LeadID:     "lead-1",
		NewMessage: models.MessageBatch{{ID: "a"}, {ID: "b"}},
	})
	tr.deliver(t, transport.EventReceiveMessageUpdate, transport.MessageUpdatePayload{
		LeadID:      "lead-1",
		MessageData: models.MessageBatch{{ID: "c"}},
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, msgIDs(sink.consumed), "cross-device echoes are not forwarded to sinks")
}

func TestSinksSkipDuplicates(t *testing.T) {
	sink := &recordingSink{}
	c, tr, _, _ := newTestController(t, sink)
	c.Select(&models.Conversation{ID: "lead-1", Messages: []models.Message{{ID: "a"}}})

	tr.deliver(t, transport.EventReceiveMessageFromLead, transport.LeadMessagePayload{
		LeadID:     "lead-1",
		NewMessage: models.MessageBatch{{ID: "a"}, {ID: "b"}},
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"b"}, msgIDs(sink.consumed), "only admitted messages reach sinks")
}
