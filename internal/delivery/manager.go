package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// Emitter is the outbound side of the transport, satisfied by
// transport.Transport.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Event is an outbound transport event tracked for delivery.
type Event struct {
	ID           string          `json:"id"`
	LeadID       string          `json:"lead_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	AttemptCount int             `json:"attempt_count"`
	Status       string          `json:"status"`
	LastError    string          `json:"last_error,omitempty"`

	// recovered marks events reloaded from the store after a restart, so the
	// retry loop picks them up even though no attempt was made in this
	// process.
	recovered bool
}

// Manager gives outbound events at-least-once delivery with bounded retries.
// The browser dashboard this bridge replaces emitted sends fire-and-forget;
// here every dispatched event is tracked in a pending map, persisted to the
// local store, and retried on a backoff ticker until delivered or the retry
// budget is exhausted.
type Manager struct {
	mu            sync.RWMutex
	pendingEvents map[string]*Event

	emitter      Emitter
	store        *gorm.DB
	maxRetries   int
	retryBackoff time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a delivery manager. The store is optional; without it
// events are tracked in memory only.
func NewManager(emitter Emitter, store *gorm.DB) (*Manager, error) {
	if emitter == nil {
		return nil, fmt.Errorf("emitter cannot be nil for delivery manager")
	}
	return &Manager{
		pendingEvents: make(map[string]*Event),
		emitter:       emitter,
		store:         store,
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		stop:          make(chan struct{}),
	}, nil
}

// Start launches the background retry loop.
func (m *Manager) Start() {
	go m.processRetries()
	log.Info().
		Int("maxRetries", m.maxRetries).
		Dur("retryBackoff", m.retryBackoff).
		Msg("Delivery manager started")
}

// Stop terminates the background retry loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Dispatch queues an outbound event and makes the first delivery attempt
// synchronously. The returned id can be used to query delivery status.
func (m *Manager) Dispatch(eventType, leadID string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	event := &Event{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		EventType: eventType,
		Payload:   data,
		CreatedAt: time.Now(),
		Status:    models.OutboundStatusPending,
	}

	m.mu.Lock()
	m.pendingEvents[event.ID] = event
	m.mu.Unlock()
	m.persist(event)

	m.attempt(event)
	return event.ID, nil
}

// attempt tries to emit the event once and updates its status.
func (m *Manager) attempt(event *Event) {
	err := m.emitter.Emit(event.EventType, event.Payload)

	m.mu.Lock()
	defer m.mu.Unlock()

	event.AttemptCount++
	if err == nil {
		event.Status = models.OutboundStatusDelivered
		delete(m.pendingEvents, event.ID)
		m.persist(event)
		log.Debug().
			Str("eventID", event.ID).
			Str("eventType", event.EventType).
			Str("leadId", event.LeadID).
			Msg("Outbound event delivered")
		return
	}

	event.LastError = err.Error()
	if event.AttemptCount >= m.maxRetries {
		event.Status = models.OutboundStatusFailed
		delete(m.pendingEvents, event.ID)
		m.persist(event)
		log.Error().
			Str("eventID", event.ID).
			Str("eventType", event.EventType).
			Int("attemptCount", event.AttemptCount).
			Str("lastError", event.LastError).
			Msg("Outbound event delivery failed permanently")
		return
	}

	m.persist(event)
	log.Warn().
		Str("eventID", event.ID).
		Str("eventType", event.EventType).
		Int("attemptCount", event.AttemptCount).
		Int("maxRetries", m.maxRetries).
		Err(err).
		Msg("Outbound event delivery failed, will retry")
}

// processRetries re-attempts pending events on each backoff tick.
func (m *Manager) processRetries() {
	ticker := time.NewTicker(m.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.retryPendingEvents()
		}
	}
}

func (m *Manager) retryPendingEvents() {
	m.mu.RLock()
	eventsToRetry := make([]*Event, 0)
	for _, event := range m.pendingEvents {
		// Fresh dispatches with zero attempts are mid first attempt on the
		// dispatching goroutine; recovered events have no such attempt coming.
		if event.Status == models.OutboundStatusPending &&
			(event.AttemptCount > 0 || event.recovered) &&
			event.AttemptCount < m.maxRetries {
			eventsToRetry = append(eventsToRetry, event)
		}
	}
	m.mu.RUnlock()

	for _, event := range eventsToRetry {
		log.Info().
			Str("eventID", event.ID).
			Int("attemptCount", event.AttemptCount).
			Msg("Retrying outbound event delivery")
		m.attempt(event)
	}
}

// Recover reloads pending events from the local store after a restart.
func (m *Manager) Recover() error {
	if m.store == nil {
		return nil
	}

	var rows []models.OutboundEvent
	if err := m.store.Where("status = ?", models.OutboundStatusPending).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load pending outbound events: %w", err)
	}

	m.mu.Lock()
	for i := range rows {
		row := rows[i]
		m.pendingEvents[row.EventID] = &Event{
			ID:           row.EventID,
			LeadID:       row.LeadID,
			EventType:    row.EventType,
			Payload:      json.RawMessage(row.Payload),
			CreatedAt:    row.CreatedAt,
			AttemptCount: row.RetryCount,
			Status:       row.Status,
			LastError:    row.LastError,
			recovered:    true,
		}
	}
	m.mu.Unlock()

	if len(rows) > 0 {
		log.Info().Int("count", len(rows)).Msg("Recovered pending outbound events from store")
	}
	return nil
}

// PendingCount returns the number of events awaiting delivery.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pendingEvents)
}

// EventStatus returns an outbound event by id. Pending events come from the
// in-memory map as a snapshot, so the retry loop cannot mutate the result
// under the caller; completed events fall back to the store, which keeps
// their rows after delivery.
func (m *Manager) EventStatus(eventID string) (*Event, bool) {
	m.mu.RLock()
	if event, exists := m.pendingEvents[eventID]; exists {
		snapshot := *event
		m.mu.RUnlock()
		return &snapshot, true
	}
	m.mu.RUnlock()

	if m.store == nil {
		return nil, false
	}
	var row models.OutboundEvent
	if err := m.store.Where("event_id = ?", eventID).First(&row).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("eventID", eventID).Msg("Failed to query outbound event row")
		}
		return nil, false
	}
	return &Event{
		ID:           row.EventID,
		LeadID:       row.LeadID,
		EventType:    row.EventType,
		Payload:      json.RawMessage(row.Payload),
		CreatedAt:    row.CreatedAt,
		AttemptCount: row.RetryCount,
		Status:       row.Status,
		LastError:    row.LastError,
	}, true
}

// persist mirrors the event state into the local store. Callers hold m.mu
// where needed; persistence failures are logged, never fatal.
func (m *Manager) persist(event *Event) {
	if m.store == nil {
		return
	}

	var row models.OutboundEvent
	err := m.store.Where("event_id = ?", event.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.OutboundEvent{
			EventID:     event.ID,
			LeadID:      event.LeadID,
			EventType:   event.EventType,
			Payload:     string(event.Payload),
			RetryCount:  event.AttemptCount,
			LastError:   event.LastError,
			Status:      event.Status,
			NextRetryAt: time.Now().Add(m.retryBackoff),
		}
		if err := m.store.Create(&row).Error; err != nil {
			log.Error().Err(err).Str("eventID", event.ID).Msg("Failed to persist outbound event")
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Str("eventID", event.ID).Msg("Failed to query outbound event row")
		return
	}

	updates := map[string]interface{}{
		"retry_count":   event.AttemptCount,
		"last_error":    event.LastError,
		"status":        event.Status,
		"next_retry_at": time.Now().Add(m.retryBackoff),
	}
	if err := m.store.Model(&row).Updates(updates).Error; err != nil {
		log.Error().Err(err).Str("eventID", event.ID).Msg("Failed to update outbound event state")
	}
}
