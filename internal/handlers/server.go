package handlers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chatbuddy/inbox-bridge/internal/delivery"
	"github.com/chatbuddy/inbox-bridge/internal/events"
	"github.com/chatbuddy/inbox-bridge/internal/inbox"
	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// Server exposes the bridge's HTTP API to the dashboard UI.
type Server struct {
	controller *inbox.Controller
	registry   *inbox.Registry
	delivery   *delivery.Manager
	publisher  *events.Publisher
	store      *gorm.DB
	chatbotID  string
}

// NewServer creates the HTTP server facade.
func NewServer(controller *inbox.Controller, registry *inbox.Registry, dm *delivery.Manager, publisher *events.Publisher, store *gorm.DB, chatbotID string) *Server {
	return &Server{
		controller: controller,
		registry:   registry,
		delivery:   dm,
		publisher:  publisher,
		store:      store,
		chatbotID:  chatbotID,
	}
}

// Router builds the mux router wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations", s.ListConversations()).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{leadId}/select", s.SelectConversation()).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{leadId}/messages", s.GetMessages()).Methods(http.MethodGet)
	r.HandleFunc("/api/conversations/{leadId}/messages", s.SendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/api/conversations/{leadId}/takeover", s.Takeover()).Methods(http.MethodPost)
	r.HandleFunc("/api/leads/export", s.ExportLeads()).Methods(http.MethodGet)
	r.HandleFunc("/api/delivery/status", s.DeliveryStatus()).Methods(http.MethodGet)
	r.HandleFunc("/api/delivery/events/{eventId}", s.DeliveryEventStatus()).Methods(http.MethodGet)

	chain := alice.New(requestLogger)
	return chain.Then(r)
}

// requestLogger logs each request with method, path and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Error().Err(err).Msg("Failed to encode response body")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// Health reports liveness.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ListConversations returns the conversation list, refreshed from the
// backend. On backend failure the last cached list is served if available.
func (s *Server) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversations, err := s.registry.Refresh(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to refresh conversations, serving cached list")
			conversations = s.registry.Conversations()
			if len(conversations) == 0 {
				s.respondError(w, http.StatusBadGateway, "backend unavailable")
				return
			}
		} else {
			s.cacheConversations(conversations)
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
	}
}

// cacheConversations mirrors lead metadata into the local store.
func (s *Server) cacheConversations(conversations []models.Conversation) {
	if s.store == nil {
		return
	}
	for i := range conversations {
		conv := conversations[i]

		var row models.ConversationRecord
		err := s.store.Where("lead_id = ?", conv.ID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.ConversationRecord{
				LeadID:          conv.ID,
				ChatbotID:       s.chatbotID,
				Email:           conv.Email,
				Phone:           conv.Phone,
				Name:            conv.Name,
				Platform:        conv.Platform,
				Status:          conv.Status,
				TakeOverAsHuman: conv.TakeOverAsHuman,
			}
			if err := s.store.Create(&row).Error; err != nil {
				log.Error().Err(err).Str("leadId", conv.ID).Msg("Failed to cache conversation record")
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("leadId", conv.ID).Msg("Failed to query conversation record")
			continue
		}

		updates := map[string]interface{}{
			"email":              conv.Email,
			"phone":              conv.Phone,
			"name":               conv.Name,
			"platform":           conv.Platform,
			"status":             conv.Status,
			"take_over_as_human": conv.TakeOverAsHuman,
		}
		if err := s.store.Model(&row).Updates(updates).Error; err != nil {
			log.Error().Err(err).Str("leadId", conv.ID).Msg("Failed to update conversation record")
		}
	}
}

// SelectConversation loads the conversation and makes it the active one.
func (s *Server) SelectConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leadID := mux.Vars(r)["leadId"]

		conv, err := s.registry.Load(r.Context(), leadID)
		if err != nil {
			log.Error().Err(err).Str("leadId", leadID).Msg("Failed to load conversation")
			s.respondError(w, http.StatusNotFound, "conversation not found")
			return
		}

		s.controller.Select(conv)
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"selected": leadID,
			"messages": s.controller.Messages(),
		})
	}
}

// GetMessages returns the live message view for the selected conversation,
// or the backend history for any other lead.
func (s *Server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leadID := mux.Vars(r)["leadId"]

		if s.controller.SelectedID() == leadID {
			s.respondJSON(w, http.StatusOK, map[string]interface{}{"messages": s.controller.Messages()})
			return
		}

		conv, err := s.registry.Load(r.Context(), leadID)
		if err != nil {
			s.respondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"messages": conv.Messages})
	}
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessage sends an operator reply on the selected conversation.
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leadID := mux.Vars(r)["leadId"]
		if s.controller.SelectedID() != leadID {
			s.respondError(w, http.StatusConflict, "conversation is not selected")
			return
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		msg, err := s.controller.SendMessage(req.Message)
		if err != nil {
			log.Error().Err(err).Str("leadId", leadID).Msg("Failed to send message")
			s.respondError(w, http.StatusInternalServerError, "failed to send message")
			return
		}
		if msg == nil {
			s.respondError(w, http.StatusBadRequest, "message text is empty")
			return
		}
		s.respondJSON(w, http.StatusCreated, msg)
	}
}

type takeoverRequest struct {
	TakeOverAsHuman bool `json:"takeOverAsHuman"`
}

// Takeover toggles human takeover for the selected conversation.
func (s *Server) Takeover() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leadID := mux.Vars(r)["leadId"]
		if s.controller.SelectedID() != leadID {
			s.respondError(w, http.StatusConflict, "conversation is not selected")
			return
		}

		var req takeoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		err := s.controller.SetTakeover(r.Context(), req.TakeOverAsHuman)
		takeOver, state := s.controller.Takeover()
		if err != nil {
			log.Error().Err(err).Str("leadId", leadID).Msg("Takeover persistence failed")
			s.respondJSON(w, http.StatusBadGateway, map[string]interface{}{
				"takeOverAsHuman": takeOver,
				"state":           state,
				"error":           "failed to persist takeover",
			})
			return
		}

		if s.publisher != nil {
			s.publisher.PublishHandover(s.chatbotID, leadID, req.TakeOverAsHuman)
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"takeOverAsHuman": takeOver,
			"state":           state,
		})
	}
}

// ExportLeads streams the conversation list as CSV.
func (s *Server) ExportLeads() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversations, err := s.registry.Refresh(r.Context())
		if err != nil {
			conversations = s.registry.Conversations()
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="leads.csv"`)

		cw := csv.NewWriter(w)
		defer cw.Flush()

		cw.Write([]string{"lead_id", "name", "email", "phone", "platform", "status", "take_over_as_human"})
		for i := range conversations {
			conv := conversations[i]
			cw.Write([]string{
				conv.ID,
				conv.Name,
				conv.Email,
				conv.Phone,
				conv.Platform,
				conv.Status,
				strconv.FormatBool(conv.TakeOverAsHuman),
			})
		}
	}
}

// DeliveryStatus reports delivery manager state.
func (s *Server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delivery == nil {
			s.respondError(w, http.StatusServiceUnavailable, "delivery manager not initialized")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "running",
			"pending_events": s.delivery.PendingCount(),
		})
	}
}

// DeliveryEventStatus reports the status of a specific outbound event.
func (s *Server) DeliveryEventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delivery == nil {
			s.respondError(w, http.StatusServiceUnavailable, "delivery manager not initialized")
			return
		}
		eventID := mux.Vars(r)["eventId"]
		event, exists := s.delivery.EventStatus(eventID)
		if !exists {
			s.respondError(w, http.StatusNotFound, "event not found")
			return
		}
		s.respondJSON(w, http.StatusOK, event)
	}
}
