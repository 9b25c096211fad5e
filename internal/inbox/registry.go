package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// ConversationSource fetches conversations and message history from the
// backend, satisfied by the backend client.
type ConversationSource interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetMessages(ctx context.Context, leadID string) ([]models.Message, error)
}

// Registry holds the conversation list for the chatbot and hands fully
// loaded conversations to the sync controller on selection. Lead metadata is
// cached with a TTL so repeated dashboard requests skip the backend.
type Registry struct {
	mu            sync.RWMutex
	source        ConversationSource
	conversations []models.Conversation
	metaCache     *gocache.Cache
}

// NewRegistry creates a registry backed by the given source.
func NewRegistry(source ConversationSource) (*Registry, error) {
	if source == nil {
		return nil, fmt.Errorf("conversation source cannot be nil for registry")
	}
	return &Registry{
		source:    source,
		metaCache: gocache.New(5*time.Minute, 10*time.Minute),
	}, nil
}

// Refresh reloads the conversation list from the backend and repopulates the
// metadata cache.
func (r *Registry) Refresh(ctx context.Context) ([]models.Conversation, error) {
	conversations, err := r.source.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh conversations: %w", err)
	}

	r.mu.Lock()
	r.conversations = conversations
	r.mu.Unlock()

	for i := range conversations {
		r.metaCache.SetDefault(conversations[i].ID, conversations[i])
	}

	log.Debug().Int("count", len(conversations)).Msg("Conversation registry refreshed")
	return conversations, nil
}

// Conversations returns the last fetched conversation list.
func (r *Registry) Conversations() []models.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Conversation, len(r.conversations))
	copy(out, r.conversations)
	return out
}

// Get returns cached conversation metadata by lead id.
func (r *Registry) Get(leadID string) (*models.Conversation, bool) {
	if cached, found := r.metaCache.Get(leadID); found {
		conv := cached.(models.Conversation)
		return &conv, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.conversations {
		if r.conversations[i].ID == leadID {
			conv := r.conversations[i]
			return &conv, true
		}
	}
	return nil, false
}

// Load returns the conversation with its message history populated, fetching
// the list first if the lead is not yet known.
func (r *Registry) Load(ctx context.Context, leadID string) (*models.Conversation, error) {
	if leadID == "" {
		return nil, fmt.Errorf("lead id cannot be empty")
	}

	conv, found := r.Get(leadID)
	if !found {
		if _, err := r.Refresh(ctx); err != nil {
			return nil, err
		}
		conv, found = r.Get(leadID)
		if !found {
			return nil, fmt.Errorf("conversation %s not found", leadID)
		}
	}

	messages, err := r.source.GetMessages(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for lead %s: %w", leadID, err)
	}
	conv.Messages = messages
	return conv, nil
}
