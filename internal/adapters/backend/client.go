package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// Client talks to the Chatbuddy backend REST API for the operations the
// bridge needs: listing conversations, fetching message history and
// persisting the takeover flag on a lead.
type Client struct {
	httpClient *resty.Client
	chatbotID  string
}

// NewClient creates a new backend client.
func NewClient(baseURL, apiKey, chatbotID string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend baseURL cannot be empty")
	}
	if chatbotID == "" {
		return nil, fmt.Errorf("chatbot id cannot be empty")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	if apiKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+apiKey)
	}

	log.Info().Str("baseURL", baseURL).Str("chatbotId", chatbotID).Msg("Backend client configured")

	return &Client{
		httpClient: httpClient,
		chatbotID:  chatbotID,
	}, nil
}

// ListConversations fetches the leads (conversations) for the chatbot.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	url := fmt.Sprintf("/api/v1/chatbots/%s/leads", c.chatbotID)

	var result conversationListResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("backend ListConversations request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Backend API: ListConversations returned an error")
		return nil, fmt.Errorf("backend ListConversations error: status %s", resp.Status())
	}

	log.Debug().Int("count", len(result.Leads)).Msg("Fetched conversations from backend")
	return result.Leads, nil
}

// GetMessages fetches the message history for a lead.
func (c *Client) GetMessages(ctx context.Context, leadID string) ([]models.Message, error) {
	if leadID == "" {
		return nil, fmt.Errorf("lead id cannot be empty")
	}
	url := fmt.Sprintf("/api/v1/chatbots/%s/leads/%s/messages", c.chatbotID, leadID)

	var result messageListResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("backend GetMessages request failed for lead %s: %w", leadID, err)
	}
	if resp.IsError() {
		log.Error().Str("url", url).Str("leadId", leadID).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Backend API: GetMessages returned an error")
		return nil, fmt.Errorf("backend GetMessages error for lead %s: status %s", leadID, resp.Status())
	}

	return result.Messages, nil
}

// UpdateTakeover persists the takeover flag and timeout on the lead row,
// keyed by lead id and chatbot id.
func (c *Client) UpdateTakeover(ctx context.Context, leadID string, takeOver bool, timeout *string) error {
	if leadID == "" {
		return fmt.Errorf("lead id cannot be empty")
	}
	url := fmt.Sprintf("/api/v1/chatbots/%s/leads/%s", c.chatbotID, leadID)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(takeoverUpdatePayload{TakeOverAsHuman: takeOver, TakeOverTimeout: timeout}).
		Patch(url)
	if err != nil {
		return fmt.Errorf("backend UpdateTakeover request failed for lead %s: %w", leadID, err)
	}
	if resp.IsError() {
		log.Error().Str("url", url).Str("leadId", leadID).Bool("takeOverAsHuman", takeOver).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Backend API: UpdateTakeover returned an error")
		return fmt.Errorf("backend UpdateTakeover error for lead %s: status %s", leadID, resp.Status())
	}

	log.Info().Str("leadId", leadID).Bool("takeOverAsHuman", takeOver).Msg("Takeover state persisted to backend")
	return nil
}
