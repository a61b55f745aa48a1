// Package providers holds the thin HTTP clients for the external
// collaborators the workers call: the AI completion service and the
// channel send gateway. The third-party wire formats live behind those
// services; this core only speaks the internal relay format below.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AIService calls the completion endpoint of the AI relay.
type AIService struct {
	baseURL string
	client  *http.Client
}

// NewAIService builds the client. Timeouts are enforced by the caller's
// context; the http.Client timeout is a backstop.
func NewAIService(baseURL string) *AIService {
	return &AIService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type completeRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	UserMessage    string `json:"user_message"`
}

type completeResponse struct {
	Reply string `json:"reply"`
}

func (s *AIService) Complete(ctx context.Context, tenantID, conversationID, userMessage string) (string, error) {
	var out completeResponse
	if err := postJSON(ctx, s.client, s.baseURL+"/complete", completeRequest{
		TenantID:       tenantID,
		ConversationID: conversationID,
		UserMessage:    userMessage,
	}, &out); err != nil {
		return "", fmt.Errorf("ai complete: %w", err)
	}
	return out.Reply, nil
}

// SendGateway calls the channel provider's relay to deliver a message.
type SendGateway struct {
	baseURL string
	client  *http.Client
}

// NewSendGateway builds the client.
func NewSendGateway(baseURL string) *SendGateway {
	return &SendGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type sendRequest struct {
	TenantID string `json:"tenant_id"`
	To       string `json:"to"`
	Body     string `json:"body"`
}

type sendResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
}

func (g *SendGateway) Send(ctx context.Context, tenantID, to, body string) (string, error) {
	var out sendResponse
	if err := postJSON(ctx, g.client, g.baseURL+"/send", sendRequest{
		TenantID: tenantID,
		To:       to,
		Body:     body,
	}, &out); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return out.ProviderMessageID, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
