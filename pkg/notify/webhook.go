package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"validator_fleet/pkg/security"
)

// WebhookAudience is the token audience expected by alert receivers
const WebhookAudience = "fleetguard-webhook"

// WebhookSink POSTs notifications as JSON with a signed bearer token
type WebhookSink struct {
	url    string
	tokens *security.TokenManager
	client *http.Client
}

// NewWebhookSink creates a sink posting to url, signing requests with secret
func NewWebhookSink(url, secret string, client *http.Client) (*WebhookSink, error) {
	tokens, err := security.NewTokenManager([]byte(secret), time.Minute)
	if err != nil {
		return nil, fmt.Errorf("creating webhook token manager: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{
		url:    url,
		tokens: tokens,
		client: client,
	}, nil
}

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	token, err := s.tokens.GenerateToken(n.Target, WebhookAudience)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Value)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
