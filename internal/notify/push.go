package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
)

// HTTPPushProvider delivers notifications to a webhook-style push gateway
// (e.g. a self-hosted FCM/APNs relay). No push SDK appears anywhere in the
// example pack, so this is built directly on net/http rather than adopting
// an unvalidated third-party client (see DESIGN.md).
type HTTPPushProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPPushProvider(endpoint, apiKey string) *HTTPPushProvider {
	return &HTTPPushProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type pushRequest struct {
	Tokens   []string                    `json:"tokens"`
	Priority models.NotificationPriority `json:"priority"`
	Payload  models.NotificationPayload  `json:"payload"`
}

type pushResponse struct {
	InvalidTokens []string          `json:"invalidTokens"`
	Failures      map[string]string `json:"failures"`
}

func (p *HTTPPushProvider) Send(ctx context.Context, tokens []string, payload models.NotificationPayload, priority models.NotificationPriority) (*interfaces.PushResult, error) {
	body, err := json.Marshal(pushRequest{Tokens: tokens, Priority: priority, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("push provider returned %d", resp.StatusCode)
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return &interfaces.PushResult{}, nil
	}

	result := &interfaces.PushResult{InvalidTokens: decoded.InvalidTokens}
	if len(decoded.Failures) > 0 {
		result.OtherFailures = make(map[string]error, len(decoded.Failures))
		for token, reason := range decoded.Failures {
			result.OtherFailures[token] = fmt.Errorf("%s", reason)
		}
	}
	return result, nil
}

var _ interfaces.PushProvider = (*HTTPPushProvider)(nil)
