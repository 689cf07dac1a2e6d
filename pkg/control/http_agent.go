package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"validator_fleet/pkg/security"
)

// AgentAudience is the token audience expected by node agents
const AgentAudience = "fleetguard-node-agent"

// HTTPAgent drives a node agent over its REST API:
//
//	POST /v1/nodes/{id}/stop
//	POST /v1/nodes/{id}/start
//	GET  /v1/nodes/{id}/health
type HTTPAgent struct {
	baseURL string
	tokens  *security.TokenManager
	client  *http.Client
	logger  *zap.Logger
}

// Ensure HTTPAgent implements the NodeControl interface
var _ NodeControl = (*HTTPAgent)(nil)

// NewHTTPAgent creates an agent client. Requests carry an HS256 bearer token
// signed with secret; an empty secret sends no Authorization header.
func NewHTTPAgent(baseURL, secret string, client *http.Client, logger *zap.Logger) (*HTTPAgent, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing agent url: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}

	agent := &HTTPAgent{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}

	if secret != "" {
		tokens, err := security.NewTokenManager([]byte(secret), time.Minute)
		if err != nil {
			return nil, err
		}
		agent.tokens = tokens
	}

	return agent, nil
}

type actionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (a *HTTPAgent) Stop(ctx context.Context, nodeID string) (bool, error) {
	return a.action(ctx, nodeID, "stop")
}

func (a *HTTPAgent) Start(ctx context.Context, nodeID string) (bool, error) {
	return a.action(ctx, nodeID, "start")
}

func (a *HTTPAgent) HealthCheck(ctx context.Context, nodeID string) (HealthStatus, error) {
	var status HealthStatus
	if err := a.do(ctx, http.MethodGet, nodeID, "health", &status); err != nil {
		return HealthStatus{}, err
	}
	return status, nil
}

func (a *HTTPAgent) action(ctx context.Context, nodeID, verb string) (bool, error) {
	var resp actionResponse
	if err := a.do(ctx, http.MethodPost, nodeID, verb, &resp); err != nil {
		return false, err
	}
	if !resp.OK {
		a.logger.Warn("Node agent refused action",
			zap.String("nodeId", nodeID),
			zap.String("action", verb),
			zap.String("message", resp.Message))
	}
	return resp.OK, nil
}

func (a *HTTPAgent) do(ctx context.Context, method, nodeID, verb string, out interface{}) error {
	endpoint := fmt.Sprintf("%s/v1/nodes/%s/%s", a.baseURL, url.PathEscape(nodeID), verb)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrControlPort, err)
	}
	req.Header.Set("Accept", "application/json")

	if a.tokens != nil {
		token, err := a.tokens.GenerateToken(nodeID, AgentAudience)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrControlPort, err)
		}
		req.Header.Set("Authorization", "Bearer "+token.Value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrControlPort, verb, nodeID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrControlPort, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned status %d: %s",
			ErrControlPort, verb, nodeID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrControlPort, err)
	}
	return nil
}
