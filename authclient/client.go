// Package authclient is the engine's client for the external auth
// collaborator. The engine hands it a resource password and receives an
// opaque token plus a timeout; nothing about the token is inspected here.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.pilab.hu/sessiongate/domain"
	sgerrors "go.pilab.hu/sessiongate/errors"
)

// Config holds configuration for the auth client.
type Config struct {
	BaseURL string        // Address of the auth collaborator (e.g., "http://localhost:8080")
	Timeout time.Duration // Per-request timeout
}

// Client implements domain.Validator against the collaborator's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new auth client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type validateRequest struct {
	ResourceID string `json:"resource_id"`
	Password   string `json:"password"`
}

type validateResponse struct {
	SessionToken   string `json:"session_token"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

// Validate exchanges a resource password for a grant. Wrong passwords and
// transport failures come back as recoverable auth errors so the host can
// offer a retry while the revalidation window is open.
func (c *Client) Validate(ctx context.Context, resourceID, password string) (*domain.Grant, error) {
	body, err := json.Marshal(validateRequest{ResourceID: resourceID, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, sgerrors.NewAuthError("validation request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var engineErr sgerrors.EngineError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&engineErr); decodeErr == nil && engineErr.Code != "" {
			return nil, &engineErr
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, sgerrors.NewInvalidPassword()
		case http.StatusNotFound:
			return nil, sgerrors.NewUnknownResource(resourceID)
		default:
			return nil, sgerrors.NewServerError(fmt.Sprintf("validation failed with status %d", resp.StatusCode))
		}
	}

	var grant validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("failed to decode validate response: %w", err)
	}

	return &domain.Grant{
		SessionToken:    grant.SessionToken,
		TimeoutDuration: time.Duration(grant.TimeoutMinutes) * time.Minute,
	}, nil
}

var _ domain.Validator = (*Client)(nil)
