package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the public ElevenLabs API.
const DefaultBaseURL = "https://api.elevenlabs.io"

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// Client is an ElevenLabs Conversational AI API client. It issues the signed
// websocket URLs that open an agent conversation.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// IssuerError is a failed signed URL request: either a non-2xx answer or,
// with StatusCode 0, a transport failure in Err.
type IssuerError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *IssuerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ElevenLabs API request failed: %v", e.Err)
	}
	return fmt.Sprintf("ElevenLabs API error (%d): %s", e.StatusCode, e.Body)
}

func (e *IssuerError) Unwrap() error { return e.Err }

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// NewClient creates a new API client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ElevenLabs API key not configured")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log,
	}, nil
}

// SignedURL requests a one-time websocket URL for a conversation with agentID.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("agent id is required")
	}

	reqURL := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s", c.baseURL, url.QueryEscape(agentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &IssuerError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &IssuerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("response has no signed_url")
	}

	c.log.WithFields(logrus.Fields{
		"agent_id": agentID,
		"elapsed":  time.Since(start),
	}).Debug("signed url issued")

	return out.SignedURL, nil
}
