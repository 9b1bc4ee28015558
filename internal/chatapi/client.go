// Package chatapi is a typed HTTP client for the backend chat service.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/egolab/egolab-web/internal/domain"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to the backend chat API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the backend at baseURL.
// A nil httpClient uses a client without a timeout; chat calls resolve or
// fail on the network's own terms.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession opens a backend session for a character.
func (c *Client) CreateSession(ctx context.Context, configID string, auth Auth) (*CreateSessionResponse, error) {
	req := createSessionRequest{
		ConfigID:             configID,
		CharacterPassword:    auth.Password,
		CharacterAccessToken: auth.AccessToken,
	}
	var resp CreateSessionResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/sessions", req, &resp); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &resp, nil
}

// SendChatMessage sends user input and returns the character's reply.
func (c *Client) SendChatMessage(ctx context.Context, sessionID, configID, input string, history []HistoryMessage, auth Auth) (*Reply, error) {
	req := chatRequest{
		SessionID:            sessionID,
		Input:                input,
		ConfigID:             configID,
		ConversationHistory:  history,
		CharacterPassword:    auth.Password,
		CharacterAccessToken: auth.AccessToken,
	}
	var resp chatResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/chat", req, &resp); err != nil {
		return nil, fmt.Errorf("send chat message: %w", err)
	}
	return resp.toReply(), nil
}

// FetchInitialMessage asks the character for a greeting, optionally seeded
// with earlier messages for context.
func (c *Client) FetchInitialMessage(ctx context.Context, sessionID, configID string, previous []HistoryMessage, auth Auth) (*Reply, error) {
	req := initialMessageRequest{
		SessionID:            sessionID,
		ConfigID:             configID,
		PreviousMessages:     previous,
		CharacterPassword:    auth.Password,
		CharacterAccessToken: auth.AccessToken,
	}
	var resp chatResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/initial-message", req, &resp); err != nil {
		return nil, fmt.Errorf("fetch initial message: %w", err)
	}
	return resp.toReply(), nil
}

// VerifyCharacterPassword exchanges a character password for an access token.
func (c *Client) VerifyCharacterPassword(ctx context.Context, configID, password string) (*PasswordVerification, error) {
	path := "/api/characters/" + url.PathEscape(configID) + "/verify-password"
	var resp PasswordVerification
	if _, err := c.do(ctx, http.MethodPost, path, verifyPasswordRequest{Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("verify character password: %w", err)
	}
	return &resp, nil
}

// FetchFollowupsJob polls GET /api/chat-followups/:jobId.
func (c *Client) FetchFollowupsJob(ctx context.Context, jobID string) (*domain.FollowupJob, error) {
	var resp followupsJobResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/chat-followups/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch followups job: %w", err)
	}

	job := &domain.FollowupJob{
		JobID:       jobID,
		Status:      domain.FollowupStatus(resp.Status),
		Suggestions: promptsToDomain(resp.Preprompts),
		PollAfter:   time.Duration(resp.PollAfterMS) * time.Millisecond,
	}
	switch job.Status {
	case domain.FollowupReady, domain.FollowupFailed:
	default:
		job.Status = domain.FollowupPending
	}
	if job.Status == domain.FollowupFailed {
		job.ErrorMessage = resp.Error
	}
	return job, nil
}

// FetchPreprompts polls GET /api/preprompts/:requestId. A 202 response or
// null preprompts means the suggestions are not ready yet.
func (c *Client) FetchPreprompts(ctx context.Context, requestID string) (*domain.FollowupJob, error) {
	var resp prepromptResponse
	status, err := c.do(ctx, http.MethodGet, "/api/preprompts/"+url.PathEscape(requestID), nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch preprompts: %w", err)
	}

	job := &domain.FollowupJob{
		JobID:     requestID,
		Status:    domain.FollowupPending,
		PollAfter: time.Duration(resp.RetryAfter) * time.Millisecond,
	}
	switch {
	case resp.Status == string(domain.FollowupFailed):
		job.Status = domain.FollowupFailed
		job.ErrorMessage = resp.Error
		if job.ErrorMessage == "" {
			job.ErrorMessage = resp.Message
		}
	case status != http.StatusAccepted && len(resp.Preprompts) > 0:
		job.Status = domain.FollowupReady
		job.Suggestions = promptsToDomain(resp.Preprompts)
	}
	return job, nil
}

// GetCharacters lists the visible characters.
func (c *Client) GetCharacters(ctx context.Context) ([]domain.Character, error) {
	var resp charactersResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/characters", nil, &resp); err != nil {
		return nil, fmt.Errorf("get characters: %w", err)
	}
	return resp.Characters, nil
}

// GetCharacter finds a single character in the character list.
// It returns nil without error if the character is unknown.
func (c *Client) GetCharacter(ctx context.Context, configID string) (*domain.Character, error) {
	chars, err := c.GetCharacters(ctx)
	if err != nil {
		return nil, err
	}
	for i := range chars {
		if chars[i].ID == configID {
			return &chars[i], nil
		}
	}
	return nil, nil
}

// CheckHealth queries the backend's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("check health: %w", err)
	}
	return &resp, nil
}

// do performs a JSON request and decodes a 2xx body into out. Non-2xx
// responses become *APIError. The HTTP status is returned on success.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("chatapi: failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Backend request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeError(resp)
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		apiErr.Message = resp.Status
		return apiErr
	}
	var body errorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		apiErr.Message = resp.Status
		return apiErr
	}
	apiErr.Code = body.Error
	apiErr.Message = body.Message
	apiErr.PasswordRequired = body.PasswordRequired
	return apiErr
}
