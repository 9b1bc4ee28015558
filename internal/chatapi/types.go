package chatapi

import (
	"time"

	"github.com/egolab/egolab-web/internal/domain"
)

// Auth carries the optional credentials for a password-gated character.
// Empty fields are omitted from requests.
type Auth struct {
	Password    string
	AccessToken string
}

// IsZero reports whether no credential is set.
func (a Auth) IsZero() bool {
	return a.Password == "" && a.AccessToken == ""
}

// HistoryMessage is a context message sent alongside chat and greeting requests.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryFromMessages converts domain messages to backend history entries.
// AI messages are sent with the "assistant" role.
func HistoryFromMessages(msgs []domain.Message) []HistoryMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == domain.RoleAI {
			role = "assistant"
		}
		out = append(out, HistoryMessage{Role: role, Content: m.Content})
	}
	return out
}

type createSessionRequest struct {
	ConfigID             string `json:"config_id"`
	CharacterPassword    string `json:"character_password,omitempty"`
	CharacterAccessToken string `json:"character_access_token,omitempty"`
}

// CreateSessionResponse is returned by POST /api/sessions.
type CreateSessionResponse struct {
	SessionID     string `json:"session_id"`
	ConfigID      string `json:"config_id"`
	UserID        string `json:"user_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}

type chatRequest struct {
	SessionID            string           `json:"session_id"`
	Input                string           `json:"input"`
	ConfigID             string           `json:"config_id"`
	ConversationHistory  []HistoryMessage `json:"conversation_history,omitempty"`
	CharacterPassword    string           `json:"character_password,omitempty"`
	CharacterAccessToken string           `json:"character_access_token,omitempty"`
}

type initialMessageRequest struct {
	SessionID            string           `json:"session_id"`
	ConfigID             string           `json:"config_id"`
	PreviousMessages     []HistoryMessage `json:"previous_messages,omitempty"`
	CharacterPassword    string           `json:"character_password,omitempty"`
	CharacterAccessToken string           `json:"character_access_token,omitempty"`
}

// prompt is the wire shape of a suggested prompt.
type prompt struct {
	Type           string `json:"type"`
	Prompt         string `json:"prompt"`
	SimplifiedText string `json:"simplified_text"`
}

func promptsToDomain(in []prompt) []domain.SuggestedPrompt {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.SuggestedPrompt, 0, len(in))
	for _, p := range in {
		if p.Prompt == "" {
			continue
		}
		display := p.SimplifiedText
		if display == "" {
			display = p.Prompt
		}
		out = append(out, domain.SuggestedPrompt{
			Type:        domain.PromptType(p.Type),
			PromptText:  p.Prompt,
			DisplayText: display,
		})
	}
	return out
}

// chatResponse is shared by /api/chat and /api/initial-message.
type chatResponse struct {
	AI                 string   `json:"ai"`
	SessionID          string   `json:"session_id"`
	RequestID          string   `json:"request_id,omitempty"`
	TextResponseClean  string   `json:"text_response_cleaned,omitempty"`
	WarningMessage     *string  `json:"warning_message,omitempty"`
	Preprompts         []prompt `json:"preprompts"`
	FollowupsJobID     string   `json:"followups_job_id,omitempty"`
	FollowupsReady     bool     `json:"followups_ready,omitempty"`
	FollowupsJobStatus string   `json:"followups_status,omitempty"`
}

// Reply is a normalized AI reply from a chat or greeting call.
type Reply struct {
	Text          string
	SessionID     string
	RequestID     string
	FollowupJobID string
	Suggestions   []domain.SuggestedPrompt
	Warning       string
}

func (r *chatResponse) toReply() *Reply {
	reply := &Reply{
		Text:          r.AI,
		SessionID:     r.SessionID,
		RequestID:     r.RequestID,
		FollowupJobID: r.FollowupsJobID,
		Suggestions:   promptsToDomain(r.Preprompts),
	}
	if r.WarningMessage != nil {
		reply.Warning = *r.WarningMessage
	}
	return reply
}

// HasInlineSuggestions reports whether suggestions arrived with the reply.
func (r *Reply) HasInlineSuggestions() bool {
	return len(r.Suggestions) > 0
}

type verifyPasswordRequest struct {
	Password string `json:"password"`
}

// PasswordVerification is returned by POST /api/characters/:id/verify-password.
type PasswordVerification struct {
	Success          bool    `json:"success"`
	AccessToken      string  `json:"access_token,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	TTLSeconds       *int64  `json:"ttl_seconds,omitempty"`
	PasswordRequired bool    `json:"password_required,omitempty"`
}

// Expiry resolves the token expiry: the absolute expires_at if present and
// parseable, else now plus ttl_seconds, else nil.
func (v *PasswordVerification) Expiry(now time.Time) *time.Time {
	if v.ExpiresAt != nil && *v.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, *v.ExpiresAt); err == nil {
			return &t
		}
	}
	if v.TTLSeconds != nil && *v.TTLSeconds > 0 {
		t := now.Add(time.Duration(*v.TTLSeconds) * time.Second)
		return &t
	}
	return nil
}

// followupsJobResponse is returned by GET /api/chat-followups/:jobId.
type followupsJobResponse struct {
	FollowupsJobID string   `json:"followups_job_id"`
	Status         string   `json:"status"`
	Preprompts     []prompt `json:"preprompts,omitempty"`
	Error          string   `json:"error,omitempty"`
	PollAfterMS    int64    `json:"poll_after_ms,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

// prepromptResponse is returned by GET /api/preprompts/:requestId.
// A 202 status or null preprompts means the suggestions are still generating.
type prepromptResponse struct {
	RequestID  string   `json:"request_id"`
	Status     string   `json:"status,omitempty"`
	Preprompts []prompt `json:"preprompts"`
	RetryAfter int64    `json:"retry_after,omitempty"`
	Error      string   `json:"error,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type charactersResponse struct {
	Characters []domain.Character `json:"characters"`
	Total      int                `json:"total"`
}

// HealthResponse is returned by GET /health on the backend.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// errorResponse is the body of non-2xx backend responses.
type errorResponse struct {
	Error            string `json:"error"`
	Message          string `json:"message,omitempty"`
	PasswordRequired bool   `json:"password_required,omitempty"`
}
