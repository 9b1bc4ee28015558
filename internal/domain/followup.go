package domain

import "time"

// PromptType distinguishes roleplay actions from conversational prompts.
type PromptType string

const (
	PromptRoleplay     PromptType = "roleplay"
	PromptConversation PromptType = "conversation"
)

// SuggestedPrompt is a candidate next message offered as a chip.
type SuggestedPrompt struct {
	Type PromptType `json:"type"`
	// PromptText is sent to the backend verbatim.
	PromptText string `json:"prompt"`
	// DisplayText is the shorter label shown in the UI.
	DisplayText string `json:"simplified_text"`
}

// FollowupStatus is the lifecycle state of a follow-up suggestion job.
type FollowupStatus string

const (
	FollowupPending FollowupStatus = "pending"
	FollowupReady   FollowupStatus = "ready"
	FollowupFailed  FollowupStatus = "failed"
)

// FollowupJob is the normalized result of one poll of the suggestion endpoint.
type FollowupJob struct {
	JobID        string
	Status       FollowupStatus
	Suggestions  []SuggestedPrompt
	ErrorMessage string
	// PollAfter is the server-suggested delay before the next poll, zero if none.
	PollAfter time.Duration
}

// IsTerminal reports whether no further polling is needed.
func (j *FollowupJob) IsTerminal() bool {
	return j.Status == FollowupReady || j.Status == FollowupFailed
}

// CloneSuggestions copies a suggestion slice.
func CloneSuggestions(s []SuggestedPrompt) []SuggestedPrompt {
	if s == nil {
		return nil
	}
	out := make([]SuggestedPrompt, len(s))
	copy(out, s)
	return out
}
