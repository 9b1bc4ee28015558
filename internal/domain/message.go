// Package domain contains core domain types for the EgoLab chat frontend.
package domain

import (
	"time"
)

// Role identifies who authored a chat message.
type Role string

const (
	// RoleUser marks messages typed or selected by the user.
	RoleUser Role = "user"
	// RoleAI marks replies generated by the character.
	RoleAI Role = "ai"
)

// InputSource records how a user message was produced.
type InputSource string

const (
	InputUserWritten        InputSource = "user-written"
	InputPromptRoleplay     InputSource = "prompt-roleplay"
	InputPromptConversation InputSource = "prompt-conversation"
)

// MessageMetadata is attached to user messages only. It is used for client-side
// styling and analytics and is never sent to the backend.
type MessageMetadata struct {
	InputSource      InputSource `json:"inputSource,omitempty"`
	PromptType       PromptType  `json:"promptType,omitempty"`
	IsRoleplayAction bool        `json:"isRoleplayAction,omitempty"`
	SimplifiedText   string      `json:"simplifiedText,omitempty"`
}

// Message is a single entry in a conversation.
type Message struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	// RequestID correlates an AI reply with its follow-up suggestion job.
	RequestID string `json:"request_id,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := *m.Metadata
		m.Metadata = &md
	}
	return m
}

// CloneMessages deep-copies a message slice. A nil slice yields an empty one.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// LastMessages returns up to n trailing messages.
func LastMessages(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
