package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/egolab/egolab-web/internal/domain"
)

// storedMessage is the serialized form of a chat message. Timestamps are
// ISO-8601 strings.
type storedMessage struct {
	Role      domain.Role             `json:"role"`
	Content   string                  `json:"content"`
	Timestamp string                  `json:"timestamp,omitempty"`
	Metadata  *domain.MessageMetadata `json:"metadata,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
}

func encodeMessages(msgs []domain.Message, now time.Time) (string, error) {
	stored := make([]storedMessage, 0, len(msgs))
	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		stored = append(stored, storedMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: ts.UTC().Format(time.RFC3339Nano),
			Metadata:  m.Metadata,
			RequestID: m.RequestID,
		})
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}
	return string(data), nil
}

func decodeMessages(raw string, now time.Time) ([]domain.Message, error) {
	if raw == "" {
		return []domain.Message{}, nil
	}
	var stored []storedMessage
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]domain.Message, 0, len(stored))
	for _, s := range stored {
		ts := now
		if s.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, s.Timestamp); err == nil {
				ts = parsed
			}
		}
		msgs = append(msgs, domain.Message{
			Role:      s.Role,
			Content:   s.Content,
			Timestamp: ts,
			Metadata:  s.Metadata,
			RequestID: s.RequestID,
		})
	}
	return msgs, nil
}
