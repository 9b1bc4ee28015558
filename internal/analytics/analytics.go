// Package analytics records product events emitted by the chat components.
package analytics

import (
	"context"
	"log/slog"
	"sync"
)

// Event names.
const (
	EventSessionRestored      = "Chat Session Restored"
	EventSessionCreated       = "Chat Session Created"
	EventGreetingReceived     = "Greeting Received"
	EventGreetingFailed       = "Greeting Failed"
	EventMessageSent          = "Message Sent"
	EventMessageFailed        = "Message Failed"
	EventAccessInvalidated    = "Character Access Invalidated"
	EventConversationReset    = "Conversation Reset"
	EventPrepromptsSuccess    = "Async Preprompts Success"
	EventPrepromptsTimeout    = "Async Preprompts Timeout"
	EventPrepromptsMaxRetries = "Async Preprompts Max Retries"
	EventPrepromptsError      = "Async Preprompts Error"
	EventPasswordVerified     = "Character Password Verified"
	EventPasswordRejected     = "Character Password Rejected"
	EventAccessForgotten      = "Character Access Forgotten"
)

// DistinctIDProp carries a per-caller distinct id through Record. Sinks use
// it in place of the id set by Identify.
const DistinctIDProp = "$distinct_id"

// Props are event properties.
type Props map[string]any

func (p Props) clone(extra int) Props {
	out := make(Props, len(p)+extra)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Recorder receives analytics events. Implementations must not block.
type Recorder interface {
	// Identify sets the distinct id attached to subsequent events.
	Identify(distinctID string)
	// Record emits one event.
	Record(event string, props Props)
}

// Nop discards every event.
type Nop struct{}

// Identify does nothing.
func (Nop) Identify(string) {}

// Record does nothing.
func (Nop) Record(string, Props) {}

// NameLookup resolves a character id to its cached display name.
type NameLookup interface {
	CharacterName(ctx context.Context, characterID string) (string, error)
}

type namedRecorder struct {
	next   Recorder
	lookup NameLookup
}

// WithCharacterNames adds a character_name property to every event carrying
// a character_id. Unknown names are recorded as nil.
func WithCharacterNames(next Recorder, lookup NameLookup) Recorder {
	if lookup == nil {
		return next
	}
	return &namedRecorder{next: next, lookup: lookup}
}

func (r *namedRecorder) Identify(distinctID string) { r.next.Identify(distinctID) }

func (r *namedRecorder) Record(event string, props Props) {
	id, _ := props["character_id"].(string)
	if id == "" {
		r.next.Record(event, props)
		return
	}
	if _, ok := props["character_name"]; ok {
		r.next.Record(event, props)
		return
	}

	enriched := props.clone(1)
	enriched["character_name"] = nil
	name, err := r.lookup.CharacterName(context.Background(), id)
	if err != nil {
		slog.Debug("Character name lookup failed", "character_id", id, "error", err)
	} else if name != "" {
		enriched["character_name"] = name
	}
	r.next.Record(event, enriched)
}

type scopedRecorder struct {
	next Recorder

	mu         sync.Mutex
	distinctID string
}

// Scoped gives one caller its own distinct id on top of a shared recorder.
// Identify on the result never reaches next; recorded events carry the id in
// DistinctIDProp instead.
func Scoped(next Recorder) Recorder {
	if _, ok := next.(Nop); ok {
		return next
	}
	return &scopedRecorder{next: next}
}

func (r *scopedRecorder) Identify(distinctID string) {
	r.mu.Lock()
	r.distinctID = distinctID
	r.mu.Unlock()
}

func (r *scopedRecorder) Record(event string, props Props) {
	r.mu.Lock()
	id := r.distinctID
	r.mu.Unlock()
	if id == "" {
		r.next.Record(event, props)
		return
	}
	scoped := props.clone(1)
	scoped[DistinctIDProp] = id
	r.next.Record(event, scoped)
}
