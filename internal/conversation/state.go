package conversation

import "github.com/egolab/egolab-web/internal/domain"

// Phase is the conversation's position in its lifecycle.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseRestoring     Phase = "restoring"
	PhaseEmpty         Phase = "empty"
	PhaseGreeting      Phase = "greeting"
	PhaseHasHistory    Phase = "has-history"
	PhaseSending       Phase = "sending"
	PhaseErrored       Phase = "errored"
)

// State is a snapshot of the controller. It shares no memory with the
// controller.
type State struct {
	Phase       Phase            `json:"phase"`
	CharacterID string           `json:"character_id"`
	SessionID   string           `json:"session_id"`
	Messages    []domain.Message `json:"messages"`
	Loading     bool             `json:"is_loading"`
	Error       string           `json:"error,omitempty"`
	Warning     string           `json:"warning,omitempty"`
	Disabled    bool             `json:"disabled"`

	Suggestions        []domain.SuggestedPrompt `json:"suggestions,omitempty"`
	SuggestionsLoading bool                     `json:"suggestions_loading"`
	SuggestionsError   string                   `json:"suggestions_error,omitempty"`
}

type operation int

const (
	opNone operation = iota
	opGreeting
	opSending
)

func (c *Controller) snapshotLocked() State {
	st := State{
		CharacterID:        c.characterID,
		SessionID:          c.sessionID,
		Messages:           domain.CloneMessages(c.messages),
		Loading:            c.loading,
		Error:              c.errMsg,
		Warning:            c.warning,
		Disabled:           c.disabled,
		Suggestions:        domain.CloneSuggestions(c.suggestions),
		SuggestionsLoading: c.suggestionsLoading,
		SuggestionsError:   c.suggestionsErr,
	}

	switch {
	case c.restoring:
		st.Phase = PhaseRestoring
	case !c.initialized:
		st.Phase = PhaseUninitialized
	case c.loading && c.op == opGreeting:
		st.Phase = PhaseGreeting
	case c.loading && c.op == opSending:
		st.Phase = PhaseSending
	case c.errMsg != "":
		st.Phase = PhaseErrored
	case len(c.messages) == 0:
		st.Phase = PhaseEmpty
	default:
		st.Phase = PhaseHasHistory
	}
	return st
}
