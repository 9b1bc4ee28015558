// Package conversation owns one character's chat session: restoring it from
// storage, fetching the greeting, sending messages with optimistic updates
// and tracking follow-up suggestions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/egolab/egolab-web/internal/analytics"
	"github.com/egolab/egolab-web/internal/chatapi"
	"github.com/egolab/egolab-web/internal/domain"
	"github.com/egolab/egolab-web/internal/followup"
	"github.com/egolab/egolab-web/internal/text"
)

// Default history windows.
const (
	DefaultHistoryWindow  = 8
	DefaultGreetingWindow = 5
)

// Backend is the subset of the chat API the controller calls.
type Backend interface {
	CreateSession(ctx context.Context, configID string, auth chatapi.Auth) (*chatapi.CreateSessionResponse, error)
	SendChatMessage(ctx context.Context, sessionID, configID, input string, history []chatapi.HistoryMessage, auth chatapi.Auth) (*chatapi.Reply, error)
	FetchInitialMessage(ctx context.Context, sessionID, configID string, previous []chatapi.HistoryMessage, auth chatapi.Auth) (*chatapi.Reply, error)
}

// SessionStore persists the conversation.
type SessionStore interface {
	LoadChatSession(ctx context.Context, owner, characterID string) (*domain.ChatSession, error)
	SaveChatSession(ctx context.Context, owner, characterID, sessionID string, messages []domain.Message) error
	ClearChatSession(ctx context.Context, owner, characterID string) error
}

// Credentials supplies and revokes character access.
type Credentials interface {
	Auth(ctx context.Context, characterID string) chatapi.Auth
	Invalidate(ctx context.Context, characterID string) error
	Forget(ctx context.Context, characterID string) error
}

// Followups resolves and polls follow-up suggestion jobs.
type Followups interface {
	followup.Fetcher
	KeyFor(reply *chatapi.Reply) string
}

// Options configures a Controller.
type Options struct {
	Owner       string
	Backend     Backend
	Store       SessionStore
	Credentials Credentials
	Followups   Followups
	Poll        followup.Config
	Clock       followup.Clock
	Analytics   analytics.Recorder
	// OnAccessInvalidated is called after the backend rejects stored
	// credentials so the host can prompt for the password again.
	OnAccessInvalidated func(characterID string)
	HistoryWindow       int
	GreetingWindow      int
	Logger              *slog.Logger
}

// Controller is the single source of truth for one character's chat. All
// methods are safe for concurrent use.
type Controller struct {
	owner          string
	backend        Backend
	store          SessionStore
	creds          Credentials
	followups      Followups
	poller         *followup.Poller
	clock          followup.Clock
	analytics      analytics.Recorder
	onInvalidated  func(string)
	historyWindow  int
	greetingWindow int
	logger         *slog.Logger

	mu                 sync.Mutex
	gen                uint64
	closed             bool
	initialized        bool
	restoring          bool
	greeted            bool
	characterID        string
	sessionID          string
	messages           []domain.Message
	loading            bool
	op                 operation
	errMsg             string
	warning            string
	disabled           bool
	suggestions        []domain.SuggestedPrompt
	suggestionsLoading bool
	suggestionsErr     string
	followKey          string
	listeners          map[int]func(State)
	nextListener       int

	// persistMu orders store writes; each write snapshots current state.
	persistMu sync.Mutex
	// pollMu orders poller starts and cancels.
	pollMu sync.Mutex
	// notifyMu delivers snapshots to listeners in order.
	notifyMu sync.Mutex
}

// New creates a controller. Call Initialize before use.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}
	if opts.Credentials == nil {
		opts.Credentials = noCredentials{}
	}
	if opts.Clock == nil {
		opts.Clock = followup.SystemClock
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.GreetingWindow <= 0 {
		opts.GreetingWindow = DefaultGreetingWindow
	}

	c := &Controller{
		owner:          opts.Owner,
		backend:        opts.Backend,
		store:          opts.Store,
		creds:          opts.Credentials,
		followups:      opts.Followups,
		clock:          opts.Clock,
		analytics:      analytics.Scoped(opts.Analytics),
		onInvalidated:  opts.OnAccessInvalidated,
		historyWindow:  opts.HistoryWindow,
		greetingWindow: opts.GreetingWindow,
		logger:         opts.Logger,
		messages:       []domain.Message{},
		listeners:      make(map[int]func(State)),
	}
	if opts.Followups != nil {
		c.poller = followup.NewPoller(opts.Followups, opts.Poll, opts.Clock, opts.Logger)
	}
	return c
}

// Initialize restores the persisted session for characterID. Calling it again
// for the same character is a no-op; a different character resets all state
// first.
func (c *Controller) Initialize(ctx context.Context, characterID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.initialized && c.characterID == characterID {
		c.mu.Unlock()
		return nil
	}
	changed := c.characterID != characterID
	c.resetLocked()
	c.initialized = false
	c.characterID = characterID
	c.restoring = true
	gen := c.gen
	c.mu.Unlock()

	if changed {
		c.cancelFollowups()
	}
	c.notify()

	log := c.logger.With("character_id", characterID)

	var session *domain.ChatSession
	if c.store != nil {
		var err error
		session, err = c.store.LoadChatSession(ctx, c.owner, characterID)
		if err != nil {
			log.Warn("Failed to restore chat session", "error", err)
			session = nil
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.restoring = false
	c.initialized = true
	restored := session != nil && !session.IsEmpty()
	if restored {
		c.sessionID = session.SessionID
		c.messages = domain.CloneMessages(session.Messages)
	}
	c.mu.Unlock()

	if restored {
		log.Info("Restored chat session", "session_id", session.SessionID, "message_count", len(session.Messages))
		if session.SessionID != "" {
			c.analytics.Identify(session.SessionID)
		}
		c.analytics.Record(analytics.EventSessionRestored, analytics.Props{
			"character_id":  characterID,
			"session_id":    session.SessionID,
			"message_count": len(session.Messages),
		})
	}
	c.notify()
	return nil
}

// EnsureGreeting fetches the character's opening message when the
// conversation has none. It succeeds at most once per restore or reset;
// later calls return nil without doing anything. A failed greeting may be
// requested again, e.g. after the character is unlocked.
func (c *Controller) EnsureGreeting(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case !c.initialized:
		c.mu.Unlock()
		return ErrNotInitialized
	case c.disabled:
		c.mu.Unlock()
		return ErrLocked
	case c.greeted:
		c.mu.Unlock()
		return nil
	case c.loading:
		c.mu.Unlock()
		return ErrBusy
	}
	c.greeted = true
	if len(c.messages) > 0 && c.sessionID != "" {
		c.mu.Unlock()
		return nil
	}

	c.loading = true
	c.op = opGreeting
	c.errMsg = ""
	gen := c.gen
	characterID := c.characterID
	sessionID := c.sessionID
	previous := chatapi.HistoryFromMessages(domain.LastMessages(c.messages, c.greetingWindow))
	c.mu.Unlock()
	c.notify()

	log := c.logger.With("character_id", characterID)
	auth := c.creds.Auth(ctx, characterID)

	if sessionID == "" {
		var err error
		sessionID, err = c.createSession(ctx, gen, characterID, auth)
		if err != nil {
			return c.failGreeting(ctx, gen, characterID, err)
		}
	}

	reply, err := c.backend.FetchInitialMessage(ctx, sessionID, characterID, previous, auth)
	if err != nil {
		return c.failGreeting(ctx, gen, characterID, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.loading = false
	c.op = opNone
	if reply.SessionID != "" {
		c.sessionID = reply.SessionID
	}
	appended := false
	if len(c.messages) == 0 {
		c.messages = append(c.messages, domain.Message{
			Role:      domain.RoleAI,
			Content:   reply.Text,
			Timestamp: c.clock.Now(),
			RequestID: reply.RequestID,
		})
		appended = true
	}
	c.warning = reply.Warning
	key := ""
	if appended {
		key = c.applyReplySuggestionsLocked(reply)
	}
	c.mu.Unlock()

	log.Info("Greeting received", "session_id", sessionID, "appended", appended, "length", len(reply.Text))
	c.analytics.Record(analytics.EventGreetingReceived, analytics.Props{
		"character_id": characterID,
		"session_id":   sessionID,
		"appended":     appended,
	})
	c.notify()
	c.persist()
	c.startFollowups(gen, key)
	return nil
}

func (c *Controller) failGreeting(ctx context.Context, gen uint64, characterID string, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.loading = false
	c.op = opNone
	c.greeted = false
	c.errMsg = describeError(err, "Failed to load greeting")
	c.mu.Unlock()

	c.logger.Warn("Greeting failed", "character_id", characterID, "error", err)
	c.analytics.Record(analytics.EventGreetingFailed, analytics.Props{
		"character_id":  characterID,
		"error_message": err.Error(),
	})
	c.handleInvalidation(ctx, characterID, err)
	c.notify()
	return fmt.Errorf("fetch greeting: %w", err)
}

// SendMessage sends content as the user. Blank input, a request already in
// flight and a locked character are rejected without touching state. The
// user message is shown immediately and removed again if the send fails.
// A nil meta marks the message as typed by the user.
func (c *Controller) SendMessage(ctx context.Context, content string, meta *domain.MessageMetadata) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case !c.initialized:
		c.mu.Unlock()
		return ErrNotInitialized
	case c.disabled:
		c.mu.Unlock()
		return ErrLocked
	case c.loading:
		c.mu.Unlock()
		return ErrBusy
	}

	if meta == nil {
		meta = &domain.MessageMetadata{
			InputSource:      domain.InputUserWritten,
			IsRoleplayAction: text.IsRoleplayAction(content),
		}
	}

	before := len(c.messages)
	history := chatapi.HistoryFromMessages(domain.LastMessages(c.messages, c.historyWindow))
	c.messages = append(c.messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: c.clock.Now(),
		Metadata:  meta,
	})
	c.loading = true
	c.op = opSending
	c.errMsg = ""
	c.warning = ""
	c.clearSuggestionsLocked()
	gen := c.gen
	characterID := c.characterID
	sessionID := c.sessionID
	c.mu.Unlock()

	c.cancelFollowups()
	c.notify()
	c.persist()

	log := c.logger.With("character_id", characterID)
	auth := c.creds.Auth(ctx, characterID)

	if sessionID == "" {
		var err error
		sessionID, err = c.createSession(ctx, gen, characterID, auth)
		if err != nil {
			return c.failSend(ctx, gen, before, characterID, meta, err)
		}
	}

	reply, err := c.backend.SendChatMessage(ctx, sessionID, characterID, content, history, auth)
	if err != nil {
		return c.failSend(ctx, gen, before, characterID, meta, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.loading = false
	c.op = opNone
	if reply.SessionID != "" {
		c.sessionID = reply.SessionID
	}
	c.messages = append(c.messages, domain.Message{
		Role:      domain.RoleAI,
		Content:   reply.Text,
		Timestamp: c.clock.Now(),
		RequestID: reply.RequestID,
	})
	c.warning = reply.Warning
	key := c.applyReplySuggestionsLocked(reply)
	sessionID = c.sessionID
	c.mu.Unlock()

	log.Debug("Message exchanged", "session_id", sessionID, "request_id", reply.RequestID, "length", len(content))
	c.analytics.Record(analytics.EventMessageSent, analytics.Props{
		"character_id":       characterID,
		"session_id":         sessionID,
		"message_length":     len(content),
		"input_source":       string(meta.InputSource),
		"prompt_type":        string(meta.PromptType),
		"is_roleplay_action": meta.IsRoleplayAction,
		"inline_suggestions": len(reply.Suggestions),
	})
	c.notify()
	c.persist()
	c.startFollowups(gen, key)
	return nil
}

func (c *Controller) failSend(ctx context.Context, gen uint64, before int, characterID string, meta *domain.MessageMetadata, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.loading = false
	c.op = opNone
	if len(c.messages) > before {
		c.messages = c.messages[:before]
	}
	c.errMsg = describeError(err, "Failed to send message")
	c.mu.Unlock()

	c.logger.Warn("Send failed", "character_id", characterID, "error", err)
	c.analytics.Record(analytics.EventMessageFailed, analytics.Props{
		"character_id":  characterID,
		"input_source":  string(meta.InputSource),
		"error_message": err.Error(),
	})
	c.handleInvalidation(ctx, characterID, err)
	c.notify()
	c.persist()
	return fmt.Errorf("send message: %w", err)
}

// SelectSuggestion sends a suggested prompt's full text.
func (c *Controller) SelectSuggestion(ctx context.Context, prompt domain.SuggestedPrompt) error {
	promptType := prompt.Type
	if promptType == "" {
		promptType = domain.PromptConversation
	}
	meta := &domain.MessageMetadata{
		InputSource:      domain.InputSource("prompt-" + string(promptType)),
		PromptType:       promptType,
		IsRoleplayAction: promptType == domain.PromptRoleplay,
		SimplifiedText:   prompt.DisplayText,
	}
	return c.SendMessage(ctx, prompt.PromptText, meta)
}

// StartNewConversation drops the session and its messages, stops any
// follow-up polling and deletes the persisted session. Stored access is kept.
// In-flight requests finish but their results are dropped.
func (c *Controller) StartNewConversation(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.resetLocked()
	characterID := c.characterID
	c.mu.Unlock()

	c.cancelFollowups()

	var err error
	if c.store != nil && characterID != "" {
		c.persistMu.Lock()
		err = c.store.ClearChatSession(ctx, c.owner, characterID)
		c.persistMu.Unlock()
		if err != nil {
			c.logger.Warn("Failed to clear chat session", "character_id", characterID, "error", err)
		}
	}

	c.analytics.Record(analytics.EventConversationReset, analytics.Props{"character_id": characterID})
	c.notify()
	return err
}

// ForgetAccess removes the character's stored credentials and resets the
// conversation.
func (c *Controller) ForgetAccess(ctx context.Context) error {
	c.mu.Lock()
	characterID := c.characterID
	c.mu.Unlock()

	if err := c.creds.Forget(ctx, characterID); err != nil {
		return fmt.Errorf("forget access: %w", err)
	}
	return c.StartNewConversation(ctx)
}

// SetDisabled blocks sends and greetings while the character is locked.
func (c *Controller) SetDisabled(disabled bool) {
	c.mu.Lock()
	if c.disabled == disabled {
		c.mu.Unlock()
		return
	}
	c.disabled = disabled
	c.mu.Unlock()
	c.notify()
}

// ClearSuggestions drops the current suggestions and stops polling for them.
func (c *Controller) ClearSuggestions() {
	c.mu.Lock()
	c.clearSuggestionsLocked()
	c.mu.Unlock()
	c.cancelFollowups()
	c.notify()
}

// Subscribe registers fn to receive a snapshot after every change. Listeners
// run synchronously and must not call controller methods other than State.
// The returned function removes the listener.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	if c.listeners != nil {
		c.listeners[id] = fn
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// State returns a snapshot of the conversation.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close stops polling and drops listeners. Results of in-flight requests are
// discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.listeners = nil
	c.mu.Unlock()

	if c.poller != nil {
		c.pollMu.Lock()
		c.poller.Close()
		c.pollMu.Unlock()
	}
}

// resetLocked clears the conversation. The controller stays initialized.
func (c *Controller) resetLocked() {
	c.gen++
	c.greeted = false
	c.sessionID = ""
	c.messages = []domain.Message{}
	c.loading = false
	c.op = opNone
	c.errMsg = ""
	c.warning = ""
	c.clearSuggestionsLocked()
}

func (c *Controller) clearSuggestionsLocked() {
	c.suggestions = nil
	c.suggestionsLoading = false
	c.suggestionsErr = ""
	c.followKey = ""
}

func (c *Controller) createSession(ctx context.Context, gen uint64, characterID string, auth chatapi.Auth) (string, error) {
	resp, err := c.backend.CreateSession(ctx, characterID, auth)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return "", ErrSuperseded
	}
	c.sessionID = resp.SessionID
	c.mu.Unlock()

	c.logger.Info("Chat session created", "character_id", characterID, "session_id", resp.SessionID)
	c.analytics.Identify(resp.SessionID)
	c.analytics.Record(analytics.EventSessionCreated, analytics.Props{
		"character_id": characterID,
		"session_id":   resp.SessionID,
	})
	c.persist()
	return resp.SessionID, nil
}

// applyReplySuggestionsLocked takes inline suggestions from reply, or returns
// the key to poll for them.
func (c *Controller) applyReplySuggestionsLocked(reply *chatapi.Reply) string {
	c.clearSuggestionsLocked()
	if reply.HasInlineSuggestions() {
		c.suggestions = domain.CloneSuggestions(reply.Suggestions)
		return ""
	}
	if c.followups == nil || c.poller == nil {
		return ""
	}
	key := c.followups.KeyFor(reply)
	if key != "" {
		c.followKey = key
		c.suggestionsLoading = true
	}
	return key
}

func (c *Controller) startFollowups(gen uint64, key string) {
	if key == "" || c.poller == nil {
		return
	}
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	current := !c.closed && c.gen == gen && c.followKey == key
	characterID := c.characterID
	c.mu.Unlock()
	if !current {
		return
	}

	c.poller.Start(key, func(res followup.Result) {
		c.applyFollowups(gen, characterID, res)
	})
}

func (c *Controller) applyFollowups(gen uint64, characterID string, res followup.Result) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.followKey != res.Key {
		c.mu.Unlock()
		return
	}
	c.suggestionsLoading = false
	c.followKey = ""
	if res.Err != nil {
		c.suggestionsErr = res.Err.Error()
	} else {
		c.suggestions = domain.CloneSuggestions(res.Suggestions)
	}
	c.mu.Unlock()

	props := analytics.Props{
		"character_id":    characterID,
		"request_id":      res.Key,
		"retry_count":     res.Attempts - 1,
		"elapsed_time_ms": res.Elapsed.Milliseconds(),
	}
	switch {
	case res.Err == nil:
		props["preprompt_count"] = len(res.Suggestions)
		c.analytics.Record(analytics.EventPrepromptsSuccess, props)
	case errors.Is(res.Err, followup.ErrTimeout):
		c.analytics.Record(analytics.EventPrepromptsTimeout, props)
	case errors.Is(res.Err, followup.ErrUnavailable):
		c.analytics.Record(analytics.EventPrepromptsMaxRetries, props)
	default:
		props["error_message"] = res.Err.Error()
		c.analytics.Record(analytics.EventPrepromptsError, props)
	}
	c.notify()
}

func (c *Controller) cancelFollowups() {
	if c.poller == nil {
		return
	}
	c.pollMu.Lock()
	c.poller.Cancel()
	c.pollMu.Unlock()
}

func (c *Controller) handleInvalidation(ctx context.Context, characterID string, err error) {
	if !chatapi.IsPasswordRequired(err) {
		return
	}
	c.logger.Warn("Character access invalidated", "character_id", characterID)
	if clearErr := c.creds.Invalidate(context.WithoutCancel(ctx), characterID); clearErr != nil {
		c.logger.Warn("Failed to clear access token", "character_id", characterID, "error", clearErr)
	}
	c.analytics.Record(analytics.EventAccessInvalidated, analytics.Props{"character_id": characterID})
	if c.onInvalidated != nil {
		c.onInvalidated(characterID)
	}
}

// persist writes the current session. It runs after every change and always
// snapshots state at write time so an older write never lands last.
func (c *Controller) persist() {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if c.closed || !c.initialized || c.characterID == "" {
		c.mu.Unlock()
		return
	}
	characterID := c.characterID
	sessionID := c.sessionID
	messages := domain.CloneMessages(c.messages)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing left to keep, e.g. a failed first send rolled back.
	if sessionID == "" && len(messages) == 0 {
		if err := c.store.ClearChatSession(ctx, c.owner, characterID); err != nil {
			c.logger.Warn("Failed to clear chat session", "character_id", characterID, "error", err)
		}
		return
	}

	if err := c.store.SaveChatSession(ctx, c.owner, characterID, sessionID, messages); err != nil {
		c.logger.Warn("Failed to persist chat session", "character_id", characterID, "error", err)
	}
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	st := c.snapshotLocked()
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

type noCredentials struct{}

func (noCredentials) Auth(context.Context, string) chatapi.Auth { return chatapi.Auth{} }
func (noCredentials) Invalidate(context.Context, string) error  { return nil }
func (noCredentials) Forget(context.Context, string) error      { return nil }
