package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/egolab/egolab-web/internal/access"
	"github.com/egolab/egolab-web/internal/analytics"
	"github.com/egolab/egolab-web/internal/conversation"
	"github.com/egolab/egolab-web/internal/domain"
	"github.com/egolab/egolab-web/internal/followup"
	"github.com/egolab/egolab-web/internal/identity"
)

// Client command types.
const (
	CmdSend             = "send"
	CmdSelectPrompt     = "select_prompt"
	CmdNewConversation  = "new_conversation"
	CmdSubmitPassword   = "submit_password"
	CmdForgetAccess     = "forget_access"
	CmdClearSuggestions = "clear_suggestions"
	CmdPing             = "ping"
)

// Server message types.
const (
	MsgState = "state"
	MsgGate  = "gate"
	MsgPong  = "pong"
	MsgError = "error"
)

var characterIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// CharacterLookup resolves character metadata.
type CharacterLookup interface {
	GetCharacter(ctx context.Context, configID string) (*domain.Character, error)
}

// clientMessage is a command from the browser.
type clientMessage struct {
	Type     string                  `json:"type"`
	Content  string                  `json:"content,omitempty"`
	Prompt   *domain.SuggestedPrompt `json:"prompt,omitempty"`
	Password string                  `json:"password,omitempty"`
}

func (m clientMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Type, validation.Required, validation.In(
			CmdSend, CmdSelectPrompt, CmdNewConversation, CmdSubmitPassword,
			CmdForgetAccess, CmdClearSuggestions, CmdPing,
		)),
		validation.Field(&m.Prompt, validation.When(m.Type == CmdSelectPrompt, validation.Required)),
	)
}

// serverMessage is pushed to the browser.
type serverMessage struct {
	Type  string              `json:"type"`
	State *conversation.State `json:"state,omitempty"`
	Gate  *access.Status      `json:"gate,omitempty"`
	Error string              `json:"error,omitempty"`
}

// Options configures a Handler.
type Options struct {
	Backend        conversation.Backend
	Characters     CharacterLookup
	Store          conversation.SessionStore
	Gates          func(owner string) *access.Gate
	Followups      conversation.Followups
	Poll           followup.Config
	Analytics      analytics.Recorder
	HistoryWindow  int
	GreetingWindow int
	Sessions       *SessionManager
	AllowedOrigin  string
	IsDev          bool
	Logger         *slog.Logger
}

// Handler serves /ws/chat. Each connection hosts one conversation
// controller for the requested character.
type Handler struct {
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a chat WebSocket handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessionManager()
	}
	return &Handler{opts: opts, logger: opts.Logger}
}

// ServeHTTP upgrades the request and runs the conversation until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := identity.DeviceIDFromContext(r.Context())
	if owner == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tabID := identity.SessionIDFromContext(r.Context())

	characterID := r.URL.Query().Get("character_id")
	if err := validation.Validate(characterID,
		validation.Required,
		validation.Match(characterIDPattern),
	); err != nil {
		http.Error(w, "invalid character_id", http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "owner", owner)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "owner", owner)
		}
	}()

	h.logger.Info("Chat connection opened",
		"owner", owner,
		"character_id", characterID,
		"remote_ip", identity.IPFromRequest(r),
	)

	key := SessionKey(tabID, characterID)
	h.opts.Sessions.Register(owner, key, ws)
	defer h.opts.Sessions.Unregister(owner, key, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := h.newSession(ctx, ws, owner, characterID, h.passwordRequired(ctx, r, characterID))
	defer func() {
		cancel()
		s.close()
	}()

	s.start(ctx)
	s.readLoop(ctx, ws)
}

// passwordRequired takes the query parameter when present and otherwise asks
// the backend.
func (h *Handler) passwordRequired(ctx context.Context, r *http.Request, characterID string) bool {
	if raw := r.URL.Query().Get("password_required"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	if h.opts.Characters == nil {
		return false
	}
	character, err := h.opts.Characters.GetCharacter(ctx, characterID)
	if err != nil {
		h.logger.Warn("Failed to load character metadata", "character_id", characterID, "error", err)
		return false
	}
	return character != nil && character.PasswordRequired
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" || h.opts.AllowedOrigin == "" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

// session is one hosted conversation.
type session struct {
	characterID      string
	passwordRequired bool
	gate             *access.Gate
	ctrl             *conversation.Controller
	out              *outbox
	unsubscribe      func()
	logger           *slog.Logger
	wg               sync.WaitGroup
}

func (h *Handler) newSession(ctx context.Context, ws *websocket.Conn, owner, characterID string, passwordRequired bool) *session {
	logger := h.logger.With("owner", owner, "character_id", characterID)
	s := &session{
		characterID:      characterID,
		passwordRequired: passwordRequired,
		gate:             h.opts.Gates(owner),
		out:              newOutbox(ws, outboxSize, logger),
		logger:           logger,
	}

	s.ctrl = conversation.New(conversation.Options{
		Owner:               owner,
		Backend:             h.opts.Backend,
		Store:               h.opts.Store,
		Credentials:         s.gate,
		Followups:           h.opts.Followups,
		Poll:                h.opts.Poll,
		Analytics:           h.opts.Analytics,
		OnAccessInvalidated: func(string) { s.pushGate(context.WithoutCancel(ctx)) },
		HistoryWindow:       h.opts.HistoryWindow,
		GreetingWindow:      h.opts.GreetingWindow,
		Logger:              logger,
	})
	s.unsubscribe = s.ctrl.Subscribe(func(st conversation.State) {
		s.out.Send(serverMessage{Type: MsgState, State: &st})
	})
	return s
}

// start reports the gate, restores history and greets an unlocked character.
func (s *session) start(ctx context.Context) {
	locked := s.pushGate(ctx)
	if err := s.ctrl.Initialize(ctx, s.characterID); err != nil {
		s.logger.Warn("Failed to initialize conversation", "error", err)
		return
	}
	if !locked {
		s.greet(ctx)
	}
}

// pushGate sends the current gate status and disables the controller while
// the character is locked. It reports whether the character is locked.
func (s *session) pushGate(ctx context.Context) bool {
	st, err := s.gate.Status(ctx, s.characterID, s.passwordRequired)
	if err != nil {
		s.logger.Warn("Failed to read access state", "error", err)
	}
	s.ctrl.SetDisabled(st.Locked)
	s.out.Send(serverMessage{Type: MsgGate, Gate: &st})
	return st.Locked
}

func (s *session) greet(ctx context.Context) {
	if err := s.ctrl.EnsureGreeting(ctx); err != nil && !isSilent(err) {
		s.logger.Debug("Greeting failed", "error", err)
	}
}

func (s *session) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				s.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.out.Send(serverMessage{Type: MsgError, Error: "invalid message"})
			continue
		}
		if err := msg.Validate(); err != nil {
			s.out.Send(serverMessage{Type: MsgError, Error: err.Error()})
			continue
		}

		if msg.Type == CmdPing {
			s.out.Send(serverMessage{Type: MsgPong})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, msg)
		}()
	}
}

func (s *session) dispatch(ctx context.Context, msg clientMessage) {
	var err error
	switch msg.Type {
	case CmdSend:
		err = s.ctrl.SendMessage(ctx, msg.Content, nil)
	case CmdSelectPrompt:
		err = s.ctrl.SelectSuggestion(ctx, *msg.Prompt)
	case CmdNewConversation:
		if err = s.ctrl.StartNewConversation(ctx); err == nil {
			s.greet(ctx)
		}
	case CmdSubmitPassword:
		err = s.submitPassword(ctx, msg.Password)
	case CmdForgetAccess:
		if err = s.ctrl.ForgetAccess(ctx); err == nil {
			if !s.pushGate(ctx) {
				s.greet(ctx)
			}
		}
	case CmdClearSuggestions:
		s.ctrl.ClearSuggestions()
	}

	if err == nil || isSilent(err) {
		return
	}
	// Backend failures are already reflected in the state snapshot.
	if msg.Type == CmdSend || msg.Type == CmdSelectPrompt {
		s.logger.Debug("Send failed", "error", err)
		return
	}
	s.out.Send(serverMessage{Type: MsgError, Error: err.Error()})
}

func (s *session) submitPassword(ctx context.Context, password string) error {
	st, err := s.gate.SubmitPassword(ctx, s.characterID, password)
	if err != nil {
		return err
	}
	s.ctrl.SetDisabled(st.Locked)
	s.out.Send(serverMessage{Type: MsgGate, Gate: &st})
	if !st.Locked {
		s.greet(ctx)
	}
	return nil
}

func (s *session) close() {
	s.unsubscribe()
	s.ctrl.Close()
	s.wg.Wait()
	s.out.Close()
}

// isSilent reports errors the client is not told about.
func isSilent(err error) bool {
	return errors.Is(err, conversation.ErrEmptyInput) ||
		errors.Is(err, conversation.ErrBusy) ||
		errors.Is(err, conversation.ErrLocked) ||
		errors.Is(err, conversation.ErrSuperseded) ||
		errors.Is(err, conversation.ErrClosed)
}
