package chatws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/egolab/egolab-web/internal/access"
	"github.com/egolab/egolab-web/internal/chatapi"
	"github.com/egolab/egolab-web/internal/identity"
	"github.com/egolab/egolab-web/internal/store"
)

type fakeBackend struct{}

func (fakeBackend) CreateSession(_ context.Context, configID string, _ chatapi.Auth) (*chatapi.CreateSessionResponse, error) {
	return &chatapi.CreateSessionResponse{SessionID: "s1", ConfigID: configID}, nil
}

func (fakeBackend) SendChatMessage(_ context.Context, sessionID, _, input string, _ []chatapi.HistoryMessage, _ chatapi.Auth) (*chatapi.Reply, error) {
	return &chatapi.Reply{Text: "echo: " + input, SessionID: sessionID}, nil
}

func (fakeBackend) FetchInitialMessage(_ context.Context, sessionID, _ string, _ []chatapi.HistoryMessage, _ chatapi.Auth) (*chatapi.Reply, error) {
	return &chatapi.Reply{Text: "Welcome!", SessionID: sessionID}, nil
}

type fakeVerifier struct {
	want string
}

func (f fakeVerifier) VerifyCharacterPassword(_ context.Context, _, password string) (*chatapi.PasswordVerification, error) {
	if password != f.want {
		return nil, &chatapi.APIError{Status: 401, Message: "Invalid password"}
	}
	return &chatapi.PasswordVerification{Success: true, AccessToken: "tok-1"}, nil
}

type wireMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Gate  *struct {
		Locked   bool `json:"locked"`
		HasToken bool `json:"has_token"`
	} `json:"gate"`
	State *struct {
		Phase    string `json:"phase"`
		Disabled bool   `json:"disabled"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	} `json:"state"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ws.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	h := NewHandler(Options{
		Backend: fakeBackend{},
		Store:   repo,
		Gates: func(owner string) *access.Gate {
			return access.NewGate(access.Options{
				Owner:    owner,
				Verifier: fakeVerifier{want: "open sesame"},
				Store:    repo,
			})
		},
		IsDev: true,
	})
	srv := httptest.NewServer(identity.Middleware(true)(h))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// waitFor reads messages until match returns true.
func waitFor(t *testing.T, conn *websocket.Conn, match func(wireMessage) bool) wireMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal %s: %v", data, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func hasMessages(n int) func(wireMessage) bool {
	return func(m wireMessage) bool {
		return m.Type == MsgState && m.State != nil && len(m.State.Messages) == n && m.State.Phase == "has-history"
	}
}

func TestHandler_GreetsAndChats(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "character_id=c1&password_required=false")

	gate := waitFor(t, conn, func(m wireMessage) bool { return m.Type == MsgGate })
	if gate.Gate == nil || gate.Gate.Locked {
		t.Fatalf("Expected unlocked gate, got %+v", gate.Gate)
	}

	greeting := waitFor(t, conn, hasMessages(1))
	if got := greeting.State.Messages[0].Content; got != "Welcome!" {
		t.Errorf("Expected greeting, got %q", got)
	}

	send(t, conn, map[string]string{"type": CmdSend, "content": "hi"})
	reply := waitFor(t, conn, hasMessages(3))
	if got := reply.State.Messages[2].Content; got != "echo: hi" {
		t.Errorf("Expected echo reply, got %q", got)
	}
}

func TestHandler_Ping(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "character_id=c1&password_required=false")

	send(t, conn, map[string]string{"type": CmdPing})
	waitFor(t, conn, func(m wireMessage) bool { return m.Type == MsgPong })
}

func TestHandler_RejectsUnknownCommand(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "character_id=c1&password_required=false")

	send(t, conn, map[string]string{"type": "explode"})
	msg := waitFor(t, conn, func(m wireMessage) bool { return m.Type == MsgError })
	if msg.Error == "" {
		t.Error("Expected an error description")
	}
}

func TestHandler_PasswordUnlocksCharacter(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "character_id=secret&password_required=true")

	gate := waitFor(t, conn, func(m wireMessage) bool { return m.Type == MsgGate })
	if gate.Gate == nil || !gate.Gate.Locked {
		t.Fatalf("Expected locked gate, got %+v", gate.Gate)
	}

	send(t, conn, map[string]string{"type": CmdSubmitPassword, "password": "wrong"})
	msg := waitFor(t, conn, func(m wireMessage) bool { return m.Type == MsgError })
	if !strings.Contains(msg.Error, "Invalid password") {
		t.Errorf("Expected password rejection, got %q", msg.Error)
	}

	send(t, conn, map[string]string{"type": CmdSubmitPassword, "password": "open sesame"})
	unlocked := waitFor(t, conn, func(m wireMessage) bool { return m.Type == MsgGate })
	if unlocked.Gate.Locked || !unlocked.Gate.HasToken {
		t.Fatalf("Expected unlocked gate with token, got %+v", unlocked.Gate)
	}

	waitFor(t, conn, hasMessages(1))
}

func TestHandler_RejectsBadCharacterID(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?character_id=" + "bad%20id"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("Expected dial to fail")
	}
}
