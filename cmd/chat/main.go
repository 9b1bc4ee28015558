// egolab-chat talks to an EgoLab character from the terminal.
//
// Usage:
//
//	egolab-chat [-list] <character-id>
//
// Commands inside a chat: /new, /forget, /password, /prompts, /1../9 to send
// a suggestion, /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/egolab/egolab-web/internal/access"
	"github.com/egolab/egolab-web/internal/analytics"
	"github.com/egolab/egolab-web/internal/chatapi"
	"github.com/egolab/egolab-web/internal/config"
	"github.com/egolab/egolab-web/internal/conversation"
	"github.com/egolab/egolab-web/internal/domain"
	"github.com/egolab/egolab-web/internal/followup"
	"github.com/egolab/egolab-web/internal/store"
)

func main() {
	list := flag.Bool("list", false, "list available characters and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-list] <character-id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	// The transcript owns stdout; logs go to stderr and stay quiet by default.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *list, flag.Arg(0), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, list bool, characterID string, in io.Reader, out io.Writer) error {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = repo.Close() }()

	client := chatapi.NewClient(cfg.BackendURL, &http.Client{Timeout: cfg.HTTPTimeout}, logger)

	characters, err := client.GetCharacters(ctx)
	if err != nil {
		return fmt.Errorf("load characters: %w", err)
	}
	names := make(map[string]string, len(characters))
	for _, c := range characters {
		names[c.ID] = c.Name
	}
	if err := repo.SetCharacterNames(ctx, names); err != nil {
		logger.Warn("Failed to cache character names", "error", err)
	}

	if list || characterID == "" {
		printCharacters(out, characters)
		if characterID == "" && !list {
			return errors.New("character id required")
		}
		return nil
	}

	character := findCharacter(characters, characterID)
	if character == nil {
		if err := repo.ClearCharacterName(ctx, characterID); err != nil {
			logger.Warn("Failed to clear cached character name", "character_id", characterID, "error", err)
		}
		return fmt.Errorf("unknown character %q", characterID)
	}

	var recorder analytics.Recorder = analytics.Nop{}
	if cfg.Analytics.Enabled {
		eventLog, err := analytics.OpenEventLog(cfg.Analytics.Path, cfg.Analytics.QueueSize, logger)
		if err != nil {
			return fmt.Errorf("open analytics log: %w", err)
		}
		defer func() { _ = eventLog.Close() }()
		recorder = analytics.WithCharacterNames(eventLog, repo)
	}

	endpoint, err := chatapi.ParseFollowupEndpoint(cfg.Followup.Endpoint)
	if err != nil {
		return err
	}

	gate := access.NewGate(access.Options{
		Owner:     store.LocalOwner,
		Verifier:  client,
		Store:     repo,
		Analytics: recorder,
		Logger:    logger,
	})

	name := character.Name
	if name == "" {
		name = character.ID
	}
	p := newPrinter(out, name)
	lines := bufio.NewScanner(in)

	var ctrl *conversation.Controller
	ctrl = conversation.New(conversation.Options{
		Owner:       store.LocalOwner,
		Backend:     client,
		Store:       repo,
		Credentials: gate,
		Followups:   chatapi.NewFollowupSource(client, endpoint),
		Poll: followup.Config{
			MaxAttempts: cfg.Followup.MaxAttempts,
			Timeout:     cfg.Followup.Timeout,
			BaseDelay:   cfg.Followup.BaseDelay,
			MaxDelay:    cfg.Followup.MaxDelay,
		},
		Analytics: recorder,
		OnAccessInvalidated: func(string) {
			ctrl.SetDisabled(true)
			fmt.Fprintln(out, "! access expired, type /password to unlock again")
		},
		HistoryWindow:  cfg.History.Window,
		GreetingWindow: cfg.History.GreetingWindow,
		Logger:         logger,
	})
	defer ctrl.Close()
	defer ctrl.Subscribe(p.Render)()

	s := &chatSession{
		ctx:       ctx,
		character: character,
		gate:      gate,
		ctrl:      ctrl,
		printer:   p,
		lines:     lines,
		out:       out,
	}

	fmt.Fprintf(out, "Chatting with %s. Type /quit to leave.\n", name)
	if err := ctrl.Initialize(ctx, character.ID); err != nil {
		return fmt.Errorf("initialize conversation: %w", err)
	}
	if !s.unlock() {
		return nil
	}
	s.greet()
	return s.loop()
}

// chatSession is the REPL state for one character.
type chatSession struct {
	ctx       context.Context
	character *domain.Character
	gate      *access.Gate
	ctrl      *conversation.Controller
	printer   *printer
	lines     *bufio.Scanner
	out       io.Writer
}

// unlock prompts for the password until the character is unlocked. It
// returns false when input ends first.
func (s *chatSession) unlock() bool {
	for {
		st, err := s.gate.Status(s.ctx, s.character.ID, s.character.PasswordRequired)
		if err != nil {
			slog.Warn("Failed to read access state", "error", err)
		}
		s.ctrl.SetDisabled(st.Locked)
		if !st.Locked {
			return true
		}

		if s.character.PasswordHint != "" {
			fmt.Fprintf(s.out, "hint: %s\n", s.character.PasswordHint)
		}
		fmt.Fprint(s.out, "password: ")
		if !s.lines.Scan() {
			return false
		}
		if _, err := s.gate.SubmitPassword(s.ctx, s.character.ID, s.lines.Text()); err != nil {
			fmt.Fprintf(s.out, "! %s\n", err)
		}
	}
}

func (s *chatSession) greet() {
	if err := s.ctrl.EnsureGreeting(s.ctx); err != nil && !errors.Is(err, conversation.ErrLocked) {
		slog.Debug("Greeting failed", "error", err)
	}
}

func (s *chatSession) loop() error {
	for {
		if s.ctx.Err() != nil {
			return nil
		}
		if !s.lines.Scan() {
			return s.lines.Err()
		}
		line := strings.TrimSpace(s.lines.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			s.send(s.ctrl.SendMessage(s.ctx, line, nil))
			continue
		}

		switch cmd := strings.TrimPrefix(line, "/"); cmd {
		case "quit", "exit":
			return nil
		case "new":
			if err := s.ctrl.StartNewConversation(s.ctx); err != nil {
				fmt.Fprintf(s.out, "! %s\n", err)
			}
			s.greet()
		case "forget":
			if err := s.ctrl.ForgetAccess(s.ctx); err != nil {
				fmt.Fprintf(s.out, "! %s\n", err)
			}
			if !s.unlock() {
				return nil
			}
			s.greet()
		case "password":
			if !s.unlock() {
				return nil
			}
			s.greet()
		case "prompts":
			s.printer.PrintSuggestions()
		default:
			n, err := strconv.Atoi(cmd)
			if err != nil {
				fmt.Fprintf(s.out, "unknown command %q\n", line)
				continue
			}
			prompt, ok := s.printer.Suggestion(n)
			if !ok {
				fmt.Fprintf(s.out, "no suggestion %d\n", n)
				continue
			}
			s.send(s.ctrl.SelectSuggestion(s.ctx, prompt))
		}
	}
}

// send reports rejections the transcript does not show.
func (s *chatSession) send(err error) {
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrLocked):
		fmt.Fprintln(s.out, "! locked, type /password to unlock")
	case errors.Is(err, conversation.ErrBusy):
		fmt.Fprintln(s.out, "! still waiting for the last reply")
	}
}

func findCharacter(characters []domain.Character, id string) *domain.Character {
	for i := range characters {
		if characters[i].ID == id {
			return &characters[i]
		}
	}
	return nil
}

func printCharacters(out io.Writer, characters []domain.Character) {
	for _, c := range characters {
		if c.Hidden {
			continue
		}
		lock := ""
		if c.PasswordRequired {
			lock = " (password)"
		}
		fmt.Fprintf(out, "%-24s %s%s\n", c.ID, c.Name, lock)
	}
}
