package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/egolab/egolab-web/internal/conversation"
	"github.com/egolab/egolab-web/internal/domain"
	"github.com/egolab/egolab-web/internal/text"
)

const (
	ansiQuote = "\x1b[36m"
	ansiReset = "\x1b[0m"
)

// printer renders controller snapshots as a transcript. It only prints what
// changed since the previous snapshot.
type printer struct {
	mu          sync.Mutex
	out         io.Writer
	name        string
	printed     int
	lastError   string
	lastWarning string
	suggestions []domain.SuggestedPrompt
	loading     bool
	// styled highlights quoted dialogue in character messages.
	styled bool
}

func newPrinter(out io.Writer, characterName string) *printer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd())
	}
	return &printer{out: out, name: characterName, styled: styled}
}

// Render is a conversation listener.
func (p *printer) Render(st conversation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A reset or rolled-back send shrinks the transcript.
	if len(st.Messages) < p.printed {
		p.printed = len(st.Messages)
		if len(st.Messages) == 0 {
			fmt.Fprintln(p.out, "-- new conversation --")
		}
	}
	for _, m := range st.Messages[p.printed:] {
		p.printMessage(m)
	}
	p.printed = len(st.Messages)

	if st.Loading && !p.loading {
		fmt.Fprintf(p.out, "%s is typing...\n", p.name)
	}
	p.loading = st.Loading

	if st.Error != "" && st.Error != p.lastError {
		fmt.Fprintf(p.out, "! %s\n", st.Error)
	}
	p.lastError = st.Error

	if st.Warning != "" && st.Warning != p.lastWarning {
		fmt.Fprintf(p.out, "~ %s\n", st.Warning)
	}
	p.lastWarning = st.Warning

	if !sameSuggestions(st.Suggestions, p.suggestions) {
		p.suggestions = domain.CloneSuggestions(st.Suggestions)
		p.printSuggestionsLocked()
	}
}

func (p *printer) printMessage(m domain.Message) {
	switch m.Role {
	case domain.RoleUser:
		fmt.Fprintf(p.out, "you> %s\n", m.Content)
	default:
		fmt.Fprintf(p.out, "%s> %s\n", p.name, p.style(m.Content))
	}
}

func (p *printer) style(content string) string {
	if !p.styled {
		return content
	}
	var b strings.Builder
	for _, seg := range text.SegmentByQuotes(content) {
		if seg.IsQuoted {
			b.WriteString(ansiQuote + seg.Text + ansiReset)
		} else {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// Suggestion returns the n-th (1-based) suggestion on screen.
func (p *printer) Suggestion(n int) (domain.SuggestedPrompt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > len(p.suggestions) {
		return domain.SuggestedPrompt{}, false
	}
	return p.suggestions[n-1], true
}

// PrintSuggestions lists the current suggestions again.
func (p *printer) PrintSuggestions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.suggestions) == 0 {
		fmt.Fprintln(p.out, "(no suggestions)")
		return
	}
	p.printSuggestionsLocked()
}

func (p *printer) printSuggestionsLocked() {
	if len(p.suggestions) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("suggestions:\n")
	for i, s := range p.suggestions {
		marker := ""
		if s.Type == domain.PromptRoleplay {
			marker = " *"
		}
		fmt.Fprintf(&b, "  /%d %s%s\n", i+1, s.DisplayText, marker)
	}
	fmt.Fprint(p.out, b.String())
}

func sameSuggestions(a, b []domain.SuggestedPrompt) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
