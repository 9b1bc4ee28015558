// Package text provides message text helpers shared by the chat hosts.
package text

import "strings"

// QuoteSegment is a run of text either inside or outside double quotes.
type QuoteSegment struct {
	Text     string `json:"text"`
	IsQuoted bool   `json:"isQuoted"`
}

// SegmentByQuotes splits content into quoted and unquoted runs. Quote
// characters stay with their quoted run. An unterminated quote yields a
// trailing quoted run. Empty runs are dropped.
func SegmentByQuotes(content string) []QuoteSegment {
	if content == "" {
		return nil
	}

	var segments []QuoteSegment
	var buf strings.Builder
	inQuotes := false

	for _, r := range content {
		if r != '"' {
			buf.WriteRune(r)
			continue
		}
		if inQuotes {
			buf.WriteRune(r)
			segments = append(segments, QuoteSegment{Text: buf.String(), IsQuoted: true})
			buf.Reset()
			inQuotes = false
			continue
		}
		if buf.Len() > 0 {
			segments = append(segments, QuoteSegment{Text: buf.String()})
			buf.Reset()
		}
		buf.WriteRune(r)
		inQuotes = true
	}

	if buf.Len() > 0 {
		segments = append(segments, QuoteSegment{Text: buf.String(), IsQuoted: inQuotes})
	}
	return segments
}

// IsRoleplayAction reports whether a message is written as an action,
// i.e. wrapped in asterisks like "*waves*".
func IsRoleplayAction(content string) bool {
	s := strings.TrimSpace(content)
	if len(s) < 3 {
		return false
	}
	if !strings.HasPrefix(s, "*") || !strings.HasSuffix(s, "*") {
		return false
	}
	return strings.TrimSpace(strings.Trim(s, "*")) != ""
}
