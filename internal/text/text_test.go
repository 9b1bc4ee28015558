package text

import (
	"reflect"
	"testing"
)

func TestSegmentByQuotes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []QuoteSegment
	}{
		{name: "empty", in: "", want: nil},
		{name: "no quotes", in: "hello there", want: []QuoteSegment{{Text: "hello there"}}},
		{
			name: "mixed",
			in:   `She smiles. "Hi!" then leaves`,
			want: []QuoteSegment{
				{Text: "She smiles. "},
				{Text: `"Hi!"`, IsQuoted: true},
				{Text: " then leaves"},
			},
		},
		{
			name: "leading quote",
			in:   `"Hello" he said`,
			want: []QuoteSegment{
				{Text: `"Hello"`, IsQuoted: true},
				{Text: " he said"},
			},
		},
		{
			name: "unterminated",
			in:   `wait "what`,
			want: []QuoteSegment{
				{Text: "wait "},
				{Text: `"what`, IsQuoted: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SegmentByQuotes(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SegmentByQuotes(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsRoleplayAction(t *testing.T) {
	cases := map[string]bool{
		"*waves*":          true,
		"  *nods slowly* ": true,
		"**":               false,
		"* *":              false,
		"hello *waves*":    false,
		"plain":            false,
	}
	for in, want := range cases {
		if got := IsRoleplayAction(in); got != want {
			t.Errorf("IsRoleplayAction(%q) = %v, want %v", in, got, want)
		}
	}
}
