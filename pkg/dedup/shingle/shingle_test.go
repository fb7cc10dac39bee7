package shingle

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestGenericShinglesWindowCount(t *testing.T) {
	s := NewGeneric(" ", 3)
	got := s.Shingles("the quick brown fox jumps")
	want := []string{"the quick brown", "quick brown fox", "brown fox jumps"}
	if len(got) != len(want) {
		t.Fatalf("got %d shingles, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shingle %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGenericShinglesShortDocument(t *testing.T) {
	s := NewGeneric(" ", 5)
	got := s.Shingles("a short doc")
	if len(got) != 1 || got[0] != "a short doc" {
		t.Fatalf("expected the whole doc as a single shingle, got %v", got)
	}
}

func TestGenericShinglesEmpty(t *testing.T) {
	s := NewGeneric(" ", 3)
	if got := s.Shingles(""); got != nil {
		t.Fatalf("expected nil shingles for empty text, got %v", got)
	}
}

type fakeTokenizer struct {
	pieces []string
	err    error
}

func (f *fakeTokenizer) EncodeAsPieces(text string) ([]string, error) {
	return f.pieces, f.err
}

func TestTokenizedShingles(t *testing.T) {
	tok := &fakeTokenizer{pieces: []string{"a", "b", "c", "d"}}
	s := NewTokenized(tok, 2, "")
	got := s.Shingles("irrelevant, tokenizer owns segmentation")
	want := []string{"ab", "bc", "cd"}
	if len(got) != len(want) {
		t.Fatalf("got %d shingles, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shingle %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFallbackUsesTokenizerWhenHealthy(t *testing.T) {
	tok := &fakeTokenizer{pieces: []string{"a", "b", "c"}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewFallback(tok, 2, "", log)
	got := s.Shingles("doc")
	want := []string{"ab", "bc"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected tokenizer path result %v, got %v", want, got)
	}
}

func TestScriptTokenizerSplitsLatinOnWhitespace(t *testing.T) {
	tok := NewScriptTokenizer("")
	pieces, err := tok.EncodeAsPieces("the quick brown fox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"the", "quick", "brown", "fox"}
	if len(pieces) != len(want) {
		t.Fatalf("got %v, want %v", pieces, want)
	}
	for i := range want {
		if pieces[i] != want[i] {
			t.Fatalf("piece %d = %q, want %q", i, pieces[i], want[i])
		}
	}
}

func TestScriptTokenizerSplitsIdeographsPerRune(t *testing.T) {
	tok := NewScriptTokenizer("")
	pieces, err := tok.EncodeAsPieces("東京都")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"東", "京", "都"}
	if len(pieces) != len(want) {
		t.Fatalf("got %v, want %v", pieces, want)
	}
	for i := range want {
		if pieces[i] != want[i] {
			t.Fatalf("piece %d = %q, want %q", i, pieces[i], want[i])
		}
	}
}

func TestFallbackDowngradesOnTokenizerError(t *testing.T) {
	tok := &fakeTokenizer{err: errors.New("model not loaded")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewFallback(tok, 2, " ", log)
	got := s.Shingles("the quick brown fox")
	want := NewGeneric(" ", 2).Shingles("the quick brown fox")
	if len(got) != len(want) {
		t.Fatalf("expected fallback to match generic shingler output, got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shingle %d = %q, want %q", i, got[i], want[i])
		}
	}
}
