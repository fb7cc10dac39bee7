// Package shingle turns a normalized document string into word shingles,
// generalizing fdedup_implementation.py's _generate_word_shingles
// (original_source) into two pluggable dialects: a generic delimiter-split
// shingler that operates on byte-slice windows with no per-token
// allocation, and a tokenizer-based shingler for scripts (e.g. Japanese)
// where whitespace doesn't separate words.
package shingle

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"
)

// Shingler turns normalized text into a list of shingles. Implementations
// must be safe for concurrent use by multiple preprocessor workers.
type Shingler interface {
	Shingles(text string) []string
}

// genericShingler implements the delimiter-split dialect.
type genericShingler struct {
	delimiter string
	w         int
}

// NewGeneric returns the generic delimiter-split Shingler: windows of w
// tokens, joined by delimiter exactly as they appeared in the input.
func NewGeneric(delimiter string, w int) Shingler {
	if w < 1 {
		w = 1
	}
	if delimiter == "" {
		delimiter = " "
	}
	return &genericShingler{delimiter: delimiter, w: w}
}

// Shingles finds every delimiter occurrence and emits byte-slice windows
// of w tokens — one shingle per starting position — without allocating a
// separate slice of tokens first. If the document has w tokens or fewer,
// the whole string is returned as a single shingle.
func (g *genericShingler) Shingles(text string) []string {
	if text == "" {
		return nil
	}
	bounds := delimiterPositions(text, g.delimiter)
	tokenCount := len(bounds) + 1
	if tokenCount <= g.w {
		return []string{text}
	}

	// bounds marks the byte offset of each delimiter; token i spans
	// (ends[i-1], ends[i]) with virtual boundaries at -len(delimiter) and
	// len(text).
	ends := make([]int, 0, len(bounds)+2)
	ends = append(ends, -len(g.delimiter))
	ends = append(ends, bounds...)
	ends = append(ends, len(text))

	shingles := make([]string, 0, tokenCount-g.w+1)
	for i := 0; i+g.w < len(ends); i++ {
		start := ends[i] + len(g.delimiter)
		end := ends[i+g.w]
		shingles = append(shingles, text[start:end])
	}
	return shingles
}

// delimiterPositions returns the byte offset of every occurrence of delim
// in text, in order.
func delimiterPositions(text, delim string) []int {
	var positions []int
	from := 0
	for {
		idx := strings.Index(text[from:], delim)
		if idx < 0 {
			break
		}
		positions = append(positions, from+idx)
		from += idx + len(delim)
	}
	return positions
}

// Tokenizer is the seam for an external subword tokenizer, loaded once per
// worker from a fixed asset path. The default
// implementation (NewScriptTokenizer) needs no external model; a future
// binding to a real subword-tokenizer model can satisfy this interface
// without touching the Shingler above it.
type Tokenizer interface {
	EncodeAsPieces(text string) ([]string, error)
}

// tokenizedShingler implements the tokenizer-based dialect for is_japanese
// input.
type tokenizedShingler struct {
	tok       Tokenizer
	w         int
	delimiter string
}

// NewTokenized returns a Shingler that pieces text with tok and forms
// shingles over the produced pieces.
func NewTokenized(tok Tokenizer, w int, delimiter string) Shingler {
	if w < 1 {
		w = 1
	}
	return &tokenizedShingler{tok: tok, w: w, delimiter: delimiter}
}

func (t *tokenizedShingler) Shingles(text string) []string {
	pieces, err := t.tok.EncodeAsPieces(text)
	if err != nil || len(pieces) == 0 {
		return nil
	}
	n := len(pieces)
	end := n - t.w + 1
	if end < 1 {
		end = 1
	}
	shingles := make([]string, 0, end)
	for i := 0; i < end; i++ {
		stop := i + t.w
		if stop > n {
			stop = n
		}
		shingles = append(shingles, strings.Join(pieces[i:stop], t.delimiter))
	}
	return shingles
}

// fallbackShingler wraps a tokenized shingler with a generic one: if the
// tokenizer errors, it logs and falls back to the generic dialect for that
// document only, never panicking or aborting the run.
type fallbackShingler struct {
	primary  Tokenizer
	w        int
	delim    string
	fallback Shingler
	log      *slog.Logger
}

// NewFallback returns a Shingler that tries the tokenizer path first and
// silently downgrades to the generic path per document on tokenizer
// failure, logging the downgrade.
func NewFallback(tok Tokenizer, w int, delimiter string, log *slog.Logger) Shingler {
	if log == nil {
		log = slog.Default()
	}
	return &fallbackShingler{
		primary:  tok,
		w:        w,
		delim:    delimiter,
		fallback: NewGeneric(delimiter, w),
		log:      log,
	}
}

func (f *fallbackShingler) Shingles(text string) []string {
	pieces, err := f.primary.EncodeAsPieces(text)
	if err != nil {
		f.log.Warn("tokenizer shingler failed, falling back to generic shingler", "error", err)
		return f.fallback.Shingles(text)
	}
	if len(pieces) == 0 {
		return nil
	}
	n := len(pieces)
	end := n - f.w + 1
	if end < 1 {
		end = 1
	}
	shingles := make([]string, 0, end)
	for i := 0; i < end; i++ {
		stop := i + f.w
		if stop > n {
			stop = n
		}
		shingles = append(shingles, strings.Join(pieces[i:stop], f.delim))
	}
	return shingles
}

// ScriptTokenizer is the default Tokenizer: it segments text into runs of
// the same Unicode script, splitting Han, kana and Hangul into one piece
// per rune and everything else into maximal runs of runes that are
// neither whitespace nor punctuation. It loads nothing
// from disk, so it is always available even when no real asset is
// configured at TokenizerModelPath.
type ScriptTokenizer struct {
	mu     sync.Mutex
	loaded bool
}

// NewScriptTokenizer returns a ScriptTokenizer. modelPath is accepted for
// interface symmetry with a real subword-tokenizer binding that would load
// its vocabulary from disk; ScriptTokenizer ignores it.
func NewScriptTokenizer(modelPath string) *ScriptTokenizer {
	return &ScriptTokenizer{}
}

// load is idempotent and safe for concurrent first-use, mirroring the
// lazy-init-behind-mutex pattern used for the pack's other model clients:
// once a real tokenizer binding replaces this stub, this is where the
// vocabulary file would be read exactly once.
func (s *ScriptTokenizer) load() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
}

// EncodeAsPieces implements Tokenizer by splitting text into script runs.
func (s *ScriptTokenizer) EncodeAsPieces(text string) ([]string, error) {
	if !s.loaded {
		s.load()
	}
	var pieces []string
	var run []rune
	flush := func() {
		if len(run) > 0 {
			pieces = append(pieces, string(run))
			run = run[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			flush()
		case isIdeographic(r):
			flush()
			pieces = append(pieces, string(r))
		default:
			run = append(run, r)
		}
	}
	flush()
	return pieces, nil
}

// isIdeographic reports whether r belongs to the Han, Hiragana, Katakana
// or Hangul script, the scripts for which shingling uses one-rune
// pieces rather than whitespace-delimited runs.
func isIdeographic(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
