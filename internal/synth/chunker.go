// Package synth turns a script into one audio stream through a size-limited speech synthesis API.
package synth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxChunkBytes stays under the provider's 5000 byte request limit.
	DefaultMaxChunkBytes = 4800
	// DefaultSafetyBuffer is reserved on top of the wrapper overhead in every chunk.
	DefaultSafetyBuffer = 100
)

// ErrChunkConfig means the document cannot be split under the configured limit.
var ErrChunkConfig = errors.New("chunk size configuration error")

var (
	sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)
	spaceRun    = regexp.MustCompile(`\s+`)
)

type level int

const (
	levelSentence level = iota
	levelWord
	levelRune
)

// Chunker splits a wrapped SSML document into wrapped chunks no larger than MaxBytes.
type Chunker struct {
	MaxBytes int
	Buffer   int
}

// NewChunker returns a chunker with the given limit; non-positive values use the defaults.
func NewChunker(maxBytes int) Chunker {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	return Chunker{MaxBytes: maxBytes, Buffer: DefaultSafetyBuffer}
}

// Split returns the chunks to synthesize in order. A document that fits is returned unchanged as the
// only chunk. Otherwise the text between the wrapper tags is split and each piece re-wrapped; the
// pieces concatenate back to the original content byte for byte.
func (c Chunker) Split(doc string) ([]string, error) {
	if len(doc) <= c.MaxBytes {
		return []string{doc}, nil
	}
	prefix, content, suffix := unwrap(doc)
	maxContent := c.MaxBytes - len(prefix) - len(suffix) - c.Buffer
	if maxContent <= 0 {
		return nil, fmt.Errorf("%w: wrapper overhead %d bytes leaves no room under %d", ErrChunkConfig, len(prefix)+len(suffix), c.MaxBytes)
	}
	parts, err := splitContent(content, maxContent)
	if err != nil {
		return nil, err
	}
	chunks := make([]string, len(parts))
	for i, p := range parts {
		chunks[i] = prefix + p + suffix
	}
	return chunks, nil
}

// unwrap separates the <speak ...> opening tag (and anything before it) and the closing tag (and
// anything after it) from the content. Documents without a wrapper have empty prefix and suffix.
func unwrap(doc string) (prefix, content, suffix string) {
	start := strings.Index(doc, "<speak")
	end := strings.LastIndex(doc, speakClose)
	if start < 0 || end < 0 {
		return "", doc, ""
	}
	gt := strings.IndexByte(doc[start:], '>')
	if gt < 0 || start+gt+1 > end {
		return "", doc, ""
	}
	open := start + gt + 1
	return doc[:open], doc[open:end], doc[end:]
}

// splitContent packs units greedily, descending to a finer level only for a unit that alone exceeds limit.
func splitContent(content string, limit int) ([]string, error) {
	p := &packer{limit: limit}
	for _, unit := range units(content, levelSentence) {
		if err := p.add(unit, levelSentence); err != nil {
			return nil, err
		}
	}
	p.flush()
	return p.chunks, nil
}

type packer struct {
	limit  int
	cur    strings.Builder
	chunks []string
}

func (p *packer) add(unit string, lvl level) error {
	if p.cur.Len()+len(unit) <= p.limit {
		p.cur.WriteString(unit)
		return nil
	}
	p.flush()
	if len(unit) <= p.limit {
		p.cur.WriteString(unit)
		return nil
	}
	if lvl == levelRune {
		return fmt.Errorf("%w: character of %d bytes exceeds %d", ErrChunkConfig, len(unit), p.limit)
	}
	for _, sub := range units(unit, lvl+1) {
		if err := p.add(sub, lvl+1); err != nil {
			return err
		}
	}
	return nil
}

func (p *packer) flush() {
	if p.cur.Len() > 0 {
		p.chunks = append(p.chunks, p.cur.String())
		p.cur.Reset()
	}
}

// units cuts s into pieces at the given level. Sentences keep their terminal punctuation and the
// whitespace after it, words keep their trailing whitespace.
func units(s string, lvl level) []string {
	switch lvl {
	case levelSentence:
		return cutAfter(s, sentenceEnd)
	case levelWord:
		return cutAfter(s, spaceRun)
	}
	out := make([]string, 0, utf8.RuneCountInString(s))
	for len(s) > 0 {
		_, size := utf8.DecodeRuneInString(s)
		out = append(out, s[:size])
		s = s[size:]
	}
	return out
}

func cutAfter(s string, re *regexp.Regexp) []string {
	var out []string
	prev := 0
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if loc[1] > prev {
			out = append(out, s[prev:loc[1]])
			prev = loc[1]
		}
	}
	if prev < len(s) {
		out = append(out, s[prev:])
	}
	return out
}
