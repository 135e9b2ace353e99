// Package sentence splits streamed text into complete sentences.
//
// A boundary is '.', '!' or '?' immediately followed by whitespace, or one of
// the full-width terminators '。', '！', '？' anywhere. Common abbreviations
// such as "Mr." and "e.g." are not treated as boundaries.
package sentence

import (
	"strings"
	"unicode/utf8"
)

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true,
	"jr": true, "st": true, "vs": true, "etc": true, "e.g": true, "i.e": true,
	"approx": true, "no": true,
}

// Aggregator accumulates text fragments and releases whole sentences.
// The zero value is ready to use. Not safe for concurrent use.
type Aggregator struct {
	buf strings.Builder
}

// Push appends text and returns every sentence completed by it, in order.
// Returned sentences keep their terminator and have surrounding whitespace
// trimmed.
func (a *Aggregator) Push(text string) []string {
	if text == "" {
		return nil
	}
	a.buf.WriteString(text)

	var out []string
	s := a.buf.String()
	for {
		idx := Boundary(s)
		if idx < 0 {
			break
		}
		if sent := strings.TrimSpace(s[:idx]); sent != "" {
			out = append(out, sent)
		}
		s = strings.TrimLeft(s[idx:], " \t\r\n")
	}
	if len(out) > 0 {
		a.buf.Reset()
		a.buf.WriteString(s)
	}
	return out
}

// Flush returns any buffered partial sentence and resets the aggregator.
func (a *Aggregator) Flush() string {
	s := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	return s
}

// Pending reports whether text is buffered.
func (a *Aggregator) Pending() bool {
	return strings.TrimSpace(a.buf.String()) != ""
}

// Reset discards buffered text.
func (a *Aggregator) Reset() { a.buf.Reset() }

// Boundary returns the byte offset just past the first sentence terminator in
// s, or -1 when s holds no complete sentence.
func Boundary(s string) int {
	for i, r := range s {
		switch r {
		case '。', '！', '？':
			return i + utf8.RuneLen(r)
		case '.', '!', '?':
			if i+1 >= len(s) {
				return -1
			}
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
			default:
				continue
			}
			if r == '.' && isAbbreviation(s[:i]) {
				continue
			}
			return i + 1
		}
	}
	return -1
}

// isAbbreviation reports whether the word ending s is a known abbreviation
// or a single letter initial.
func isAbbreviation(s string) bool {
	start := strings.LastIndexAny(s, " \t\r\n\"'(") + 1
	word := strings.ToLower(s[start:])
	if word == "" {
		return false
	}
	if utf8.RuneCountInString(word) == 1 && word[0] >= 'a' && word[0] <= 'z' {
		return true
	}
	return abbreviations[word]
}
