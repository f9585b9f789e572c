// Package textutil holds the tokenization helpers shared by the embedder,
// the summarizer and the terminal UI.
package textutil

import (
	"regexp"
	"strings"
)

var (
	wordRe     = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)*`)
	sentenceRe = regexp.MustCompile(`(?m)(?U)([^.!?\n]+[.!?\n])`)
	stopwords  = buildStopwords()
)

// Words returns the lower-cased word tokens of text, stopwords included.
func Words(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

// Terms returns the lower-cased word tokens of text with stopwords removed.
func Terms(text string) []string {
	raw := Words(text)
	out := raw[:0]
	for _, t := range raw {
		if IsStopword(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TermSet returns the distinct non-stopword terms of text.
func TermSet(text string) map[string]struct{} {
	terms := Terms(text)
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// Sentences splits text on sentence punctuation and newlines. Text without
// any terminator is returned as a single trimmed sentence.
func Sentences(text string) []string {
	raw := sentenceRe.FindAllString(text, -1)
	var out []string
	consumed := 0
	for _, s := range raw {
		consumed += len(s)
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	// trailing text after the last terminator
	if consumed < len(text) {
		if idx := strings.LastIndexAny(text, ".!?\n"); idx >= 0 {
			if tail := strings.TrimSpace(text[idx+1:]); tail != "" {
				out = append(out, tail)
			}
		} else if tail := strings.TrimSpace(text); tail != "" {
			out = append(out, tail)
		}
	}
	return out
}

// IsStopword reports whether the lower-cased token carries no retrieval signal.
func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

func buildStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		// maintenance manuals are frequently German
		"der", "die", "das", "und", "oder", "ein", "eine", "einer", "eines", "ist", "sind", "bei", "mit", "von", "zu", "im", "in", "auf", "für", "nicht", "sollte", "werden", "wird", "den", "dem", "des",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
