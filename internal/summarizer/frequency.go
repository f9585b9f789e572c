// Package summarizer builds short extractive digests of retrieved passages.
package summarizer

import (
	"math"
	"sort"
	"strings"

	"machina/internal/domain"
	"machina/internal/textutil"
)

// DefaultMaxSentences is used when Summarize is called without a positive limit.
const DefaultMaxSentences = 3

// queryBoost is added to a term's weight when the query mentions it.
const queryBoost = 1.0

// FrequencySummarizer ranks passage sentences by term frequency across the
// passages, weighted by the passage score and boosted for query terms.
type FrequencySummarizer struct{}

// NewFrequencySummarizer creates a frequency-based sentence ranker summarizer.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{}
}

type sentence struct {
	text  string
	terms []string
	order int
	score float64
}

// Summarize returns up to maxSentences sentences, in the order they appear in
// the passages.
func (s *FrequencySummarizer) Summarize(passages []domain.Passage, query string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}

	var sentences []sentence
	seen := map[string]struct{}{}
	freq := map[string]float64{}
	for _, p := range passages {
		weight := p.Score
		if weight <= 0 {
			weight = 1
		}
		for _, text := range textutil.Sentences(p.Text) {
			key := strings.ToLower(text)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			terms := textutil.Terms(text)
			for _, t := range terms {
				freq[t] += weight
			}
			sentences = append(sentences, sentence{text: text, terms: terms, order: len(sentences)})
		}
	}
	if len(sentences) == 0 {
		return ""
	}

	// Normalize frequencies
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}
	for t := range textutil.TermSet(query) {
		if _, ok := freq[t]; ok {
			freq[t] += queryBoost
		}
	}

	for i := range sentences {
		score := 0.0
		for _, t := range sentences[i].terms {
			score += freq[t]
		}
		// Normalize by sentence length to avoid bias
		if l := float64(len(sentences[i].terms)); l > 0 {
			score /= math.Sqrt(l)
		}
		sentences[i].score = score
	}

	ranked := append([]sentence(nil), sentences...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if maxSentences > len(ranked) {
		maxSentences = len(ranked)
	}
	// Keep original order among selected
	selected := ranked[:maxSentences]
	sort.Slice(selected, func(i, j int) bool { return selected[i].order < selected[j].order })
	out := make([]string, len(selected))
	for i, sent := range selected {
		out[i] = sent.text
	}
	return strings.Join(out, " ")
}

// BestSentence returns the sentence of text sharing the most terms with query,
// or the first sentence when nothing overlaps.
func BestSentence(text, query string) string {
	sentences := textutil.Sentences(text)
	if len(sentences) == 0 {
		return ""
	}
	qset := textutil.TermSet(query)
	best, bestScore := 0, 0
	for i, sent := range sentences {
		score := 0
		for t := range textutil.TermSet(sent) {
			if _, ok := qset[t]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return sentences[best]
}
