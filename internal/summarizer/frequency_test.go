package summarizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"machina/internal/domain"
)

func TestSummarize_Empty(t *testing.T) {
	s := NewFrequencySummarizer()
	assert.Equal(t, "", s.Summarize(nil, "temperature", 3))
	assert.Equal(t, "", s.Summarize([]domain.Passage{{Text: "   "}}, "temperature", 3))
}

func TestSummarize_PrefersQueryTermsAndKeepsOrder(t *testing.T) {
	passages := []domain.Passage{
		{Text: "Lubricate the conveyor chain weekly. Spindle temperature above 60 degrees requires a stop.", Score: 0.9},
		{Text: "Paint the guard rails yellow. High spindle temperature often means coolant loss.", Score: 0.5},
	}
	got := NewFrequencySummarizer().Summarize(passages, "spindle temperature", 2)
	assert.Equal(t, "Spindle temperature above 60 degrees requires a stop. High spindle temperature often means coolant loss.", got)
}

func TestSummarize_DropsDuplicateSentences(t *testing.T) {
	passages := []domain.Passage{
		{Text: "Check hydraulic pressure daily.", Score: 0.8},
		{Text: "Check hydraulic pressure daily.", Score: 0.7},
	}
	got := NewFrequencySummarizer().Summarize(passages, "pressure", 5)
	assert.Equal(t, "Check hydraulic pressure daily.", got)
}

func TestBestSentence(t *testing.T) {
	text := "The press runs two shifts. Vibration above 2 mm/s indicates bearing wear. Clean filters monthly."
	assert.Equal(t, "Vibration above 2 mm/s indicates bearing wear.", BestSentence(text, "bearing vibration"))
	assert.Equal(t, "The press runs two shifts.", BestSentence(text, "unrelated"))
	assert.Equal(t, "", BestSentence("", "x"))
}
