package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"check", "the", "cnc's", "spindle", "60", "c"}, Words("Check the CNC's spindle, 60°C!"))
	assert.Empty(t, Words(" -- ... "))
}

func TestTerms_DropsEnglishAndGermanStopwords(t *testing.T) {
	assert.Equal(t, []string{"replace", "seals", "press"}, Terms("Replace the seals of the press"))
	assert.Equal(t,
		[]string{"dichtung", "presse", "undicht", "ersetzt"},
		Terms("Die Dichtung der Presse ist undicht und sollte ersetzt werden"))
	assert.True(t, IsStopword("für"))
	assert.False(t, IsStopword("presse"))
}

func TestTermSet(t *testing.T) {
	set := TermSet("Coolant pump, coolant filter and the pump")
	assert.Len(t, set, 3)
	assert.Contains(t, set, "coolant")
	assert.Contains(t, set, "pump")
	assert.Contains(t, set, "filter")
}

func TestSentences(t *testing.T) {
	for name, tc := range map[string]struct {
		text string
		want []string
	}{
		"terminated":        {"Stop the spindle. Check coolant! Done?", []string{"Stop the spindle.", "Check coolant!", "Done?"}},
		"trailing fragment": {"Check seals. Replace yearly", []string{"Check seals.", "Replace yearly"}},
		"no terminator":     {"  belt tension low  ", []string{"belt tension low"}},
		"newlines split":    {"Press\nSeals worn.\n", []string{"Press", "Seals worn."}},
		"blank":             {" \n ", nil},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sentences(tc.text))
		})
	}
}
