package scoring

import (
	"strconv"
	"strings"
	"unicode"
)

// Evidence is document text prepared for scoring.
type Evidence struct {
	Text      string // lower-cased, whitespace-normalised
	Words     []string
	Sentences int
	Years     []int

	// Features is the term-frequency vector built by Embed.
	Features map[string]float64
}

// Parse tokenises text into words, sentence count and year tokens.
func Parse(text string) *Evidence {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	ev := &Evidence{Text: lower, Words: tokenize(lower)}

	for _, w := range ev.Words {
		if len(w) != 4 {
			continue
		}
		if y, err := strconv.Atoi(w); err == nil && y >= 1900 && y <= 2100 {
			ev.Years = append(ev.Years, y)
		}
	}

	for _, s := range strings.FieldsFunc(lower, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if strings.TrimSpace(s) != "" {
			ev.Sentences++
		}
	}
	return ev
}

// HasPhrase reports whether the words of phrase occur consecutively in the
// evidence. Words are compared whole after plural folding, so "plan" matches
// "plans" but not "planet".
func (ev *Evidence) HasPhrase(phrase string) bool {
	want := tokenize(strings.ToLower(phrase))
	if len(want) == 0 || len(want) > len(ev.Words) {
		return false
	}
	for i := range want {
		want[i] = stem(want[i])
	}
	for i := 0; i+len(want) <= len(ev.Words); i++ {
		match := true
		for j, w := range want {
			if stem(ev.Words[i+j]) != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Embed builds the normalised term-frequency vector over stemmed words.
func Embed(ev *Evidence) {
	if ev.Features != nil {
		return
	}
	ev.Features = make(map[string]float64)
	if len(ev.Words) == 0 {
		return
	}
	for _, w := range ev.Words {
		ev.Features[stem(w)]++
	}
	total := float64(len(ev.Words))
	for k, v := range ev.Features {
		ev.Features[k] = v / total
	}
}

// DescriptionTerms returns the distinct stemmed words of four or more
// letters in s, excluding stop words, in first-seen order.
func DescriptionTerms(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) })
	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 4 || stopWords[w] {
			continue
		}
		t := stem(w)
		if seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}

// stem folds simple English plurals.
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us"):
		return w[:len(w)-1]
	}
	return w
}

var stopWords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "against": true, "also": true,
	"among": true, "been": true, "before": true, "being": true, "between": true, "both": true,
	"does": true, "doing": true, "down": true, "during": true, "each": true, "from": true,
	"further": true, "have": true, "having": true, "here": true, "into": true, "itself": true,
	"just": true, "more": true, "most": true, "must": true, "only": true, "other": true,
	"ought": true, "over": true, "same": true, "shall": true, "should": true, "some": true,
	"such": true, "than": true, "that": true, "their": true, "them": true, "themselves": true,
	"then": true, "there": true, "these": true, "they": true, "this": true, "those": true,
	"through": true, "under": true, "until": true, "upon": true, "very": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "while": true, "whom": true,
	"will": true, "with": true, "within": true, "would": true, "your": true, "every": true,
	"across": true, "ensure": true, "ensures": true,
}
