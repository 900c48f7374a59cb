package extract

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Number vocabulary. Strong words are unambiguous in speech; weak words are
// homophones that only count inside a run anchored by at least one strong
// token, so ordinary sentences ("I want to check") never produce digits.
var (
	strongDigitWords = map[string]string{
		"zero": "0", "nought": "0", "naught": "0",
		"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
		"six": "6", "seven": "7", "eight": "8", "nine": "9",
	}
	weakDigitWords = map[string]string{
		"oh": "0", "o": "0",
		"won": "1", "to": "2", "too": "2",
		"tree": "3", "for": "4", "fore": "4", "ate": "8",
	}
	teenWords = map[string]string{
		"ten": "10", "eleven": "11", "twelve": "12", "thirteen": "13",
		"fourteen": "14", "fifteen": "15", "sixteen": "16",
		"seventeen": "17", "eighteen": "18", "nineteen": "19",
	}
	// tensWords map to the tens digit; a following unit digit merges
	// ("thirty four" → "34"), otherwise a zero is appended ("thirty" → "30").
	tensWords = map[string]string{
		"twenty": "2", "thirty": "3", "forty": "4", "fifty": "5",
		"sixty": "6", "seventy": "7", "eighty": "8", "ninety": "9",
	}
)

// phoneticNumberWords is the canonical vocabulary for the phonetic fallback,
// catching STT spellings like "sevin" or "forteen". Slice, not map, so the
// match order is deterministic.
var phoneticNumberWords = []struct{ word, digits string }{
	{"zero", "0"}, {"one", "1"}, {"two", "2"}, {"three", "3"}, {"four", "4"},
	{"five", "5"}, {"six", "6"}, {"seven", "7"}, {"eight", "8"}, {"nine", "9"},
	{"ten", "10"}, {"eleven", "11"}, {"twelve", "12"}, {"thirteen", "13"},
	{"fourteen", "14"}, {"fifteen", "15"}, {"sixteen", "16"},
	{"seventeen", "17"}, {"eighteen", "18"}, {"nineteen", "19"},
}

const phoneticDigitThreshold = 0.70

// tokenize lowercases and splits on anything that is not a letter or digit,
// so "12-34-56" and "thirty-four" both come apart cleanly.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// classify maps one token to its digit expansion. strong reports whether the
// token can anchor a number run on its own.
func classify(tok string) (digits string, strong, ok bool) {
	if allDigits(tok) {
		return tok, true, true
	}
	if d, found := strongDigitWords[tok]; found {
		return d, true, true
	}
	if d, found := teenWords[tok]; found {
		return d, true, true
	}
	if d, found := weakDigitWords[tok]; found {
		return d, false, true
	}
	if d, found := phoneticDigit(tok); found {
		return d, false, true
	}
	return "", false, false
}

// phoneticDigit matches a token against the number vocabulary by Double
// Metaphone code overlap, ranked by Jaro-Winkler similarity.
func phoneticDigit(tok string) (string, bool) {
	if len(tok) < 3 {
		return "", false
	}
	p1, s1 := matchr.DoubleMetaphone(tok)
	if p1 == "" && s1 == "" {
		return "", false
	}
	for _, nw := range phoneticNumberWords {
		p2, s2 := matchr.DoubleMetaphone(nw.word)
		if !codesOverlap(p1, s1, p2, s2) {
			continue
		}
		if matchr.JaroWinkler(tok, nw.word, false) >= phoneticDigitThreshold {
			return nw.digits, true
		}
	}
	return "", false
}

func codesOverlap(p1, s1, p2, s2 string) bool {
	return (p1 != "" && (p1 == p2 || p1 == s2)) ||
		(s1 != "" && (s1 == p2 || s1 == s2))
}

// numberRun is a maximal span of spoken digits.
type numberRun struct {
	digits string
	strong bool
}

// numberRuns walks the tokens and assembles contiguous digit spans. Tens
// words merge with a following unit, and "double"/"triple" repeat the next
// digit ("double four" → "44"); "double" before a non-digit word ends the
// run so "double check" stays prose.
func numberRuns(tokens []string) []numberRun {
	var (
		runs    []numberRun
		current strings.Builder
		strong  bool
	)

	flush := func() {
		if current.Len() > 0 {
			runs = append(runs, numberRun{digits: current.String(), strong: strong})
			current.Reset()
			strong = false
		}
	}
	add := func(digits string, anchoring bool) {
		current.WriteString(digits)
		if anchoring {
			strong = true
		}
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if rep := repeatCount(tok); rep > 0 {
			if i+1 < len(tokens) {
				if d, anchoring, ok := classify(tokens[i+1]); ok && len(d) == 1 {
					add(strings.Repeat(d, rep), anchoring)
					i++
					continue
				}
			}
			flush()
			continue
		}

		if tens, found := tensWords[tok]; found {
			if i+1 < len(tokens) {
				if d, _, ok := classify(tokens[i+1]); ok && len(d) == 1 && d != "0" {
					add(tens+d, true)
					i++
					continue
				}
			}
			add(tens+"0", true)
			continue
		}

		if d, anchoring, ok := classify(tok); ok {
			add(d, anchoring)
			continue
		}
		flush()
	}
	flush()
	return runs
}

func repeatCount(tok string) int {
	switch tok {
	case "double":
		return 2
	case "triple":
		return 3
	}
	return 0
}
