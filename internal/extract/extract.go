// Package extract pulls structured banking details out of free-form caller
// text.
//
// The gateway runs it over every final user utterance: spoken number words
// are converted to digits ("one two three four five six seven eight" →
// "12345678"), an 8-digit account number and a 6-digit sort code are picked
// out when present, and a coarse intent is detected from keywords. STT
// variants are absorbed twice over: a homophone table for the usual
// one-word slips ("won", "for", "ate") and a Double Metaphone + Jaro-Winkler
// fallback for everything else ("sevin", "morgage").
//
// The extractor is pure and safe for concurrent use.
package extract

import (
	"github.com/antzucaro/matchr"

	"github.com/parlorbank/voxgate/pkg/memory"
)

// Intent is the coarse category of what the caller wants.
type Intent string

const (
	IntentCheckBalance      Intent = "check_balance"
	IntentCheckTransactions Intent = "check_transactions"
	IntentDispute           Intent = "dispute"
	IntentMortgage          Intent = "mortgage"
	IntentInvestigation     Intent = "investigation"
)

// Result is what one pass over an utterance found. Zero values mean the
// detail was not present.
type Result struct {
	// Account is the 8-digit account number, raw digits.
	Account string

	// SortCode is the 6-digit sort code, raw digits.
	SortCode string

	// Intent is the detected coarse intent, empty when none matched.
	Intent Intent
}

// intentKeywords is checked in order: the more specific intents come first
// so "dispute a fraudulent charge" classifies as a dispute, not an
// investigation.
var intentKeywords = []struct {
	intent Intent
	words  []string
}{
	{IntentDispute, []string{
		"dispute", "disputed", "chargeback", "refund",
		"unauthorised", "unauthorized", "unrecognised", "unrecognized",
	}},
	{IntentInvestigation, []string{
		"investigation", "investigate", "fraud", "fraudulent",
		"scam", "stolen", "theft",
	}},
	{IntentMortgage, []string{"mortgage", "remortgage"}},
	{IntentCheckTransactions, []string{
		"transaction", "transactions", "statement", "statements",
		"payment", "payments",
	}},
	{IntentCheckBalance, []string{"balance", "balances", "funds"}},
}

const phoneticIntentThreshold = 0.85

// Parse scans one final user utterance for an account number, a sort code
// and a coarse intent.
//
// Digit runs must be exactly 8 (account) or 6 (sort code) digits long; a
// 14-digit run is read as both, account first. Runs built entirely from
// ambiguous homophones are discarded.
func Parse(text string) Result {
	tokens := tokenize(text)

	var r Result
	for _, run := range numberRuns(tokens) {
		if !run.strong {
			continue
		}
		switch len(run.digits) {
		case 8:
			if r.Account == "" {
				r.Account = run.digits
			}
		case 6:
			if r.SortCode == "" {
				r.SortCode = run.digits
			}
		case 14:
			if r.Account == "" {
				r.Account = run.digits[:8]
			}
			if r.SortCode == "" {
				r.SortCode = run.digits[8:]
			}
		}
	}
	r.Intent = detectIntent(tokens)
	return r
}

// MemoryPatch converts the extraction into a session-store patch. The raw
// utterance is always recorded as lastUserMessage. userIntent follows
// first-wins: an empty stored intent is set, a matching one is left alone,
// and only a materially different intent (a different category) overwrites.
func (r Result) MemoryPatch(current memory.SessionMemory, rawText string) map[string]any {
	patch := map[string]any{memory.KeyLastUserMessage: rawText}
	if r.Account != "" {
		patch[memory.KeyAccount] = r.Account
	}
	if r.SortCode != "" {
		patch[memory.KeySortCode] = r.SortCode
	}
	if r.Intent != "" && string(r.Intent) != current.UserIntent() {
		patch[memory.KeyUserIntent] = string(r.Intent)
	}
	return patch
}

// detectIntent tries exact keyword hits first across all intents, then a
// phonetic pass, so a sloppy spelling of a lower-priority keyword never
// beats an exact hit on a later one.
func detectIntent(tokens []string) Intent {
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		seen[t] = struct{}{}
	}

	for _, ik := range intentKeywords {
		for _, w := range ik.words {
			if _, ok := seen[w]; ok {
				return ik.intent
			}
		}
	}

	for _, ik := range intentKeywords {
		for _, w := range ik.words {
			for _, tok := range tokens {
				if len(tok) < 4 {
					continue
				}
				if phoneticKeyword(tok, w) {
					return ik.intent
				}
			}
		}
	}
	return ""
}

// phoneticKeyword reports whether tok sounds like word and is close enough
// lexically to count as a misheard rendering of it.
func phoneticKeyword(tok, word string) bool {
	p1, s1 := matchr.DoubleMetaphone(tok)
	p2, s2 := matchr.DoubleMetaphone(word)
	if !codesOverlap(p1, s1, p2, s2) {
		return false
	}
	return matchr.JaroWinkler(tok, word, false) >= phoneticIntentThreshold
}
