// Package transcript turns raw voice-model transcript events into the
// client-facing messages a UI can render in place.
//
// The voice model streams assistant text in two stages: speculative drafts
// that may still be revised, and a final committed version. The [Assembler]
// gives both versions of one turn the same message id so a client can update
// the displayed utterance instead of appending duplicates. Speculative
// fragments accumulate into a growing streaming message; the final text (or,
// when the model never commits one, the accumulated draft at turn end) is
// marked isFinal.
//
// Model output is also prefixed with machine-directed tags ([STEP: …],
// [DIALECT: …], SENTIMENT: …) and the occasional stray {"interrupted":true}
// marker. [Scrub] removes them so they never reach a caller's screen.
//
// An Assembler is owned by a single session goroutine and is not safe for
// concurrent use.
package transcript

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/pkg/provider/s2s"
)

// ── scrubbing ──

var (
	leadingTag         = regexp.MustCompile(`^\[(?:STEP|DIALECT):[^\]]*\]\s*`)
	leadingSentiment   = regexp.MustCompile(`^SENTIMENT:\s*[A-Za-z_]+(?:\s*,\s*[A-Za-z_]+)*\s*`)
	leadingInterrupted = regexp.MustCompile(`^\{\s*"interrupted"\s*:\s*true\s*\}\s*`)
	embeddedTag        = regexp.MustCompile(`\[(?:STEP|DIALECT):[^\]]*\]\s?`)
)

// Scrub strips machine-directed markers from model text: any stack of
// leading [STEP: …] / [DIALECT: …] / SENTIMENT: … tags and stray
// {"interrupted":true} fragments, plus [STEP: …] / [DIALECT: …] tags that
// ended up mid-text. The result is trimmed of surrounding whitespace.
func Scrub(text string) string {
	s := strings.TrimLeft(text, " \t\r\n")
	for {
		if m := leadingTag.FindString(s); m != "" {
			s = s[len(m):]
			continue
		}
		if m := leadingSentiment.FindString(s); m != "" {
			s = s[len(m):]
			continue
		}
		if m := leadingInterrupted.FindString(s); m != "" {
			s = s[len(m):]
			continue
		}
		break
	}
	s = embeddedTag.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// ── assembly ──

// Option configures an [Assembler].
type Option func(*Assembler)

// WithClock replaces the timestamp source. Tests use this to emit
// deterministic transcripts.
func WithClock(clock func() time.Time) Option {
	return func(a *Assembler) {
		a.clock = clock
	}
}

// WithIDSource replaces the message id generator. The default draws random
// UUIDs.
func WithIDSource(next func() string) Option {
	return func(a *Assembler) {
		a.next = next
	}
}

// Assembler tracks one open transcript turn per role and assigns each turn a
// stable message id shared by its streaming and final versions.
type Assembler struct {
	clock func() time.Time
	next  func() string
	turns map[string]*turn
}

type turn struct {
	id        string
	modelTurn string
	draft     strings.Builder
}

// New constructs an [Assembler].
func New(opts ...Option) *Assembler {
	a := &Assembler{
		clock: time.Now,
		next:  uuid.NewString,
		turns: make(map[string]*turn),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Observe folds one voice-model transcript event into the turn state and
// returns the message to show the client, if any.
//
// Final events close the turn and carry the committed text, superseding any
// accumulated draft. Speculative events grow the draft and are emitted as a
// streaming update carrying the full accumulated text under the turn's
// stable id. A fragment whose scrubbed text still holds an unterminated
// leading tag is withheld until the tag completes, so partial markers never
// reach the client.
func (a *Assembler) Observe(ev s2s.Transcript) (protocol.Transcript, bool) {
	t := a.turn(ev.Role, ev.TurnID)

	if ev.IsFinal || ev.Stage == s2s.StageFinal {
		delete(a.turns, ev.Role)
		text := Scrub(ev.Text)
		if text == "" {
			text = Scrub(t.draft.String())
		}
		return a.emit(t.id, ev.Role, text, true)
	}

	t.draft.WriteString(ev.Text)
	text := Scrub(t.draft.String())
	if strings.Contains(text, "[STEP:") || strings.Contains(text, "[DIALECT:") {
		return protocol.Transcript{}, false
	}
	msg, ok := a.emit(t.id, ev.Role, text, false)
	if ok {
		msg.IsStreaming = true
		msg.Stage = "streaming"
	}
	return msg, ok
}

// EndTurn closes the open turn for role. When the model never committed a
// final version, the accumulated draft is promoted to the turn's final
// transcript; otherwise nothing is emitted.
func (a *Assembler) EndTurn(role string) (protocol.Transcript, bool) {
	t, ok := a.turns[role]
	if !ok {
		return protocol.Transcript{}, false
	}
	delete(a.turns, role)
	return a.emit(t.id, role, Scrub(t.draft.String()), true)
}

// UserMessage builds a final user transcript for text that arrived through
// the text-input path rather than from the voice model.
func (a *Assembler) UserMessage(text string) (protocol.Transcript, bool) {
	return a.emit(a.next(), "user", Scrub(text), true)
}

// turn returns the open turn for role, starting a fresh one when none exists
// or when the model moved on to a different turn id. A superseded draft is
// dropped; the model abandoned it.
func (a *Assembler) turn(role, modelTurn string) *turn {
	t := a.turns[role]
	if t == nil || (modelTurn != "" && t.modelTurn != "" && t.modelTurn != modelTurn) {
		t = &turn{id: a.next(), modelTurn: modelTurn}
		a.turns[role] = t
	}
	if t.modelTurn == "" {
		t.modelTurn = modelTurn
	}
	return t
}

func (a *Assembler) emit(id, role, text string, final bool) (protocol.Transcript, bool) {
	if text == "" {
		return protocol.Transcript{}, false
	}
	return protocol.Transcript{
		Type:      protocol.TypeTranscript,
		ID:        id,
		Role:      role,
		Text:      text,
		IsFinal:   final,
		Timestamp: a.clock().UnixMilli(),
	}, true
}
