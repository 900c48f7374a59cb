package nova

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/parlorbank/voxgate/pkg/provider/s2s"
	"github.com/parlorbank/voxgate/pkg/types"
)

// fakeStream records outbound documents and lets tests script the model side.
type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan []byte
	closed bool
	err    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan []byte, 64)}
}

func (f *fakeStream) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) Events() <-chan []byte { return f.events }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// serve pushes one server document to the session.
func (f *fakeStream) serve(doc string) { f.events <- []byte(doc) }

// fail terminates the stream with a transport error.
func (f *fakeStream) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.err = err
		f.closed = true
		close(f.events)
	}
}

// docs decodes every sent payload into its event object.
func (f *fakeStream) docs(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for i, raw := range f.sent {
		var env struct {
			Event map[string]any `json:"event"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("sent payload %d is not a valid envelope: %v", i, err)
		}
		out = append(out, env.Event)
	}
	return out
}

func countDocs(t *testing.T, fs *fakeStream, kind string) int {
	t.Helper()
	n := 0
	for _, doc := range fs.docs(t) {
		if _, ok := doc[kind]; ok {
			n++
		}
	}
	return n
}

type fakeStreams struct {
	stream  *fakeStream
	openErr error

	mu     sync.Mutex
	opened []string
}

func (f *fakeStreams) Open(_ context.Context, modelID string) (Stream, error) {
	f.mu.Lock()
	f.opened = append(f.opened, modelID)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func startSession(t *testing.T, cfg s2s.SessionConfig, opts ...Option) (*Session, *fakeStream) {
	t.Helper()
	fs := newFakeStream()
	client, err := New(&fakeStreams{stream: fs}, DefaultModelID, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	sess := client.NewSession()
	if err := sess.Configure(cfg); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := sess.Start(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sess.Stop(ctx)
	})
	return sess, fs
}

func nextEvent(t *testing.T, sess *Session) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed before the expected event arrived")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sub(t *testing.T, doc map[string]any, key string) map[string]any {
	t.Helper()
	inner, ok := doc[key].(map[string]any)
	if !ok {
		t.Fatalf("document has no %q object: %v", key, doc)
	}
	return inner
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, DefaultModelID); err == nil {
		t.Error("New(nil streams) should fail")
	}
	if _, err := New(&fakeStreams{stream: newFakeStream()}, ""); err == nil {
		t.Error("New with empty model id should fail")
	}
}

func TestStartFramingOrder(t *testing.T) {
	t.Parallel()

	_, fs := startSession(t, s2s.SessionConfig{
		SystemPrompt: "You are a bank agent.",
		VoiceID:      "amy",
		Tools: []types.ToolDefinition{
			{Name: "check_balance", Description: "Look up the account balance."},
		},
	})

	docs := fs.docs(t)
	want := []string{"sessionStart", "promptStart", "contentStart", "textInput", "contentEnd", "contentStart", "audioInput"}
	if len(docs) != len(want) {
		t.Fatalf("sent %d framing documents, want %d", len(docs), len(want))
	}
	for i, kind := range want {
		if _, ok := docs[i][kind]; !ok {
			t.Errorf("framing document %d: want %q, got %v", i, kind, docs[i])
		}
	}

	prompt := sub(t, docs[1], "promptStart")
	if got := prompt["promptName"]; got != "sess-1" {
		t.Errorf("promptName = %v, want sess-1", got)
	}
	audioOut := sub(t, prompt, "audioOutputConfiguration")
	if got := audioOut["sampleRateHertz"]; got != float64(24000) {
		t.Errorf("output sample rate = %v, want 24000", got)
	}
	if got := audioOut["voiceId"]; got != "amy" {
		t.Errorf("voiceId = %v, want amy", got)
	}
	toolCfg := sub(t, prompt, "toolConfiguration")
	tools, ok := toolCfg["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("toolConfiguration.tools = %v, want one entry", toolCfg["tools"])
	}

	system := sub(t, docs[2], "contentStart")
	if got := system["role"]; got != "SYSTEM" {
		t.Errorf("system block role = %v, want SYSTEM", got)
	}
	if got := sub(t, docs[3], "textInput")["content"]; got != "You are a bank agent." {
		t.Errorf("system prompt content = %v", got)
	}

	audioStart := sub(t, docs[5], "contentStart")
	audioIn := sub(t, audioStart, "audioInputConfiguration")
	if got := audioIn["sampleRateHertz"]; got != float64(16000) {
		t.Errorf("input sample rate = %v, want 16000", got)
	}

	primer := sub(t, docs[6], "audioInput")["content"].(string)
	pcm, err := base64.StdEncoding.DecodeString(primer)
	if err != nil {
		t.Fatalf("primer is not base64: %v", err)
	}
	// 100ms at 16kHz mono 16-bit.
	if len(pcm) != 3200 {
		t.Errorf("primer length = %d bytes, want 3200", len(pcm))
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	sess, _ := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})
	if err := sess.Start(context.Background(), "sess-2"); err == nil {
		t.Error("second Start should fail")
	}
}

func TestConfigureAfterStart(t *testing.T) {
	t.Parallel()

	sess, _ := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})
	if err := sess.Configure(s2s.SessionConfig{SystemPrompt: "q"}); err == nil {
		t.Error("Configure after Start should fail")
	}
}

func TestSendBeforeStart(t *testing.T) {
	t.Parallel()

	client, err := New(&fakeStreams{stream: newFakeStream()}, DefaultModelID)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	sess := client.NewSession()

	if err := sess.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio before Start should fail")
	}
	if err := sess.SendText("hello"); err == nil {
		t.Error("SendText before Start should fail")
	}
	if err := sess.SendToolResult("tu-1", nil, false); err == nil {
		t.Error("SendToolResult before Start should fail")
	}
}

func TestSendTextDebounce(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"},
		WithDebounceWindow(80*time.Millisecond))

	if err := sess.SendText("what is my balance"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	// Framing carries one textInput already, so the user turn makes two.
	waitFor(t, "first text turn", func() bool { return countDocs(t, fs, "textInput") == 2 })

	// An identical text inside the window is dropped silently.
	if err := sess.SendText("what is my balance"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := countDocs(t, fs, "textInput"); got != 2 {
		t.Fatalf("duplicate inside window was sent: %d textInput documents", got)
	}

	// The same text after the window goes through.
	time.Sleep(80 * time.Millisecond)
	if err := sess.SendText("what is my balance"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	waitFor(t, "text turn after the window", func() bool { return countDocs(t, fs, "textInput") == 3 })
}

func TestFillerPhrasesBypassDebounce(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"},
		WithDebounceWindow(time.Minute))

	for range 2 {
		if err := sess.SendText("Let me check that for you"); err != nil {
			t.Fatalf("SendText() error: %v", err)
		}
	}
	waitFor(t, "both filler turns", func() bool { return countDocs(t, fs, "textInput") == 3 })
}

func TestUpdateSystemPromptSplicesIntoNextText(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	if err := sess.UpdateSystemPrompt("The caller is now verified."); err != nil {
		t.Fatalf("UpdateSystemPrompt() error: %v", err)
	}
	if err := sess.SendText("show my transactions"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	waitFor(t, "spliced turn", func() bool { return countDocs(t, fs, "textInput") == 2 })

	docs := fs.docs(t)
	var contents []string
	for _, doc := range docs {
		if ti, ok := doc["textInput"].(map[string]any); ok {
			contents = append(contents, ti["content"].(string))
		}
	}
	want := "[SYSTEM_UPDATE] The caller is now verified.\n\nshow my transactions"
	if contents[1] != want {
		t.Errorf("spliced turn = %q, want %q", contents[1], want)
	}

	// The update is consumed: the next turn is plain.
	if err := sess.SendText("and my balance"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	waitFor(t, "plain turn", func() bool { return countDocs(t, fs, "textInput") == 3 })
	docs = fs.docs(t)
	last := sub(t, docs[len(docs)-1], "textInput")
	if got := last["content"]; got != "and my balance" {
		t.Errorf("turn after update = %q, want plain text", got)
	}
}

func TestSendToolResult(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	payload := map[string]any{"balance": 1250.5, "currency": "GBP"}
	if err := sess.SendToolResult("tu-1", payload, false); err != nil {
		t.Fatalf("SendToolResult() error: %v", err)
	}
	waitFor(t, "tool result", func() bool { return countDocs(t, fs, "toolResult") == 1 })

	docs := fs.docs(t)
	start := sub(t, docs[len(docs)-3], "contentStart")
	if got := start["type"]; got != "TOOL" {
		t.Errorf("tool block type = %v, want TOOL", got)
	}
	cfg := sub(t, start, "toolResultInputConfiguration")
	if got := cfg["toolUseId"]; got != "tu-1" {
		t.Errorf("toolUseId = %v, want tu-1", got)
	}

	result := sub(t, docs[len(docs)-2], "toolResult")
	if got := result["status"]; got != "success" {
		t.Errorf("status = %v, want success", got)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(result["content"].(string)), &decoded); err != nil {
		t.Fatalf("tool result content is not JSON: %v", err)
	}
	if !reflect.DeepEqual(decoded, payload) {
		t.Errorf("tool result content = %v, want %v", decoded, payload)
	}

	if _, ok := docs[len(docs)-1]["contentEnd"]; !ok {
		t.Error("tool block was not closed")
	}
}

func TestSendToolResultError(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	if err := sess.SendToolResult("tu-9", map[string]any{"error": "account not found"}, true); err != nil {
		t.Fatalf("SendToolResult() error: %v", err)
	}
	waitFor(t, "tool result", func() bool { return countDocs(t, fs, "toolResult") == 1 })

	docs := fs.docs(t)
	result := sub(t, docs[len(docs)-2], "toolResult")
	if got := result["status"]; got != "error" {
		t.Errorf("status = %v, want error", got)
	}
}

func TestUpdateSystemPromptPrecedesToolResult(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	if err := sess.UpdateSystemPrompt("Stay in the disputes flow."); err != nil {
		t.Fatalf("UpdateSystemPrompt() error: %v", err)
	}
	if err := sess.SendToolResult("tu-2", map[string]any{"ok": true}, false); err != nil {
		t.Fatalf("SendToolResult() error: %v", err)
	}
	waitFor(t, "tool result", func() bool { return countDocs(t, fs, "toolResult") == 1 })

	// The update goes out as its own text block before the TOOL block.
	docs := fs.docs(t)
	update := sub(t, docs[len(docs)-6], "textInput")
	if got := update["content"]; got != "[SYSTEM_UPDATE] Stay in the disputes flow." {
		t.Errorf("update block content = %q", got)
	}
	tool := sub(t, docs[len(docs)-3], "contentStart")
	if got := tool["type"]; got != "TOOL" {
		t.Errorf("block after update = %v, want the TOOL block", got)
	}
}

func TestSendAudioFlowsToOpenBlock(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	chunk := []byte{1, 2, 3, 4}
	if err := sess.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio() error: %v", err)
	}
	// Framing already carries the primer audioInput.
	waitFor(t, "audio chunk", func() bool { return countDocs(t, fs, "audioInput") == 2 })

	docs := fs.docs(t)
	primer := sub(t, docs[6], "audioInput")
	got := sub(t, docs[len(docs)-1], "audioInput")
	if got["contentName"] != primer["contentName"] {
		t.Error("audio chunk did not reuse the open audio block")
	}
	pcm, err := base64.StdEncoding.DecodeString(got["content"].(string))
	if err != nil || !reflect.DeepEqual(pcm, chunk) {
		t.Errorf("audio content = %v (err %v), want %v", pcm, err, chunk)
	}
}

func TestServerEventMapping(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	fs.serve(`{"event":{"contentStart":{"completionId":"c1","contentId":"t1","type":"TEXT","role":"ASSISTANT","additionalModelFields":"{\"generationStage\":\"SPECULATIVE\"}"}}}`)
	ev := nextEvent(t, sess)
	start, ok := ev.(s2s.ContentStart)
	if !ok {
		t.Fatalf("event = %T, want ContentStart", ev)
	}
	if start.Role != "assistant" || start.Type != "TEXT" || start.Stage != s2s.StageSpeculative {
		t.Errorf("ContentStart = %+v", start)
	}

	fs.serve(`{"event":{"textOutput":{"completionId":"c1","contentId":"t1","role":"ASSISTANT","content":"One moment."}}}`)
	ev = nextEvent(t, sess)
	tr, ok := ev.(s2s.Transcript)
	if !ok {
		t.Fatalf("event = %T, want Transcript", ev)
	}
	if tr.Text != "One moment." || tr.IsFinal || tr.Stage != s2s.StageSpeculative || tr.TurnID != "c1" {
		t.Errorf("Transcript = %+v", tr)
	}

	// Speculative audio is suppressed end to end.
	fs.serve(`{"event":{"contentStart":{"completionId":"c1","contentId":"a1","type":"AUDIO","role":"ASSISTANT","additionalModelFields":"{\"generationStage\":\"SPECULATIVE\"}"}}}`)
	fs.serve(`{"event":{"audioOutput":{"completionId":"c1","contentId":"a1","content":"` + base64.StdEncoding.EncodeToString([]byte{9, 9}) + `"}}}`)
	fs.serve(`{"event":{"contentEnd":{"completionId":"c1","contentId":"a1","type":"AUDIO","stopReason":"PARTIAL_TURN"}}}`)

	// A final audio block comes through.
	pcm := []byte{1, 2, 3, 4}
	fs.serve(`{"event":{"contentStart":{"completionId":"c1","contentId":"a2","type":"AUDIO","role":"ASSISTANT","additionalModelFields":"{\"generationStage\":\"FINAL\"}"}}}`)
	ev = nextEvent(t, sess)
	if start, ok := ev.(s2s.ContentStart); !ok || start.Type != "AUDIO" || start.Stage != s2s.StageFinal {
		t.Fatalf("event = %#v, want final AUDIO ContentStart", ev)
	}
	fs.serve(`{"event":{"audioOutput":{"completionId":"c1","contentId":"a2","content":"` + base64.StdEncoding.EncodeToString(pcm) + `"}}}`)
	ev = nextEvent(t, sess)
	out, ok := ev.(s2s.AudioOutput)
	if !ok || !reflect.DeepEqual(out.PCM, pcm) {
		t.Fatalf("event = %#v, want AudioOutput %v", ev, pcm)
	}

	fs.serve(`{"event":{"toolUse":{"completionId":"c1","contentId":"u1","toolUseId":"tu-1","toolName":"check_balance","content":"{\"account\":\"12345678\"}"}}}`)
	ev = nextEvent(t, sess)
	use, ok := ev.(s2s.ToolUse)
	if !ok {
		t.Fatalf("event = %T, want ToolUse", ev)
	}
	if use.ToolUseID != "tu-1" || use.ToolName != "check_balance" {
		t.Errorf("ToolUse = %+v", use)
	}
	if !reflect.DeepEqual(use.Input, map[string]any{"account": "12345678"}) {
		t.Errorf("ToolUse input = %v", use.Input)
	}

	fs.serve(`{"event":{"contentEnd":{"completionId":"c1","contentId":"a2","type":"AUDIO","stopReason":"END_TURN"}}}`)
	ev = nextEvent(t, sess)
	end, ok := ev.(s2s.ContentEnd)
	if !ok || end.StopReason != s2s.StopEndTurn {
		t.Fatalf("event = %#v, want ContentEnd END_TURN", ev)
	}

	fs.serve(`{"event":{"completionEnd":{"completionId":"c1","stopReason":"END_TURN"}}}`)
	if _, ok := nextEvent(t, sess).(s2s.TurnEnd); !ok {
		t.Fatal("want TurnEnd after completionEnd")
	}

	fs.serve(`{"event":{"usageEvent":{"completionId":"c1","totalInputTokens":120,"totalOutputTokens":45,"totalTokens":165}}}`)
	ev = nextEvent(t, sess)
	usage, ok := ev.(s2s.Usage)
	if !ok || usage.InputTokens != 120 || usage.OutputTokens != 45 {
		t.Fatalf("event = %#v, want Usage{120, 45}", ev)
	}
}

func TestInterruptionSentinel(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	fs.serve(`{"event":{"textOutput":{"completionId":"c1","contentId":"t1","role":"ASSISTANT","content":"{ \"interrupted\" : true }"}}}`)
	if _, ok := nextEvent(t, sess).(s2s.Interruption); !ok {
		t.Fatal("barge-in sentinel should surface as Interruption, not a transcript")
	}
}

func TestInterruptedStopReason(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	fs.serve(`{"event":{"contentStart":{"completionId":"c1","contentId":"t1","type":"TEXT","role":"ASSISTANT"}}}`)
	nextEvent(t, sess)
	fs.serve(`{"event":{"contentEnd":{"completionId":"c1","contentId":"t1","type":"TEXT","stopReason":"INTERRUPTED"}}}`)

	if _, ok := nextEvent(t, sess).(s2s.Interruption); !ok {
		t.Fatal("INTERRUPTED stop reason should emit Interruption first")
	}
	ev := nextEvent(t, sess)
	end, ok := ev.(s2s.ContentEnd)
	if !ok || end.StopReason != s2s.StopInterrupted {
		t.Fatalf("event = %#v, want ContentEnd INTERRUPTED", ev)
	}
}

func TestTTFBWatchdog(t *testing.T) {
	t.Parallel()

	sess, _ := startSession(t, s2s.SessionConfig{SystemPrompt: "p"},
		WithTTFBTimeout(30*time.Millisecond))

	ev := nextEvent(t, sess)
	se, ok := ev.(s2s.SessionError)
	if !ok || se.Kind != s2s.ErrorKindTimeout {
		t.Fatalf("event = %#v, want timeout SessionError", ev)
	}
	if sess.Err() == nil {
		t.Error("Err() should report the timeout")
	}
}

func TestModelErrorEvent(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	fs.serve(`{"event":{"modelStreamErrorException":{"message":"throttled"}}}`)
	ev := nextEvent(t, sess)
	se, ok := ev.(s2s.SessionError)
	if !ok || se.Kind != s2s.ErrorKindModel || se.Message != "throttled" {
		t.Fatalf("event = %#v, want model SessionError", ev)
	}
}

func TestStreamFailureClosesSession(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	transport := errors.New("connection reset")
	fs.fail(transport)

	ev := nextEvent(t, sess)
	se, ok := ev.(s2s.SessionError)
	if !ok || se.Kind != s2s.ErrorKindConnection {
		t.Fatalf("event = %#v, want connection SessionError", ev)
	}

	waitFor(t, "events channel to close", func() bool {
		select {
		case _, open := <-sess.Events():
			return !open
		default:
			return false
		}
	})
	if !errors.Is(sess.Err(), transport) {
		t.Errorf("Err() = %v, want %v", sess.Err(), transport)
	}
}

func TestStopFlushesAndCloses(t *testing.T) {
	t.Parallel()

	sess, fs := startSession(t, s2s.SessionConfig{SystemPrompt: "p"})

	if err := sess.SendText("goodbye"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// The queued turn was flushed before teardown.
	if got := countDocs(t, fs, "textInput"); got != 2 {
		t.Errorf("flushed %d textInput documents, want 2", got)
	}

	docs := fs.docs(t)
	tail := docs[len(docs)-3:]
	for i, kind := range []string{"contentEnd", "promptEnd", "sessionEnd"} {
		if _, ok := tail[i][kind]; !ok {
			t.Errorf("teardown document %d = %v, want %q", i, tail[i], kind)
		}
	}

	for range sess.Events() {
		// Drain until close.
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() after clean stop = %v, want nil", err)
	}

	// Stop is idempotent.
	if err := sess.Stop(ctx); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}

	if err := sess.SendText("after stop"); err == nil {
		t.Error("SendText after Stop should fail")
	}
}

func TestStartOpenFailure(t *testing.T) {
	t.Parallel()

	client, err := New(&fakeStreams{openErr: errors.New("no credentials")}, DefaultModelID)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	sess := client.NewSession()
	if err := sess.Start(context.Background(), "sess-1"); err == nil {
		t.Fatal("Start should surface the open failure")
	}
	// The events channel closes so a consumer never hangs.
	select {
	case _, open := <-sess.Events():
		if open {
			t.Error("unexpected event from a failed session")
		}
	case <-time.After(time.Second):
		t.Error("events channel was not closed after a failed Start")
	}
}
