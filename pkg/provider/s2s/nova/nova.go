// Package nova implements the s2s.Session interface on Amazon Nova Sonic.
//
// Nova Sonic is a bidirectional speech-to-speech model served through the
// Bedrock InvokeModelWithBidirectionalStream API. Both directions carry JSON
// event documents: the client frames a conversation with sessionStart and
// promptStart, then feeds audio, text turns and tool results as content
// blocks; the model streams back synthesised audio, transcripts in
// speculative and final stages, and tool-use requests.
//
// The transport is abstracted behind [StreamAPI] so tests can script the
// model side; [SDKStreams] is the production implementation.
package nova

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlorbank/voxgate/pkg/audio"
	"github.com/parlorbank/voxgate/pkg/provider/s2s"
)

// Compile-time assertion that Session satisfies the s2s interface.
var _ s2s.Session = (*Session)(nil)

// DefaultModelID is the Nova Sonic model identifier on Bedrock.
const DefaultModelID = "amazon.nova-sonic-v1:0"

const (
	defaultVoiceID     = "matthew"
	defaultDebounce    = 500 * time.Millisecond
	defaultTTFBTimeout = 30 * time.Second

	defaultMaxTokens   = 1024
	defaultTopP        = 0.9
	defaultTemperature = 0.7

	// audioPrimer is how much silence opens the audio input block. The model
	// will not start listening on a fully empty block.
	audioPrimer = 100 * time.Millisecond

	// stopDrainTimeout bounds how long Stop waits for queued input to flush.
	stopDrainTimeout = 2 * time.Second

	// systemUpdatePrefix marks a mid-session prompt change spliced into the
	// next turn. The model has no reconfiguration event after promptStart.
	systemUpdatePrefix = "[SYSTEM_UPDATE]"
)

// defaultFillerPhrases bypass the text debounce: the runtime repeats these
// on purpose while a slow tool call is in flight.
var defaultFillerPhrases = []string{
	"Let me check that for you",
	"Just a moment more",
}

// ── Options ────────────────────────────────────────────────────────────────────

type options struct {
	debounce  time.Duration
	ttfb      time.Duration
	queueCap  int
	fillers   map[string]struct{}
	inference inferenceConfiguration
}

// Option is a functional option for configuring a Client.
type Option func(*options)

// WithDebounceWindow sets how long identical SendText calls are dropped.
func WithDebounceWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithTTFBTimeout sets how long a started session waits for the first model
// event before reporting a timeout.
func WithTTFBTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttfb = d
		}
	}
}

// WithQueueCapacity bounds the per-session input queue.
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.queueCap = n }
}

// WithFillerPhrases replaces the set of phrases exempt from the text
// debounce.
func WithFillerPhrases(phrases ...string) Option {
	return func(o *options) { o.fillers = fillerSet(phrases) }
}

// WithInferenceConfig overrides the sampling parameters sent at sessionStart.
func WithInferenceConfig(maxTokens int, topP, temperature float64) Option {
	return func(o *options) {
		o.inference = inferenceConfiguration{
			MaxTokens:   maxTokens,
			TopP:        topP,
			Temperature: temperature,
		}
	}
}

func fillerSet(phrases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		set[p] = struct{}{}
	}
	return set
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client builds Nova Sonic sessions against one model.
type Client struct {
	streams StreamAPI
	modelID string
	opts    options
}

// New creates a Client. streams is typically [NewSDKStreams] wrapping a
// Bedrock runtime client.
func New(streams StreamAPI, modelID string, opts ...Option) (*Client, error) {
	if streams == nil {
		return nil, fmt.Errorf("nova: stream api is required")
	}
	if modelID == "" {
		return nil, fmt.Errorf("nova: model id is required")
	}
	o := options{
		debounce: defaultDebounce,
		ttfb:     defaultTTFBTimeout,
		fillers:  fillerSet(defaultFillerPhrases),
		inference: inferenceConfiguration{
			MaxTokens:   defaultMaxTokens,
			TopP:        defaultTopP,
			Temperature: defaultTemperature,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{streams: streams, modelID: modelID, opts: o}, nil
}

// NewSession returns an unstarted session. Configure it, then Start it.
func (c *Client) NewSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		streams:  c.streams,
		modelID:  c.modelID,
		opts:     c.opts,
		queue:    s2s.NewInputQueue(c.opts.queueCap),
		events:   make(chan s2s.Event, 64),
		pumpDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live Nova Sonic conversation.
type Session struct {
	streams StreamAPI
	modelID string
	opts    options

	mu            sync.Mutex
	cfg           s2s.SessionConfig
	started       bool
	stopping      bool
	errVal        error
	lastText      string
	lastTextAt    time.Time
	pendingUpdate string

	// Set once in Start, before the loops launch.
	stream       Stream
	promptName   string
	audioContent string

	queue  *s2s.InputQueue
	events chan s2s.Event

	// writeMu serialises event documents onto the stream.
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// Configure stores the session configuration. Must precede Start.
func (s *Session) Configure(cfg s2s.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("nova: configure after start")
	}
	s.cfg = cfg
	return nil
}

// Start opens the stream and frames the conversation: sessionStart, then
// promptStart carrying the output and tool configuration, then the system
// prompt as a TEXT block, then the long-lived user AUDIO block primed with
// 100ms of silence so the model starts listening immediately.
func (s *Session) Start(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("nova: session id is required")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("nova: session already started")
	}
	s.started = true
	s.mu.Unlock()

	stream, err := s.streams.Open(ctx, s.modelID)
	if err != nil {
		s.cancel()
		s.closeEvents()
		return fmt.Errorf("nova: open stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.promptName = sessionID
	s.audioContent = uuid.NewString()
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.sendFraming(cfg); err != nil {
		s.cancel()
		_ = stream.Close()
		s.closeEvents()
		return err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pumpLoop()
	return nil
}

func (s *Session) sendFraming(cfg s2s.SessionConfig) error {
	if err := s.send(clientEvent{SessionStart: &sessionStartEvent{
		InferenceConfiguration: s.opts.inference,
	}}); err != nil {
		return err
	}

	voice := cfg.VoiceID
	if voice == "" {
		voice = defaultVoiceID
	}
	prompt := &promptStartEvent{
		PromptName:              s.promptName,
		TextOutputConfiguration: mediaConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: audioOutputConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: audio.DownlinkRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         voice,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
		ToolUseOutputConfig: &mediaConfiguration{MediaType: "application/json"},
	}
	if len(cfg.Tools) > 0 {
		entries, err := encodeTools(cfg.Tools)
		if err != nil {
			return err
		}
		prompt.ToolConfiguration = &toolConfiguration{
			ToolChoice: encodeToolChoice(cfg.ToolChoice),
			Tools:      entries,
		}
	}
	if err := s.send(clientEvent{PromptStart: prompt}); err != nil {
		return err
	}

	if err := s.sendTextBlock("SYSTEM", cfg.SystemPrompt); err != nil {
		return err
	}

	if err := s.send(clientEvent{ContentStart: &contentStartEvent{
		PromptName:  s.promptName,
		ContentName: s.audioContent,
		Type:        "AUDIO",
		Interactive: true,
		Role:        "USER",
		AudioInputConfiguration: &audioInputConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: audio.UplinkRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	}}); err != nil {
		return err
	}
	return s.writeAudioChunk(audio.Silence(audioPrimer, audio.UplinkRate))
}

// SendAudio enqueues one PCM16 chunk at 16kHz. Never blocks; the queue sheds
// the oldest audio under back-pressure.
func (s *Session) SendAudio(pcm []byte) error {
	if err := s.ensureLive(); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}
	s.queue.Push(s2s.Item{Kind: s2s.KindAudio, Audio: pcm})
	return nil
}

// SendText enqueues a user text turn. Identical text inside the debounce
// window is dropped unless it is a known filler phrase.
func (s *Session) SendText(text string) error {
	if err := s.ensureLive(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	s.mu.Lock()
	now := time.Now()
	_, filler := s.opts.fillers[text]
	if !filler && text == s.lastText && now.Sub(s.lastTextAt) < s.opts.debounce {
		s.mu.Unlock()
		return nil
	}
	s.lastText, s.lastTextAt = text, now
	s.mu.Unlock()

	s.queue.Push(s2s.Item{Kind: s2s.KindText, Text: text})
	return nil
}

// SendToolResult enqueues the outcome of a tool call. Tool results drain
// ahead of any queued text or audio.
func (s *Session) SendToolResult(toolUseID string, payload map[string]any, isError bool) error {
	if err := s.ensureLive(); err != nil {
		return err
	}
	if toolUseID == "" {
		return fmt.Errorf("nova: tool use id is required")
	}
	s.queue.Push(s2s.Item{
		Kind:      s2s.KindToolResult,
		ToolUseID: toolUseID,
		Payload:   payload,
		IsError:   isError,
	})
	return nil
}

// UpdateSystemPrompt queues a prompt change. The protocol has no
// reconfiguration event after promptStart, so the change is spliced as a
// [SYSTEM_UPDATE] line into the next user text or tool result turn. A newer
// update replaces a queued one.
func (s *Session) UpdateSystemPrompt(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	s.pendingUpdate = text
	s.mu.Unlock()
	return nil
}

// Stop flushes queued input, closes the audio block, prompt and session on
// the model side, and tears the stream down. Idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		// Start failed before the stream opened.
		s.cancel()
		s.closeEvents()
		return nil
	}

	s.queue.Close()
	select {
	case <-s.pumpDone:
	case <-time.After(stopDrainTimeout):
	case <-ctx.Done():
	}

	// Best effort: the stream may already be gone.
	_ = s.send(clientEvent{ContentEnd: &contentEndEvent{
		PromptName:  s.promptName,
		ContentName: s.audioContent,
	}})
	_ = s.send(clientEvent{PromptEnd: &promptEndEvent{PromptName: s.promptName}})
	_ = s.send(clientEvent{SessionEnd: &sessionEndEvent{}})

	s.cancel()
	err := stream.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("nova: close stream: %w", err)
	}
	return nil
}

// Events returns the inbound event channel. Closed when the session ends.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that terminated the session, nil after a clean stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) ensureLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("nova: session not started")
	}
	if s.stopping {
		return fmt.Errorf("nova: session stopped")
	}
	return nil
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// ── Outbound path ──────────────────────────────────────────────────────────────

// pumpLoop drains the input queue onto the stream, tool results first.
func (s *Session) pumpLoop() {
	defer s.wg.Done()
	defer close(s.pumpDone)

	for {
		item, ok := s.queue.Pop(s.ctx)
		if !ok {
			return
		}

		var err error
		switch item.Kind {
		case s2s.KindToolResult:
			err = s.writeToolResult(item)
		case s2s.KindText:
			err = s.writeUserText(item.Text)
		default:
			err = s.writeAudioChunk(item.Audio)
		}
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
				s.cancel()
			}
			return
		}
	}
}

func (s *Session) send(ev clientEvent) error {
	buf, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.stream.Send(s.ctx, buf)
}

// sendTextBlock writes one complete TEXT content block.
func (s *Session) sendTextBlock(role, text string) error {
	name := uuid.NewString()
	if err := s.send(clientEvent{ContentStart: &contentStartEvent{
		PromptName:             s.promptName,
		ContentName:            name,
		Type:                   "TEXT",
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: &mediaConfiguration{MediaType: "text/plain"},
	}}); err != nil {
		return err
	}
	if err := s.send(clientEvent{TextInput: &textInputEvent{
		PromptName:  s.promptName,
		ContentName: name,
		Content:     text,
	}}); err != nil {
		return err
	}
	return s.send(clientEvent{ContentEnd: &contentEndEvent{
		PromptName:  s.promptName,
		ContentName: name,
	}})
}

func (s *Session) writeUserText(text string) error {
	if update := s.takePendingUpdate(); update != "" {
		text = systemUpdatePrefix + " " + update + "\n\n" + text
	}
	return s.sendTextBlock("USER", text)
}

// writeToolResult answers a tool call. A pending prompt update goes out
// first as its own text block so the model sees it before reasoning about
// the result.
func (s *Session) writeToolResult(item s2s.Item) error {
	if update := s.takePendingUpdate(); update != "" {
		if err := s.sendTextBlock("USER", systemUpdatePrefix+" "+update); err != nil {
			return err
		}
	}

	content := "{}"
	if item.Payload != nil {
		raw, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("nova: encode tool result: %w", err)
		}
		content = string(raw)
	}
	status := "success"
	if item.IsError {
		status = "error"
	}

	name := uuid.NewString()
	if err := s.send(clientEvent{ContentStart: &contentStartEvent{
		PromptName:  s.promptName,
		ContentName: name,
		Type:        "TOOL",
		Interactive: false,
		Role:        "TOOL",
		ToolResultInputConfig: &toolResultInputConfig{
			ToolUseID:              item.ToolUseID,
			Type:                   "TEXT",
			TextInputConfiguration: mediaConfiguration{MediaType: "text/plain"},
		},
	}}); err != nil {
		return err
	}
	if err := s.send(clientEvent{ToolResult: &toolResultEvent{
		PromptName:  s.promptName,
		ContentName: name,
		Content:     content,
		Status:      status,
	}}); err != nil {
		return err
	}
	return s.send(clientEvent{ContentEnd: &contentEndEvent{
		PromptName:  s.promptName,
		ContentName: name,
	}})
}

func (s *Session) writeAudioChunk(pcm []byte) error {
	return s.send(clientEvent{AudioInput: &audioInputEvent{
		PromptName:  s.promptName,
		ContentName: s.audioContent,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}})
}

func (s *Session) takePendingUpdate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	update := s.pendingUpdate
	s.pendingUpdate = ""
	return update
}

// ── Inbound path ───────────────────────────────────────────────────────────────

// blockState tracks an open model output block between contentStart and
// contentEnd. Speculative audio blocks are suppressed end to end: the model
// re-sends committed audio in a final block, so surfacing drafts would play
// everything twice.
type blockState struct {
	role       string
	typ        string
	stage      s2s.Stage
	suppressed bool
}

// readLoop decodes server documents into s2s events. It owns the events
// channel and closes it on exit.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.closeEvents()

	ttfb := time.NewTimer(s.opts.ttfb)
	defer ttfb.Stop()
	sawEvent := false

	blocks := make(map[string]*blockState)

	for {
		select {
		case payload, ok := <-s.stream.Events():
			if !ok {
				if err := s.stream.Err(); err != nil && s.ctx.Err() == nil {
					s.setErr(err)
					s.emit(s2s.SessionError{Kind: s2s.ErrorKindConnection, Message: err.Error()})
				}
				return
			}
			if !sawEvent {
				sawEvent = true
				ttfb.Stop()
			}
			s.handleServerEvent(payload, blocks)

		case <-ttfb.C:
			err := fmt.Errorf("nova: no model event within %s of start", s.opts.ttfb)
			s.setErr(err)
			s.emit(s2s.SessionError{Kind: s2s.ErrorKindTimeout, Message: err.Error()})

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleServerEvent(payload []byte, blocks map[string]*blockState) {
	var env serverEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.emit(s2s.SessionError{
			Kind:    s2s.ErrorKindProtocol,
			Message: "undecodable model event: " + err.Error(),
		})
		return
	}
	ev := env.Event

	switch {
	case ev.ContentStart != nil:
		st := &blockState{
			role:  strings.ToLower(ev.ContentStart.Role),
			typ:   ev.ContentStart.Type,
			stage: s2s.StageFinal,
		}
		if fields := ev.ContentStart.AdditionalModelFields; fields != "" {
			var gs generationStageFields
			if json.Unmarshal([]byte(fields), &gs) == nil &&
				strings.EqualFold(gs.GenerationStage, "SPECULATIVE") {
				st.stage = s2s.StageSpeculative
			}
		}
		st.suppressed = st.typ == "AUDIO" && st.stage == s2s.StageSpeculative
		blocks[ev.ContentStart.ContentID] = st
		if st.suppressed {
			return
		}
		s.emit(s2s.ContentStart{Role: st.role, Type: st.typ, Stage: st.stage})

	case ev.TextOutput != nil:
		text := ev.TextOutput.Content
		if interruptedSentinel(text) {
			s.emit(s2s.Interruption{})
			return
		}
		tr := s2s.Transcript{
			Role:   strings.ToLower(ev.TextOutput.Role),
			Text:   text,
			TurnID: ev.TextOutput.CompletionID,
			Stage:  s2s.StageFinal,
		}
		if st := blocks[ev.TextOutput.ContentID]; st != nil {
			tr.Stage = st.stage
			if tr.Role == "" {
				tr.Role = st.role
			}
		}
		tr.IsFinal = tr.Stage == s2s.StageFinal
		s.emit(tr)

	case ev.AudioOutput != nil:
		if st := blocks[ev.AudioOutput.ContentID]; st != nil && st.suppressed {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.AudioOutput.Content)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(s2s.AudioOutput{PCM: pcm})

	case ev.ToolUse != nil:
		var input map[string]any
		if content := ev.ToolUse.Content; content != "" {
			_ = json.Unmarshal([]byte(content), &input)
		}
		s.emit(s2s.ToolUse{
			ToolUseID: ev.ToolUse.ToolUseID,
			ToolName:  ev.ToolUse.ToolName,
			Input:     input,
		})

	case ev.ContentEnd != nil:
		st := blocks[ev.ContentEnd.ContentID]
		delete(blocks, ev.ContentEnd.ContentID)

		stop := s2s.StopReason(ev.ContentEnd.StopReason)
		if stop == s2s.StopInterrupted {
			s.emit(s2s.Interruption{})
		}
		if st != nil && st.suppressed {
			return
		}
		end := s2s.ContentEnd{Type: ev.ContentEnd.Type, StopReason: stop}
		if st != nil {
			end.Role = st.role
			end.Stage = st.stage
			if end.Type == "" {
				end.Type = st.typ
			}
		}
		s.emit(end)

	case ev.CompletionEnd != nil:
		s.emit(s2s.TurnEnd{})

	case ev.UsageEvent != nil:
		s.emit(s2s.Usage{
			InputTokens:  ev.UsageEvent.TotalInputTokens,
			OutputTokens: ev.UsageEvent.TotalOutputTokens,
		})

	case ev.ModelError != nil:
		s.emit(s2s.SessionError{Kind: s2s.ErrorKindModel, Message: ev.ModelError.Message})

	case ev.InternalError != nil:
		s.emit(s2s.SessionError{Kind: s2s.ErrorKindModel, Message: ev.InternalError.Message})
	}
}

// emit delivers ev unless the session is shutting down. Only the read loop
// may call it; channel close is sequenced behind the final emit.
func (s *Session) emit(ev s2s.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// interruptedSentinel reports whether a text output is the barge-in marker
// the model emits in place of prose, e.g. { "interrupted" : true }.
func interruptedSentinel(text string) bool {
	if !strings.Contains(text, "interrupted") {
		return false
	}
	var doc struct {
		Interrupted bool `json:"interrupted"`
	}
	return json.Unmarshal([]byte(text), &doc) == nil && doc.Interrupted
}
