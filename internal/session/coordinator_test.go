package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/asr"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/llm"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/tts"
)

// --- scripted backends ---

type fakeASRStream struct {
	mu       sync.Mutex
	received [][]byte
	events   chan asr.TranscriptEvent
}

func (s *fakeASRStream) SendAudio(_ context.Context, pcm []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, pcm)
	return nil
}

func (s *fakeASRStream) Events() <-chan asr.TranscriptEvent { return s.events }
func (s *fakeASRStream) Close() error                       { return nil }

func (s *fakeASRStream) emit(text string, final bool) {
	s.events <- asr.TranscriptEvent{Text: text, Final: final}
}

func (s *fakeASRStream) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

type fakeASR struct {
	mu       sync.Mutex
	failures int
	streams  []*fakeASRStream
}

func (f *fakeASR) OpenStream(context.Context, protocol.AudioFormat, string) (asr.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("recognizer offline")
	}
	st := &fakeASRStream{events: make(chan asr.TranscriptEvent, 16)}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeASR) waitStream(t *testing.T, idx int) *fakeASRStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.streams) > idx {
			st := f.streams[idx]
			f.mu.Unlock()
			return st
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for recognition stream %d", idx)
	return nil
}

type fakeLLM struct {
	mu       sync.Mutex
	failures int
	script   []string
	gate     chan struct{} // when set, Final is held until closed
	calls    int
	requests []llm.Request
}

func (g *fakeLLM) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.requests = append(g.requests, req)
	failures, script, gate := g.failures, g.script, g.gate
	g.mu.Unlock()

	if call <= failures {
		return errors.New("model offline")
	}
	for _, frag := range script {
		if err := consumer(llm.Chunk{SessionID: req.SessionID, TurnID: req.TurnID, Content: frag}); err != nil {
			return err
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return consumer(llm.Chunk{SessionID: req.SessionID, TurnID: req.TurnID, Final: true})
}

func (g *fakeLLM) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeLLM) request(i int) llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

// fakeTTS emits the unit text as its PCM payload so delivery order is
// observable at the client. Behavior knobs are keyed by unit text, never by
// call order: synthesis goroutines race to reach the backend.
type fakeTTS struct {
	mu          sync.Mutex
	calls       int
	failures    int
	delayText   string        // unit text delayed before emitting
	delay       time.Duration
	blockExcept string        // when set, any other unit produces nothing until cancelled
	hold        chan struct{} // when set, streams stay open after one chunk
	requests    []tts.SynthRequest
}

func (f *fakeTTS) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk, 4)
	errs := make(chan error, 1)

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	failures, delayText, delay, blockExcept, hold := f.failures, f.delayText, f.delay, f.blockExcept, f.hold
	f.mu.Unlock()

	go func() {
		defer close(chunks)
		defer close(errs)
		if call <= failures {
			errs <- errors.New("synthesizer offline")
			return
		}
		if blockExcept != "" && req.Text != blockExcept {
			<-ctx.Done()
			return
		}
		if delayText == req.Text && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case chunks <- tts.SynthChunk{UnitID: req.UnitID, PCM: []byte(req.Text), Final: hold == nil}:
		case <-ctx.Done():
			return
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return chunks, errs
}

func (f *fakeTTS) request(i int) tts.SynthRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// --- client and hooks recorders ---

type fakeClient struct {
	mu     sync.Mutex
	audio  [][]byte
	events []protocol.ClientEvent
}

func (c *fakeClient) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeClient) SendEvent(ev protocol.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) audioCopy() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audio))
	copy(out, c.audio)
	return out
}

func (c *fakeClient) waitEvent(t *testing.T, desc string, pred func(protocol.ClientEvent) bool) protocol.ClientEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	seen := 0
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for ; seen < len(c.events); seen++ {
			if pred(c.events[seen]) {
				ev := c.events[seen]
				c.mu.Unlock()
				return ev
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event: %s", desc)
	return protocol.ClientEvent{}
}

func (c *fakeClient) waitAudio(t *testing.T, count int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.audioCopy(); len(got) >= count {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audio chunks, have %d", count, len(c.audioCopy()))
	return nil
}

type recordingHooks struct {
	mu           sync.Mutex
	bargeIns     int
	drops        int
	completed    []TurnTimings
	failedStages []string
}

func (h *recordingHooks) SessionStarted(string)       {}
func (h *recordingHooks) SessionEnded(string, string) {}

func (h *recordingHooks) TurnCompleted(_ string, timings TurnTimings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, timings)
}

func (h *recordingHooks) TurnFailed(_ string, stage string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failedStages = append(h.failedStages, stage)
}

func (h *recordingHooks) BargeIn(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bargeIns++
}

func (h *recordingHooks) BackpressureDrop(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drops++
}

func (h *recordingHooks) completedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed)
}

func (h *recordingHooks) stages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.failedStages))
	copy(out, h.failedStages)
	return out
}

func (h *recordingHooks) bargeInCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bargeIns
}

// --- fixture ---

type fixture struct {
	coordinator *Coordinator
	client      *fakeClient
	asr         *fakeASR
	llm         *fakeLLM
	tts         *fakeTTS
	hooks       *recordingHooks
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.RetryBackoffMS = 10
	cfg.Pipeline.FlushTimeoutMS = 60
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfgrt := config.NewRuntime("", cfg, logger)

	f := &fixture{
		client: &fakeClient{},
		asr:    &fakeASR{},
		llm:    &fakeLLM{script: []string{"Hello there. ", "How are ", "you?"}},
		tts:    &fakeTTS{},
		hooks:  &recordingHooks{},
	}
	params := Params{
		SessionID:     "sess-test",
		Format:        protocol.AudioFormat{SampleRate: 16000, Channels: 1, Encoding: "pcm16"},
		Voice:         "en-US",
		MaxTokens:     64,
		Temperature:   0.7,
		HistoryLimit:  4,
		FrameDuration: 20 * time.Millisecond,
		QueueDepth:    8,
		RingSize:      32,
	}
	backends := Backends{ASR: f.asr, LLM: f.llm, TTS: f.tts}
	f.coordinator = NewCoordinator(context.Background(), params, cfgrt, backends, f.client, f.hooks, logger)
	go f.coordinator.Run()
	t.Cleanup(f.coordinator.Close)
	return f
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, c.State())
}

func waitCompleted(t *testing.T, h *recordingHooks, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.completedCount() >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completed turns", count)
}

// tone builds little-endian 16-bit PCM at a constant amplitude.
func tone(amplitude int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(amplitude))
	}
	return pcm
}

// runTurn drives one user utterance through recognition finality.
func (f *fixture) runTurn(t *testing.T, streamIdx int, text string) {
	t.Helper()
	f.coordinator.SubmitAudio(tone(100, 320))
	st := f.asr.waitStream(t, streamIdx)
	st.emit(text, false)
	st.emit(text, true)
}

// --- scenarios ---

func TestCoordinatorCompletesTurn(t *testing.T) {
	f := newFixture(t, nil)

	f.runTurn(t, 0, "turn on the lights")
	f.client.waitEvent(t, "final transcript", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventTranscript && ev.Final
	})
	f.client.waitEvent(t, "response text final", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventResponseText && ev.Final
	})
	waitCompleted(t, f.hooks, 1)
	waitState(t, f.coordinator, StateIdle)

	audio := f.client.waitAudio(t, 2)
	if string(audio[0]) != "Hello there." || string(audio[1]) != "How are you?" {
		t.Fatalf("unexpected audio order: %q, %q", audio[0], audio[1])
	}

	timings := f.coordinator.Timings()
	if len(timings) != 1 {
		t.Fatalf("expected one recorded turn, got %d", len(timings))
	}
	tt := timings[0]
	if tt.TimeToFinality() <= 0 || tt.TimeToFirstToken() <= 0 || tt.EndToEnd() <= 0 {
		t.Fatalf("expected all stages marked: %+v", tt)
	}
	if tt.TimeToFirstToken() > tt.EndToEnd() {
		t.Fatal("first token must not trail end to end")
	}
}

func TestCoordinatorDeliversSentencesInOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"One.", " Two."}
	f.tts.delayText = "One." // second unit synthesizes first
	f.tts.delay = 80 * time.Millisecond

	f.runTurn(t, 0, "count to two")
	waitCompleted(t, f.hooks, 1)

	audio := f.client.waitAudio(t, 2)
	if string(audio[0]) != "One." || string(audio[1]) != "Two." {
		t.Fatalf("delivery must preserve sentence order, got %q, %q", audio[0], audio[1])
	}
}

func TestCoordinatorFlushTimeoutReleasesPartialSentence(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"No boundary here"}
	f.llm.gate = make(chan struct{})

	f.runTurn(t, 0, "say something")

	// The fragment has no sentence boundary; only the flush timeout can
	// release it while generation is still open.
	audio := f.client.waitAudio(t, 1)
	if string(audio[0]) != "No boundary here" {
		t.Fatalf("expected flushed text synthesized, got %q", audio[0])
	}

	close(f.llm.gate)
	waitCompleted(t, f.hooks, 1)
	waitState(t, f.coordinator, StateIdle)
}

func TestCoordinatorEmptyUtteranceReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)

	f.coordinator.SubmitAudio(tone(100, 320))
	st := f.asr.waitStream(t, 0)
	st.emit("", true)

	waitState(t, f.coordinator, StateIdle)
	if f.llm.callCount() != 0 {
		t.Fatal("empty utterance must not reach generation")
	}
}

func TestCoordinatorFinalityCeilingTruncates(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Session.FinalityTimeoutMS = 100
	})

	f.coordinator.SubmitAudio(tone(100, 320))
	st := f.asr.waitStream(t, 0)
	st.emit("what is the weather", false)
	// No final event: the ceiling seals the utterance with the best partial.

	f.client.waitEvent(t, "truncated final transcript", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventTranscript && ev.Final && ev.Text == "what is the weather"
	})
	waitCompleted(t, f.hooks, 1)
	f.hooks.mu.Lock()
	truncated := f.hooks.completed[0].Truncated
	f.hooks.mu.Unlock()
	if !truncated {
		t.Fatal("expected truncated timings")
	}
}

func TestCoordinatorGenerationRetrySucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.failures = 1

	f.runTurn(t, 0, "retry me")
	waitCompleted(t, f.hooks, 1)
	if f.llm.callCount() != 2 {
		t.Fatalf("expected one retry, got %d calls", f.llm.callCount())
	}
}

func TestCoordinatorGenerationFailureAbortsTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.failures = 2 // both attempts fail

	f.runTurn(t, 0, "fail me")
	f.client.waitEvent(t, "turn_failed status", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventStatus && ev.Reason == protocol.ReasonTurnFailed
	})
	waitState(t, f.coordinator, StateIdle)

	if stages := f.hooks.stages(); len(stages) != 1 || stages[0] != "generation" {
		t.Fatalf("expected generation failure recorded, got %v", stages)
	}
	if f.hooks.completedCount() != 0 {
		t.Fatal("failed turn must not record completion")
	}
}

func TestCoordinatorSynthesisFailureAbortsTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"Only sentence."}
	f.tts.failures = 2

	f.runTurn(t, 0, "speak up")
	f.client.waitEvent(t, "turn_failed status", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventStatus && ev.Reason == protocol.ReasonTurnFailed
	})
	if stages := f.hooks.stages(); len(stages) != 1 || stages[0] != "synthesis" {
		t.Fatalf("expected synthesis failure recorded, got %v", stages)
	}
}

func TestCoordinatorBargeInCancelsTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"This is a long answer."}
	f.tts.hold = make(chan struct{})
	defer close(f.tts.hold)

	f.runTurn(t, 0, "tell me a story")
	waitState(t, f.coordinator, StateSpeaking)

	// Sustained loud input: 20ms frames against a 200ms debounce window.
	for i := 0; i < 12; i++ {
		f.coordinator.SubmitAudio(tone(3000, 320))
		time.Sleep(5 * time.Millisecond)
	}

	f.client.waitEvent(t, "barge-in status", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventStatus && ev.Reason == protocol.ReasonBargeIn
	})
	waitState(t, f.coordinator, StateListening)
	if f.hooks.bargeInCount() != 1 {
		t.Fatalf("expected one barge-in, got %d", f.hooks.bargeInCount())
	}
	if f.hooks.completedCount() != 0 {
		t.Fatal("interrupted turn must not record completion")
	}

	// The buffered interrupting speech is replayed into the new utterance.
	st := f.asr.waitStream(t, 1)
	deadline := time.Now().Add(2 * time.Second)
	for st.receivedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st.receivedCount() == 0 {
		t.Fatal("expected candidate audio replayed into the new stream")
	}
}

func TestCoordinatorBargeInSkipsQueuedUnits(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"One. ", "Two. ", "Three."}
	f.tts.blockExcept = "One." // units two and three never finish synthesizing

	f.runTurn(t, 0, "count to three")

	// Unit one is delivered in full while the later units are still pending.
	audio := f.client.waitAudio(t, 1)
	if string(audio[0]) != "One." {
		t.Fatalf("expected first sentence delivered, got %q", audio[0])
	}
	waitState(t, f.coordinator, StateSpeaking)

	f.coordinator.RequestCancel()
	f.client.waitEvent(t, "barge-in status", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventStatus && ev.Reason == protocol.ReasonBargeIn
	})
	waitState(t, f.coordinator, StateListening)

	// Delivered audio stands; the cancelled units never reach the client.
	time.Sleep(50 * time.Millisecond)
	audio = f.client.audioCopy()
	if len(audio) != 1 || string(audio[0]) != "One." {
		t.Fatalf("expected exactly the first sentence, got %d chunks", len(audio))
	}
	if f.hooks.completedCount() != 0 {
		t.Fatal("interrupted turn must not record completion")
	}
}

func TestCoordinatorQuietAudioDoesNotInterrupt(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"Still talking."}
	f.tts.hold = make(chan struct{})

	f.runTurn(t, 0, "keep going")
	waitState(t, f.coordinator, StateSpeaking)

	for i := 0; i < 12; i++ {
		f.coordinator.SubmitAudio(tone(50, 320)) // below the energy threshold
		time.Sleep(5 * time.Millisecond)
	}
	if f.hooks.bargeInCount() != 0 {
		t.Fatal("quiet audio must not trigger barge-in")
	}
	if f.coordinator.State() != StateSpeaking {
		t.Fatalf("expected speaking, got %s", f.coordinator.State())
	}

	close(f.tts.hold)
	waitCompleted(t, f.hooks, 1)
}

func TestCoordinatorClientCancelBypassesDebounce(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"A very long answer indeed."}
	f.tts.hold = make(chan struct{})
	defer close(f.tts.hold)

	f.runTurn(t, 0, "cancel me")
	waitState(t, f.coordinator, StateSpeaking)

	f.coordinator.RequestCancel()
	f.client.waitEvent(t, "barge-in status", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventStatus && ev.Reason == protocol.ReasonBargeIn
	})
	waitState(t, f.coordinator, StateListening)
	if f.hooks.bargeInCount() != 1 {
		t.Fatalf("expected one barge-in, got %d", f.hooks.bargeInCount())
	}
}

func TestCoordinatorCancelOutsideTurnIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	f.coordinator.RequestCancel()
	f.client.waitEvent(t, "cancel rejection", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventError
	})
	if f.coordinator.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.coordinator.State())
	}
}

func TestCoordinatorHistoryFlowsIntoNextTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"Sure thing."}

	f.runTurn(t, 0, "first question")
	waitCompleted(t, f.hooks, 1)

	f.runTurn(t, 1, "second question")
	waitCompleted(t, f.hooks, 2)

	second := f.llm.request(1)
	if len(second.History) != 2 {
		t.Fatalf("expected prior exchange in history, got %d entries", len(second.History))
	}
	if second.History[0].Role != "user" || second.History[0].Content != "first question" {
		t.Fatalf("unexpected history head: %+v", second.History[0])
	}
	if second.History[1].Role != "assistant" || second.History[1].Content != "Sure thing." {
		t.Fatalf("unexpected history tail: %+v", second.History[1])
	}
}

func TestCoordinatorClearHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"Noted."}

	f.runTurn(t, 0, "remember this")
	waitCompleted(t, f.hooks, 1)

	f.coordinator.ClearHistory()
	f.client.waitEvent(t, "history cleared", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventHistoryCleared
	})

	f.runTurn(t, 1, "what did I say")
	waitCompleted(t, f.hooks, 2)
	if got := len(f.llm.request(1).History); got != 0 {
		t.Fatalf("expected empty history after clear, got %d entries", got)
	}
}

func TestCoordinatorChangeLanguage(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.script = []string{"Namaste."}

	f.coordinator.ChangeLanguage("hi")
	f.client.waitEvent(t, "language changed", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventLanguageChanged && ev.Language == "hi"
	})

	f.runTurn(t, 0, "greet me")
	waitCompleted(t, f.hooks, 1)
	if got := f.tts.request(0).Language; got != "hi" {
		t.Fatalf("expected synthesis in hi, got %q", got)
	}

	f.coordinator.ChangeLanguage("")
	f.client.waitEvent(t, "empty language rejection", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventError
	})
}

func TestCoordinatorRecognizerUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.failures = 2 // first open plus its retry

	f.coordinator.SubmitAudio(tone(100, 320))
	f.client.waitEvent(t, "service unavailable status", func(ev protocol.ClientEvent) bool {
		return ev.Type == protocol.ClientEventStatus && ev.Reason == protocol.ReasonServiceUnavailable
	})
	waitState(t, f.coordinator, StateIdle)
}
