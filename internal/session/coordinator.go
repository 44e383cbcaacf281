package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/loqalabs/loqa-gateway/internal/asr"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/interrupt"
	"github.com/loqalabs/loqa-gateway/internal/llm"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/tts"
)

var errTurnCancelled = errors.New("turn cancelled")

// Backends bundles the three streaming engines the pipeline consumes.
type Backends struct {
	ASR asr.Recognizer
	LLM llm.Generator
	TTS tts.Synthesizer
}

// Params are the per-session construction inputs for a Coordinator.
type Params struct {
	SessionID     string
	Format        protocol.AudioFormat
	Voice         string
	MaxTokens     int
	Temperature   float64
	HistoryLimit  int
	FrameDuration time.Duration
	QueueDepth    int
	RingSize      int
}

type controlKind int

const (
	ctrlCancel controlKind = iota
	ctrlClearHistory
	ctrlChangeLanguage
)

type controlMsg struct {
	kind  controlKind
	value string
}

type turnEventKind int

const (
	turnFirstAudio turnEventKind = iota
	turnDone
	turnFailed
)

type turnEvent struct {
	turn  *GenerationTurn
	kind  turnEventKind
	stage string
	err   error
}

// Coordinator drives one session's utterance -> generation -> synthesis
// chain. All session state (machine, utterance, turn) is owned by the event
// loop goroutine; other goroutines communicate through bounded channels.
type Coordinator struct {
	params   Params
	cfg      *config.Runtime
	logger   *slog.Logger
	client   ClientStream
	hooks    Hooks
	backends Backends

	machine  *Machine
	recorder *Recorder
	detector *interrupt.Detector

	ring       *audioRing
	control    chan controlMsg
	genFrags   chan llm.Chunk
	turnEvents chan turnEvent

	asrStream asr.Stream
	asrEvents <-chan asr.TranscriptEvent
	utterance *Utterance
	turn      *GenerationTurn
	splitter  *SentenceSplitter
	history   []protocol.HistoryTurn
	language  string

	sideBuffer [][]byte

	finalityTimer *time.Timer
	flushTimer    *time.Timer
	cancelTimer   *time.Timer

	stateMirror atomic.Int32
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	done        chan struct{}
}

func NewCoordinator(parent context.Context, params Params, cfgrt *config.Runtime, backends Backends, client ClientStream, hooks Hooks, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	t := cfgrt.Tunables()
	c := &Coordinator{
		params:     params,
		cfg:        cfgrt,
		logger:     logger.With(slog.String("component", "coordinator"), slog.String("session_id", params.SessionID)),
		client:     client,
		hooks:      hooks,
		backends:   backends,
		machine:    NewMachine(),
		recorder:   NewRecorder(0),
		detector:   interrupt.NewDetector(t.EnergyThreshold, t.DebounceWindow, params.FrameDuration),
		ring:       newAudioRing(params.RingSize),
		control:    make(chan controlMsg, 8),
		genFrags:   make(chan llm.Chunk, params.QueueDepth),
		turnEvents: make(chan turnEvent, params.QueueDepth),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	c.finalityTimer = newStoppedTimer()
	c.flushTimer = newStoppedTimer()
	c.cancelTimer = newStoppedTimer()
	return c
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// SubmitAudio hands a client audio chunk to the pipeline. It never blocks;
// when the ring is full the oldest unconsumed chunk is dropped and counted
// as a backpressure event.
func (c *Coordinator) SubmitAudio(pcm []byte) {
	if c.ring.Push(pcm) {
		c.hooks.BackpressureDrop(c.params.SessionID)
		c.logger.Warn("audio ring full, dropped oldest chunk")
	}
}

// RequestCancel relays a client-initiated barge-in request.
func (c *Coordinator) RequestCancel() {
	select {
	case c.control <- controlMsg{kind: ctrlCancel}:
	default:
	}
}

// ClearHistory drops the prior-turns context.
func (c *Coordinator) ClearHistory() {
	select {
	case c.control <- controlMsg{kind: ctrlClearHistory}:
	default:
	}
}

// ChangeLanguage switches the synthesis language for subsequent turns.
func (c *Coordinator) ChangeLanguage(language string) {
	select {
	case c.control <- controlMsg{kind: ctrlChangeLanguage, value: language}:
	default:
	}
}

// State reports the current turn-taking state without touching the loop.
func (c *Coordinator) State() State {
	return State(c.stateMirror.Load())
}

// Drainable reports whether the session is safe to close during shutdown:
// idle with no buffered audio.
func (c *Coordinator) Drainable() bool {
	return c.State() == StateIdle && !c.ring.Pending()
}

// Timings exposes the latency recorder for concurrent readers.
func (c *Coordinator) Timings() []TurnTimings {
	return c.recorder.Snapshot()
}

// Done is closed once the event loop has exited, whether through Close or a
// cancelled parent context. Transports watch it to release their read loops.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close tears the pipeline down and waits for workers to exit.
func (c *Coordinator) Close() {
	c.cancel()
	<-c.done
	c.wg.Wait()
}

// Run executes the event loop until the context is cancelled.
func (c *Coordinator) Run() {
	defer close(c.done)
	defer c.teardown()
	for {
		select {
		case <-c.ctx.Done():
			return
		case pcm := <-c.ring.Chan():
			c.handleAudio(pcm)
		case ev, ok := <-c.asrEvents:
			c.handleTranscript(ev, ok)
		case frag := <-c.genFrags:
			c.handleFragment(frag)
		case tev := <-c.turnEvents:
			c.handleTurnEvent(tev)
		case cm := <-c.control:
			c.handleControl(cm)
		case <-c.finalityTimer.C:
			c.handleFinalityTimeout()
		case <-c.flushTimer.C:
			c.handleFlushTimeout()
		case <-c.cancelTimer.C:
			c.handleDeferredCancel()
		}
	}
}

func (c *Coordinator) teardown() {
	if c.turn != nil {
		c.turn.Token.Cancel()
		c.closeTurnQueue(c.turn)
		c.recorder.AbandonTurn()
		c.turn = nil
	}
	c.closeASRStream()
	c.setState(StateIdle)
}

func (c *Coordinator) setState(to State) {
	if err := c.machine.Transition(to); err != nil {
		// Loop logic guarantees legality; a failure here is a bug worth
		// surfacing loudly in logs rather than panicking mid-session.
		c.logger.Error("state transition rejected", slog.String("error", err.Error()))
		return
	}
	c.stateMirror.Store(int32(to))
}

func (c *Coordinator) sendEvent(ev protocol.ClientEvent) {
	ev.SessionID = c.params.SessionID
	if err := c.client.SendEvent(ev); err != nil {
		c.logger.Warn("failed to send client event", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) sendStatus(state State, reason string) {
	c.sendEvent(protocol.ClientEvent{
		Type:   protocol.ClientEventStatus,
		State:  state.String(),
		Reason: reason,
	})
}

// --- audio intake ---

func (c *Coordinator) handleAudio(pcm []byte) {
	t := c.cfg.Tunables()
	switch c.machine.State() {
	case StateIdle:
		c.openUtterance(nil, "")
		c.forwardAudio(pcm, false)
	case StateListening:
		c.forwardAudio(pcm, false)
	case StateProcessing, StateSpeaking:
		if !t.BargeInEnabled {
			return
		}
		c.bufferCandidate(pcm)
		c.detector.Retune(t.EnergyThreshold, t.DebounceWindow)
		if c.detector.Observe(pcm) {
			c.interrupt()
		}
	}
}

// bufferCandidate keeps audio received during PROCESSING/SPEAKING so a
// confirmed barge-in does not lose the start of the interrupting speech.
func (c *Coordinator) bufferCandidate(pcm []byte) {
	if len(c.sideBuffer) >= c.params.RingSize {
		c.sideBuffer = c.sideBuffer[1:]
	}
	c.sideBuffer = append(c.sideBuffer, pcm)
}

// openUtterance enters LISTENING and opens a fresh recognition stream. seed
// carries buffered candidate audio replayed after a confirmed barge-in so the
// interrupting speech is not lost.
func (c *Coordinator) openUtterance(seed [][]byte, reason string) {
	now := time.Now()
	c.utterance = NewUtterance(uuid.NewString(), now)
	c.recorder.BeginTurn(c.utterance.ID, now)
	c.setState(StateListening)

	stream, err := c.openASRStream()
	if err != nil {
		c.logger.Error("failed to open recognition stream", slog.String("error", err.Error()))
		c.recorder.AbandonTurn()
		c.utterance = nil
		c.setState(StateIdle)
		c.sendStatus(StateIdle, protocol.ReasonServiceUnavailable)
		return
	}
	c.asrStream = stream
	c.asrEvents = stream.Events()
	resetTimer(c.finalityTimer, c.cfg.Tunables().FinalityTimeout)
	c.sendStatus(StateListening, reason)

	for _, pcm := range seed {
		c.forwardAudio(pcm, false)
	}
}

func (c *Coordinator) openASRStream() (asr.Stream, error) {
	t := c.cfg.Tunables()
	return backoff.Retry(c.ctx, func() (asr.Stream, error) {
		return c.backends.ASR.OpenStream(c.ctx, c.params.Format, c.params.SessionID)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(t.RetryBackoff)), backoff.WithMaxTries(2))
}

func (c *Coordinator) closeASRStream() {
	if c.asrStream != nil {
		_ = c.asrStream.Close()
		c.asrStream = nil
		c.asrEvents = nil
	}
	stopTimer(c.finalityTimer)
}

func (c *Coordinator) forwardAudio(pcm []byte, final bool) {
	if c.asrStream == nil {
		return
	}
	if err := c.asrStream.SendAudio(c.ctx, pcm, final); err != nil {
		c.logger.Warn("failed to forward audio frame", slog.String("error", err.Error()))
	}
}

// --- recognition ---

func (c *Coordinator) handleTranscript(ev asr.TranscriptEvent, ok bool) {
	if !ok {
		c.asrEvents = nil
		return
	}
	if c.utterance == nil || c.utterance.Sealed() {
		return
	}
	now := time.Now()
	if !ev.Final {
		c.utterance.AddPartial(ev.Text)
		c.recorder.MarkFirstPartial(now)
		c.sendEvent(protocol.ClientEvent{Type: protocol.ClientEventTranscript, Text: ev.Text})
		return
	}
	c.sealUtterance(ev.Text, now, false)
}

func (c *Coordinator) handleFinalityTimeout() {
	if c.machine.State() != StateListening || c.utterance == nil || c.utterance.Sealed() {
		return
	}
	c.logger.Warn("recognition finality ceiling reached, truncating utterance")
	c.sealUtterance("", time.Now(), true)
}

func (c *Coordinator) sealUtterance(finalText string, now time.Time, truncated bool) {
	utt := c.utterance
	if truncated {
		utt.SealTruncated(now)
	} else {
		utt.Seal(finalText, now)
	}
	c.closeASRStream()

	prompt := utt.Text()
	if prompt == "" {
		c.recorder.AbandonTurn()
		c.utterance = nil
		c.setState(StateIdle)
		c.sendStatus(StateIdle, "")
		return
	}

	c.recorder.MarkFinality(now, truncated)
	c.setState(StateProcessing)
	c.sendEvent(protocol.ClientEvent{Type: protocol.ClientEventTranscript, Text: prompt, Final: true})
	c.sendStatus(StateProcessing, "")
	c.startGeneration(utt, prompt)
}

// --- generation ---

func (c *Coordinator) startGeneration(utt *Utterance, prompt string) {
	turn := newGenerationTurn(utt.ID, utt, c.params.QueueDepth)
	c.turn = turn
	c.splitter = &SentenceSplitter{}

	history := make([]protocol.HistoryTurn, len(c.history))
	copy(history, c.history)
	req := llm.Request{
		SessionID:   c.params.SessionID,
		TurnID:      turn.ID,
		Prompt:      prompt,
		History:     history,
		MaxTokens:   c.params.MaxTokens,
		Temperature: c.params.Temperature,
	}

	c.wg.Add(2)
	go c.runGeneration(turn, req)
	go c.runDelivery(turn)
}

func (c *Coordinator) runGeneration(turn *GenerationTurn, req llm.Request) {
	defer c.wg.Done()
	t := c.cfg.Tunables()

	var emitted bool
	attempt := func() (struct{}, error) {
		ctx, cancelCtx := context.WithTimeout(c.ctx, t.GenerationDeadline)
		defer cancelCtx()
		stop := cancelOnToken(ctx, cancelCtx, turn.Token)
		defer stop()

		err := c.backends.LLM.Generate(ctx, req, func(chunk llm.Chunk) error {
			select {
			case c.genFrags <- chunk:
				emitted = true
				return nil
			case <-turn.Token.Done():
				return errTurnCancelled
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, errTurnCancelled) || turn.Token.Cancelled() {
			return struct{}{}, backoff.Permanent(err)
		}
		// A failure after fragments were already relayed cannot be retried
		// without duplicating speech; abort the turn instead.
		if emitted {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(c.ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(t.RetryBackoff)),
		backoff.WithMaxTries(2))
	if err == nil || errors.Is(err, errTurnCancelled) || turn.Token.Cancelled() {
		return
	}
	c.logger.Warn("generation failed", slog.String("error", err.Error()))
	c.emitTurnEvent(turnEvent{turn: turn, kind: turnFailed, stage: "generation", err: err})
}

func cancelOnToken(ctx context.Context, cancel context.CancelFunc, token *interrupt.Token) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (c *Coordinator) handleFragment(frag llm.Chunk) {
	turn := c.turn
	if turn == nil || frag.TurnID != turn.ID || turn.Token.Cancelled() {
		return // results for a stale or cancelled token drain silently
	}
	now := time.Now()
	if frag.Content != "" {
		c.recorder.MarkFirstToken(now)
		turn.AppendText(frag.Content)
		c.sendEvent(protocol.ClientEvent{Type: protocol.ClientEventResponseText, Text: frag.Content})
		for _, sentence := range c.splitter.Add(frag.Content) {
			c.enqueueUnit(turn, sentence)
		}
		if c.splitter.Pending() {
			resetTimer(c.flushTimer, c.cfg.Tunables().FlushTimeout)
		} else {
			stopTimer(c.flushTimer)
		}
	}
	if frag.Final {
		stopTimer(c.flushTimer)
		if rest := c.splitter.Flush(); rest != "" {
			c.enqueueUnit(turn, rest)
		}
		c.closeTurnQueue(turn)
		c.sendEvent(protocol.ClientEvent{Type: protocol.ClientEventResponseText, Final: true})
	}
}

func (c *Coordinator) handleFlushTimeout() {
	turn := c.turn
	if turn == nil || turn.Token.Cancelled() || turn.genDone || c.splitter == nil {
		return
	}
	if rest := c.splitter.Flush(); rest != "" {
		c.enqueueUnit(turn, rest)
	}
}

// --- synthesis and delivery ---

func (c *Coordinator) enqueueUnit(turn *GenerationTurn, text string) {
	if turn.genDone {
		return
	}
	unit := newSynthesisUnit(uuid.NewString(), turn, text, c.language, c.params.QueueDepth)
	turn.unitCount++
	c.wg.Add(1)
	go c.runSynthesis(unit)
	select {
	case turn.unitQueue <- unit:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) closeTurnQueue(turn *GenerationTurn) {
	if !turn.genDone {
		turn.genDone = true
		close(turn.unitQueue)
	}
}

func (c *Coordinator) runSynthesis(unit *SynthesisUnit) {
	defer c.wg.Done()
	defer close(unit.audio)
	t := c.cfg.Tunables()

	var forwarded bool
	attempt := func() (struct{}, error) {
		ctx, cancelCtx := context.WithTimeout(c.ctx, t.SynthesisDeadline)
		defer cancelCtx()
		stop := cancelOnToken(ctx, cancelCtx, unit.Token)
		defer stop()

		chunks, errs := c.backends.TTS.Synthesize(ctx, tts.SynthRequest{
			SessionID:  c.params.SessionID,
			UnitID:     unit.ID,
			Text:       unit.Text,
			Voice:      c.params.Voice,
			Language:   unit.Language,
			SampleRate: c.params.Format.SampleRate,
		})
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return struct{}{}, nil
				}
				select {
				case unit.audio <- chunk:
					forwarded = true
				case <-unit.Token.Done():
					return struct{}{}, backoff.Permanent(errTurnCancelled)
				case <-c.ctx.Done():
					return struct{}{}, backoff.Permanent(c.ctx.Err())
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err == nil {
					continue
				}
				if unit.Token.Cancelled() || forwarded {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			case <-unit.Token.Done():
				return struct{}{}, backoff.Permanent(errTurnCancelled)
			}
		}
	}

	_, err := backoff.Retry(c.ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(t.RetryBackoff)),
		backoff.WithMaxTries(2))
	if err != nil && !errors.Is(err, errTurnCancelled) && !unit.Token.Cancelled() {
		c.logger.Warn("synthesis failed", slog.String("unit_id", unit.ID), slog.String("error", err.Error()))
		unit.err <- err
	}
}

// runDelivery serializes client-facing audio in sentence order: unit i is
// fully delivered (or cancelled) before unit i+1 begins, even though
// synthesis runs concurrently across units.
func (c *Coordinator) runDelivery(turn *GenerationTurn) {
	defer c.wg.Done()
	first := false
	for unit := range turn.unitQueue {
		if err := c.deliverUnit(turn, unit, &first); err != nil {
			c.emitTurnEvent(turnEvent{turn: turn, kind: turnFailed, stage: "synthesis", err: err})
			return
		}
	}
	c.emitTurnEvent(turnEvent{turn: turn, kind: turnDone})
}

func (c *Coordinator) deliverUnit(turn *GenerationTurn, unit *SynthesisUnit, first *bool) error {
	for {
		select {
		case chunk, ok := <-unit.audio:
			if !ok {
				select {
				case err := <-unit.err:
					return err
				default:
					return nil
				}
			}
			if turn.Token.Cancelled() {
				continue // drain without delivering
			}
			if !*first {
				*first = true
				c.emitTurnEvent(turnEvent{turn: turn, kind: turnFirstAudio})
			}
			if err := c.client.SendAudio(chunk.PCM); err != nil {
				c.logger.Warn("failed to deliver audio chunk", slog.String("error", err.Error()))
			}
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) emitTurnEvent(tev turnEvent) {
	select {
	case c.turnEvents <- tev:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) handleTurnEvent(tev turnEvent) {
	if tev.turn != c.turn {
		return // stale turn, already cancelled or completed
	}
	now := time.Now()
	switch tev.kind {
	case turnFirstAudio:
		if c.machine.State() == StateProcessing {
			c.recorder.MarkFirstSynthAudio(now)
			c.setState(StateSpeaking)
			c.sendStatus(StateSpeaking, "")
		}
	case turnDone:
		c.completeTurn(now)
	case turnFailed:
		c.failTurn(tev.stage)
	}
}

func (c *Coordinator) completeTurn(now time.Time) {
	turn := c.turn
	timings, ok := c.recorder.CompleteTurn(now)
	if ok {
		c.hooks.TurnCompleted(c.params.SessionID, timings)
	}
	c.appendHistory(turn.Utterance.Text(), turn.Text())
	c.turn = nil
	c.utterance = nil
	c.sideBuffer = nil
	c.detector.Reset()
	c.setState(StateIdle)
	c.sendStatus(StateIdle, "")
}

func (c *Coordinator) failTurn(stage string) {
	turn := c.turn
	turn.Token.Cancel()
	c.closeTurnQueue(turn)
	c.recorder.AbandonTurn()
	c.hooks.TurnFailed(c.params.SessionID, stage)
	c.turn = nil
	c.utterance = nil
	c.sideBuffer = nil
	c.detector.Reset()
	c.setState(StateIdle)
	c.sendStatus(StateIdle, protocol.ReasonTurnFailed)
}

// --- interruption ---

func (c *Coordinator) interrupt() {
	if turn := c.turn; turn != nil {
		turn.Token.Cancel()
		c.closeTurnQueue(turn)
		c.recorder.AbandonTurn()
		c.turn = nil
	}
	c.hooks.BargeIn(c.params.SessionID)
	c.detector.Reset()
	stopTimer(c.cancelTimer)
	stopTimer(c.flushTimer)

	seed := c.sideBuffer
	c.sideBuffer = nil
	c.openUtterance(seed, protocol.ReasonBargeIn)
}

func (c *Coordinator) handleControl(cm controlMsg) {
	switch cm.kind {
	case ctrlCancel:
		st := c.machine.State()
		if st != StateProcessing && st != StateSpeaking {
			c.sendEvent(protocol.ClientEvent{
				Type:    protocol.ClientEventError,
				Message: "no assistant turn in progress to cancel",
			})
			return
		}
		t := c.cfg.Tunables()
		if !t.BargeInEnabled || t.ClientCancelBypassesDebounce {
			c.interrupt()
			return
		}
		resetTimer(c.cancelTimer, t.DebounceWindow)
	case ctrlClearHistory:
		c.history = nil
		c.sendEvent(protocol.ClientEvent{Type: protocol.ClientEventHistoryCleared})
	case ctrlChangeLanguage:
		if cm.value == "" {
			c.sendEvent(protocol.ClientEvent{
				Type:    protocol.ClientEventError,
				Message: "language must not be empty",
			})
			return
		}
		c.language = cm.value
		c.logger.Info("synthesis language changed", slog.String("language", cm.value))
		c.sendEvent(protocol.ClientEvent{Type: protocol.ClientEventLanguageChanged, Language: cm.value})
	}
}

// handleDeferredCancel fires when a client cancel was subject to the debounce
// window. The cancel still applies if the assistant is still holding the turn.
func (c *Coordinator) handleDeferredCancel() {
	st := c.machine.State()
	if st == StateProcessing || st == StateSpeaking {
		c.interrupt()
	}
}

func (c *Coordinator) appendHistory(user, assistant string) {
	if c.params.HistoryLimit == 0 {
		return
	}
	c.history = append(c.history,
		protocol.HistoryTurn{Role: "user", Content: user},
		protocol.HistoryTurn{Role: "assistant", Content: assistant},
	)
	if limit := c.params.HistoryLimit * 2; len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
}
