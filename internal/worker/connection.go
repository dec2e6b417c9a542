// Package worker runs upstream sessions with the master: one Connection
// per session, driven by a Worker that redials the master forever.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-worker/internal/audio"
	"github.com/lexiqai/speech-worker/internal/decoder"
	"github.com/lexiqai/speech-worker/internal/engine"
	"github.com/lexiqai/speech-worker/internal/events"
	"github.com/lexiqai/speech-worker/internal/observability"
	"github.com/lexiqai/speech-worker/internal/postproc"
	"github.com/lexiqai/speech-worker/internal/protocol"
)

// Transport is the upstream connection to the master. *websocket.Conn
// satisfies it. WriteControl may be called concurrently with WriteMessage.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// TransportError wraps a failed read or write on the upstream connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeouts bound each phase of a session.
type Timeouts struct {
	// Silence is the longest gap without decoder progress.
	Silence time.Duration
	// Frontend is the longest a request may run after its init message.
	Frontend time.Duration
	// Decoder is how long a cancelled decoder gets to settle.
	Decoder time.Duration
	// Poll is the supervisor tick.
	Poll time.Duration
}

// DefaultTimeouts returns silence 5s, frontend 60s, decoder 10s, poll 1s.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Silence:  5 * time.Second,
		Frontend: 60 * time.Second,
		Decoder:  10 * time.Second,
		Poll:     time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Silence <= 0 {
		t.Silence = d.Silence
	}
	if t.Frontend <= 0 {
		t.Frontend = d.Frontend
	}
	if t.Decoder <= 0 {
		t.Decoder = d.Decoder
	}
	if t.Poll <= 0 {
		t.Poll = d.Poll
	}
	return t
}

// Publisher receives every final transcript sent to the master.
type Publisher interface {
	PublishFinal(ctx context.Context, ev events.Transcript) error
}

// Options configure a connection. Filters and Publisher are optional and
// may be shared by all connections of a process.
type Options struct {
	Timeouts   Timeouts
	Geometry   audio.Geometry
	Filter     *postproc.Filter
	FullFilter *postproc.FullFilter
	Publisher  Publisher
}

// Connection is one session with the master. It is the decoder's observer.
type Connection struct {
	transport Transport
	session   *decoder.Session
	opts      Options
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics
	inflight  *InFlight

	ctx        context.Context
	cancel     context.CancelFunc
	ctrlCtx    context.Context
	stepCtx    context.Context
	stepCancel context.CancelFunc
	wg         sync.WaitGroup

	sendMu    sync.Mutex
	relayMu   sync.Mutex
	finishMu  sync.Mutex
	closeOnce sync.Once

	mu               sync.Mutex
	state            State
	requestID        string
	userID           string
	contentType      string
	firstConnectedAt time.Time
	lastProgressAt   time.Time
	segment          int
	lastPartial      string
	partialSeq       uint64
	sentSeq          uint64
	outcome          string
}

// NewConnection creates a connection in state CREATED with its own
// decoding session on eng.
func NewConnection(transport Transport, eng engine.Engine, opts Options, logger zerolog.Logger) (*Connection, error) {
	opts.Timeouts = opts.Timeouts.withDefaults()
	c := &Connection{
		transport: transport,
		opts:      opts,
		logger:    logger.With().Str("component", "connection").Logger(),
		inflight:  NewInFlight(),
		state:     StateCreated,
	}
	session, err := decoder.NewSession(eng, opts.Geometry, c, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoding session: %w", err)
	}
	c.session = session
	return c, nil
}

// Serve runs the session until the master disconnects, a supervisor gives
// up, the request completes or ctx is cancelled. It returns once every
// goroutine of the session has exited.
func (c *Connection) Serve(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.ctrlCtx = context.WithoutCancel(ctx)
	c.stepCtx, c.stepCancel = context.WithCancel(c.ctx)
	c.metrics = observability.NewSessionMetrics()
	defer func() {
		c.metrics.RecordEnd(c.Outcome())
	}()

	c.mu.Lock()
	c.state = StateConnected
	c.lastProgressAt = time.Now()
	c.mu.Unlock()
	c.logger.Info().Msg("Connected to master")

	c.startSupervisor(silenceSupervisor)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		c.closeTransport()
	}()

	frames := newInbox()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(frames)
	}()
	c.decodeLoop(frames)

	c.finishRequest()
	c.closeTransport()
	c.cancel()
	c.stepCancel()
	c.wg.Wait()

	c.logger.Info().Str("outcome", c.Outcome()).Msg("Session ended")
}

// readLoop feeds frames to the decode loop. A failed read terminates the
// request at once, even while a step is still running.
func (c *Connection) readLoop(frames *inbox) {
	defer frames.close()
	for {
		mt, data, err := c.transport.ReadMessage()
		if err != nil {
			if st := c.State(); st == StateCancelling || st == StateFinished {
				return
			}
			terr := &TransportError{Op: "read", Err: err}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(terr).Msg("Master connection lost")
			} else {
				c.logger.Info().Err(terr).Msg("Master closed the connection")
			}
			c.setOutcome("disconnected")
			frames.close()
			c.finishRequest()
			c.closeTransport()
			return
		}
		frames.push(inbound{mt: mt, data: data})
	}
}

func (c *Connection) decodeLoop(frames *inbox) {
	for {
		m, ok := frames.pop()
		if !ok {
			return
		}
		c.handleMessage(m.mt, m.data)
	}
}

func (c *Connection) handleMessage(mt int, data []byte) {
	state := c.State()
	if !state.acceptsInput() {
		c.logger.Debug().
			Str("state", state.String()).
			Int("bytes", len(data)).
			Msg("Ignoring message")
		return
	}

	switch mt {
	case websocket.TextMessage:
		c.handleText(state, data)
	case websocket.BinaryMessage:
		c.handleAudio(state, data)
	}
}

func (c *Connection) handleText(state State, data []byte) {
	if state == StateConnected {
		c.handleInit(data)
		return
	}
	if string(data) == protocol.EOS {
		c.handleEOS()
		return
	}

	ev := c.logger.Info()
	if json.Valid(data) {
		ev = ev.RawJSON("message", data)
	} else {
		ev = ev.Str("message", string(data))
	}
	ev.Msg("Ignoring text message")
}

func (c *Connection) handleInit(data []byte) {
	in, err := protocol.ParseInit(data)
	if err != nil {
		c.logger.Error().Err(err).Msg("Invalid init message, terminating session")
		c.metrics.RecordError("invalid_init", "connection")
		c.setOutcome("invalid_init")
		c.finishRequest()
		c.closeTransport()
		return
	}

	if err := c.session.InitRequest(c.ctrlCtx, in.ID, in.UserID); err != nil {
		c.logger.Error().Err(err).Str("request_id", in.ID).Msg("Failed to initialize request")
		c.metrics.RecordError("init_failed", "engine")
		c.setOutcome("error")
		_ = c.send(protocol.Event{Status: protocol.StatusNotAvailable, Message: err.Error()})
		c.finishRequest()
		c.closeTransport()
		return
	}
	c.session.SetPrompt(in.Prompt)
	c.session.SetPronsLength(in.PronsLength)

	now := time.Now()
	c.mu.Lock()
	c.requestID = in.ID
	c.userID = in.UserID
	c.contentType = in.ContentType
	c.firstConnectedAt = now
	c.lastProgressAt = now
	c.segment = 0
	c.lastPartial = ""
	c.mu.Unlock()

	if !c.advance(StateInitialized, StateConnected) {
		return
	}
	c.logger.Info().
		Str("request_id", in.ID).
		Str("user_id", in.UserID).
		Str("content_type", in.ContentType).
		Msg("Request initialized")

	c.startSupervisor(frontendSupervisor)
}

func (c *Connection) handleAudio(state State, data []byte) {
	if state == StateConnected {
		c.logger.Warn().Int("bytes", len(data)).Msg("Audio received before init, ignoring")
		return
	}
	if !c.advance(StateProcessing, StateInitialized, StateProcessing) {
		return
	}

	c.session.ProcessData(data)
	// Failures reach the master through OnError.
	_ = c.session.Step(c.stepCtx, false)
}

func (c *Connection) handleEOS() {
	if !c.advance(StateEOSReceived, StateInitialized, StateProcessing) {
		return
	}
	c.logger.Info().Str("request_id", c.RequestID()).Msg("End of stream received")

	if err := c.session.Step(c.stepCtx, true); err != nil {
		return
	}
	c.session.EndRequest()
}

// OnPartial relays a partial result without waiting for it.
func (c *Connection) OnPartial(text string) {
	c.mu.Lock()
	c.lastProgressAt = time.Now()
	c.partialSeq++
	seq := c.partialSeq
	c.mu.Unlock()

	c.dispatch(func() { c.relayPartial(seq, text) })
}

// OnFinal relays the final result. Partials dispatched before it are
// dropped if they have not been sent yet.
func (c *Connection) OnFinal(final decoder.Final) {
	c.mu.Lock()
	c.lastProgressAt = time.Now()
	c.partialSeq++
	seq := c.partialSeq
	c.mu.Unlock()

	c.dispatch(func() { c.relayFinal(seq, final) })
}

// OnError reports an inference failure to the master and ends the session.
func (c *Connection) OnError(err *engine.Error) {
	c.logger.Error().
		Str("kind", string(err.Kind)).
		Str("message", err.Message).
		Msg("Decoder failed")
	c.metrics.RecordError(string(err.Kind), "engine")
	c.setOutcome("error")

	_ = c.send(protocol.ErrorEvent(err))
	c.finishRequest()
	c.closeTransport()
}

// OnEndOfStream waits for in-flight relays, then settles FINISHED. After a
// completed request it also sends the adaptation state and closes.
func (c *Connection) OnEndOfStream() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.inflight.Wait()
		c.settle()
	}()
}

func (c *Connection) settle() {
	c.mu.Lock()
	prev := c.state
	c.state = StateFinished
	requestID := c.requestID
	c.mu.Unlock()

	switch prev {
	case StateFinished:
		return
	case StateCancelling:
		c.logger.Debug().Msg("Decoder settled after cancel")
		return
	}

	c.setOutcome("completed")
	c.sendAdaptationState(requestID)
	c.closeTransport()
}

func (c *Connection) sendAdaptationState(requestID string) {
	state, ok, err := c.session.AdaptationState(c.ctrlCtx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read adaptation state")
		return
	}
	if !ok {
		c.logger.Info().Msg("Adaptation state not supported by engine, not sending")
		return
	}

	ev, err := protocol.AdaptationStateEvent(requestID, state, time.Now())
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to encode adaptation state")
		return
	}
	c.logger.Info().Int("bytes", len(state)).Msg("Sending adaptation state")
	_ = c.send(ev)
}

// dispatch runs a relay in its own goroutine behind the in-flight barrier.
func (c *Connection) dispatch(relay func()) {
	c.inflight.Add()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Done()
		relay()
	}()
}

func (c *Connection) relayPartial(seq uint64, text string) {
	c.mu.Lock()
	dup := text == c.lastPartial
	c.mu.Unlock()
	if dup {
		c.logger.Debug().Msg("Ignoring duplicate partial")
		return
	}

	out, processed, err := c.opts.Filter.Process(c.ctx, postproc.Skippable, text)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to post-process partial")
		c.metrics.RecordError("postproc", "partial")
		return
	}
	if !processed {
		c.metrics.RecordPartial(false)
		return
	}

	c.relayMu.Lock()
	defer c.relayMu.Unlock()

	c.mu.Lock()
	stale := seq <= c.sentSeq
	dup = text == c.lastPartial
	sendable := c.state.sendsResults()
	segment := c.segment
	if !stale && !dup && sendable {
		c.sentSeq = seq
		c.lastPartial = text
	}
	c.mu.Unlock()

	if stale || dup || !sendable {
		c.metrics.RecordPartial(false)
		return
	}
	if err := c.send(protocol.PartialEvent(segment, out[0])); err == nil {
		c.metrics.RecordPartial(true)
	}
}

func (c *Connection) relayFinal(seq uint64, final decoder.Final) {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()

	c.mu.Lock()
	requestID := c.requestID
	userID := c.userID
	segment := c.segment
	c.mu.Unlock()

	hyp := protocol.NewHypothesis(final.Text, final.Scores)
	var payload any
	isFinal := true

	if c.opts.FullFilter != nil {
		ev := protocol.FinalEvent(segment, requestID, []protocol.Hypothesis{hyp})
		raw, err := c.opts.FullFilter.Process(c.ctx, ev)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to post-process full result, sending it unfiltered")
			c.metrics.RecordError("postproc", "final")
			payload = ev
		} else {
			var summary protocol.FinalSummary
			if err := json.Unmarshal(raw, &summary); err != nil {
				c.logger.Warn().Err(err).Msg("Filtered result is not an event")
			}
			isFinal = summary.Status == protocol.StatusSuccess && summary.IsFinal()
			if best, ok := summary.Best(); ok {
				hyp.Transcript = best.Transcript
				hyp.OriginalTranscript = best.OriginalTranscript
			}
			payload = raw
		}
	} else {
		if c.opts.Filter != nil {
			out, _, err := c.opts.Filter.Process(c.ctx, postproc.Blocking, final.Text)
			if err != nil {
				c.logger.Error().Err(err).Msg("Failed to post-process final, sending it unfiltered")
				c.metrics.RecordError("postproc", "final")
			} else {
				hyp.OriginalTranscript = final.Text
				hyp.Transcript = out[0]
			}
		}
		payload = protocol.FinalEvent(segment, requestID, []protocol.Hypothesis{hyp})
	}

	c.mu.Lock()
	if seq > c.sentSeq {
		c.sentSeq = seq
	}
	sendable := c.state.sendsResults()
	c.mu.Unlock()
	if !sendable {
		c.logger.Info().Str("request_id", requestID).Msg("Request cancelled, dropping final result")
		return
	}

	if err := c.send(payload); err != nil {
		return
	}
	c.metrics.RecordFinal()

	c.mu.Lock()
	if isFinal {
		c.segment++
	}
	c.lastPartial = ""
	c.mu.Unlock()

	if c.opts.Publisher != nil {
		err := c.opts.Publisher.PublishFinal(c.ctx, events.Transcript{
			RequestID:          requestID,
			UserID:             userID,
			Segment:            segment,
			Transcript:         hyp.Transcript,
			OriginalTranscript: hyp.OriginalTranscript,
			Scores:             final.Scores,
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to publish transcript")
			c.metrics.RecordError("publish", "events")
		}
	}
}

// finishRequest terminates the request from any state. It reports whether
// this call did the termination; later calls return false.
func (c *Connection) finishRequest() bool {
	c.finishMu.Lock()
	defer c.finishMu.Unlock()

	var from State
	for {
		from = c.State()
		switch from {
		case StateFinished:
			return false
		case StateCreated, StateConnected, StateInitialized:
			if !c.advance(StateFinished, from) {
				continue
			}
			c.session.Reset(c.ctrlCtx)
			c.logger.Info().Str("from", from.String()).Msg("Request finished")
			return true
		}
		if c.advance(StateCancelling, from) {
			break
		}
	}

	c.logger.Info().Str("from", from.String()).Msg("Cancelling request")
	c.session.Cancel(c.ctrlCtx)
	c.stepCancel()

	if !c.waitFinished() {
		c.logger.Warn().
			Dur("timeout", c.opts.Timeouts.Decoder).
			Msg("Decoder did not finish in time, forcing FINISHED")
		c.metrics.RecordTimeout("decoder")
		c.advance(StateFinished, StateCancelling)
	}
	c.session.Reset(c.ctrlCtx)
	return true
}

func (c *Connection) waitFinished() bool {
	if c.State() == StateFinished {
		return true
	}

	ticker := time.NewTicker(c.opts.Timeouts.Poll)
	defer ticker.Stop()
	timer := time.NewTimer(c.opts.Timeouts.Decoder)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() == StateFinished {
				return true
			}
		case <-timer.C:
			return c.State() == StateFinished
		}
	}
}

func (c *Connection) send(ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	c.sendMu.Lock()
	err = c.transport.WriteMessage(websocket.TextMessage, data)
	c.sendMu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "send", Err: err}
		c.logger.Warn().Err(terr).Msg("Failed to send event to master")
		c.metrics.RecordSendFailure()
		return terr
	}
	return nil
}

func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if err := c.transport.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing master connection")
		}
	})
}

// advance moves to next if the current state is one of from.
func (c *Connection) advance(next State, from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = next
			return true
		}
	}
	return false
}

func (c *Connection) setOutcome(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == "" {
		c.outcome = outcome
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestID returns the id of the current request, if initialized.
func (c *Connection) RequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID
}

// Segment returns the index the next final result will carry.
func (c *Connection) Segment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segment
}

// Outcome names how the session ended.
func (c *Connection) Outcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == "" {
		return "disconnected"
	}
	return c.outcome
}
