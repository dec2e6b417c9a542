// Package decoder turns a stream of PCM frames into transcript events by
// driving an inference engine one window at a time.
package decoder

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-worker/internal/audio"
	"github.com/lexiqai/speech-worker/internal/engine"
	"github.com/lexiqai/speech-worker/internal/observability"
)

// specialMarker matches Whisper control tokens such as <|notimestamps|>.
var specialMarker = regexp.MustCompile(`<\|[^|>]*\|>`)

// Final is the finished transcript of a request.
type Final struct {
	Text   string
	Scores map[string]float64
}

// Observer receives the events of a session. Callbacks are never invoked
// while the session lock is held.
type Observer interface {
	OnPartial(text string)
	OnFinal(final Final)
	OnError(err *engine.Error)
	OnEndOfStream()
}

// Session owns the per-request decoding state for one engine.
type Session struct {
	engine   engine.Engine
	observer Observer
	buffer   *audio.ChunkBuffer
	logger   zerolog.Logger

	mu            sync.Mutex
	requestID     string
	userID        string
	prompt        string
	pronsLength   []int
	transcript    string
	scores        map[string]float64
	busy          bool
	cancelled     bool
	cancelPending bool
	generation    uint64
}

// NewSession creates a session with its own chunk buffer.
func NewSession(eng engine.Engine, g audio.Geometry, observer Observer, logger zerolog.Logger) (*Session, error) {
	buf, err := audio.NewChunkBuffer(g)
	if err != nil {
		return nil, err
	}
	return &Session{
		engine:    eng,
		observer:  observer,
		buffer:    buf,
		logger:    logger.With().Str("component", "decoder").Logger(),
		requestID: "<undefined>",
	}, nil
}

// InitRequest starts a new request. Calling it twice with the same
// arguments leaves the session in the same state as calling it once.
func (s *Session) InitRequest(ctx context.Context, requestID, userID string) error {
	s.mu.Lock()
	s.requestID = requestID
	s.userID = userID
	s.prompt = ""
	s.pronsLength = nil
	s.transcript = ""
	s.scores = nil
	s.cancelled = false
	s.cancelPending = false
	s.generation++
	s.buffer.Reset()
	s.mu.Unlock()

	s.logger.Info().Str("request_id", requestID).Msg("Initializing request")
	return s.engine.ResetState(ctx, true)
}

// SetPrompt stores the prompt forwarded with every inference step.
func (s *Session) SetPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

// SetPronsLength stores the per-character pronunciation lengths.
func (s *Session) SetPronsLength(lengths []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pronsLength = lengths
}

// ProcessData appends raw PCM bytes. It never blocks on inference.
func (s *Session) ProcessData(data []byte) {
	n := s.buffer.Write(data)
	s.logger.Debug().Int("bytes", len(data)).Int("samples", n).Msg("Buffered audio")
}

// Step runs one inference step if a window is ready. With final set,
// any buffered remainder is flushed.
func (s *Session) Step(ctx context.Context, final bool) error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	window := s.buffer.Next(final)
	if window == nil {
		s.mu.Unlock()
		return nil
	}
	req := &engine.Request{
		RequestID:   s.requestID,
		Samples:     window,
		Final:       final,
		Prompt:      s.prompt,
		PronsLength: s.pronsLength,
	}
	gen := s.generation
	s.busy = true
	s.mu.Unlock()

	start := time.Now()
	out, err := s.engine.Infer(ctx, req)
	observability.ObserveInference(time.Since(start), final)

	s.mu.Lock()
	s.busy = false
	if gen != s.generation {
		// Reset while the engine was running; nobody is waiting for this output.
		s.mu.Unlock()
		return nil
	}
	if s.cancelPending {
		s.cancelPending = false
		s.mu.Unlock()
		s.logger.Info().Str("request_id", req.RequestID).Msg("Discarding output of cancelled step")
		s.resetEngine(context.WithoutCancel(ctx))
		s.observer.OnEndOfStream()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		engErr := engine.AsError(err)
		s.logger.Error().Err(err).Str("request_id", req.RequestID).Str("kind", string(engErr.Kind)).Msg("Inference failed")
		s.observer.OnError(engErr)
		return engErr
	}
	partial, ok := s.apply(out)
	s.mu.Unlock()

	if ok {
		s.observer.OnPartial(partial)
	}
	return nil
}

// apply merges engine output into the transcript. Must hold mu.
func (s *Session) apply(out *engine.Output) (string, bool) {
	if out == nil {
		return "", false
	}
	for k, v := range out.Scores {
		if s.scores == nil {
			s.scores = make(map[string]float64)
		}
		s.scores[k] = v
	}

	if len(out.Tokens) > 0 {
		s.transcript += stripMarkers(strings.Join(out.Tokens, ""))
		return s.transcript, true
	}
	if len(out.Approx) > 0 {
		return s.transcript + stripMarkers(strings.Join(out.Approx, " ")), true
	}
	return "", false
}

// EndRequest emits the whitespace-normalized transcript as one Final,
// followed by end-of-stream.
func (s *Session) EndRequest() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	final := Final{Text: strings.Join(strings.Fields(s.transcript), " ")}
	if len(s.scores) > 0 {
		final.Scores = make(map[string]float64, len(s.scores))
		for k, v := range s.scores {
			final.Scores[k] = v
		}
	}
	requestID := s.requestID
	s.mu.Unlock()

	s.logger.Info().Str("request_id", requestID).Str("transcript", final.Text).Msg("Ending request")
	s.observer.OnFinal(final)
	s.observer.OnEndOfStream()
}

// Cancel stops the request. If no step is running the engine state is
// discarded and end-of-stream is reported at once; otherwise the running
// step reports it when the engine returns.
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	if s.busy {
		s.cancelPending = true
		s.mu.Unlock()
		s.logger.Info().Msg("Cancel requested while engine is busy")
		return
	}
	s.mu.Unlock()

	s.resetEngine(ctx)
	s.observer.OnEndOfStream()
}

// Reset drops all request state. Output of a step still running is
// discarded when it returns.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	s.requestID = "<undefined>"
	s.transcript = ""
	s.scores = nil
	s.cancelPending = false
	s.generation++
	s.buffer.Reset()
	busy := s.busy
	s.mu.Unlock()

	if busy {
		s.logger.Warn().Msg("Engine still busy, state will be reset by the next request")
		return
	}
	s.resetEngine(ctx)
}

// AdaptationState returns the engine's adaptation state. ok is false when
// the engine does not support it.
func (s *Session) AdaptationState(ctx context.Context) (state []byte, ok bool, err error) {
	stater, supported := s.engine.(engine.AdaptationStater)
	if !supported {
		return nil, false, nil
	}
	state, err = stater.AdaptationState(ctx)
	if err != nil {
		return nil, true, err
	}
	return state, state != nil, nil
}

// Transcript returns the committed transcript so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Busy reports whether an inference step is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) resetEngine(ctx context.Context) {
	if err := s.engine.ResetState(ctx, true); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reset engine state")
	}
}

func stripMarkers(text string) string {
	return specialMarker.ReplaceAllString(text, "")
}
