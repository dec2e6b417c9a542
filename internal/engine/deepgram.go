package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-worker/internal/audio"
	"github.com/lexiqai/speech-worker/internal/config"
	"github.com/lexiqai/speech-worker/internal/resilience"
)

// DeepgramConfig configures the hosted streaming backend.
type DeepgramConfig struct {
	APIKey       string
	Model        string
	Language     string
	OverlapSize  int           // samples repeated at the start of every window after the first
	FinalizeWait time.Duration // upper bound on waiting for results after the final window
	Breaker      *resilience.CircuitBreaker
}

// quietPeriod ends the final wait early once Deepgram stops sending results.
const quietPeriod = 400 * time.Millisecond

// messageCallbackHandler embeds the default handler and overrides only the
// methods the engine needs.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse)
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// DeepgramEngine adapts Deepgram live transcription to the step contract.
// Only the non-overlapping part of each window is streamed. Final results
// that arrived since the previous step are committed as tokens; the latest
// interim result is reported as approximate tokens.
type DeepgramEngine struct {
	cfg    DeepgramConfig
	logger zerolog.Logger

	mu        sync.Mutex
	client    *listenClient.WSCallback
	cancel    context.CancelFunc
	sentFirst bool
	finished  bool
	finals    []string
	interim   string
	streamErr error
	updated   chan struct{}
}

// NewDeepgramEngine creates an engine. The websocket is opened lazily on
// the first step of each request.
func NewDeepgramEngine(cfg DeepgramConfig, logger zerolog.Logger) (*DeepgramEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key is required")
	}
	if cfg.FinalizeWait <= 0 {
		cfg.FinalizeWait = 2 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	return &DeepgramEngine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "deepgram_engine").Logger(),
		updated: make(chan struct{}, 1),
	}, nil
}

// start must be called with mu held.
func (d *DeepgramEngine) start() error {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     audio.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			d.logger.Error().Interface("response", errorResponse).Msg("Deepgram error")
			d.mu.Lock()
			d.streamErr = fmt.Errorf("deepgram stream error: %+v", errorResponse)
			d.mu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := listenClient.NewWSUsingCallback(ctx, d.cfg.APIKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		cancel()
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.client = client
	d.cancel = cancel
	d.logger.Debug().Str("model", d.cfg.Model).Str("language", d.cfg.Language).Msg("Deepgram stream opened")
	return nil
}

func (d *DeepgramEngine) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)

	d.mu.Lock()
	if msg.IsFinal {
		if text != "" {
			d.finals = append(d.finals, " "+text)
		}
		d.interim = ""
	} else {
		d.interim = text
	}
	d.mu.Unlock()

	select {
	case d.updated <- struct{}{}:
	default:
	}
}

func (d *DeepgramEngine) Infer(ctx context.Context, req *Request) (*Output, error) {
	err := d.cfg.Breaker.Call(ctx, func(ctx context.Context) error {
		return d.send(req)
	})
	if err != nil {
		return nil, AsError(err)
	}

	if req.Final {
		if err := d.drain(ctx); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streamErr != nil {
		err := d.streamErr
		d.streamErr = nil
		return nil, AsError(err)
	}

	out := &Output{Tokens: d.finals}
	d.finals = nil
	if d.interim != "" {
		out.Approx = strings.Fields(d.interim)
	}
	return out, nil
}

func (d *DeepgramEngine) send(req *Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		if err := d.start(); err != nil {
			return err
		}
	}

	samples := req.Samples
	if d.sentFirst && len(samples) >= d.cfg.OverlapSize {
		samples = samples[d.cfg.OverlapSize:]
	}
	d.sentFirst = true
	if len(samples) == 0 {
		return nil
	}

	if _, err := d.client.Write(audio.EncodePCM16(samples)); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// drain closes the input side and waits until results stop arriving or
// FinalizeWait elapses.
func (d *DeepgramEngine) drain(ctx context.Context) error {
	d.mu.Lock()
	client := d.client
	alreadyFinished := d.finished
	d.finished = true
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	if !alreadyFinished {
		client.Finish()
	}

	deadline := time.NewTimer(d.cfg.FinalizeWait)
	defer deadline.Stop()
	quiet := time.NewTimer(quietPeriod)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-quiet.C:
			return nil
		case <-d.updated:
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(quietPeriod)
		}
	}
}

// Init takes the language from the model configuration unless one was
// configured for Deepgram. The model files are not used by a hosted backend.
func (d *DeepgramEngine) Init(ctx context.Context, cfg config.ModelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Language == "" {
		d.cfg.Language = cfg.Language
	}
	return nil
}

// Language returns the language streams are opened with.
func (d *DeepgramEngine) Language() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Language
}

// ResetState closes the current stream; the next step opens a new one.
func (d *DeepgramEngine) ResetState(ctx context.Context, complete bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	d.finals = nil
	d.interim = ""
	d.streamErr = nil
	d.sentFirst = false
	return nil
}

// Check reports whether the backend is configured. It does not open a
// stream, which would be billed.
func (d *DeepgramEngine) Check(ctx context.Context) (bool, error) {
	if d.cfg.Breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func (d *DeepgramEngine) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *DeepgramEngine) closeLocked() {
	if d.client == nil {
		return
	}
	if !d.finished {
		d.client.Finish()
	}
	d.cancel()
	d.client = nil
	d.finished = false
}
