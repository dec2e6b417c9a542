package engine

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/speech-worker/internal/config"
	"github.com/lexiqai/speech-worker/internal/resilience"
)

// InferenceService is the gRPC service implemented by remote engines.
const InferenceService = "asr.v1.InferenceEngine"

const (
	methodInit            = "/" + InferenceService + "/Init"
	methodInfer           = "/" + InferenceService + "/Infer"
	methodResetState      = "/" + InferenceService + "/ResetState"
	methodAdaptationState = "/" + InferenceService + "/GetAdaptationState"
)

// GRPCConfig configures a remote inference engine connection.
type GRPCConfig struct {
	Target     string
	TLS        bool
	Timeout    time.Duration // dial timeout and per-call deadline
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
	DialOption []grpc.DialOption
}

// GRPCEngine talks to a remote engine. Messages are google.protobuf.Struct
// values so no generated stubs are needed on either side.
type GRPCEngine struct {
	cfg    GRPCConfig
	logger zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn

	noAdaptation atomic.Bool
}

// NewGRPCEngine dials the engine and returns a connected client.
func NewGRPCEngine(ctx context.Context, cfg GRPCConfig, logger zerolog.Logger) (*GRPCEngine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("engine", 5, 30*time.Second)
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	e := &GRPCEngine{
		cfg:    cfg,
		logger: logger.With().Str("component", "grpc_engine").Str("target", cfg.Target).Logger(),
	}
	if err := e.connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to engine: %w", err)
	}
	return e, nil
}

func (e *GRPCEngine) connect(ctx context.Context) error {
	var opts []grpc.DialOption
	if e.cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, e.cfg.DialOption...)

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, e.cfg.Target, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial engine at %s: %w", e.cfg.Target, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	e.logger.Info().Msg("Connected to inference engine")
	return nil
}

func (e *GRPCEngine) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("engine connection is closed")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := conn.Invoke(callCtx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Init sends the model configuration to the engine.
func (e *GRPCEngine) Init(ctx context.Context, cfg config.ModelConfig) error {
	msg, err := structpb.NewStruct(map[string]any{
		"model_path":      cfg.ModelPath,
		"if_ckpt_path":    cfg.CheckpointPath,
		"segment_length":  cfg.SegmentLength,
		"frame_threshold": float64(cfg.FrameThreshold),
		"buffer_len":      cfg.BufferLength,
		"min_seg_len":     cfg.MinSegmentLength,
		"language":        cfg.Language,
	})
	if err != nil {
		return fmt.Errorf("failed to encode model config: %w", err)
	}

	err = e.withRetry(ctx, func(ctx context.Context) error {
		_, err := e.invoke(ctx, methodInit, msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	e.logger.Info().
		Str("model_path", cfg.ModelPath).
		Str("language", cfg.Language).
		Msg("Inference engine initialized")
	return nil
}

// Infer sends one window. Steps are not retried because the remote
// decoder state has already advanced when a response is lost.
func (e *GRPCEngine) Infer(ctx context.Context, req *Request) (*Output, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"request_id":   req.RequestID,
		"samples":      EncodeSamples(req.Samples),
		"final":        req.Final,
		"prompt":       req.Prompt,
		"prons_length": intsToList(req.PronsLength),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode inference request: %w", err)
	}

	var resp *structpb.Struct
	err = e.cfg.Breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = e.invoke(ctx, methodInfer, msg)
		return callErr
	})
	if err != nil {
		return nil, AsError(fmt.Errorf("infer failed: %w", err))
	}

	return decodeOutput(resp)
}

func (e *GRPCEngine) ResetState(ctx context.Context, complete bool) error {
	msg, _ := structpb.NewStruct(map[string]any{"complete": complete})

	return e.withRetry(ctx, func(ctx context.Context) error {
		_, err := e.invoke(ctx, methodResetState, msg)
		return err
	})
}

// AdaptationState returns nil without error when the engine does not
// implement it. That answer is remembered and never counts as a failure.
func (e *GRPCEngine) AdaptationState(ctx context.Context) ([]byte, error) {
	if e.noAdaptation.Load() {
		return nil, nil
	}

	var state []byte
	err := e.withRetry(ctx, func(ctx context.Context) error {
		resp, err := e.invoke(ctx, methodAdaptationState, &structpb.Struct{})
		if status.Code(err) == codes.Unimplemented {
			e.noAdaptation.Store(true)
			state = nil
			return nil
		}
		if err != nil {
			return err
		}
		raw := resp.GetFields()["state"].GetStringValue()
		if raw == "" {
			state = nil
			return nil
		}
		state, err = base64.StdEncoding.DecodeString(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get adaptation state: %w", err)
	}
	return state, nil
}

func (e *GRPCEngine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.cfg.Breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, resilience.RetryableFunc(fn), e.cfg.Retry, resilience.IsRetryableNetworkError)
	})
}

// Check runs the standard gRPC health probe against the engine service.
func (e *GRPCEngine) Check(ctx context.Context) (bool, error) {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return false, fmt.Errorf("engine connection is closed")
	}

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: InferenceService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (e *GRPCEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// decodeOutput maps a response struct to an Output. An "error" field
// carries an engine-side failure with its kind.
func decodeOutput(resp *structpb.Struct) (*Output, error) {
	fields := resp.GetFields()

	if errVal, ok := fields["error"]; ok && errVal.GetStructValue() != nil {
		ef := errVal.GetStructValue().GetFields()
		return nil, NewError(ef["kind"].GetStringValue(), ef["message"].GetStringValue())
	}

	out := &Output{
		Tokens: listToStrings(fields["tokens"]),
		Approx: listToStrings(fields["approx_tokens"]),
	}
	if scores := fields["scores"].GetStructValue(); scores != nil {
		out.Scores = make(map[string]float64, len(scores.GetFields()))
		for k, v := range scores.GetFields() {
			out.Scores[k] = v.GetNumberValue()
		}
	}
	return out, nil
}

func listToStrings(v *structpb.Value) []string {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, item := range values {
		out = append(out, item.GetStringValue())
	}
	return out
}

func intsToList(v []int) []any {
	if v == nil {
		return nil
	}
	out := make([]any, len(v))
	for i, n := range v {
		out[i] = float64(n)
	}
	return out
}

// EncodeSamples packs float32 samples little-endian and base64 encodes them.
func EncodeSamples(samples []float32) string {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeSamples reverses EncodeSamples.
func DecodeSamples(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("sample payload length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
