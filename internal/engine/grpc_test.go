package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/speech-worker/internal/config"
	"github.com/lexiqai/speech-worker/internal/resilience"
)

type inferenceServer interface{}

// fakeEngineServer records requests and answers with canned structs.
type fakeEngineServer struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	resets   []bool
	inits    []*structpb.Struct
	infer    func(req *structpb.Struct) (*structpb.Struct, error)
	state    string

	// noAdaptation makes GetAdaptationState answer Unimplemented.
	noAdaptation bool
}

func unary(fn func(s *fakeEngineServer, req *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		return fn(srv.(*fakeEngineServer), req)
	}
}

var fakeEngineDesc = grpc.ServiceDesc{
	ServiceName: InferenceService,
	HandlerType: (*inferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Init",
			Handler: unary(func(s *fakeEngineServer, req *structpb.Struct) (*structpb.Struct, error) {
				s.mu.Lock()
				s.inits = append(s.inits, req)
				s.mu.Unlock()
				return &structpb.Struct{}, nil
			}),
		},
		{
			MethodName: "Infer",
			Handler: unary(func(s *fakeEngineServer, req *structpb.Struct) (*structpb.Struct, error) {
				s.mu.Lock()
				s.requests = append(s.requests, req)
				fn := s.infer
				s.mu.Unlock()
				return fn(req)
			}),
		},
		{
			MethodName: "ResetState",
			Handler: unary(func(s *fakeEngineServer, req *structpb.Struct) (*structpb.Struct, error) {
				s.mu.Lock()
				s.resets = append(s.resets, req.GetFields()["complete"].GetBoolValue())
				s.mu.Unlock()
				return &structpb.Struct{}, nil
			}),
		},
		{
			MethodName: "GetAdaptationState",
			Handler: unary(func(s *fakeEngineServer, req *structpb.Struct) (*structpb.Struct, error) {
				if s.noAdaptation {
					return nil, status.Error(codes.Unimplemented, "adaptation not supported")
				}
				return structpb.NewStruct(map[string]any{"state": s.state})
			}),
		},
	},
}

func startFakeEngine(t *testing.T, srv *fakeEngineServer) *GRPCEngine {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	s.RegisterService(&fakeEngineDesc, srv)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	hs.SetServingStatus(InferenceService, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	e, err := NewGRPCEngine(context.Background(), GRPCConfig{
		Target:  "bufnet",
		Timeout: 2 * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        time.Millisecond,
			BackoffMultiplier: 1,
		},
		DialOption: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGRPCEngine failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestGRPCEngine_Infer(t *testing.T) {
	srv := &fakeEngineServer{
		infer: func(req *structpb.Struct) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{
				"tokens":        []any{" hello", " world"},
				"approx_tokens": []any{"wor"},
				"scores":        map[string]any{"weighted_score": 0.75},
			})
		},
	}
	e := startFakeEngine(t, srv)

	samples := []float32{0.5, -0.25, 1}
	out, err := e.Infer(context.Background(), &Request{
		RequestID:   "r1",
		Samples:     samples,
		Final:       true,
		Prompt:      "greeting",
		PronsLength: []int{2, 3},
	})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	if len(out.Tokens) != 2 || out.Tokens[1] != " world" {
		t.Errorf("Expected tokens [' hello' ' world'], got %q", out.Tokens)
	}
	if len(out.Approx) != 1 || out.Approx[0] != "wor" {
		t.Errorf("Expected approx ['wor'], got %q", out.Approx)
	}
	if out.Scores["weighted_score"] != 0.75 {
		t.Errorf("Expected weighted_score 0.75, got %v", out.Scores["weighted_score"])
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(srv.requests))
	}
	fields := srv.requests[0].GetFields()
	if fields["request_id"].GetStringValue() != "r1" || fields["prompt"].GetStringValue() != "greeting" {
		t.Errorf("Expected request id and prompt to be forwarded, got %v", fields)
	}
	if !fields["final"].GetBoolValue() {
		t.Error("Expected final flag to be forwarded")
	}
	if n := len(fields["prons_length"].GetListValue().GetValues()); n != 2 {
		t.Errorf("Expected 2 prons_length entries, got %d", n)
	}

	decoded, err := DecodeSamples(fields["samples"].GetStringValue())
	if err != nil {
		t.Fatalf("DecodeSamples failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Expected sample %d to be %f, got %f", i, samples[i], decoded[i])
		}
	}
}

func TestGRPCEngine_EngineError(t *testing.T) {
	e := startFakeEngine(t, &fakeEngineServer{
		infer: func(req *structpb.Struct) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{
				"error": map[string]any{"kind": "oov", "message": "word not in lexicon"},
			})
		},
	})

	_, err := e.Infer(context.Background(), &Request{RequestID: "r1"})
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if engErr.Kind != KindOOV {
		t.Errorf("Expected kind oov, got %s", engErr.Kind)
	}
}

func TestGRPCEngine_TransportError(t *testing.T) {
	e := startFakeEngine(t, &fakeEngineServer{
		infer: func(req *structpb.Struct) (*structpb.Struct, error) {
			return nil, status.Error(codes.Unavailable, "model loading")
		},
	})

	_, err := e.Infer(context.Background(), &Request{RequestID: "r1"})
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if engErr.Kind != KindService {
		t.Errorf("Expected kind service, got %s", engErr.Kind)
	}
}

func TestGRPCEngine_ResetAndAdaptation(t *testing.T) {
	srv := &fakeEngineServer{state: base64.StdEncoding.EncodeToString([]byte("speaker-7"))}
	e := startFakeEngine(t, srv)

	if err := e.ResetState(context.Background(), true); err != nil {
		t.Fatalf("ResetState failed: %v", err)
	}
	srv.mu.Lock()
	if len(srv.resets) != 1 || !srv.resets[0] {
		t.Errorf("Expected one complete reset, got %v", srv.resets)
	}
	srv.mu.Unlock()

	state, err := e.AdaptationState(context.Background())
	if err != nil {
		t.Fatalf("AdaptationState failed: %v", err)
	}
	if string(state) != "speaker-7" {
		t.Errorf("Expected 'speaker-7', got '%s'", state)
	}
}

func TestGRPCEngine_Init(t *testing.T) {
	srv := &fakeEngineServer{}
	e := startFakeEngine(t, srv)

	cfg := config.ModelConfig{
		ModelPath:        "/models/whisper-small",
		CheckpointPath:   "/models/ckpt/if.pt",
		SegmentLength:    1.5,
		FrameThreshold:   25,
		BufferLength:     10,
		MinSegmentLength: 0.5,
		Language:         "cs",
	}
	if err := e.Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.inits) != 1 {
		t.Fatalf("Expected 1 init request, got %d", len(srv.inits))
	}
	fields := srv.inits[0].GetFields()
	strs := map[string]string{
		"model_path":   cfg.ModelPath,
		"if_ckpt_path": cfg.CheckpointPath,
		"language":     cfg.Language,
	}
	for k, expected := range strs {
		if got := fields[k].GetStringValue(); got != expected {
			t.Errorf("%s: Expected %q, got %q", k, expected, got)
		}
	}
	nums := map[string]float64{
		"segment_length":  1.5,
		"frame_threshold": 25,
		"buffer_len":      10,
		"min_seg_len":     0.5,
	}
	for k, expected := range nums {
		if got := fields[k].GetNumberValue(); got != expected {
			t.Errorf("%s: Expected %v, got %v", k, expected, got)
		}
	}
}

func TestGRPCEngine_AdaptationUnimplemented(t *testing.T) {
	e := startFakeEngine(t, &fakeEngineServer{noAdaptation: true})
	e.cfg.Breaker = resilience.NewCircuitBreaker("engine", 2, time.Minute)

	for i := 0; i < 3; i++ {
		state, err := e.AdaptationState(context.Background())
		if err != nil {
			t.Fatalf("Expected no error for unsupported adaptation, got %v", err)
		}
		if state != nil {
			t.Errorf("Expected nil state, got %q", state)
		}
	}

	st, _, failures, _ := e.cfg.Breaker.GetStats()
	if st != resilience.StateClosed {
		t.Errorf("Expected breaker closed, got %s", st)
	}
	if failures != 0 {
		t.Errorf("Expected no breaker failures, got %d", failures)
	}
}

func TestGRPCEngine_Check(t *testing.T) {
	e := startFakeEngine(t, &fakeEngineServer{})

	ok, err := e.Check(context.Background())
	if err != nil || !ok {
		t.Errorf("Expected healthy engine, got %v, %v", ok, err)
	}

	_ = e.Close()
	if ok, _ := e.Check(context.Background()); ok {
		t.Error("Expected closed engine to be unhealthy")
	}
}

func TestSamplesCodec(t *testing.T) {
	if _, err := DecodeSamples(base64.StdEncoding.EncodeToString([]byte{1, 2, 3})); err == nil {
		t.Error("Expected error for truncated payload")
	}

	out, err := DecodeSamples(EncodeSamples(nil))
	if err != nil || len(out) != 0 {
		t.Errorf("Expected empty samples, got %v, %v", out, err)
	}
}
