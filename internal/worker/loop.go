package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/speech-worker/internal/engine"
	"github.com/lexiqai/speech-worker/internal/observability"
	"github.com/lexiqai/speech-worker/internal/resilience"
)

// Config configures a worker process.
type Config struct {
	MasterURI string
	// Slots is the number of sessions served at once, each with its own engine.
	Slots             int
	ConnectBackoff    time.Duration
	SessionPause      time.Duration
	HeartbeatInterval time.Duration
	Session           Options
}

// Worker dials the master from every slot, serves one session at a time
// per slot and redials when it ends.
type Worker struct {
	cfg     Config
	factory engine.Factory
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	connected   atomic.Int32
	dialFailing atomic.Bool
}

// New creates a worker. Engines are created per slot by factory.
func New(cfg Config, factory engine.Factory, logger zerolog.Logger) *Worker {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 5 * time.Second
	}
	return &Worker{
		cfg:     cfg,
		factory: factory,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Run serves sessions until ctx is cancelled or a slot cannot create its
// engine.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("master", w.cfg.MasterURI).
		Int("slots", w.cfg.Slots).
		Msg("Starting worker")

	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < w.cfg.Slots; slot++ {
		slot := slot
		g.Go(func() error {
			return w.runSlot(ctx, slot)
		})
	}
	return g.Wait()
}

func (w *Worker) runSlot(ctx context.Context, slot int) error {
	logger := w.logger.With().Int("slot", slot).Logger()

	eng, err := w.factory(ctx)
	if err != nil {
		return fmt.Errorf("slot %d: failed to create engine: %w", slot, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing engine")
		}
	}()

	for {
		conn, err := w.dial(ctx, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slot %d: %w", slot, err)
		}

		w.serve(ctx, slot, eng, conn)

		timer := time.NewTimer(w.cfg.SessionPause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *Worker) dial(ctx context.Context, logger zerolog.Logger) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := resilience.Reconnect(ctx, logger, func(ctx context.Context) error {
		c, resp, err := w.dialer.DialContext(ctx, w.cfg.MasterURI, nil)
		if err != nil {
			w.dialFailing.Store(true)
			if resp != nil {
				return fmt.Errorf("dial %s: %s: %w", w.cfg.MasterURI, resp.Status, err)
			}
			return fmt.Errorf("dial %s: %w", w.cfg.MasterURI, err)
		}
		w.dialFailing.Store(false)
		conn = c
		return nil
	}, resilience.FixedReconnectConfig(w.cfg.ConnectBackoff))
	return conn, err
}

func (w *Worker) serve(ctx context.Context, slot int, eng engine.Engine, conn *websocket.Conn) {
	logger := observability.WithSession(w.logger, slot)

	c, err := NewConnection(conn, eng, w.cfg.Session, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create connection")
		_ = conn.Close()
		return
	}

	w.connected.Add(1)
	defer w.connected.Add(-1)

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.heartbeat(hbCtx, conn, logger)

	c.Serve(ctx)
}

// heartbeat pings the master until ctx is done or a ping fails.
func (w *Worker) heartbeat(ctx context.Context, t Transport, logger zerolog.Logger) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				logger.Debug().Err(err).Msg("Heartbeat failed")
				return
			}
		}
	}
}

// Connected returns the number of sessions currently open.
func (w *Worker) Connected() int {
	return int(w.connected.Load())
}

// CheckMaster reports whether the last dial of the master succeeded.
func (w *Worker) CheckMaster(ctx context.Context) (bool, error) {
	if w.dialFailing.Load() {
		return false, errors.New("master unreachable")
	}
	return true, nil
}
