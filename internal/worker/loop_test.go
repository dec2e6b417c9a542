package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-worker/internal/engine"
	"github.com/lexiqai/speech-worker/internal/protocol"
)

// fakeMaster plays one session per accepted connection and reports every
// message the worker sent.
type fakeMaster struct {
	upgrader websocket.Upgrader
	sessions atomic.Int32
	results  chan []protocol.Event
	pings    atomic.Int32
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{results: make(chan []protocol.Event, 4)}
}

func (m *fakeMaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetPingHandler(func(data string) error {
		m.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	if m.sessions.Add(1) > 1 {
		// Later sessions idle until the worker goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(initR1))
	for i := 0; i < 3; i++ {
		_ = conn.WriteMessage(websocket.BinaryMessage, pcm(30))
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte("EOS"))

	var evs []protocol.Event
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err == nil {
			evs = append(evs, ev)
		}
	}
	m.results <- evs
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mockFactory(ctx context.Context) (engine.Engine, error) {
	return engine.NewMock(), nil
}

func TestWorker_EndToEnd(t *testing.T) {
	master := newFakeMaster()
	srv := httptest.NewServer(master)
	defer srv.Close()

	w := New(Config{
		MasterURI:         wsURL(srv),
		Slots:             1,
		ConnectBackoff:    10 * time.Millisecond,
		SessionPause:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		Session:           testOptions(),
	}, mockFactory, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	var evs []protocol.Event
	select {
	case evs = <-master.results:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the first session to complete")
	}

	fin := finals(evs)
	if len(fin) != 1 || fin[0].ID != "r1" || *fin[0].Segment != 0 {
		t.Errorf("Expected one final for r1 at segment 0, got %+v", evs)
	}
	if evs[len(evs)-1].AdaptationState == nil {
		t.Errorf("Expected adaptation state last, got %+v", evs[len(evs)-1])
	}

	// The worker redials after the pause.
	deadline := time.After(2 * time.Second)
	for master.sessions.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("Expected the worker to redial the master")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for master.pings.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected heartbeat pings")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if ok, _ := w.CheckMaster(ctx); !ok {
		t.Error("Expected master to be reachable")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
	if w.Connected() != 0 {
		t.Errorf("Expected no open sessions after shutdown, got %d", w.Connected())
	}
}

func TestWorker_RedialsUnreachableMaster(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	w := New(Config{
		MasterURI:      url,
		ConnectBackoff: 10 * time.Millisecond,
		Session:        testOptions(),
	}, mockFactory, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Errorf("Expected Run to stop quietly on cancel, got %v", err)
	}
	if ok, err := w.CheckMaster(context.Background()); ok || err == nil {
		t.Error("Expected master to be reported unreachable")
	}
}

func TestWorker_EngineFactoryError(t *testing.T) {
	boom := errors.New("model missing")
	w := New(Config{MasterURI: "ws://127.0.0.1:1", Slots: 2}, func(ctx context.Context) (engine.Engine, error) {
		return nil, boom
	}, zerolog.Nop())

	err := w.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Expected factory error, got %v", err)
	}
}
