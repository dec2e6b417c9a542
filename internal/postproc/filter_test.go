package postproc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startFilter(t *testing.T, command string) *Filter {
	t.Helper()
	f, err := StartFilter(context.Background(), command, zerolog.Nop())
	if err != nil {
		t.Fatalf("StartFilter failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFilter_Cat(t *testing.T) {
	f := startFilter(t, "cat")

	out, processed, err := f.Process(context.Background(), Blocking, "hello world", "second")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !processed {
		t.Fatal("Expected blocking job to be processed")
	}
	if len(out) != 2 || out[0] != "hello world" || out[1] != "second" {
		t.Errorf("Expected echoed texts, got %q", out)
	}
}

func TestFilter_RestoresNewlines(t *testing.T) {
	f := startFilter(t, "sed -u 's/ /\\\\n/g'")

	out, _, err := f.Process(context.Background(), Blocking, "a b")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(out) != 1 || out[0] != "a\nb" {
		t.Errorf("Expected %q, got %q", "a\nb", out)
	}
}

func TestFilter_TrimsResponse(t *testing.T) {
	f := startFilter(t, "cat")

	out, _, _ := f.Process(context.Background(), Blocking, "  padded  ")
	if out[0] != "padded" {
		t.Errorf("Expected trimmed response, got %q", out[0])
	}
}

func TestFilter_NilPassesThrough(t *testing.T) {
	var f *Filter

	out, processed, err := f.Process(context.Background(), Skippable, "unchanged")
	if err != nil || !processed || len(out) != 1 || out[0] != "unchanged" {
		t.Errorf("Expected passthrough, got %q processed=%v err=%v", out, processed, err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Expected nil Close on nil filter, got %v", err)
	}
}

func TestFilter_SkipIfBusy(t *testing.T) {
	f := startFilter(t, "cat")

	// Hold the filter as a running job would.
	f.p.jobMu.Lock()
	out, processed, err := f.Process(context.Background(), Skippable, "dropped")
	f.p.jobMu.Unlock()

	if err != nil {
		t.Fatalf("Expected no error for skipped job, got %v", err)
	}
	if processed || out != nil {
		t.Errorf("Expected skipped job, got %q processed=%v", out, processed)
	}

	out, processed, _ = f.Process(context.Background(), Skippable, "kept")
	if !processed || out[0] != "kept" {
		t.Errorf("Expected job on idle filter to run, got %q processed=%v", out, processed)
	}
}

func TestFilter_ConcurrentSkippableExactlyOne(t *testing.T) {
	f := startFilter(t, "while read line; do sleep 0.3; echo \"$line\"; done")

	const jobs = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	processedCount := 0

	// The first job holds the filter for 300ms; the rest arrive while it runs.
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, processed, err := f.Process(context.Background(), Skippable, "partial")
			if err != nil {
				t.Errorf("Process failed: %v", err)
				return
			}
			if processed {
				mu.Lock()
				processedCount++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if processedCount != 1 {
		t.Errorf("Expected exactly 1 processed partial, got %d", processedCount)
	}
}

func TestFilter_BlockingWaits(t *testing.T) {
	f := startFilter(t, "cat")

	f.p.jobMu.Lock()
	done := make(chan []string)
	go func() {
		out, _, _ := f.Process(context.Background(), Blocking, "final")
		done <- out
	}()
	f.p.jobMu.Unlock()

	out := <-done
	if len(out) != 1 || out[0] != "final" {
		t.Errorf("Expected blocking job to run after the filter freed up, got %q", out)
	}
}

func TestFilter_Closed(t *testing.T) {
	f, err := StartFilter(context.Background(), "cat", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	_, _, err = f.Process(context.Background(), Blocking, "late")
	if !errors.Is(err, ErrFilterClosed) {
		t.Errorf("Expected ErrFilterClosed, got %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestFilter_ProcessExited(t *testing.T) {
	f := startFilter(t, "exit 0")

	if _, _, err := f.Process(context.Background(), Blocking, "x"); err == nil {
		t.Error("Expected error from exited filter")
	}
}

func TestFilter_HungFilterHonoursContext(t *testing.T) {
	f := startFilter(t, "exec sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, processed, err := f.Process(ctx, Blocking, "stuck")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if processed {
		t.Error("Expected job not to be processed")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected Process to return soon after the deadline, took %v", elapsed)
	}

	// The filter is released for other jobs and stays closed.
	_, _, err = f.Process(context.Background(), Skippable, "next")
	if !errors.Is(err, ErrFilterClosed) {
		t.Errorf("Expected ErrFilterClosed after a hung job, got %v", err)
	}
}

func TestFullFilter_HungFilterHonoursContext(t *testing.T) {
	f, err := StartFullFilter(context.Background(), "exec sleep 30", zerolog.Nop())
	if err != nil {
		t.Fatalf("StartFullFilter failed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := f.Process(ctx, map[string]any{"status": 0}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if _, err := f.Process(context.Background(), map[string]any{"status": 0}); !errors.Is(err, ErrFilterClosed) {
		t.Errorf("Expected ErrFilterClosed after a hung job, got %v", err)
	}
}

func TestFullFilter_Cat(t *testing.T) {
	f, err := StartFullFilter(context.Background(), "cat", zerolog.Nop())
	if err != nil {
		t.Fatalf("StartFullFilter failed: %v", err)
	}
	defer f.Close()

	in := map[string]any{"status": 0, "result": map[string]any{"final": true}}
	out, err := f.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("Expected valid JSON, got %s", out)
	}
	if decoded["status"].(float64) != 0 {
		t.Errorf("Expected status 0, got %v", decoded["status"])
	}

	// The blank-line terminator keeps consecutive documents apart.
	out, err = f.Process(context.Background(), map[string]any{"status": 9})
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if string(out) != `{"status":9}` {
		t.Errorf("Expected second document, got %s", out)
	}
}

func TestFullFilter_MultiLineResponse(t *testing.T) {
	script := `while read line; do [ -z "$line" ] && continue; printf '{\n"status": 0\n}\n\n'; done`
	f, err := StartFullFilter(context.Background(), script, zerolog.Nop())
	if err != nil {
		t.Fatalf("StartFullFilter failed: %v", err)
	}
	defer f.Close()

	out, err := f.Process(context.Background(), map[string]int{"status": 0})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	var decoded struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil || decoded.Status != 0 {
		t.Errorf("Expected pretty-printed document to be joined, got %s (%v)", out, err)
	}
}

func TestMode_String(t *testing.T) {
	if Blocking.String() != "blocking" || Skippable.String() != "skippable" {
		t.Errorf("Expected mode names, got %s and %s", Blocking, Skippable)
	}
}
