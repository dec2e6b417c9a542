// Package postproc runs transcript post-processing filters as long-lived
// subprocesses speaking a line protocol over stdin and stdout.
package postproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrFilterClosed is returned after the filter process has been stopped.
var ErrFilterClosed = errors.New("post-processor is closed")

// Mode selects how a job waits for a busy filter.
type Mode int

const (
	// Blocking waits for the filter; used for final results.
	Blocking Mode = iota
	// Skippable gives up at once if the filter is busy; used for partials.
	Skippable
)

func (m Mode) String() string {
	if m == Skippable {
		return "skippable"
	}
	return "blocking"
}

// process is a filter subprocess. jobMu is held for a whole job so at most
// one job talks to the process at a time.
type process struct {
	command string
	logger  zerolog.Logger

	jobMu  sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closed bool
}

func startProcess(ctx context.Context, command string, logger zerolog.Logger) (*process, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open filter stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open filter stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start filter %q: %w", command, err)
	}

	logger.Info().Str("command", command).Int("pid", cmd.Process.Pid).Msg("Started post-processor")
	return &process{
		command: command,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
	}, nil
}

// close must be called with jobMu held.
func (p *process) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdin.Close()
	err := p.cmd.Wait()
	p.logger.Info().Str("command", p.command).Msg("Stopped post-processor")
	return err
}

// readLine reads one line of output. A filter that does not answer before
// ctx is done is killed and the filter stays closed.
func (p *process) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.stdout.ReadString('\n')
		ch <- result{line: line, err: err}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		p.kill()
		return "", ctx.Err()
	}
}

// kill must be called with jobMu held.
func (p *process) kill() {
	if p.closed {
		return
	}
	p.closed = true
	_ = p.cmd.Process.Kill()
	_ = p.stdin.Close()
	_ = p.cmd.Wait()
	p.logger.Warn().Str("command", p.command).Msg("Killed unresponsive post-processor")
}

// Filter post-processes plain transcripts: one line in, one line out.
// A nil *Filter passes text through unchanged.
type Filter struct {
	p *process
}

// StartFilter launches command through sh -c. The process lives until
// Close is called or ctx is cancelled.
func StartFilter(ctx context.Context, command string, logger zerolog.Logger) (*Filter, error) {
	p, err := startProcess(ctx, command, logger.With().Str("component", "postproc").Logger())
	if err != nil {
		return nil, err
	}
	return &Filter{p: p}, nil
}

// Process filters texts in order. In Skippable mode it returns
// processed=false without doing anything when another job holds the
// filter; the dropped texts are not queued.
func (f *Filter) Process(ctx context.Context, mode Mode, texts ...string) (out []string, processed bool, err error) {
	if f == nil {
		return texts, true, nil
	}

	if mode == Skippable {
		if !f.p.jobMu.TryLock() {
			f.p.logger.Debug().Msg("Skipping post-processing since post-processor already in use")
			return nil, false, nil
		}
	} else {
		f.p.jobMu.Lock()
	}
	defer f.p.jobMu.Unlock()

	if f.p.closed {
		return nil, false, ErrFilterClosed
	}

	out = make([]string, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		line := strings.ReplaceAll(text, "\n", " ")
		if _, err := io.WriteString(f.p.stdin, line+"\n"); err != nil {
			return nil, false, fmt.Errorf("failed to write to post-processor: %w", err)
		}

		resp, err := f.p.readLine(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read from post-processor: %w", err)
		}
		out = append(out, strings.ReplaceAll(strings.TrimSpace(resp), `\n`, "\n"))
	}
	return out, true, nil
}

// Close stops the filter process, waiting for any running job.
func (f *Filter) Close() error {
	if f == nil {
		return nil
	}
	f.p.jobMu.Lock()
	defer f.p.jobMu.Unlock()
	return f.p.close()
}
