package postproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// FullFilter post-processes a whole final result. The request is one JSON
// document followed by a blank line; the response is read up to the next
// blank line or EOF.
type FullFilter struct {
	p *process
}

// StartFullFilter launches command through sh -c.
func StartFullFilter(ctx context.Context, command string, logger zerolog.Logger) (*FullFilter, error) {
	p, err := startProcess(ctx, command, logger.With().Str("component", "full_postproc").Logger())
	if err != nil {
		return nil, err
	}
	return &FullFilter{p: p}, nil
}

// Process sends result and returns the JSON document the filter produced.
// It always blocks until the filter is free.
func (f *FullFilter) Process(ctx context.Context, result any) (json.RawMessage, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode full result: %w", err)
	}

	f.p.jobMu.Lock()
	defer f.p.jobMu.Unlock()

	if f.p.closed {
		return nil, ErrFilterClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := f.p.stdin.Write(append(payload, '\n', '\n')); err != nil {
		return nil, fmt.Errorf("failed to write to full post-processor: %w", err)
	}

	var buf bytes.Buffer
	for {
		line, err := f.p.readLine(ctx)
		if strings.TrimSpace(line) == "" {
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read from full post-processor: %w", err)
			}
			break
		}
		buf.WriteString(line)
		if err != nil {
			if err != io.EOF {
				return nil, fmt.Errorf("failed to read from full post-processor: %w", err)
			}
			break
		}
	}

	out := json.RawMessage(bytes.TrimSpace(buf.Bytes()))
	if !json.Valid(out) {
		return nil, fmt.Errorf("full post-processor returned invalid JSON: %q", out)
	}
	return out, nil
}

// Close stops the filter process.
func (f *FullFilter) Close() error {
	if f == nil {
		return nil
	}
	f.p.jobMu.Lock()
	defer f.p.jobMu.Unlock()
	return f.p.close()
}
