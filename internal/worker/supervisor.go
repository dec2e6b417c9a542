package worker

import (
	"time"

	"github.com/lexiqai/speech-worker/internal/protocol"
)

type supervisorKind string

const (
	silenceSupervisor  supervisorKind = "silence"
	frontendSupervisor supervisorKind = "frontend"
)

func (c *Connection) startSupervisor(kind supervisorKind) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise(kind)
	}()
}

// supervise ticks until its deadline passes or the state leaves the set
// the supervisor watches.
func (c *Connection) supervise(kind supervisorKind) {
	ticker := time.NewTicker(c.opts.Timeouts.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			watched, expired := c.check(kind, now)
			if !watched {
				return
			}
			if expired {
				c.expire(kind)
				return
			}
		}
	}
}

func (c *Connection) check(kind supervisorKind, now time.Time) (watched, expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case silenceSupervisor:
		return c.state.silenceWatched(), now.Sub(c.lastProgressAt) > c.opts.Timeouts.Silence
	default:
		return c.state.frontendWatched(), now.Sub(c.firstConnectedAt) > c.opts.Timeouts.Frontend
	}
}

func (c *Connection) expire(kind supervisorKind) {
	c.logger.Warn().
		Str("supervisor", string(kind)).
		Str("state", c.State().String()).
		Msg("Timeout expired, finishing request")

	if !c.finishRequest() {
		return
	}
	c.metrics.RecordTimeout(string(kind))
	c.setOutcome("timeout_" + string(kind))

	_ = c.send(protocol.NoSpeechEvent())
	c.closeTransport()
}
