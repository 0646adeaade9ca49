package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/avast/retry-go"
)

// blockSize is the unit of streaming: stop, pause and rate-limit checks all
// happen on block boundaries.
const blockSize = 8 * 1024

const maxBackoff = 30 * time.Second

// runWorker is one cooperative worker: claim the next incomplete chunk,
// transfer it with retry, persist metadata on success, repeat until no
// claimable chunk remains or the engine stops. A chunk whose retries are
// exhausted stays claimed and incomplete; it is not re-picked this session
// and waits in the sidecar for a future run.
func (e *Engine) runWorker(ctx context.Context, id int) {
	for !e.stopped.Load() {
		if e.pauseWait() {
			return
		}
		c := e.claimChunk(id)
		if c == nil {
			return
		}
		if e.transferChunk(ctx, id, c) {
			e.saveMetadata()
		} else if !e.stopped.Load() {
			e.status(fmt.Sprintf("Worker %d: chunk failed after all retries.", id))
			e.rotateMirror()
		}
	}
}

// pauseWait blocks while the engine is paused, polling the stop flag.
// Returns true if the worker should exit.
func (e *Engine) pauseWait() bool {
	for e.paused.Load() {
		time.Sleep(e.pausePoll)
		if e.stopped.Load() {
			return true
		}
	}
	return e.stopped.Load()
}

// transferChunk drives up to MaxRetries attempts at one chunk with
// exponential backoff capped at 30 s. Partial progress survives between
// attempts: each retry resumes from start+downloaded. Reports true on
// completion.
func (e *Engine) transferChunk(ctx context.Context, id int, c *Chunk) bool {
	attempt := 0
	err := retry.Do(
		func() error {
			err := e.attemptChunk(ctx, c)
			if err == nil || errors.Is(err, errStopped) {
				return err
			}
			attempt++
			c.retries.Add(1)
			e.status(fmt.Sprintf("Worker %d (retry %d/%d): %v. Retrying in %s.",
				id, attempt, e.MaxRetries, err, e.backoffAfter(attempt)))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(e.MaxRetries),
		retry.Delay(e.RetryDelay),
		retry.MaxDelay(maxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errStopped)
		}),
	)
	return err == nil
}

// backoffAfter mirrors retry-go's BackOffDelay: the wait after the n-th
// failure (1-based) doubles from RetryDelay and caps at 30 s.
func (e *Engine) backoffAfter(n int) time.Duration {
	d := e.RetryDelay << (n - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// attemptChunk performs a single transfer attempt: open the source at the
// chunk's resume offset, then stream the body into the destination in
// blocks, honoring stop, pause and the rate cap between blocks.
func (e *Engine) attemptChunk(ctx context.Context, c *Chunk) error {
	if e.stopped.Load() {
		return errStopped
	}

	src, err := e.sourceAt(ctx, e.CurrentURL())
	if err != nil {
		return err
	}

	from := c.Start + c.Downloaded()
	ranged := e.caps.SupportsRange && c.End >= 0
	if ranged && from > c.End {
		// A previous attempt wrote the last byte and died before the
		// stream acknowledged EOF.
		c.completed.Store(true)
		return nil
	}
	openFrom := int64(-1)
	if ranged {
		openFrom = from
	} else if d := c.Downloaded(); d > 0 {
		// No range support means every attempt restarts at byte zero;
		// rewind the counters so progress stays truthful.
		e.downloaded.Add(-d)
		c.downloaded.Store(0)
		from = c.Start
	}

	body, err := src.Open(ctx, openFrom, c.End)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.OpenFile(e.output, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		buf     = make([]byte, blockSize)
		offset  = from
		written int64
		started = time.Now()
	)
	for {
		if e.stopped.Load() {
			return errStopped
		}
		if e.paused.Load() {
			if e.pauseWait() {
				return errStopped
			}
			continue
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if terr := e.throttle(ctx, n); terr != nil {
				if e.stopped.Load() {
					return errStopped
				}
				return terr
			}
			if _, werr := f.WriteAt(buf[:n], offset); werr != nil {
				return werr
			}
			offset += int64(n)
			written += int64(n)
			c.addDownloaded(int64(n))
			e.downloaded.Add(int64(n))
			e.emitProgress()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if e.stopped.Load() || ctx.Err() != nil {
				return errStopped
			}
			return rerr
		}
	}

	if c.End >= 0 && c.Downloaded() < c.Size() {
		// The server closed the stream early; retry from where we are.
		return io.ErrUnexpectedEOF
	}
	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		c.setSpeed(float64(written) / elapsed)
	}
	c.completed.Store(true)
	return nil
}
