// Package engine implements an accelerated downloader for a single remote
// resource: it probes the server for range support, splits the file into
// chunks fetched by cooperative workers, and persists progress to a JSON
// sidecar so an interrupted transfer resumes across process restarts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultWorkers is the worker count used when the caller passes zero.
const DefaultWorkers = 8

const connTimeout = 30 * time.Second

// Callback slots. None of them may block: they run on the engine's own
// goroutines, and a consumer that needs to touch UI state must marshal to
// its own thread.
type (
	ProgressFunc func(downloaded, total int64)
	SpeedFunc    func(instant, avg float64)
	StatusFunc   func(message string)
)

var errStopped = errors.New("download stopped")

// Engine drives one download to one destination. Construct with New,
// configure the exported fields, then call Download. Pause, Resume, Stop and
// SetSpeedLimit are safe to call from any goroutine while Download runs.
type Engine struct {
	// Callbacks. OnProgress fires per written block and can be very
	// frequent; the consumer is expected to throttle.
	OnProgress ProgressFunc
	OnSpeed    SpeedFunc
	OnStatus   StatusFunc

	// Mirrors is an ordered list of alternative URLs serving the
	// byte-identical resource. The engine rotates to the next one after a
	// chunk exhausts its retries.
	Mirrors []string

	// Retry policy for a single chunk. Backoff doubles from RetryDelay up
	// to a 30 s cap.
	MaxRetries uint
	RetryDelay time.Duration

	url     string
	output  string
	sidecar string
	workers int

	client *http.Client
	log    *logrus.Entry

	caps      Capabilities
	totalSize int64

	claimMu sync.Mutex
	chunks  []*Chunk

	srcMu   sync.Mutex
	sources map[string]Source

	metaMu sync.Mutex

	ctrlMu sync.Mutex
	cancel context.CancelFunc

	downloaded atomic.Int64
	paused     atomic.Bool
	stopped    atomic.Bool
	mirrorIdx  atomic.Int32
	limiter    atomic.Pointer[rate.Limiter]

	ring     speedRing
	checksum string

	// 100 ms and 1 s respectively; tests shorten monitorTick.
	pausePoll   time.Duration
	monitorTick time.Duration
}

// New builds an engine for one (url, outputPath) pair. numWorkers <= 0
// selects DefaultWorkers. The sidecar lives at outputPath + ".metadata";
// its presence means a download to this destination is in progress or was
// interrupted.
func New(rawURL, outputPath string, numWorkers int) (*Engine, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("engine: invalid url %q", rawURL)
	}
	if outputPath == "" {
		return nil, errors.New("engine: output path required")
	}
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}
	return &Engine{
		url:         rawURL,
		output:      outputPath,
		sidecar:     outputPath + sidecarSuffix,
		workers:     numWorkers,
		MaxRetries:  5,
		RetryDelay:  time.Second,
		sources:     make(map[string]Source),
		log:         logrus.WithField("component", "engine"),
		ring:        speedRing{max: speedSamples},
		pausePoll:   100 * time.Millisecond,
		monitorTick: time.Second,
	}, nil
}

// Download runs the whole transfer: probe, plan (or restore), preallocate,
// workers plus monitor, then verification. It blocks until the download
// finishes or Stop drains the workers. Transfer-phase failures surface
// through the status callback, never as a returned error; only setup
// problems the caller must act on (an unwritable destination) and the
// cancellation of ctx by the caller come back here. Stop is not an error.
func (e *Engine) Download(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setCancel(cancel)
	defer e.setCancel(nil)

	e.initialize()
	defer e.client.CloseIdleConnections()

	e.probe(ctx)

	restored := false
	if _, err := os.Stat(e.sidecar); err == nil {
		restored = e.loadMetadata()
	}
	if !restored {
		if e.caps.SupportsRange && e.totalSize > 0 {
			e.chunks = planChunks(e.totalSize, e.workers)
		} else {
			e.chunks = []*Chunk{singleChunk(e.totalSize)}
		}
		if e.alreadyComplete() {
			// A finished file with no sidecar: nothing to fetch,
			// just re-verify.
			e.status("File already complete.")
			for _, c := range e.chunks {
				c.downloaded.Store(c.Size())
				c.completed.Store(true)
			}
			e.downloaded.Store(e.totalSize)
			e.verify()
			return nil
		}
	}

	if err := e.preallocate(); err != nil {
		return err
	}

	monitorDone := make(chan struct{})
	go e.monitor(monitorDone)

	var g errgroup.Group
	for i := 0; i < e.workers; i++ {
		id := i
		g.Go(func() error {
			e.runWorker(ctx, id)
			return nil
		})
	}
	g.Wait()
	close(monitorDone)

	if e.stopped.Load() || ctx.Err() != nil {
		// Clean shutdown: leave the sidecar describing what we got to.
		e.saveMetadata()
		if !e.stopped.Load() {
			return ctx.Err()
		}
		return nil
	}
	e.verify()
	return nil
}

// initialize builds the shared HTTP client. One client per engine, shared by
// reference with every worker, capped at one connection per worker.
//
// The client intentionally has no overall timeout: a large download is
// expected to outlive any sane value. Dialing, the TLS handshake and the
// wait for response headers are each bounded by connTimeout. Reads of the
// response body have no timeout: a body that stalls mid-stream blocks its
// worker until the connection errors or Stop cancels the request.
func (e *Engine) initialize() {
	e.client = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   connTimeout,
			ResponseHeaderTimeout: connTimeout,
			MaxConnsPerHost:       e.workers,
		},
	}
}

// probe asks the primary URL for its capabilities. Failure is not fatal: the
// engine falls back to a single-worker stream of unknown length.
func (e *Engine) probe(ctx context.Context) {
	e.status("Detecting server capabilities...")
	var (
		caps  Capabilities
		total int64
	)
	src, err := e.sourceAt(ctx, e.url)
	if err == nil {
		caps, total, err = src.Probe(ctx)
	}
	if err != nil {
		e.status(fmt.Sprintf("Capability detection failed: %v. Using defaults.", err))
		caps, total = Capabilities{}, 0
	} else {
		e.status(fmt.Sprintf("Server supports range: %t. Total size: %s",
			caps.SupportsRange, units.BytesSize(float64(total))))
	}
	e.caps = caps
	e.totalSize = total
	if !e.caps.SupportsRange {
		e.workers = 1
	}
}

// preallocate materializes the destination at its final size so positional
// writes land inside the file. An existing file (resume) is left intact.
func (e *Engine) preallocate() error {
	if e.totalSize <= 0 {
		return nil
	}
	if _, err := os.Stat(e.output); err == nil {
		return nil
	}
	f, err := os.OpenFile(e.output, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", e.output, err)
	}
	defer f.Close()
	if _, err := f.Seek(e.totalSize-1, io.SeekStart); err != nil {
		return fmt.Errorf("presizing %s: %w", e.output, err)
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return fmt.Errorf("presizing %s: %w", e.output, err)
	}
	return nil
}

func (e *Engine) alreadyComplete() bool {
	if e.totalSize <= 0 {
		return false
	}
	info, err := os.Stat(e.output)
	return err == nil && info.Size() == e.totalSize
}

// sourceAt returns the backend for a URL, building it on first use. S3 and
// GCS clients are expensive to construct, and a mirror list revisits the
// same URL on every rotation.
func (e *Engine) sourceAt(ctx context.Context, rawURL string) (Source, error) {
	e.srcMu.Lock()
	defer e.srcMu.Unlock()
	if src, ok := e.sources[rawURL]; ok {
		return src, nil
	}
	src, err := sourceFor(ctx, rawURL, e.client)
	if err != nil {
		return nil, err
	}
	e.sources[rawURL] = src
	return src, nil
}

// CurrentURL returns the URL the next attempt will fetch from: the mirror at
// the current rotation index, or the primary once the index has wrapped past
// the end of the list.
func (e *Engine) CurrentURL() string {
	if len(e.Mirrors) == 0 {
		return e.url
	}
	idx := int(e.mirrorIdx.Load()) % (len(e.Mirrors) + 1)
	if idx < len(e.Mirrors) {
		return e.Mirrors[idx]
	}
	return e.url
}

// rotateMirror advances to the next URL after a chunk burned through its
// retry budget. Wraps through the primary URL.
func (e *Engine) rotateMirror() {
	if len(e.Mirrors) == 0 {
		return
	}
	e.mirrorIdx.Add(1)
	e.status(fmt.Sprintf("Switching to %s for further attempts.", e.CurrentURL()))
}

// Pause makes workers idle between blocks until Resume. Bytes already in
// flight finish their current block.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.status("Download paused.")
}

// Resume clears the pause flag.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.status("Download resumed.")
}

// Stop asks all workers to exit at their next checkpoint and cancels
// in-flight requests so blocked reads unwind promptly. Stopping is
// cooperative and is not an error.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.status("Download stopping...")
	e.ctrlMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.ctrlMu.Unlock()
}

// IsRunning reports whether the transfer is active: neither paused nor
// stopped.
func (e *Engine) IsRunning() bool {
	return !e.paused.Load() && !e.stopped.Load()
}

// Downloaded returns the aggregate bytes written so far.
func (e *Engine) Downloaded() int64 { return e.downloaded.Load() }

// TotalSize returns the probed resource size, 0 when unknown. Valid after
// Download has started.
func (e *Engine) TotalSize() int64 { return e.totalSize }

// Checksum returns the hex SHA-256 computed by the verifier, empty until a
// successful verification. Callers holding a trusted digest compare against
// this; the engine itself treats the hash as advisory.
func (e *Engine) Checksum() string { return e.checksum }

// Chunks exposes the chunk vector for inspection. The slice itself is fixed
// once the transfer starts; per-chunk progress fields keep advancing.
func (e *Engine) Chunks() []*Chunk { return e.chunks }

func (e *Engine) setCancel(cancel context.CancelFunc) {
	e.ctrlMu.Lock()
	e.cancel = cancel
	e.ctrlMu.Unlock()
}

func (e *Engine) status(msg string) {
	e.log.Debug(msg)
	if e.OnStatus != nil {
		e.OnStatus(msg)
	}
}

func (e *Engine) emitProgress() {
	if e.OnProgress != nil {
		e.OnProgress(e.downloaded.Load(), e.totalSize)
	}
}
