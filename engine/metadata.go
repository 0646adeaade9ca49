package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
)

// sidecarSuffix is appended to the full destination path, dotted or not:
// "file.bin" -> "file.bin.metadata", "file" -> "file.metadata". One rule for
// every name.
const sidecarSuffix = ".metadata"

// The on-disk schema is deliberately decoupled from the in-memory types:
// records translate to and from Chunk so the wire format can stay stable.
type chunkRecord struct {
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Downloaded int64   `json:"downloaded"`
	Completed  bool    `json:"completed"`
	Retries    int     `json:"retries"`
	WorkerID   *int    `json:"worker_id"`
	Speed      float64 `json:"speed"`
}

type metadataRecord struct {
	URL            string        `json:"url"`
	Filename       string        `json:"filename"`
	TotalSize      int64         `json:"total_size"`
	Chunks         []chunkRecord `json:"chunks"`
	CreatedAt      string        `json:"created_at"`
	SupportsResume bool          `json:"supports_resume"`
	Checksum       string        `json:"checksum,omitempty"`
	Mirrors        []string      `json:"mirrors"`
}

// saveMetadata snapshots the chunk vector to the sidecar as a whole-file
// replacement. Called after each chunk completion and on clean shutdown.
// Write failures are reported and otherwise ignored; the last successfully
// written sidecar stays the source of truth.
func (e *Engine) saveMetadata() {
	if !e.caps.SupportsResume {
		return
	}
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	rec := metadataRecord{
		URL:            e.url,
		Filename:       e.output,
		TotalSize:      e.totalSize,
		Chunks:         make([]chunkRecord, len(e.chunks)),
		CreatedAt:      time.Now().Format(time.RFC3339),
		SupportsResume: e.caps.SupportsResume,
		Mirrors:        e.Mirrors,
	}
	for i, c := range e.chunks {
		cr := chunkRecord{
			Start:      c.Start,
			End:        c.End,
			Downloaded: c.Downloaded(),
			Completed:  c.Completed(),
			Retries:    c.Retries(),
			Speed:      c.lastSpeed(),
		}
		if w := c.claimedBy(); w != unclaimed {
			id := w
			cr.WorkerID = &id
		}
		rec.Chunks[i] = cr
	}

	buf, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		e.status(fmt.Sprintf("Error saving metadata: %v", err))
		return
	}
	if err := os.WriteFile(e.sidecar, append(buf, '\n'), 0o644); err != nil {
		e.status(fmt.Sprintf("Error saving metadata: %v", err))
	}
}

// loadMetadata restores the chunk vector from the sidecar. Any parse error
// or a url/total_size mismatch against the live probe discards the sidecar
// and starts fresh. Claims are per-session state: worker_id is persisted for
// diagnostics but never restored, otherwise chunks claimed by a dead session
// would be stranded forever.
func (e *Engine) loadMetadata() bool {
	buf, err := os.ReadFile(e.sidecar)
	if err != nil {
		e.status(fmt.Sprintf("Failed to load metadata: %v. Starting fresh.", err))
		os.Remove(e.sidecar)
		return false
	}
	var rec metadataRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		e.status(fmt.Sprintf("Failed to load metadata: %v. Starting fresh.", err))
		os.Remove(e.sidecar)
		return false
	}
	if rec.URL != e.url || rec.TotalSize != e.totalSize || len(rec.Chunks) == 0 {
		e.status("Metadata mismatch. Starting new download.")
		os.Remove(e.sidecar)
		return false
	}

	chunks := make([]*Chunk, len(rec.Chunks))
	var total int64
	for i, cr := range rec.Chunks {
		c := newChunk(cr.Start, cr.End)
		c.downloaded.Store(cr.Downloaded)
		c.completed.Store(cr.Completed)
		c.retries.Store(int32(cr.Retries))
		c.setSpeed(cr.Speed)
		chunks[i] = c
		total += cr.Downloaded
	}
	e.chunks = chunks
	e.downloaded.Store(total)
	if len(e.Mirrors) == 0 && len(rec.Mirrors) > 0 {
		e.Mirrors = rec.Mirrors
	}
	e.status(fmt.Sprintf("Resuming download. %s already downloaded.",
		units.BytesSize(float64(total))))
	return true
}
