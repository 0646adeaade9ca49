package engine

import (
	"math"
	"sync/atomic"
)

// A Chunk is a contiguous byte range of the remote resource, inclusive on
// both ends. End == -1 is the sentinel for "stream until EOF" and only ever
// appears on a single-chunk plan. Start and End are fixed at planning time;
// the remaining fields are advanced by the owning worker and read
// concurrently by the metadata store, hence the atomics.
type Chunk struct {
	Start int64
	End   int64

	downloaded atomic.Int64
	completed  atomic.Bool
	retries    atomic.Int32
	worker     atomic.Int32
	speed      atomic.Uint64 // float64 bits, bytes/sec of the last transfer
}

const unclaimed = -1

func newChunk(start, end int64) *Chunk {
	c := &Chunk{Start: start, End: end}
	c.worker.Store(unclaimed)
	return c
}

// Size returns the chunk's byte count, or -1 for the EOF sentinel.
func (c *Chunk) Size() int64 {
	if c.End < 0 {
		return -1
	}
	return c.End - c.Start + 1
}

func (c *Chunk) Downloaded() int64 { return c.downloaded.Load() }
func (c *Chunk) Completed() bool   { return c.completed.Load() }
func (c *Chunk) Retries() int      { return int(c.retries.Load()) }

func (c *Chunk) setSpeed(bps float64)  { c.speed.Store(math.Float64bits(bps)) }
func (c *Chunk) lastSpeed() float64    { return math.Float64frombits(c.speed.Load()) }
func (c *Chunk) claimedBy() int        { return int(c.worker.Load()) }
func (c *Chunk) addDownloaded(n int64) { c.downloaded.Add(n) }

// planChunks splits [0, totalSize-1] into exactly `workers` contiguous
// ranges. Integer division leaves a remainder of up to workers-1 bytes; the
// last chunk absorbs it. Files smaller than the worker count degenerate to a
// single chunk rather than producing empty ranges.
func planChunks(totalSize int64, workers int) []*Chunk {
	if totalSize < int64(workers) {
		return []*Chunk{singleChunk(totalSize)}
	}
	size := totalSize / int64(workers)
	chunks := make([]*Chunk, workers)
	for i := range chunks {
		start := int64(i) * size
		end := start + size - 1
		if i == workers-1 {
			end = totalSize - 1
		}
		chunks[i] = newChunk(start, end)
	}
	return chunks
}

// singleChunk covers the whole resource: [0, totalSize-1] when the size is
// known, the [0, -1] EOF sentinel otherwise.
func singleChunk(totalSize int64) *Chunk {
	if totalSize > 0 {
		return newChunk(0, totalSize-1)
	}
	return newChunk(0, -1)
}

// claimChunk takes the first incomplete unclaimed chunk for the given worker.
// The scan is serialized by the engine's claim mutex; everything else about
// the chunk vector is read-only during the transfer. Returns nil when no
// claimable chunk remains.
func (e *Engine) claimChunk(workerID int) *Chunk {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	for _, c := range e.chunks {
		if !c.Completed() && c.claimedBy() == unclaimed {
			c.worker.Store(int32(workerID))
			return c
		}
	}
	return nil
}
