package engine

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkPlan asserts the planner invariants: ordered, disjoint, covering
// [0, total-1] exactly.
func checkPlan(t *testing.T, chunks []*Chunk, total int64) {
	t.Helper()
	require.NotEmpty(t, chunks)
	sorted := append([]*Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var sum int64
	for i, c := range sorted {
		assert.LessOrEqual(t, c.Start, c.End, "chunk %d inverted", i)
		if i > 0 {
			assert.Equal(t, sorted[i-1].End+1, c.Start, "gap or overlap before chunk %d", i)
		}
		sum += c.Size()
	}
	assert.Equal(t, int64(0), sorted[0].Start)
	assert.Equal(t, total-1, sorted[len(sorted)-1].End)
	assert.Equal(t, total, sum)
}

func TestPlanChunksEvenSplit(t *testing.T) {
	chunks := planChunks(1_000_000, 4)
	require.Len(t, chunks, 4)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, int64(249_999), chunks[0].End)
	assert.Equal(t, int64(250_000), chunks[1].Start)
	assert.Equal(t, int64(499_999), chunks[1].End)
	assert.Equal(t, int64(500_000), chunks[2].Start)
	assert.Equal(t, int64(749_999), chunks[2].End)
	assert.Equal(t, int64(750_000), chunks[3].Start)
	assert.Equal(t, int64(999_999), chunks[3].End)
	checkPlan(t, chunks, 1_000_000)
}

func TestPlanChunksLastAbsorbsRemainder(t *testing.T) {
	chunks := planChunks(10, 3)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(2), chunks[0].End)
	assert.Equal(t, int64(5), chunks[1].End)
	assert.Equal(t, int64(9), chunks[2].End)
	checkPlan(t, chunks, 10)
}

func TestPlanChunksInvariantGrid(t *testing.T) {
	for total := int64(1); total <= 64; total++ {
		for workers := 1; workers <= 9; workers++ {
			checkPlan(t, planChunks(total, workers), total)
		}
	}
}

func TestPlanChunksTinyFile(t *testing.T) {
	// Fewer bytes than workers collapses to one chunk instead of
	// producing empty ranges.
	chunks := planChunks(3, 8)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Start)
	assert.Equal(t, int64(2), chunks[0].End)
}

func TestSingleChunkSentinel(t *testing.T) {
	c := singleChunk(0)
	assert.Equal(t, int64(0), c.Start)
	assert.Equal(t, int64(-1), c.End)
	assert.Equal(t, int64(-1), c.Size())

	c = singleChunk(1024)
	assert.Equal(t, int64(1023), c.End)
	assert.Equal(t, int64(1024), c.Size())
}

func newTestEngine(t *testing.T, url string) *Engine {
	t.Helper()
	e, err := New(url, t.TempDir()+"/out.bin", 4)
	require.NoError(t, err)
	return e
}

func TestClaimChunkInOrder(t *testing.T) {
	e := newTestEngine(t, "http://t/x")
	e.chunks = planChunks(100, 4)
	e.chunks[0].completed.Store(true)

	c := e.claimChunk(7)
	require.NotNil(t, c)
	assert.Equal(t, e.chunks[1], c, "first incomplete unclaimed chunk")
	assert.Equal(t, 7, c.claimedBy())

	// A claimed chunk is never handed out twice.
	c2 := e.claimChunk(8)
	require.NotNil(t, c2)
	assert.Equal(t, e.chunks[2], c2)

	e.claimChunk(9)
	assert.Nil(t, e.claimChunk(10), "vector exhausted")
}

func TestClaimChunkConcurrent(t *testing.T) {
	e := newTestEngine(t, "http://t/x")
	e.chunks = planChunks(1<<20, 8)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[*Chunk]int{}
	)
	for id := 0; id < 16; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				c := e.claimChunk(id)
				if c == nil {
					return
				}
				mu.Lock()
				claimed[c]++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Len(t, claimed, 8, "every chunk claimed")
	for c, n := range claimed {
		assert.Equal(t, 1, n, "chunk [%d,%d] double-claimed", c.Start, c.End)
	}
}
