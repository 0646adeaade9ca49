package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resumableEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := New("http://t/file.bin", filepath.Join(dir, "file.bin"), 4)
	require.NoError(t, err)
	e.caps = Capabilities{SupportsRange: true, SupportsResume: true}
	e.totalSize = 100
	return e
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := resumableEngine(t, dir)
	e.chunks = planChunks(100, 4)

	c := e.claimChunk(0)
	c.addDownloaded(25)
	c.completed.Store(true)
	c.setSpeed(512)
	c2 := e.claimChunk(3)
	c2.addDownloaded(10)
	c2.retries.Add(2)

	e.saveMetadata()

	buf, err := os.ReadFile(e.sidecar)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(buf), "\n    \"url\""), "pretty-printed with 4-space indent")

	var rec metadataRecord
	require.NoError(t, json.Unmarshal(buf, &rec))
	assert.Equal(t, "http://t/file.bin", rec.URL)
	assert.Equal(t, int64(100), rec.TotalSize)
	assert.True(t, rec.SupportsResume)
	require.Len(t, rec.Chunks, 4)
	assert.True(t, rec.Chunks[0].Completed)
	assert.Equal(t, int64(25), rec.Chunks[0].Downloaded)
	require.NotNil(t, rec.Chunks[1].WorkerID)
	assert.Equal(t, 3, *rec.Chunks[1].WorkerID)
	assert.Equal(t, 2, rec.Chunks[1].Retries)
	assert.Nil(t, rec.Chunks[2].WorkerID, "unclaimed chunks persist without a worker")
	assert.NotEmpty(t, rec.CreatedAt)

	restored := resumableEngine(t, dir)
	require.True(t, restored.loadMetadata())
	require.Len(t, restored.chunks, 4)
	assert.True(t, restored.chunks[0].Completed())
	assert.Equal(t, int64(25), restored.chunks[0].Downloaded())
	assert.Equal(t, float64(512), restored.chunks[0].lastSpeed())
	assert.Equal(t, 2, restored.chunks[1].Retries())
	assert.Equal(t, unclaimed, restored.chunks[1].claimedBy(),
		"claims are per-session and never restored")
	assert.Equal(t, int64(35), restored.Downloaded())
}

func TestSidecarMismatchStartsFresh(t *testing.T) {
	dir := t.TempDir()
	e := resumableEngine(t, dir)
	e.chunks = planChunks(100, 4)
	e.saveMetadata()

	other := resumableEngine(t, dir)
	other.url = "http://elsewhere/file.bin"
	assert.False(t, other.loadMetadata())
	_, err := os.Stat(other.sidecar)
	assert.True(t, os.IsNotExist(err), "mismatching sidecar is discarded")
}

func TestSidecarTotalSizeMismatchStartsFresh(t *testing.T) {
	dir := t.TempDir()
	e := resumableEngine(t, dir)
	e.chunks = planChunks(100, 4)
	e.saveMetadata()

	other := resumableEngine(t, dir)
	other.totalSize = 999
	assert.False(t, other.loadMetadata())
	_, err := os.Stat(other.sidecar)
	assert.True(t, os.IsNotExist(err))
}

func TestSidecarGarbageStartsFresh(t *testing.T) {
	dir := t.TempDir()
	e := resumableEngine(t, dir)
	require.NoError(t, os.WriteFile(e.sidecar, []byte("{not json"), 0o644))

	assert.False(t, e.loadMetadata())
	_, err := os.Stat(e.sidecar)
	assert.True(t, os.IsNotExist(err))
}

func TestNoSidecarWithoutResumeSupport(t *testing.T) {
	dir := t.TempDir()
	e := resumableEngine(t, dir)
	e.caps.SupportsResume = false
	e.chunks = planChunks(100, 4)

	e.saveMetadata()
	_, err := os.Stat(e.sidecar)
	assert.True(t, os.IsNotExist(err))
}

func TestSidecarRestoresMirrors(t *testing.T) {
	dir := t.TempDir()
	e := resumableEngine(t, dir)
	e.Mirrors = []string{"http://m1/file.bin"}
	e.chunks = planChunks(100, 4)
	e.saveMetadata()

	restored := resumableEngine(t, dir)
	require.True(t, restored.loadMetadata())
	assert.Equal(t, []string{"http://m1/file.bin"}, restored.Mirrors)
}
