package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedRingBoundedAverage(t *testing.T) {
	r := speedRing{max: 3}
	assert.Zero(t, r.average(), "empty ring averages to zero")

	r.push(10)
	r.push(20)
	assert.InDelta(t, 15, r.average(), 1e-9)

	r.push(30)
	r.push(40) // evicts 10
	assert.Len(t, r.samples, 3)
	assert.InDelta(t, 30, r.average(), 1e-9)
}

func TestSpeedRingCapacity(t *testing.T) {
	r := speedRing{max: speedSamples}
	for i := 0; i < 250; i++ {
		r.push(float64(i))
	}
	assert.Len(t, r.samples, speedSamples)
}

func TestMonitorReportsSpeed(t *testing.T) {
	e, err := New("http://t/x", filepath.Join(t.TempDir(), "x"), 1)
	require.NoError(t, err)
	e.monitorTick = 10 * time.Millisecond

	var mu sync.Mutex
	var instants []float64
	e.OnSpeed = func(instant, avg float64) {
		mu.Lock()
		instants = append(instants, instant)
		mu.Unlock()
	}

	done := make(chan struct{})
	go e.monitor(done)

	// The monitor takes its baseline when it starts; count the bytes only
	// after its first tick shows it is running, or the baseline would
	// already include them.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(instants) > 0
	}, time.Second, time.Millisecond)
	e.downloaded.Add(4096)
	time.Sleep(60 * time.Millisecond)
	close(done)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, instants, "monitor ticked at least once")
	var total float64
	for _, v := range instants {
		total += v
	}
	assert.Greater(t, total, float64(0), "observed the counted bytes")
}
