package reembed

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_Basic(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, 100, 10)

	tracker.Start()
	assert.True(t, tracker.started, "should be started")

	tracker.Increment(25, 0)
	tracker.Increment(25, 5)
	tracker.Increment(50, 0)

	elapsed := tracker.Elapsed()
	assert.Greater(t, elapsed, time.Duration(0), "elapsed time should be positive")

	processed, skipped := tracker.Current()
	assert.Equal(t, 100, processed)
	assert.Equal(t, 5, skipped)

	output := buf.String()
	assert.Contains(t, output, "100/100", "should show completion")
	assert.Contains(t, output, "100.0%", "should show 100%")
	assert.Contains(t, output, "5 blank")
}

func TestProgressTracker_Finish(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, 100, 10)

	tracker.Start()
	tracker.Increment(75, 0)
	tracker.Finish()

	output := buf.String()
	assert.Contains(t, output, "100/100", "finish should set to total")
	assert.Contains(t, output, "100.0%", "finish should show 100%")
	assert.Contains(t, output, "\n", "finish should print newline")
	assert.Contains(t, output, "fragments/s", "should show rate")
}

func TestProgressTracker_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, 0, 10)

	tracker.Start()
	tracker.Finish()

	assert.Contains(t, buf.String(), "0/0", "should handle zero total")
}

func TestProgressTracker_IncrementBeyondTotal(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, 100, 10)

	tracker.Start()
	tracker.Increment(150, 0)

	assert.Contains(t, buf.String(), "100/100", "should not exceed total")
}

func TestProgressTracker_NotStarted(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, 100, 10)

	tracker.Increment(10, 0)
	tracker.Finish()

	assert.Equal(t, "", buf.String(), "should have no output when not started")
	assert.Zero(t, tracker.Elapsed())
}

func TestProgressTracker_NilWriter(t *testing.T) {
	tracker := NewProgressTracker(nil, 10, 0)
	tracker.Start()
	tracker.Increment(10, 0)
	tracker.Finish()
	processed, _ := tracker.Current()
	assert.Equal(t, 10, processed)
}

func TestProgressTracker_ReportInterval(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, 1000, 100)

	tracker.Start()

	tracker.Increment(50, 0)
	assert.Equal(t, "", buf.String(), "should not print under interval")

	tracker.Increment(50, 0)
	assert.NotEmpty(t, buf.String(), "should print at interval")

	buf.Reset()
	tracker.Increment(150, 0)
	assert.NotEmpty(t, buf.String(), "should print beyond interval")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\r")
	last := lines[len(lines)-1]
	assert.Contains(t, last, "250/1000")
	assert.Contains(t, last, "25.0%")
}

func TestProgressTracker_Concurrent(t *testing.T) {
	tracker := NewProgressTracker(&bytes.Buffer{}, 1000, 10)
	tracker.Start()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				tracker.Increment(10, 1)
			}
		}()
	}
	wg.Wait()

	processed, skipped := tracker.Current()
	assert.Equal(t, 1000, processed)
	assert.Equal(t, 100, skipped)
}
