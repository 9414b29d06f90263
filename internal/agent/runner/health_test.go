package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthMonitorRecordsActivity(t *testing.T) {
	monitor := NewHealthMonitor("s-1", 0, newTestLogger(t))

	before := monitor.LastActivity()
	time.Sleep(5 * time.Millisecond)
	monitor.RecordActivity()

	assert.True(t, monitor.LastActivity().After(before))
}

func TestHealthMonitorCleanupIdempotent(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")

	monitor := NewHealthMonitor("s-1", time.Second, newTestLogger(t))
	monitor.Start()

	monitor.Cleanup()
	monitor.Cleanup()
}

func TestHealthMonitorStartSuppressedInTests(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")

	monitor := NewHealthMonitor("s-1", time.Millisecond, newTestLogger(t))
	monitor.Start()
	defer monitor.Cleanup()

	// No ticker goroutine runs under the test environment flag, so the
	// last-activity timestamp only moves when recorded explicitly.
	stamp := monitor.LastActivity()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stamp, monitor.LastActivity())
}
