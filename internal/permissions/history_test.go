package permissions

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvedEntry(operation string) *HistoryEntry {
	return &HistoryEntry{Operation: operation, Status: StatusApproved, Timestamp: time.Now()}
}

func deniedEntry(operation string) *HistoryEntry {
	return &HistoryEntry{Operation: operation, Status: StatusDenied, Timestamp: time.Now()}
}

func TestHistoryTrimsOnOverflow(t *testing.T) {
	t.Run("default caps", func(t *testing.T) {
		h := newHistory(0, 0)
		for i := 0; i < 1000; i++ {
			e := approvedEntry("op")
			e.Reason = strconv.Itoa(i)
			h.record(e)
		}
		assert.Equal(t, 1000, h.size())

		e := approvedEntry("op")
		e.Reason = "1000"
		h.record(e)

		assert.Equal(t, 501, h.size())

		entries := h.list(HistoryFilter{})
		require.Len(t, entries, 501)
		assert.Equal(t, "1000", entries[0].Reason)
		assert.Equal(t, "500", entries[len(entries)-1].Reason, "oldest half is dropped")
	})

	t.Run("custom caps", func(t *testing.T) {
		h := newHistory(10, 4)
		for i := 0; i < 11; i++ {
			h.record(approvedEntry("op"))
		}
		assert.Equal(t, 5, h.size())
	})
}

func TestApprovalStreak(t *testing.T) {
	t.Run("stops at the first denial", func(t *testing.T) {
		h := newHistory(0, 0)
		h.record(approvedEntry("deploy"))
		h.record(approvedEntry("deploy"))
		h.record(deniedEntry("deploy"))
		h.record(approvedEntry("deploy"))
		h.record(approvedEntry("deploy"))
		h.record(approvedEntry("deploy"))

		assert.Equal(t, 3, h.approvalStreak("deploy"))
	})

	t.Run("ignores other operations", func(t *testing.T) {
		h := newHistory(0, 0)
		h.record(approvedEntry("deploy"))
		h.record(deniedEntry("rollback"))
		h.record(approvedEntry("deploy"))

		assert.Equal(t, 2, h.approvalStreak("deploy"))
	})

	t.Run("timed-out requests neither count nor break", func(t *testing.T) {
		h := newHistory(0, 0)
		h.record(approvedEntry("deploy"))
		h.record(&HistoryEntry{Operation: "deploy", Status: StatusTimedOut, Timestamp: time.Now()})
		h.record(approvedEntry("deploy"))

		assert.Equal(t, 2, h.approvalStreak("deploy"))
	})

	t.Run("empty history", func(t *testing.T) {
		h := newHistory(0, 0)
		assert.Equal(t, 0, h.approvalStreak("deploy"))
	})
}

func TestDenialCount(t *testing.T) {
	h := newHistory(0, 0)
	h.record(deniedEntry("deploy"))
	h.record(approvedEntry("deploy"))
	h.record(deniedEntry("deploy"))
	h.record(deniedEntry("rollback"))

	assert.Equal(t, 2, h.denialCount("deploy"))
	assert.Equal(t, 1, h.denialCount("rollback"))
	assert.Equal(t, 0, h.denialCount("restart"))
}

func TestHistoryList(t *testing.T) {
	h := newHistory(0, 0)
	first := approvedEntry("deploy")
	second := deniedEntry("deploy")
	third := approvedEntry("rollback")
	h.record(first)
	h.record(second)
	h.record(third)

	t.Run("newest first", func(t *testing.T) {
		entries := h.list(HistoryFilter{})
		require.Len(t, entries, 3)
		assert.Same(t, third, entries[0])
		assert.Same(t, second, entries[1])
		assert.Same(t, first, entries[2])
	})

	t.Run("filters by operation", func(t *testing.T) {
		entries := h.list(HistoryFilter{Operation: "deploy"})
		require.Len(t, entries, 2)
		assert.Same(t, second, entries[0])
	})

	t.Run("filters by status", func(t *testing.T) {
		entries := h.list(HistoryFilter{Status: StatusDenied})
		require.Len(t, entries, 1)
		assert.Same(t, second, entries[0])
	})

	t.Run("applies limit after filtering", func(t *testing.T) {
		entries := h.list(HistoryFilter{Status: StatusApproved, Limit: 1})
		require.Len(t, entries, 1)
		assert.Same(t, third, entries[0])
	})
}

func TestHistoryClear(t *testing.T) {
	h := newHistory(0, 0)
	h.record(approvedEntry("deploy"))
	h.record(deniedEntry("deploy"))

	assert.Equal(t, 2, h.clear())
	assert.Equal(t, 0, h.size())
	assert.Equal(t, 0, h.clear())
}
