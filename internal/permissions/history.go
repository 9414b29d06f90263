package permissions

import "sync"

const (
	defaultHistoryLimit = 1000
	defaultHistoryTrim  = 500
)

// history is the bounded approval-history ring. When an insert would push
// the ring past limit it is first trimmed down to the newest trim entries,
// so the length never exceeds limit.
type history struct {
	mu      sync.Mutex
	entries []*HistoryEntry
	limit   int
	trim    int
}

func newHistory(limit, trim int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if trim <= 0 || trim >= limit {
		trim = limit / 2
	}
	return &history{limit: limit, trim: trim}
}

func (h *history) record(e *HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries)+1 > h.limit {
		kept := h.entries[len(h.entries)-h.trim:]
		h.entries = append(make([]*HistoryEntry, 0, h.trim+1), kept...)
	}
	h.entries = append(h.entries, e)
}

// approvalStreak counts approvals for the operation walking newest-first,
// stopping at the first denial. Timed-out requests neither count nor break
// the streak.
func (h *history) approvalStreak(operation string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	streak := 0
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if e.Operation != operation {
			continue
		}
		switch e.Status {
		case StatusApproved:
			streak++
		case StatusDenied:
			return streak
		}
	}
	return streak
}

// denialCount counts all denials recorded for the operation.
func (h *history) denialCount(operation string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for _, e := range h.entries {
		if e.Operation == operation && e.Status == StatusDenied {
			count++
		}
	}
	return count
}

// list returns matching entries newest-first.
func (h *history) list(filter HistoryFilter) []*HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*HistoryEntry, 0, len(h.entries))
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (h *history) clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	h.entries = nil
	return n
}

func (h *history) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
