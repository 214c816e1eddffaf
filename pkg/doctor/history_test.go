package doctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryKeepsMostRecentTicks(t *testing.T) {
	h := NewHistory(3)
	assert.Zero(t, h.Len())

	for _, id := range []string{"a", "b"} {
		h.Add(TickResult{ID: id})
	}
	assert.Equal(t, []string{"a", "b"}, tickIDs(h.Snapshot()))

	for _, id := range []string{"c", "d", "e"} {
		h.Add(TickResult{ID: id})
	}
	assert.Equal(t, 3, h.Len(), "history is bounded")
	assert.Equal(t, []string{"c", "d", "e"}, tickIDs(h.Snapshot()))
}

func TestHistorySnapshotIsACopy(t *testing.T) {
	h := NewHistory(2)
	h.Add(TickResult{ID: "a"})
	snap := h.Snapshot()
	snap[0].ID = "mutated"
	assert.Equal(t, []string{"a"}, tickIDs(h.Snapshot()))
}

func TestHistoryMinimumSize(t *testing.T) {
	h := NewHistory(0)
	h.Add(TickResult{ID: "a"})
	h.Add(TickResult{ID: "b"})
	assert.Equal(t, []string{"b"}, tickIDs(h.Snapshot()))
}

func tickIDs(results []TickResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids
}
