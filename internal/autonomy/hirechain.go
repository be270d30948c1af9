package autonomy

import (
	"sync"

	"github.com/google/uuid"

	"github.com/marketflow/coordinator/internal/capability"
)

// HireChain tracks, per taskId, the set of normalized capabilities already
// hired along that task's recursive chain — used to reject cycles
// (spec.md §3, §4.5 step 2). Entries are created on first use and the
// caller drops them once the top-level task completes.
type HireChain struct {
	mu     sync.Mutex
	chains map[uuid.UUID]map[capability.Tag]bool
}

// NewHireChain builds an empty HireChain tracker.
func NewHireChain() *HireChain {
	return &HireChain{chains: make(map[uuid.UUID]map[capability.Tag]bool)}
}

// TryAdd adds cap to taskID's chain if not already present, returning
// false if it was already there (a cycle).
func (h *HireChain) TryAdd(taskID uuid.UUID, cap capability.Tag) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.chains[taskID]
	if !ok {
		set = make(map[capability.Tag]bool)
		h.chains[taskID] = set
	}
	if set[cap] {
		return false
	}
	set[cap] = true
	return true
}

// Release removes cap from taskID's chain, used when a later step (e.g.
// collusion rejection) must not leave a phantom entry blocking retries
// (spec.md §4.5 step 5).
func (h *HireChain) Release(taskID uuid.UUID, cap capability.Tag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.chains[taskID]; ok {
		delete(set, cap)
	}
}

// Drop removes the entire chain for taskID, called when the top-level
// task completes.
func (h *HireChain) Drop(taskID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.chains, taskID)
}

// Len returns how many capabilities are currently hired for taskID
// (for tests/diagnostics).
func (h *HireChain) Len(taskID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chains[taskID])
}
