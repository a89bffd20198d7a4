package lifecycle

import "sync"

// StepCounter implements turn.StepTracker: a process-wide ceiling on the
// total number of turn-loop steps any single submission (TaskID) may take,
// regardless of how many agents that submission's work fans out across.
// Matches spec's maxSteps configuration input (default 200).
type StepCounter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

// NewStepCounter builds a StepCounter enforcing max steps per TaskID. max<=0
// disables the ceiling: Increment never reports exceeded.
func NewStepCounter(max int) *StepCounter {
	return &StepCounter{max: max, counts: make(map[string]int)}
}

// Increment records one more step for taskID and reports the running count
// and whether it has now exceeded the configured ceiling.
func (c *StepCounter) Increment(taskID string) (count int, exceeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[taskID]++
	count = c.counts[taskID]
	if c.max > 0 && count > c.max {
		exceeded = true
	}
	return count, exceeded
}

// Forget drops the tracked count for taskID. Nothing in the runtime calls
// it, so counts for finished submissions stay in the map.
func (c *StepCounter) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, taskID)
}
