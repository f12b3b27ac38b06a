package scheduler

import (
	"strings"
	"sync"
)

// Terminal status spellings accepted from volunteers.
var (
	successStatuses = map[string]bool{"completed": true, "success": true, "done": true}
	failureStatuses = map[string]bool{"failed": true, "error": true, "timeout": true}
)

type outcomeKey struct {
	volunteerID string
	taskID      string
	status      string
}

// Tracker accumulates task outcomes per volunteer and derives trust scores.
// A repeated (volunteer, task, status) report is ignored so retransmitted
// status messages cannot inflate the counters.
type Tracker struct {
	mu        sync.Mutex
	seen      map[outcomeKey]bool
	seeded    map[string]bool
	completed map[string]int
	failed    map[string]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		seen:      make(map[outcomeKey]bool),
		seeded:    make(map[string]bool),
		completed: make(map[string]int),
		failed:    make(map[string]int),
	}
}

// Seed preloads the counters for a volunteer from persisted state.
func (t *Tracker) Seed(volunteerID string, completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seeded[volunteerID] = true
	t.completed[volunteerID] = completed
	t.failed[volunteerID] = failed
}

// SeedOnce preloads the counters unless the volunteer is already tracked.
// Used on the first status report after a restart so persisted history is
// not overwritten by a fresh count.
func (t *Tracker) SeedOnce(volunteerID string, completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seeded[volunteerID] {
		return
	}
	t.seeded[volunteerID] = true
	t.completed[volunteerID] = completed
	t.failed[volunteerID] = failed
}

// Record registers a terminal task status. It returns the updated
// (completed, failed, score) for the volunteer and whether the report
// changed anything: non-terminal statuses and duplicates are no-ops.
func (t *Tracker) Record(volunteerID, taskID, status string) (completed, failed int, score float64, changed bool) {
	status = strings.ToLower(strings.TrimSpace(status))
	success := successStatuses[status]
	failure := failureStatuses[status]

	t.mu.Lock()
	defer t.mu.Unlock()

	if !success && !failure {
		return t.completed[volunteerID], t.failed[volunteerID], t.scoreLocked(volunteerID), false
	}

	key := outcomeKey{volunteerID, taskID, status}
	if t.seen[key] {
		return t.completed[volunteerID], t.failed[volunteerID], t.scoreLocked(volunteerID), false
	}
	t.seen[key] = true
	t.seeded[volunteerID] = true

	if success {
		t.completed[volunteerID]++
	} else {
		t.failed[volunteerID]++
	}
	return t.completed[volunteerID], t.failed[volunteerID], t.scoreLocked(volunteerID), true
}

// Score returns the current trust score for a volunteer: the completion rate
// scaled to 0..100.
func (t *Tracker) Score(volunteerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scoreLocked(volunteerID)
}

func (t *Tracker) scoreLocked(volunteerID string) float64 {
	total := t.completed[volunteerID] + t.failed[volunteerID]
	if total == 0 {
		total = 1
	}
	return 100 * float64(t.completed[volunteerID]) / float64(total)
}

// IsTerminal reports whether a status ends a task.
func IsTerminal(status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	return successStatuses[status] || failureStatuses[status]
}

// IsFailure reports whether a terminal status counts against the volunteer.
func IsFailure(status string) bool {
	return failureStatuses[strings.ToLower(strings.TrimSpace(status))]
}
