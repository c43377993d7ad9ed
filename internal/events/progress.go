package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunProgress counts what one run has finished so far.
type RunProgress struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Finished     bool      `json:"finished"`
	Groups       int       `json:"groups"`
	Total        int       `json:"total"`
	Completed    int       `json:"completed"`
	Degraded     int       `json:"degraded"`
	Failed       int       `json:"failed"`
	GroupsDone   int       `json:"groups_done"`
	GroupsFailed int       `json:"groups_failed"`
}

// Remaining is the number of tasks not yet finished.
func (p RunProgress) Remaining() int {
	n := p.Total - p.Completed - p.Degraded - p.Failed
	if n < 0 {
		return 0
	}
	return n
}

// ProgressTracker is an EventHandler that keeps per-run counters.
type ProgressTracker struct {
	mu   sync.RWMutex
	runs map[string]*RunProgress
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{runs: make(map[string]*RunProgress)}
}

var _ EventHandler = (*ProgressTracker)(nil)

// HandleEvent implements EventHandler. Events of unknown types are ignored.
func (t *ProgressTracker) HandleEvent(_ context.Context, event *Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[event.RunID]
	if !ok {
		p = &RunProgress{RunID: event.RunID, StartedAt: event.CreatedAt}
		t.runs[event.RunID] = p
	}
	p.UpdatedAt = event.CreatedAt

	switch event.Type {
	case TypeRunStarted:
		var payload RunPayload
		if len(event.Payload) > 0 {
			if err := event.UnmarshalPayload(&payload); err != nil {
				return err
			}
		}
		p.StartedAt = event.CreatedAt
		p.Groups = payload.Groups
		p.Total = payload.Total
	case TypeRunFinished:
		p.Finished = true
	case TypeTaskCompleted:
		p.Completed++
	case TypeTaskDegraded:
		p.Degraded++
	case TypeTaskFailed:
		p.Failed++
	case TypeGroupCompleted:
		p.GroupsDone++
	case TypeGroupFailed:
		p.GroupsFailed++
	}
	return nil
}

// Snapshot returns a copy of the counters for runID.
func (t *ProgressTracker) Snapshot(runID string) (RunProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.runs[runID]
	if !ok {
		return RunProgress{}, false
	}
	return *p, true
}

// Runs returns every tracked run, oldest first.
func (t *ProgressTracker) Runs() []RunProgress {
	t.mu.RLock()
	out := make([]RunProgress, 0, len(t.runs))
	for _, p := range t.runs {
		out = append(out, *p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
