// Package task implements Crystal's Task Scheduler: a per-project tree of
// download work guarded by the Scheduler's mutex, with each scheduled task
// running on its own goroutine, a bounded network worker pool, politeness
// delay, priority, cancellation, and hibernation across project
// close/reopen (§4.3).
package task

import (
	"sync"
)

// Kind is a task taxonomy variant (§4.3).
type Kind string

const (
	KindRoot                Kind = "root"
	KindDownloadResourceBody Kind = "download_resource_body"
	KindDownloadResource    Kind = "download_resource"
	KindParseLinks          Kind = "parse_links"
	KindUpdateGroupMembers  Kind = "update_group_members"
	KindDownloadGroup       Kind = "download_group"
)

// State is a task's lifecycle state. Transitions are monotonic:
// Pending -> Running -> (Completed | Failed | Cancelled); no task reverts
// (§5 Ordering guarantees).
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Priority controls whether a task bypasses the politeness delay (§4.3).
type Priority int

const (
	Background Priority = iota
	Interactive
)

// Payload carries the kind-specific arguments a task needs to run. Only the
// fields listed for a Kind below are meaningful for it.
type Payload struct {
	ResourceID int64  // DownloadResourceBody, DownloadResource, ParseLinks
	RevisionID int64  // ParseLinks
	GroupID    int64  // UpdateGroupMembers, DownloadGroup
	StaleBefore int64 // unix seconds; 0 means unset (§4.4 step 1)
}

// Task is one node of the hierarchical task tree (§4.3).
type Task struct {
	ID       int64
	ParentID int64
	Kind     Kind
	Title    string
	Priority Priority
	Payload  Payload

	mu          sync.Mutex
	state       State
	err         error
	unitsDone   int
	unitsTotal  int
	hasTotal    bool
	children    []int64
	cancelled   bool
}

func newTask(id, parentID int64, kind Kind, title string, priority Priority, payload Payload) *Task {
	return &Task{
		ID:       id,
		ParentID: parentID,
		Kind:     kind,
		Title:    title,
		Priority: priority,
		Payload:  payload,
		state:    Pending,
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error recorded on Failed, or nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancelled reports whether this task has been marked for cancellation,
// for cooperative checks in long-running work (§5 Cancellation & timeouts).
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Progress returns the current progress counters (§6.5 on_task_progress).
func (t *Task) Progress() (done, total int, hasTotal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unitsDone, t.unitsTotal, t.hasTotal
}

func (t *Task) setState(s State, err error) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Completed || t.state == Failed || t.state == Cancelled {
		return false
	}
	t.state = s
	t.err = err
	return true
}

func (t *Task) setProgress(done int, total int, hasTotal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unitsDone = done
	t.unitsTotal = total
	t.hasTotal = hasTotal
}

func (t *Task) markCancelled() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *Task) addChild(id int64) {
	t.mu.Lock()
	t.children = append(t.children, id)
	t.mu.Unlock()
}

func (t *Task) childIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.children...)
}
