package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config tunes the scheduler's concurrency and politeness (§4.3). The
// aggregate items/sec cap is a separate, independent constraint enforced by
// fetch.Client against every HTTP GET (including embeds); it is not part of
// this Config because the scheduler never sees individual network calls,
// only task starts.
type Config struct {
	// PolitenessDelay is the minimum spacing between top-level (non-embed)
	// resource downloads. Tests may set this to 0 to disable it.
	PolitenessDelay time.Duration
	// MaxConcurrentFetches bounds simultaneous network fetches.
	MaxConcurrentFetches int64
	// PruneInterval is how often completed top-level tasks are swept.
	PruneInterval time.Duration
}

// DefaultConfig returns the §4.3 defaults: 1s politeness delay, 4 concurrent
// fetches. The separate 2 items/sec aggregate cap lives in fetch.ClientOptions.
func DefaultConfig() Config {
	return Config{
		PolitenessDelay:      time.Second,
		MaxConcurrentFetches: 4,
		PruneInterval:        5 * time.Minute,
	}
}

// Scheduler owns one project's task tree. All structural mutations to the
// tree go through its mutex-guarded maps; the run loop only handles
// periodic pruning and hibernation bookkeeping, grounded on the same
// Start/Stop/run/stopCh/doneCh run-loop shape used elsewhere in this
// codebase for a long-lived background goroutine.
type Scheduler struct {
	exec     Executor
	listener Listener
	cfg      Config

	// politeness throttles top-level (non-embed) resource downloads to the
	// configured minimum spacing; it is separate from and in addition to
	// fetch.Client's own aggregate items/sec cap, which applies to every
	// HTTP GET regardless of embed status.
	politeness *rate.Limiter
	netSem     *semaphore.Weighted

	mu          sync.Mutex
	tasks       map[int64]*Task
	cancels     map[int64]context.CancelFunc
	nextID      int64
	rootID      int64
	hibernation HibernationStore

	wg      sync.WaitGroup
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Scheduler with its Root task, but does not start the
// background run loop; call Start to begin periodic pruning. Tasks can be
// scheduled whether or not the loop is running.
func New(exec Executor, listener Listener, cfg Config) *Scheduler {
	if listener == nil {
		listener = NoopListener{}
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 4
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 5 * time.Minute
	}

	s := &Scheduler{
		exec:       exec,
		listener:   listener,
		cfg:        cfg,
		politeness: rate.NewLimiter(rate.Every(cfg.PolitenessDelay), 1),
		netSem:     semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		tasks:      make(map[int64]*Task),
		cancels:    make(map[int64]context.CancelFunc),
	}

	s.nextID = 1
	s.rootID = s.nextID
	s.nextID++
	root := newTask(s.rootID, 0, KindRoot, "root", Background, Payload{})
	root.state = Running
	s.tasks[s.rootID] = root

	return s
}

// Start begins the background prune loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop ends the background prune loop and waits for it to exit; it neither
// cancels nor waits for in-flight task goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pruneCompletedRoots()
		}
	}
}

// RootID returns the id of the per-project Root task (§4.3).
func (s *Scheduler) RootID() int64 {
	return s.rootID
}

// Task returns a snapshot handle for a task id, or nil if unknown (already
// pruned, or never existed).
func (s *Scheduler) Task(id int64) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *Scheduler) newTaskLocked(parentID int64, kind Kind, title string, priority Priority, payload Payload) *Task {
	id := s.nextID
	s.nextID++
	t := newTask(id, parentID, kind, title, priority, payload)
	s.tasks[id] = t
	if parent, ok := s.tasks[parentID]; ok {
		parent.addChild(id)
	}
	return t
}

func (s *Scheduler) addTask(parentID int64, kind Kind, title string, priority Priority, payload Payload) *Task {
	s.mu.Lock()
	t := s.newTaskLocked(parentID, kind, title, priority, payload)
	s.mu.Unlock()
	s.listener.OnTaskAdded(parentID, t.ID, kind, title)
	return t
}

func (s *Scheduler) setState(t *Task, state State, err error) {
	if !t.setState(state, err) {
		return
	}
	s.listener.OnTaskState(t.ID, state, err)
}

func (s *Scheduler) setCancel(id int64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) clearCancel(id int64) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

// Cancel marks taskID and all of its descendants cancelled and cancels the
// context driving their in-flight work, if any (§4.3 Cancellation).
// Cancellation is cooperative and idempotent: it is not an error for an
// already-terminal task.
func (s *Scheduler) Cancel(taskID int64) {
	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	s.mu.Unlock()
	if ok {
		cancel() // cancels this task's context tree; descendants derive from it
	}

	s.mu.Lock()
	var walk func(id int64)
	walk = func(id int64) {
		t, ok := s.tasks[id]
		if !ok {
			return
		}
		t.markCancelled()
		for _, c := range t.childIDs() {
			walk(c)
		}
	}
	walk(taskID)
	s.mu.Unlock()
}

// pruneCompletedRoots removes top-level (direct Root children) tasks whose
// state is terminal, so the tree does not grow unboundedly (§4.3
// Completed-root pruning).
func (s *Scheduler) pruneCompletedRoots() {
	s.mu.Lock()
	root, ok := s.tasks[s.rootID]
	if !ok {
		s.mu.Unlock()
		return
	}
	children := root.childIDs()
	var toRemove []int64
	for _, id := range children {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if isTerminal(t.State()) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		s.removeSubtreeLocked(id)
	}
	if len(toRemove) > 0 {
		root.mu.Lock()
		kept := root.children[:0]
		removedSet := make(map[int64]bool, len(toRemove))
		for _, id := range toRemove {
			removedSet[id] = true
		}
		for _, id := range root.children {
			if !removedSet[id] {
				kept = append(kept, id)
			}
		}
		root.children = kept
		root.mu.Unlock()
	}
	s.mu.Unlock()

	for _, id := range toRemove {
		s.listener.OnTaskRemoved(id)
	}
}

// removeSubtreeLocked deletes id and its descendants from s.tasks. Caller
// holds s.mu.
func (s *Scheduler) removeSubtreeLocked(id int64) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	for _, c := range t.childIDs() {
		s.removeSubtreeLocked(c)
	}
	delete(s.tasks, id)
	delete(s.cancels, id)
}

// ScheduleDownloadResource enqueues a top-level DownloadResource task and
// begins dispatching it in the background. staleBefore of 0 means unset.
func (s *Scheduler) ScheduleDownloadResource(ctx context.Context, resourceID int64, priority Priority, staleBefore int64) int64 {
	t := s.addTask(s.rootID, KindDownloadResource, fmt.Sprintf("download resource %d", resourceID), priority,
		Payload{ResourceID: resourceID, StaleBefore: staleBefore})

	taskCtx, cancel := context.WithCancel(ctx)
	s.setCancel(t.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.clearCancel(t.ID)
		s.runDownloadResource(taskCtx, t, false, nil)
	}()

	return t.ID
}

// ScheduleDownloadGroup enqueues a top-level DownloadGroup task: refresh
// membership, then DownloadResource every non-do-not-download member
// (§4.3 DownloadGroup).
func (s *Scheduler) ScheduleDownloadGroup(ctx context.Context, groupID int64, priority Priority) int64 {
	t := s.addTask(s.rootID, KindDownloadGroup, fmt.Sprintf("download group %d", groupID), priority,
		Payload{GroupID: groupID})

	taskCtx, cancel := context.WithCancel(ctx)
	s.setCancel(t.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.clearCancel(t.ID)
		s.runDownloadGroup(taskCtx, t, priority)
	}()

	return t.ID
}

// Wait blocks until taskID reaches a terminal state, polling at a short
// interval. It is meant for CLI commands that schedule one task and block
// to completion; a listener-driven UI should use OnTaskState instead.
func (s *Scheduler) Wait(ctx context.Context, taskID int64) (State, error) {
	const pollInterval = 20 * time.Millisecond
	for {
		t := s.Task(taskID)
		if t == nil {
			return Completed, nil
		}
		if st := t.State(); isTerminal(st) {
			return st, t.Err()
		}
		select {
		case <-ctx.Done():
			return Pending, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func isTerminal(s State) bool {
	return s == Completed || s == Failed || s == Cancelled
}
