package task

import "context"

// HibernatedTask is the serialized form of a top-level task that survives
// project close/reopen (§4.3 Hibernation & resume).
type HibernatedTask struct {
	Kind    Kind
	Payload Payload
}

// HibernationStore persists the set of in-flight top-level tasks across
// project close, keyed to the project's `hibernated_tasks` property
// (§4.3, §6.2). A nil HibernationStore disables hibernation.
type HibernationStore interface {
	SaveHibernatedTasks(ctx context.Context, tasks []HibernatedTask) error
	LoadHibernatedTasks(ctx context.Context) ([]HibernatedTask, error)
	ClearHibernatedTasks(ctx context.Context) error
}

// SetHibernationStore wires a store used by Hibernate/Resume. Must be
// called before Resume or Hibernate to take effect.
func (s *Scheduler) SetHibernationStore(store HibernationStore) {
	s.mu.Lock()
	s.hibernation = store
	s.mu.Unlock()
}

// Hibernate serializes every still-in-flight top-level task (direct Root
// children not yet terminal) to the HibernationStore, for a project close
// that should survive to the next writable open (§4.3).
func (s *Scheduler) Hibernate(ctx context.Context) error {
	s.mu.Lock()
	store := s.hibernation
	root, ok := s.tasks[s.rootID]
	s.mu.Unlock()
	if store == nil || !ok {
		return nil
	}

	var pending []HibernatedTask
	for _, id := range root.childIDs() {
		t := s.Task(id)
		if t == nil || isTerminal(t.State()) {
			continue
		}
		pending = append(pending, HibernatedTask{Kind: t.Kind, Payload: t.Payload})
	}
	return store.SaveHibernatedTasks(ctx, pending)
}

// Resume reconstitutes hibernated top-level tasks from the
// HibernationStore and re-dispatches them, so a user's large download
// survives a restart (§4.3).
func (s *Scheduler) Resume(ctx context.Context) error {
	s.mu.Lock()
	store := s.hibernation
	s.mu.Unlock()
	if store == nil {
		return nil
	}

	tasks, err := store.LoadHibernatedTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	for _, ht := range tasks {
		switch ht.Kind {
		case KindDownloadResource:
			s.ScheduleDownloadResource(ctx, ht.Payload.ResourceID, Background, ht.Payload.StaleBefore)
		case KindDownloadGroup:
			s.ScheduleDownloadGroup(ctx, ht.Payload.GroupID, Background)
		}
	}
	return store.ClearHibernatedTasks(ctx)
}
