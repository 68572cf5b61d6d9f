package project

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crystalarchiver/crystal/internal/db"
	"github.com/crystalarchiver/crystal/internal/task"
)

const hibernatedTasksProperty = "hibernated_tasks"

// hibernationStore implements task.HibernationStore on top of the
// project_properties table, the same key/value escape hatch
// internal/db/migrate.go uses for major_version bookkeeping. It lives here
// rather than in internal/db or internal/task to avoid an import cycle:
// task must not depend on db, and db must not depend on task.
type hibernationStore struct {
	store *db.Store
}

func (h *hibernationStore) SaveHibernatedTasks(ctx context.Context, tasks []task.HibernatedTask) error {
	if len(tasks) == 0 {
		return h.ClearHibernatedTasks(ctx)
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal hibernated tasks: %w", err)
	}
	return h.store.Queries().SetProjectProperty(ctx, hibernatedTasksProperty, string(data))
}

func (h *hibernationStore) LoadHibernatedTasks(ctx context.Context) ([]task.HibernatedTask, error) {
	raw, ok, err := h.store.Queries().GetProjectProperty(ctx, hibernatedTasksProperty)
	if err != nil {
		return nil, fmt.Errorf("read hibernated tasks: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var tasks []task.HibernatedTask
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal hibernated tasks: %w", err)
	}
	return tasks, nil
}

func (h *hibernationStore) ClearHibernatedTasks(ctx context.Context) error {
	return h.store.Queries().SetProjectProperty(ctx, hibernatedTasksProperty, "")
}
