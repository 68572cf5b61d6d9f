package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/project"
	"github.com/crystalarchiver/crystal/internal/task"
)

var downloadCmd = &cobra.Command{
	Use:   "download <dir> <url|group-name>",
	Short: "Schedule a download and block until it completes",
	Args:  cobra.ExactArgs(2),
	RunE:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	dir, target := args[0], args[1]
	ctx := cmd.Context()

	p, err := project.Open(ctx, dir, true, loadConfig(), task.NoopListener{})
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer p.Close(context.Background())

	groups, err := p.Model.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if g.Name == target {
			taskID := p.Scheduler.ScheduleDownloadGroup(ctx, g.ID, task.Interactive)
			return waitAndReport(ctx, p, taskID)
		}
	}

	resource, _, err := p.Model.GetOrCreate(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}
	taskID := p.Scheduler.ScheduleDownloadResource(ctx, resource.ID, task.Interactive, 0)
	return waitAndReport(ctx, p, taskID)
}

func waitAndReport(ctx context.Context, p *project.Project, taskID int64) error {
	state, err := p.Scheduler.Wait(ctx, taskID)
	if err != nil {
		return fmt.Errorf("wait for task %d: %w", taskID, err)
	}
	if state != task.Completed {
		t := p.Scheduler.Task(taskID)
		if t != nil && t.Err() != nil {
			return fmt.Errorf("task %d ended %s: %w", taskID, state, t.Err())
		}
		return fmt.Errorf("task %d ended %s", taskID, state)
	}
	fmt.Printf("task %d completed\n", taskID)
	return nil
}
