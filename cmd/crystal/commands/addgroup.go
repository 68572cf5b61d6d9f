package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/entity"
	"github.com/crystalarchiver/crystal/internal/project"
	"github.com/crystalarchiver/crystal/internal/task"
)

var (
	groupSourceRoot string
	groupNoDownload bool
)

var addGroupCmd = &cobra.Command{
	Use:   "add-group <dir> <name> <pattern>",
	Short: "Create a Resource Group from a URL pattern",
	Args:  cobra.ExactArgs(3),
	RunE:  runAddGroup,
}

func init() {
	addGroupCmd.Flags().StringVar(&groupSourceRoot, "source", "", "name of the root resource this group crawls from")
	addGroupCmd.Flags().BoolVar(&groupNoDownload, "no-download", false, "mark matching resources do_not_download")
	rootCmd.AddCommand(addGroupCmd)
}

func runAddGroup(cmd *cobra.Command, args []string) error {
	dir, name, pattern := args[0], args[1], args[2]
	ctx := cmd.Context()

	p, err := project.Open(ctx, dir, true, loadConfig(), task.NoopListener{})
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer p.Close(context.Background())

	sourceKind := entity.SourceNone
	var sourceID int64
	if groupSourceRoot != "" {
		roots, err := p.Model.ListRootResources(ctx)
		if err != nil {
			return fmt.Errorf("list roots: %w", err)
		}
		found := false
		for _, r := range roots {
			if r.Name == groupSourceRoot {
				sourceKind, sourceID, found = entity.SourceRootResource, r.ID, true
				break
			}
		}
		if !found {
			return fmt.Errorf("no root resource named %q", groupSourceRoot)
		}
	}

	group, err := p.Model.AddGroup(ctx, name, pattern, sourceKind, sourceID, groupNoDownload)
	if err != nil {
		return fmt.Errorf("add group %s: %w", name, err)
	}
	fmt.Printf("added group %q pattern=%q do_not_download=%v\n", group.Name, group.Pattern, group.DoNotDownload)
	return nil
}
