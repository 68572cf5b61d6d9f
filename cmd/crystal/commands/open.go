package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/project"
	"github.com/crystalarchiver/crystal/internal/task"
)

var openCmd = &cobra.Command{
	Use:   "open <dir>",
	Short: "Open or initialize a .crystalproj directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpen,
}

func init() {
	rootCmd.AddCommand(openCmd)
}

func runOpen(cmd *cobra.Command, args []string) error {
	dir := args[0]

	p, err := project.Open(cmd.Context(), dir, true, loadConfig(), task.NoopListener{})
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer p.Close(context.Background())

	count, err := p.Store.Queries().CountResources(cmd.Context())
	if err != nil {
		return fmt.Errorf("count resources: %w", err)
	}
	fmt.Printf("%s: ready (%d resources)\n", dir, count)
	return nil
}
