package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/db"
)

var statsCmd = &cobra.Command{
	Use:   "stats <dir>",
	Short: "Print resource/revision counts and the project's major version",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	dir := args[0]
	ctx := cmd.Context()

	store, err := db.Open(dir, false)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer store.Close()

	resources, err := store.Queries().CountResources(ctx)
	if err != nil {
		return fmt.Errorf("count resources: %w", err)
	}
	revisions, err := store.Queries().CountRevisions(ctx)
	if err != nil {
		return fmt.Errorf("count revisions: %w", err)
	}
	major, _, err := store.MajorVersion(ctx)
	if err != nil {
		return fmt.Errorf("read major version: %w", err)
	}

	fmt.Printf("dir:             %s\n", dir)
	fmt.Printf("major version:   %d\n", major)
	fmt.Printf("resources:       %d\n", resources)
	fmt.Printf("revisions:       %d\n", revisions)
	return nil
}
