package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/project"
	"github.com/crystalarchiver/crystal/internal/task"
)

var addRootCmd = &cobra.Command{
	Use:   "add-root <dir> <url> <name>",
	Short: "Create a Root Resource from a URL",
	Args:  cobra.ExactArgs(3),
	RunE:  runAddRoot,
}

func init() {
	rootCmd.AddCommand(addRootCmd)
}

func runAddRoot(cmd *cobra.Command, args []string) error {
	dir, url, name := args[0], args[1], args[2]
	ctx := cmd.Context()

	p, err := project.Open(ctx, dir, true, loadConfig(), task.NoopListener{})
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer p.Close(context.Background())

	resource, _, err := p.Model.GetOrCreate(ctx, url)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", url, err)
	}
	root, err := p.Model.AddRootResource(ctx, resource.ID, name)
	if err != nil {
		return fmt.Errorf("add root %s: %w", name, err)
	}
	fmt.Printf("added root %q -> resource %d (%s)\n", root.Name, resource.ID, resource.URL)
	return nil
}
