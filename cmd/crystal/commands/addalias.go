package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/project"
	"github.com/crystalarchiver/crystal/internal/task"
)

var aliasExternal bool

var addAliasCmd = &cobra.Command{
	Use:   "add-alias <dir> <src> <dst>",
	Short: "Map a URL prefix onto another, optionally marking it external",
	Args:  cobra.ExactArgs(3),
	RunE:  runAddAlias,
}

func init() {
	addAliasCmd.Flags().BoolVar(&aliasExternal, "external", false, "treat matching resources as external (never downloaded)")
	rootCmd.AddCommand(addAliasCmd)
}

func runAddAlias(cmd *cobra.Command, args []string) error {
	dir, src, dst := args[0], args[1], args[2]
	ctx := cmd.Context()

	p, err := project.Open(ctx, dir, true, loadConfig(), task.NoopListener{})
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer p.Close(context.Background())

	alias, err := p.Model.AddAlias(ctx, src, dst, aliasExternal)
	if err != nil {
		return fmt.Errorf("add alias %s -> %s: %w", src, dst, err)
	}
	fmt.Printf("added alias %s -> %s external=%v\n", alias.SourceURLPrefix, alias.TargetURLPrefix, alias.TargetIsExternal)
	return nil
}
