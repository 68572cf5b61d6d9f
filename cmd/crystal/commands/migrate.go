package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystalarchiver/crystal/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <dir>",
	Short: "Run a pending major-version migration",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dir := args[0]
	ctx := cmd.Context()

	store, err := db.Open(dir, true)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer store.Close()

	needsMigration, err := store.NeedsMigration(ctx)
	if err != nil {
		return fmt.Errorf("check migration state: %w", err)
	}
	if !needsMigration {
		fmt.Println("nothing to migrate")
		return nil
	}

	listener := &cliMigrationListener{}
	if err := store.ResumeOrMigrateV1ToV2(ctx, listener); err != nil {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}
	fmt.Println("migration complete")
	return nil
}

type cliMigrationListener struct {
	total int
}

func (l *cliMigrationListener) WillUpgradeRevisions(total int) {
	l.total = total
	fmt.Printf("migrating %d revision bodies\n", total)
}

func (l *cliMigrationListener) UpgradingRevision(i int) {
	fmt.Printf("\r  %d/%d", i, l.total)
}

func (l *cliMigrationListener) DidUpgradeRevisions() {
	fmt.Println()
}
