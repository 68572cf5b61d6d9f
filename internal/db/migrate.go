package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// MigrationListener reports v1->v2 migration progress (§4.1).
type MigrationListener interface {
	WillUpgradeRevisions(total int)
	UpgradingRevision(i int)
	DidUpgradeRevisions()
}

// NoopMigrationListener discards progress reports.
type NoopMigrationListener struct{}

func (NoopMigrationListener) WillUpgradeRevisions(int) {}
func (NoopMigrationListener) UpgradingRevision(int)    {}
func (NoopMigrationListener) DidUpgradeRevisions()     {}

const fsyncEveryRenames = 4096

// NeedsMigration reports whether the project's recorded major_version is
// below CurrentMajorVersion, or a migration is already in progress.
func (s *Store) NeedsMigration(ctx context.Context) (bool, error) {
	v, old, err := s.MajorVersion(ctx)
	if err != nil {
		return false, err
	}
	if v > CurrentMajorVersion {
		return false, nil
	}
	return v < CurrentMajorVersion || old != 0, nil
}

// MajorVersion returns (major_version, major_version_old-if-any) per §3.1.
// A missing property defaults major_version to 1 (§3.1).
func (s *Store) MajorVersion(ctx context.Context) (int, int, error) {
	v, ok, err := s.queries.GetProjectProperty(ctx, "major_version")
	if err != nil {
		return 0, 0, err
	}
	major := 1
	if ok {
		fmt.Sscanf(v, "%d", &major)
	}
	old := 0
	if ov, ok, err := s.queries.GetProjectProperty(ctx, "major_version_old"); err != nil {
		return 0, 0, err
	} else if ok {
		fmt.Sscanf(ov, "%d", &old)
	}
	return major, old, nil
}

// ResumeOrMigrateV1ToV2 runs the v1->v2 migration described in §4.1,
// resuming from whatever point a previous crash left the project at:
//
//   - major_version==1, no revisions.inprogress/: fresh migration.
//   - major_version==1, revisions.inprogress/ exists: resume the rename
//     shuffle (crashed before the point-of-no-return commit).
//   - major_version==2, revisions.inprogress/ exists: the commit happened
//     but the final directory rename-swap did not finish; resume there.
//
// The repair direction is always forward: this build assumes forward-only
// resumption, never rolling a partially-migrated project back to v1.
func (s *Store) ResumeOrMigrateV1ToV2(ctx context.Context, listener MigrationListener) error {
	if listener == nil {
		listener = NoopMigrationListener{}
	}

	major, _, err := s.MajorVersion(ctx)
	if err != nil {
		return err
	}

	inprogress := filepath.Join(s.dir, "revisions.inprogress")
	_, inprogressErr := os.Stat(inprogress)
	hasInprogress := inprogressErr == nil

	switch {
	case major == 1 && !hasInprogress:
		return s.migrateV1ToV2(ctx, listener)
	case major == 1 && hasInprogress:
		return s.resumeRenameShuffle(ctx, listener)
	case major == 2 && hasInprogress:
		return s.finishDirectorySwap(ctx)
	default:
		return nil
	}
}

func (s *Store) migrateV1ToV2(ctx context.Context, listener MigrationListener) error {
	inprogress := filepath.Join(s.dir, "revisions.inprogress")
	if err := os.MkdirAll(inprogress, 0755); err != nil {
		return fmt.Errorf("create revisions.inprogress: %w", err)
	}
	if err := s.shuffleIntoInprogress(ctx, listener); err != nil {
		return err
	}
	return s.finishDirectorySwap(ctx)
}

func (s *Store) resumeRenameShuffle(ctx context.Context, listener MigrationListener) error {
	if err := s.shuffleIntoInprogress(ctx, listener); err != nil {
		return err
	}
	return s.finishDirectorySwap(ctx)
}

// shuffleIntoInprogress renames every extant v1 body into its v2 shard path
// under revisions.inprogress/, fsyncing every fsyncEveryRenames renames and
// at the end (§4.1).
func (s *Store) shuffleIntoInprogress(ctx context.Context, listener MigrationListener) error {
	maxID, err := s.queries.MaxRevisionID(ctx)
	if err != nil {
		return err
	}
	listener.WillUpgradeRevisions(int(maxID))

	inprogress := filepath.Join(s.dir, "revisions.inprogress")
	sinceSync := 0
	for id := int64(1); id <= maxID; id++ {
		oldPath := BodyPath(s.dir, 1, id)
		if _, err := os.Stat(oldPath); err != nil {
			continue // error revision or empty body: nothing to move
		}
		newPath := filepath.Join(inprogress, hexShardPath(id))
		if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
			return err
		}
		if _, err := os.Stat(newPath); err == nil {
			continue // already moved by a previous, crashed attempt
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("rename revision %d into v2 layout: %w", id, err)
		}
		listener.UpgradingRevision(int(id))

		sinceSync++
		if sinceSync >= fsyncEveryRenames {
			if err := fsyncDir(filepath.Dir(newPath)); err != nil {
				return err
			}
			sinceSync = 0
		}
	}
	if err := fsyncDir(inprogress); err != nil {
		return err
	}
	listener.DidUpgradeRevisions()

	// Point of no return: commit major_version=2, keeping major_version_old=1
	// until the directory swap below completes.
	return s.WithTx(ctx, func(q *Queries) error {
		if err := q.SetProjectProperty(ctx, "major_version", "2"); err != nil {
			return err
		}
		return q.SetProjectProperty(ctx, "major_version_old", "1")
	})
}

// finishDirectorySwap performs the filesystem-level finalization: move the
// old flat revisions/ tree aside, promote revisions.inprogress/ to
// revisions/, fsync the parent, and clear major_version_old (§4.1 step 4,
// "repair step").
func (s *Store) finishDirectorySwap(ctx context.Context) error {
	inprogress := filepath.Join(s.dir, "revisions.inprogress")
	revisions := filepath.Join(s.dir, "revisions")
	oldRevisions := filepath.Join(s.dir, "tmp", "old_revisions")

	if _, err := os.Stat(inprogress); err != nil {
		return nil // already finished
	}

	if _, err := os.Stat(revisions); err == nil {
		if err := os.MkdirAll(filepath.Join(s.dir, "tmp"), 0755); err != nil {
			return err
		}
		if _, err := os.Stat(oldRevisions); err != nil {
			if err := os.Rename(revisions, oldRevisions); err != nil {
				return fmt.Errorf("move aside old revisions tree: %w", err)
			}
		}
	}
	if err := os.Rename(inprogress, revisions); err != nil {
		return fmt.Errorf("promote revisions.inprogress: %w", err)
	}
	if err := fsyncDir(s.dir); err != nil {
		return err
	}

	return s.WithTx(ctx, func(q *Queries) error {
		return q.DeleteProjectProperty(ctx, "major_version_old")
	})
}
