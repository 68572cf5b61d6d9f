package db

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
)

// BodyPath returns the on-disk path of a revision body under the given
// major version, a pure function of (majorVersion, id) per §3.2/§6.3.
func BodyPath(dir string, majorVersion int, id int64) string {
	if majorVersion <= 1 {
		return filepath.Join(dir, "revisions", fmt.Sprintf("%d", id))
	}
	return filepath.Join(dir, "revisions", hexShardPath(id))
}

// hexShardPath implements the major_version=2 layout: the id written as 15
// hex digits and split AAA/BBB/CCC/DDD/EEE, 4096-way fanout per directory.
func hexShardPath(id int64) string {
	hex := fmt.Sprintf("%015x", id)
	return filepath.Join(hex[0:3], hex[3:6], hex[6:9], hex[9:12], hex[12:15])
}

// MinFreeBytes returns the guard threshold from §4.1: min(4 GiB, 5% of
// volume). totalBytes is supplied by the caller (platform-specific
// statfs lives in the fetch/project wiring layer) so this stays portable.
func MinFreeBytes(totalBytes uint64) uint64 {
	const fourGiB = 4 << 30
	fivePct := totalBytes / 20
	if fivePct < fourGiB {
		return fivePct
	}
	return fourGiB
}

// PendingBody is a body staged under the durability-critical write protocol
// of §4.1: write to a temp file in tmp/, fsync it, then the caller commits the
// database row, then renames the temp file into place and fsyncs the
// parent directory. StageRevisionBody performs the first half (steps 2);
// FinalizeRevisionBody performs the second half (step 4) after commit.
type PendingBody struct {
	tmpPath string
	size    int64
}

// Size returns the staged body's byte length (0 for an empty/no-op body).
func (pb PendingBody) Size() int64 { return pb.size }

// StageRevisionBody streams r into a temp file under tmp/ and fsyncs it.
// Returns a zero PendingBody (no file) if n == 0, matching "if non-error and
// non-empty" in §3.1 — empty bodies are not written to disk at all.
func (s *Store) StageRevisionBody(r io.Reader) (PendingBody, error) {
	tmpDir := filepath.Join(s.dir, "tmp")
	f, err := os.CreateTemp(tmpDir, "revision-*")
	if err != nil {
		return PendingBody{}, fmt.Errorf("create temp body: %w", err)
	}
	defer f.Close()

	n, err := copyLarge(f, r)
	if err != nil {
		os.Remove(f.Name())
		return PendingBody{}, fmt.Errorf("stream body: %w", err)
	}
	if n == 0 {
		os.Remove(f.Name())
		return PendingBody{}, nil
	}
	if err := f.Sync(); err != nil {
		os.Remove(f.Name())
		return PendingBody{}, fmt.Errorf("fsync body: %w", err)
	}
	return PendingBody{tmpPath: f.Name(), size: n}, nil
}

// copyLarge streams from r to w reusing a single buffer, grounded on the
// download pipeline's requirement (§4.4 step 3) to avoid per-chunk
// allocation for large bodies.
func copyLarge(w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	return io.CopyBuffer(w, r, buf)
}

// FinalizeRevisionBody renames the staged temp file to its final path for
// revision id at the store's current major version, then fsyncs the parent
// directory (§4.1 step 4). A zero PendingBody (empty body) is a no-op.
func (s *Store) FinalizeRevisionBody(pb PendingBody, majorVersion int, id int64) error {
	if pb.tmpPath == "" {
		return nil
	}
	finalPath := BodyPath(s.dir, majorVersion, id)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("create body shard dir: %w", err)
	}
	if err := os.Rename(pb.tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename body into place: %w", err)
	}
	return fsyncDir(filepath.Dir(finalPath))
}

// AbandonRevisionBody removes a staged temp file, used when the enclosing
// transaction failed before commit.
func (s *Store) AbandonRevisionBody(pb PendingBody) {
	if pb.tmpPath != "" {
		os.Remove(pb.tmpPath)
	}
}

// OpenRevisionBody opens a revision body for reading. Returns a
// crystalerr.RevisionBodyMissing error if absent, which callers may
// translate into a re-download (§4.1 "Revision read").
func (s *Store) OpenRevisionBody(majorVersion int, id int64) (*os.File, error) {
	path := BodyPath(s.dir, majorVersion, id)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, crystalerr.New("db.OpenRevisionBody", crystalerr.RevisionBodyMissing, err)
	}
	return f, err
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// RepairOrphanBody scans for a body file at the highest revision id that
// has no matching database row and deletes it (§4.1 step 4, §7 "orphan
// bodies may exist transiently"). It is called once on writable open.
func (s *Store) RepairOrphanBody(ctx context.Context, majorVersion int) error {
	maxID, err := s.queries.MaxRevisionID(ctx)
	if err != nil {
		return err
	}
	candidate := maxID + 1
	path := BodyPath(s.dir, majorVersion, candidate)
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	}
	return nil
}

// RepairMissingBody implements the "three earlier revisions readable"
// proactive-repair heuristic from §4.1 step 6: if the newest revision's
// body is missing but the three before it are readable, the row itself is
// deleted (tolerating a transient write failure without a false positive
// for an ordinary crash during write).
const repairReadableWitnesses = 3

func (s *Store) RepairMissingBody(ctx context.Context, majorVersion int) error {
	ids, err := s.queries.ListRevisionIDsDesc(ctx, repairReadableWitnesses+1)
	if err != nil {
		return err
	}
	if len(ids) < repairReadableWitnesses+1 {
		return nil
	}

	newest := ids[0]
	rev, err := s.queries.GetRevision(ctx, newest)
	if err != nil {
		return err
	}
	if rev.Error != "null" {
		return nil // error revisions never have a body; nothing to repair
	}
	if _, err := os.Stat(BodyPath(s.dir, majorVersion, newest)); err == nil {
		return nil // body present, nothing to do
	}

	for _, id := range ids[1:] {
		if _, err := os.Stat(BodyPath(s.dir, majorVersion, id)); err != nil {
			return nil // an earlier witness is also unreadable; don't guess
		}
	}

	return s.WithTx(ctx, func(q *Queries) error {
		return q.DeleteRevision(ctx, newest)
	})
}
