// Package layout computes canonical on-disk paths for an FSFS-style
// repository and performs the atomic "bump current" rewrite that
// publishes a new revision. Keeps filesystem-shape knowledge
// (journal file layout, node tree paths) in one small place rather
// than scattering path-joining across callers.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Rev is a non-negative, monotonically increasing revision number.
// Revision 0 is the initial empty tree (§3).
type Rev int64

// MaxSupportedFormat is the highest repository format this core understands.
const MaxSupportedFormat = 7

// Layout resolves paths relative to a repository root directory.
type Layout struct {
	Root           string
	MaxFilesPerDir int // 0 disables sharding
	LegacyFormat   bool
}

// New returns a Layout rooted at root.
func New(root string, maxFilesPerDir int, legacy bool) *Layout {
	return &Layout{Root: root, MaxFilesPerDir: maxFilesPerDir, LegacyFormat: legacy}
}

func (l *Layout) path(parts ...string) string {
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

// FormatFile is the path to the single-int repository format marker.
func (l *Layout) FormatFile() string { return l.path("format") }

// CurrentFile is the path to the "youngest" pointer file.
func (l *Layout) CurrentFile() string { return l.path("current") }

// TxnCurrentFile is the path to the base-36 txn sequence counter.
func (l *Layout) TxnCurrentFile() string { return l.path("txn-current") }

// TxnCurrentLockFile guards TxnCurrentFile.
func (l *Layout) TxnCurrentLockFile() string { return l.path("txn-current-lock") }

// WriteLockFile is the repo-wide commit serialization sentinel.
func (l *Layout) WriteLockFile() string { return l.path("write-lock") }

// RepCacheDB is the sqlite rep-sharing database.
func (l *Layout) RepCacheDB() string { return l.path("rep-cache.db") }

// revShard returns the shard subdirectory for revision r, or "" if
// sharding is disabled.
func (l *Layout) revShard(r Rev) string {
	if l.MaxFilesPerDir <= 0 {
		return ""
	}
	return strconv.FormatInt(int64(r)/int64(l.MaxFilesPerDir), 10)
}

// RevDir returns the directory that should contain RevFile(r): the
// shard subdirectory when sharding is enabled, else revs/ itself. It
// only computes the path; EnsureShardDirs creates the directory
// (§4.7 step 9).
func (l *Layout) RevDir(r Rev) string {
	shard := l.revShard(r)
	if shard == "" {
		return l.path("revs")
	}
	return l.path("revs", shard)
}

// RevPropsDir is the revprops analogue of RevDir.
func (l *Layout) RevPropsDir(r Rev) string {
	shard := l.revShard(r)
	if shard == "" {
		return l.path("revprops")
	}
	return l.path("revprops", shard)
}

// EnsureShardDirs creates the shard directories for r if sharding is
// enabled and r is the first revision in its shard. EEXIST is ignored.
func (l *Layout) EnsureShardDirs(r Rev) error {
	if l.MaxFilesPerDir <= 0 {
		return nil
	}
	if int64(r)%int64(l.MaxFilesPerDir) != 0 {
		return nil
	}
	for _, dir := range []string{l.RevDir(r), l.RevPropsDir(r)} {
		if err := os.MkdirAll(dir, 0777); err != nil && !os.IsExist(err) {
			return fmt.Errorf("creating shard dir %s: %w", dir, err)
		}
	}
	return nil
}

// RevFile is the immutable revision file path for revision r.
func (l *Layout) RevFile(r Rev) string {
	return filepath.Join(l.RevDir(r), strconv.FormatInt(int64(r), 10))
}

// RevPropsFile is the revision-properties file path for revision r.
func (l *Layout) RevPropsFile(r Rev) string {
	return filepath.Join(l.RevPropsDir(r), strconv.FormatInt(int64(r), 10))
}

// TxnDir is the workspace directory for a transaction (classic, in-tree
// layout: txns/<TxnId>.txn/).
func (l *Layout) TxnDir(txnID string) string {
	return l.path("txns", txnID+".txn")
}

func (l *Layout) TxnPropsFile(txnID string) string  { return filepath.Join(l.TxnDir(txnID), "props") }
func (l *Layout) TxnNextIDsFile(txnID string) string {
	return filepath.Join(l.TxnDir(txnID), "next-ids")
}
func (l *Layout) TxnChangesFile(txnID string) string { return filepath.Join(l.TxnDir(txnID), "changes") }

// TxnProtoRevFile is the per-txn append-only scratch file that becomes
// the revision file at commit. In the classic layout it lives inside
// the txn directory; newer formats move it (and its lock) out of tree
// so that purge() of the txn directory cannot race a reader still
// holding the proto-rev open (see TxnProtoRevFileOutOfTree below).
func (l *Layout) TxnProtoRevFile(txnID string) string { return filepath.Join(l.TxnDir(txnID), "rev") }

// TxnProtoRevLockFile is the advisory-lock sentinel for the proto-rev file.
func (l *Layout) TxnProtoRevLockFile(txnID string) string {
	return filepath.Join(l.TxnDir(txnID), "rev-lock")
}

// TxnProtoRevFileOutOfTree is the newer-format out-of-tree proto-rev path.
func (l *Layout) TxnProtoRevFileOutOfTree(txnID string) string {
	return l.path("txn-protorevs", txnID+".rev")
}

// TxnProtoRevLockFileOutOfTree is the newer-format out-of-tree lock path.
func (l *Layout) TxnProtoRevLockFileOutOfTree(txnID string) string {
	return l.path("txn-protorevs", txnID+".rev-lock")
}

// TxnSha1SidecarFile is the intra-txn sha1->rep lookup file (§4.4 step 4).
func (l *Layout) TxnSha1SidecarFile(txnID, sha1Hex string) string {
	return filepath.Join(l.TxnDir(txnID), sha1Hex)
}

// ReadFormat reads the repository format marker, defaulting to
// MaxSupportedFormat for a brand-new repository whose format file does
// not exist yet.
func (l *Layout) ReadFormat() (int, error) {
	data, err := os.ReadFile(l.FormatFile())
	if os.IsNotExist(err) {
		return MaxSupportedFormat, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading format: %w", err)
	}
	var format int
	if _, err := fmt.Sscanf(string(data), "%d", &format); err != nil {
		return 0, fmt.Errorf("parsing format file: %w", err)
	}
	if format > MaxSupportedFormat {
		return 0, fmt.Errorf("repository format %d is newer than supported format %d", format, MaxSupportedFormat)
	}
	return format, nil
}

// WriteFormat writes the repository format marker for a brand-new repo.
func (l *Layout) WriteFormat(format int) error {
	return os.WriteFile(l.FormatFile(), []byte(fmt.Sprintf("%d\n", format)), 0666)
}

// ReadCurrent reads the youngest revision from the current pointer file.
// In legacy format the line also carries next node/copy ids, which are
// returned as the second and third values (0 otherwise).
func (l *Layout) ReadCurrent() (rev Rev, nextNodeID, nextCopyID int64, err error) {
	data, err := os.ReadFile(l.CurrentFile())
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading current: %w", err)
	}
	var r int64
	if l.LegacyFormat {
		n, scanErr := fmt.Sscanf(string(data), "%d %d %d", &r, &nextNodeID, &nextCopyID)
		if scanErr != nil || n != 3 {
			return 0, 0, 0, fmt.Errorf("parsing legacy current file: %w", scanErr)
		}
	} else {
		if _, scanErr := fmt.Sscanf(string(data), "%d", &r); scanErr != nil {
			return 0, 0, 0, fmt.Errorf("parsing current file: %w", scanErr)
		}
	}
	return Rev(r), nextNodeID, nextCopyID, nil
}

// BumpCurrent atomically rewrites the current pointer via write-to-temp
// plus rename (§4.7 step 14, the revision bumper's one job).
func (l *Layout) BumpCurrent(rev Rev, nextNodeID, nextCopyID int64) error {
	var line string
	if l.LegacyFormat {
		line = fmt.Sprintf("%d %d %d\n", rev, nextNodeID, nextCopyID)
	} else {
		line = fmt.Sprintf("%d\n", rev)
	}
	return writeAtomic(l.CurrentFile(), []byte(line))
}

// writeAtomic writes data to a temp file in the same directory as path
// and renames it into place, so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file into %s: %w", path, err)
	}
	return nil
}

// WriteAtomic exposes the write-to-temp-then-rename primitive for
// callers outside this package (the txn-current bump in txn).
func WriteAtomic(path string, data []byte) error { return writeAtomic(path, data) }

// RenameWithMode renames src to dst, then chmods dst to match the
// permissions of refFile, mirroring §4.7 step 10's "three
// argument move that also carries over file permissions from a
// reference file".
func RenameWithMode(src, dst, refFile string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", src, dst, err)
	}
	if refFile == "" {
		return nil
	}
	info, err := os.Stat(refFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat reference file %s: %w", refFile, err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return nil
}
