// Package repcache implements the sqlite-backed rep-sharing index of
// §4.4: a SHA1 -> (revision, offset, size, expanded_size)
// lookup, backed by sqlite on disk plus a per-commit in-memory hash.
//
// Grounded on the corpus's idiomatic database/sql + mattn/go-sqlite3
// usage (other_examples' tangled.sh db.go: plain database/sql, a thin
// wrapper struct, WAL pragmas via the connection DSN).
package repcache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS rep_cache (
	hash          TEXT PRIMARY KEY,
	revision      INTEGER NOT NULL,
	offset        INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	expanded_size INTEGER NOT NULL
);
`

// RepCache is the handle to a repository's rep-cache.db plus the
// transient per-commit in-memory hash layered in front of it.
type RepCache struct {
	db        *sql.DB
	logger    *logrus.Logger
	perCommit map[string]model.Rep // sha1-hex -> rep, reset per commit
}

// Open opens (creating if absent) the sqlite rep-cache at path.
func Open(path string, logger *logrus.Logger) (*RepCache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("opening rep-cache %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating rep_cache schema: %w", err)
	}
	return &RepCache{db: db, logger: logger, perCommit: map[string]model.Rep{}}, nil
}

// Close closes the underlying database handle.
func (c *RepCache) Close() error { return c.db.Close() }

// BeginCommit resets the per-commit in-memory hash, so one commit's
// intra-commit duplicate content is deduped before ever touching sqlite.
func (c *RepCache) BeginCommit() { c.perCommit = map[string]model.Rep{} }

// RememberForCommit records a newly-written rep under the per-commit
// hash, available to later reps in the same commit via Lookup.
func (c *RepCache) RememberForCommit(sha1Hex string, rep model.Rep) {
	c.perCommit[sha1Hex] = rep
}

// VerifyFunc checks that a cached (revision, offset, size,
// expandedSize) still names a real rep in that revision file. The
// rep-cache package has no access to revision-file bytes itself
// (that lives in the commit/layout packages), so this is supplied by
// the caller, per §4.4 step 3.
type VerifyFunc func(rev model.Rev, offset, size, expandedSize int64) (bool, error)

// Lookup implements §4.4 steps 2-3: check the per-commit hash,
// then the sqlite rep_cache. youngest is the repository's current
// youngest revision; a cached row pointing past it is hard corruption
// (§9 "Open question" — deliberately not auto-healed).
func (c *RepCache) Lookup(sha1Hex string, youngest model.Rev, verify VerifyFunc) (*model.Rep, error) {
	if rep, ok := c.perCommit[sha1Hex]; ok {
		return &rep, nil
	}

	row := c.db.QueryRow(`SELECT revision, offset, size, expanded_size FROM rep_cache WHERE hash = ?`, sha1Hex)
	var rev int64
	var offset, size, expandedSize int64
	err := row.Scan(&rev, &offset, &size, &expandedSize)
	if err == sql.ErrNoRows {
		return c.lookupSidecar(sha1Hex)
	}
	if err != nil {
		c.logger.WithError(err).WithField("hash", sha1Hex).Warn("rep-cache query failed, treating as no match")
		return nil, nil
	}

	if model.Rev(rev) > youngest {
		return nil, fmt.Errorf("%w: rep-cache row for %s points at revision %d past youngest %d", errs.ErrCorrupt, sha1Hex, rev, youngest)
	}

	ok, err := verify(model.Rev(rev), offset, size, expandedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: rep-cache row for %s failed verification: %v", errs.ErrCorrupt, sha1Hex, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: rep-cache row for %s does not match revision %d contents", errs.ErrCorrupt, sha1Hex, rev)
	}

	return &model.Rep{Revision: model.Rev(rev), Offset: offset, Size: size, ExpandedSize: expandedSize}, nil
}

// lookupSidecar is a hook point for the intra-txn sha1 sidecar lookup
// of §4.4 step 4; the actual sidecar files live under the txn
// directory (a layout concern), so the real lookup happens in the
// commit/repwriter packages which call LookupSidecarRep directly. This
// stub keeps Lookup's control flow matching that four-step order
// while leaving "no match" as the terminal case here.
func (c *RepCache) lookupSidecar(sha1Hex string) (*model.Rep, error) {
	return nil, nil
}

// Stats reports how many representations are recorded in the
// rep-cache, for diagnostic tooling (e.g. a gc-hint command deciding
// whether rep-sharing is actually paying for itself on a repository).
func (c *RepCache) Stats() (count int64, err error) {
	err = c.db.QueryRow(`SELECT COUNT(*) FROM rep_cache`).Scan(&count)
	return count, err
}

// Row is one pending insert for InsertRows.
type Row struct {
	SHA1Hex      string
	Revision     model.Rev
	Offset       int64
	Size         int64
	ExpandedSize int64
}

// InsertRows inserts newly observed (sha1 -> rep) rows under a single
// sqlite transaction, ignoring collisions (§4.7 step 16: "done
// outside the write lock... Collisions are ignored").
func (c *RepCache) InsertRows(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning rep-cache transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO rep_cache (hash, revision, offset, size, expanded_size) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing rep-cache insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.SHA1Hex, int64(r.Revision), r.Offset, r.Size, r.ExpandedSize); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting rep-cache row for %s: %w", r.SHA1Hex, err)
		}
	}
	return tx.Commit()
}
