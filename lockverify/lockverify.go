// Package lockverify implements the pre-commit path-lock check of
// §4.8: every folded changed path must be covered by a lock
// the committing user holds, with add/delete/replace requiring
// recursive coverage of the path's whole subtree and modify requiring
// only the exact path.
package lockverify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

// PathLocker answers whether user holds a lock covering path. recursive
// is true when the caller needs coverage of path and every descendant
// (add/delete/replace); false when only the exact path must be locked
// (modify). The lock table itself is an external collaborator — this
// core only drives the traversal order and short-circuiting
// §4.8 specifies.
type PathLocker interface {
	HasLock(user, path string, recursive bool) (bool, error)
}

// Verify checks lock coverage for every entry in changed, in
// lexicographic path order, skipping descendants of a path that was
// already recursively verified (§4.8: "subsequent entries that
// are descendants of P are skipped").
func Verify(locker PathLocker, user string, changed map[string]model.Change) error {
	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var lastRecursiveCovered string
	haveCovered := false

	for _, path := range paths {
		if haveCovered && isDescendant(lastRecursiveCovered, path) {
			continue
		}

		c := changed[path]
		recursive := c.Kind != model.ChangeModify

		ok, err := locker.HasLock(user, path, recursive)
		if err != nil {
			return fmt.Errorf("checking lock for %q: %w", path, err)
		}
		if !ok {
			return fmt.Errorf("%w: %q not locked by %q", errs.ErrPathNotLocked, path, user)
		}

		if recursive {
			lastRecursiveCovered = path
			haveCovered = true
		}
	}
	return nil
}

func isDescendant(parent, child string) bool {
	if parent == "" {
		return false
	}
	prefix := parent
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(child, prefix)
}
