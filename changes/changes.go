// Package changes implements the changed-paths journal described in
// §4.5: an append-only per-txn record stream plus the fold operation
// that reduces it to a canonical path -> change map.
//
// The journal writer's shape (a small struct wrapping an io.Writer,
// with Create/SetWriter/Append methods) follows the same pattern as a
// git-fast-import journal type; is_child here generalizes a
// hasDirPrefix/hasPrefix helper pair to be path-separator aware rather
// than a raw byte-prefix check.
package changes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

// Journal is the append-only changed-paths record stream for one
// transaction.
type Journal struct {
	filename string
	w        io.Writer
	f        *os.File
}

// Create opens (or creates) filename for append.
func Create(filename string) (*Journal, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening changes journal %s: %w", filename, err)
	}
	return &Journal{filename: filename, w: f, f: f}, nil
}

// SetWriter redirects writes, primarily for tests that want an
// in-memory buffer instead of a real file.
func (j *Journal) SetWriter(w io.Writer) { j.w = w }

// Close closes the backing file, if any.
func (j *Journal) Close() error {
	if j.f != nil {
		return j.f.Close()
	}
	return nil
}

// recordLine serializes one Change as a single text line. The real
// on-disk format is the companion low-level serializer's concern
// (§6: "this core treats it opaquely except for the fold
// rules"); this encoding exists only so this core can append and
// re-read its own journal.
func recordLine(c model.Change) string {
	nodeRevID := ""
	if c.NodeRevID != nil {
		nodeRevID = c.NodeRevID.String()
	}
	copyFrom := ""
	if c.HasCopyFrom {
		copyFrom = fmt.Sprintf("%s@%d", c.CopyFrom.Path, c.CopyFrom.Rev)
	}
	return fmt.Sprintf("%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
		c.Path, c.Kind, nodeRevID, b2i(c.TextMod), b2i(c.PropMod), copyFrom, c.NodeKind)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Append writes one change record to the journal.
func (j *Journal) Append(c model.Change) error {
	_, err := io.WriteString(j.w, recordLine(c))
	return err
}

// ReadAll parses every record appended to filename, in order.
func ReadAll(filename string) ([]model.Change, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening changes journal %s: %w", filename, err)
	}
	defer f.Close()
	return parseAll(f)
}

func parseAll(r io.Reader) ([]model.Change, error) {
	var out []model.Change
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c, err := parseRecord(line)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading changes journal: %w", err)
	}
	return out, nil
}

func parseRecord(line string) (model.Change, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != 7 {
		return model.Change{}, fmt.Errorf("%w: malformed change record %q", errs.ErrCorrupt, line)
	}
	var c model.Change
	c.Path = parts[0]
	switch parts[1] {
	case "add":
		c.Kind = model.ChangeAdd
	case "delete":
		c.Kind = model.ChangeDelete
	case "replace":
		c.Kind = model.ChangeReplace
	case "modify":
		c.Kind = model.ChangeModify
	case "reset":
		c.Kind = model.ChangeReset
	default:
		return model.Change{}, fmt.Errorf("%w: unknown change kind %q", errs.ErrCorrupt, parts[1])
	}
	if parts[2] != "" {
		idParts := strings.SplitN(parts[2], ".", 2)
		if len(idParts) == 2 {
			c.NodeRevID = &model.NodeId{NodeID: idParts[0], CopyID: idParts[1]}
		}
	}
	textMod, err := strconv.Atoi(parts[3])
	if err != nil {
		return model.Change{}, fmt.Errorf("%w: bad text_mod flag", errs.ErrCorrupt)
	}
	c.TextMod = textMod != 0
	propMod, err := strconv.Atoi(parts[4])
	if err != nil {
		return model.Change{}, fmt.Errorf("%w: bad prop_mod flag", errs.ErrCorrupt)
	}
	c.PropMod = propMod != 0
	if parts[5] != "" {
		at := strings.LastIndex(parts[5], "@")
		if at < 0 {
			return model.Change{}, fmt.Errorf("%w: bad copy-from %q", errs.ErrCorrupt, parts[5])
		}
		rev, err := strconv.ParseInt(parts[5][at+1:], 10, 64)
		if err != nil {
			return model.Change{}, fmt.Errorf("%w: bad copy-from revision %q", errs.ErrCorrupt, parts[5])
		}
		c.HasCopyFrom = true
		c.CopyFrom = model.CopyFrom{Path: parts[5][:at], Rev: model.Rev(rev)}
	}
	if parts[6] == "dir" {
		c.NodeKind = model.KindDir
	} else {
		c.NodeKind = model.KindFile
	}
	return c, nil
}

// isChild reports whether child is a proper path-separator-aware
// descendant of parent (never equal to it), the predicate §4.5
// requires for pruning after a delete/replace fold.
func isChild(parent, child string) bool {
	if parent == "" {
		return child != ""
	}
	prefix := parent
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(child, prefix)
}

// Fold reduces an ordered change journal to a canonical path -> change
// map, per the table in §4.5. Implemented with a plain map; child
// pruning scans every map entry after each delete/replace — the
// child-pruning step is the O(n²) hotspot for paths with many
// descendants, and a sorted-tree implementation would avoid it, but a
// full map scan on every delete/replace is the straightforward
// realization without introducing a tree dependency this core does not
// otherwise need.
func Fold(records []model.Change) (map[string]model.Change, error) {
	out := make(map[string]model.Change)
	for _, rec := range records {
		if rec.Kind != model.ChangeReset && rec.NodeRevID == nil {
			return nil, fmt.Errorf("%w: missing node-rev id for %q", errs.ErrCorrupt, rec.Path)
		}

		prior, existed := out[rec.Path]

		switch rec.Kind {
		case model.ChangeReset:
			delete(out, rec.Path)
			continue

		case model.ChangeDelete:
			switch {
			case existed && prior.Kind == model.ChangeAdd:
				delete(out, rec.Path)
			case existed && prior.Kind == model.ChangeDelete:
				return nil, fmt.Errorf("%w: duplicate delete of %q", errs.ErrInvalidChangeOrdering, rec.Path)
			case existed:
				prior.Kind = model.ChangeDelete
				prior.HasCopyFrom = false
				prior.CopyFrom = model.CopyFrom{}
				out[rec.Path] = prior
			default:
				out[rec.Path] = rec
			}
			pruneChildren(out, rec.Path)
			continue

		case model.ChangeAdd, model.ChangeReplace:
			if existed && prior.Kind == model.ChangeDelete {
				merged := rec
				merged.Kind = model.ChangeReplace
				out[rec.Path] = merged
				pruneChildren(out, rec.Path)
				continue
			}
			if existed && rec.Kind == model.ChangeAdd {
				return nil, fmt.Errorf("%w: add over existing non-deleted %q", errs.ErrInvalidChangeOrdering, rec.Path)
			}
			out[rec.Path] = rec
			if rec.Kind == model.ChangeReplace {
				pruneChildren(out, rec.Path)
			}
			continue

		case model.ChangeModify:
			if existed && prior.Kind == model.ChangeDelete {
				return nil, fmt.Errorf("%w: modify of deleted path %q", errs.ErrInvalidChangeOrdering, rec.Path)
			}
			if existed {
				if prior.NodeRevID != nil && rec.NodeRevID != nil && *prior.NodeRevID != *rec.NodeRevID {
					return nil, fmt.Errorf("%w: node-rev id change without prior delete for %q", errs.ErrCorrupt, rec.Path)
				}
				prior.TextMod = prior.TextMod || rec.TextMod
				prior.PropMod = prior.PropMod || rec.PropMod
				prior.NodeRevID = rec.NodeRevID
				out[rec.Path] = prior
			} else {
				out[rec.Path] = rec
			}
			continue

		default:
			return nil, fmt.Errorf("%w: unknown change kind for %q", errs.ErrCorrupt, rec.Path)
		}
	}
	return out, nil
}

// pruneChildren removes every entry whose path is a proper descendant
// of folded (§4.5: "After applying each delete or replace,
// every entry whose path is a proper child of the folded path... is
// removed").
func pruneChildren(m map[string]model.Change, folded string) {
	for path := range m {
		if path != folded && isChild(folded, path) {
			delete(m, path)
		}
	}
}
