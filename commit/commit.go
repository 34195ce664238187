// Package commit implements the commit pipeline of §4.7: the
// single worker that, holding the repository-wide write lock, finalizes
// a transaction's mutable tree into a new immutable revision.
package commit

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/fsfscore/changes"
	"github.com/rcowham/fsfscore/config"
	"github.com/rcowham/fsfscore/deltabase"
	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/lock"
	"github.com/rcowham/fsfscore/lockverify"
	"github.com/rcowham/fsfscore/model"
	"github.com/rcowham/fsfscore/repcache"
	"github.com/rcowham/fsfscore/repwriter"
	"github.com/rcowham/fsfscore/tree"
	"github.com/rcowham/fsfscore/txn"
)

// ContentSource supplies the bytes this core itself never owns the
// format of: file contents (already streamed into the proto-rev during
// earlier Put calls, re-fetched here only for re-hashing/prefetch),
// directory entry listings, and serialized property hashes (§1
// "low-level node-revision serializer" collaborator).
type ContentSource interface {
	FileData(path string) ([]byte, error)
	Props(path string, isDir bool) ([]byte, error)
	DirEntries(path string, children map[string]model.NodeId) ([]byte, error)
}

// Deps bundles every external collaborator the pipeline needs, keeping
// Commit's own signature small. PrehashPool is optional: when set, file
// content for mutable data reps is prefetched concurrently ahead of the
// sequential tree walk (§9's allowance for a bounded worker
// pool doing read-ahead outside the single-writer serialization).
type Deps struct {
	Layout            *layout.Layout
	Registry          *txn.Registry
	RepCache          *repcache.RepCache
	Config            *config.Config
	Logger            *logrus.Logger
	Locker            lockverify.PathLocker
	Content           ContentSource
	BaseFetcher       repwriter.BaseContentFetcher
	SidecarLookup     repwriter.SidecarLookup
	Predecessors      func(path string, forProps bool) deltabase.PredecessorLookup
	ChainLengths      func(path string, forProps bool) deltabase.ChainLength
	Verify            repcache.VerifyFunc
	PrehashPool       *pond.WorkerPool
	LegacyStartNodeID int64
	LegacyStartCopyID int64
}

// Result reports what a successful commit produced.
type Result struct {
	Revision           model.Rev
	RootOffset         int64
	ChangedPathsOffset int64
}

// Commit runs the full pipeline of §4.7 against an open
// transaction tx whose mutable tree is tr, rooted previously at
// headRoot (the committed root NodeRev of tx.BaseRev, supplied by the
// caller's tree collaborator so this package never reads revs/ itself).
func Commit(deps Deps, user string, tx *txn.Txn, tr *tree.Tree, headRoot model.NodeRev, now time.Time) (*Result, error) {
	writeLock, err := lock.AcquireWriteLock(deps.Layout.WriteLockFile())
	if err != nil {
		return nil, fmt.Errorf("acquiring write lock: %w", err)
	}
	defer writeLock.Release()

	// Step 1.
	oldRev, nextNodeID, nextCopyID, err := deps.Layout.ReadCurrent()
	if err != nil {
		return nil, err
	}
	if tx.BaseRev != oldRev {
		return nil, fmt.Errorf("%w: txn base %d, current youngest %d", errs.ErrTxnOutOfDate, tx.BaseRev, oldRev)
	}

	// Step 2.
	records, err := changes.ReadAll(deps.Layout.TxnChangesFile(string(tx.ID)))
	if err != nil {
		return nil, err
	}
	folded, err := changes.Fold(records)
	if err != nil {
		return nil, err
	}
	if deps.Locker != nil {
		if err := lockverify.Verify(deps.Locker, user, folded); err != nil {
			return nil, err
		}
	}

	// Step 3.
	newRev := oldRev + 1

	// Step 4.
	pw, err := txn.GetWritableProtoRev(deps.Registry, deps.Layout, tx.ID, false)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			pw.Close()
		}
	}()

	initialOffset, err := pw.Offset()
	if err != nil {
		return nil, err
	}

	deps.RepCache.BeginCommit()
	var insertRows []repcache.Row

	fetchFileData := prefetchFileContent(deps, tr)

	// Step 5: depth-first, children before parents (tree.Walk's order).
	entries := tree.Walk(tr)
	rootOffset := int64(-1)
	for _, e := range entries {
		n := e.Node
		isRoot := e.Path == ""

		if n.Rev.Kind == model.KindDir {
			if n.Rev.DataRep != nil && n.Rev.DataRep.Mutable() {
				children := map[string]model.NodeId{}
				for name, child := range n.Children {
					children[name] = child.Rev.ID
				}
				content, err := deps.Content.DirEntries(e.Path, children)
				if err != nil {
					return nil, fmt.Errorf("serializing directory %q: %w", e.Path, err)
				}
				rep, rows, err := writeRep(deps, pw, tx.ID, newRev, oldRev, e.Path, content, n.Rev.PredecessorCount, false)
				if err != nil {
					return nil, err
				}
				n.Rev.DataRep = rep
				insertRows = append(insertRows, rows...)
			}
		} else {
			if n.Rev.DataRep != nil && n.Rev.DataRep.Mutable() {
				// Content was already streamed into this proto-rev by an
				// earlier Put; commit only re-stamps the revision and
				// sanity-checks the byte range lands before this
				// commit's own writes (§4.7 step 5, "detects
				// truncated proto-rev corruption").
				if n.Rev.DataRep.Offset+n.Rev.DataRep.Size > initialOffset {
					return nil, fmt.Errorf("%w: data rep for %q extends past initial proto-rev offset", errs.ErrCorrupt, e.Path)
				}
				freshlyWritten := n.Rev.DataRep.TxnID == tx.ID
				n.Rev.DataRep.Revision = newRev
				n.Rev.DataRep.TxnID = ""
				if freshlyWritten && deps.Config.RepSharingEnabled && n.Rev.DataRep.HasSHA1 {
					insertRows = append(insertRows, repcache.Row{
						SHA1Hex:      fmt.Sprintf("%x", n.Rev.DataRep.SHA1),
						Revision:     newRev,
						Offset:       n.Rev.DataRep.Offset,
						Size:         n.Rev.DataRep.Size,
						ExpandedSize: n.Rev.DataRep.ExpandedSize,
					})
				}
				_, _ = fetchFileData(e.Path) // optional prefetch warm-up only
			}
		}

		if n.Rev.PropRep != nil && n.Rev.PropRep.Mutable() {
			content, err := deps.Content.Props(e.Path, n.Rev.Kind == model.KindDir)
			if err != nil {
				return nil, fmt.Errorf("serializing properties for %q: %w", e.Path, err)
			}
			rep, rows, err := writeRep(deps, pw, tx.ID, newRev, oldRev, e.Path, content, n.Rev.PredecessorCount, true)
			if err != nil {
				return nil, err
			}
			n.Rev.PropRep = rep
			insertRows = append(insertRows, rows...)
		}

		finalID, err := finalizeID(n.Rev.ID, newRev, deps.Config.LegacyFormat, deps.LegacyStartNodeID, deps.LegacyStartCopyID)
		if err != nil {
			return nil, fmt.Errorf("finalizing node id for %q: %w", e.Path, err)
		}
		n.Rev.ID = finalID

		if isRoot {
			rootOffset, err = pw.Offset()
			if err != nil {
				return nil, err
			}
			wantDelta := int(newRev - oldRev)
			if n.Rev.PredecessorCount-headRoot.PredecessorCount != wantDelta {
				return nil, fmt.Errorf("%w: root predecessor_count advanced by %d, expected %d",
					errs.ErrCorrupt, n.Rev.PredecessorCount-headRoot.PredecessorCount, wantDelta)
			}
		}
		if err := writeNodeRevRecord(pw.File, n.Rev); err != nil {
			return nil, fmt.Errorf("writing node-rev record for %q: %w", e.Path, err)
		}
	}
	if rootOffset < 0 {
		return nil, fmt.Errorf("%w: tree walk never visited the root", errs.ErrCorrupt)
	}

	// Step 6.
	changedPathsOffset, err := pw.Offset()
	if err != nil {
		return nil, err
	}
	if err := writeChangedPaths(pw.File, folded); err != nil {
		return nil, err
	}

	// Step 7.
	if _, err := fmt.Fprintf(pw.File, "%d %d\n", rootOffset, changedPathsOffset); err != nil {
		return nil, fmt.Errorf("writing revision trailer: %w", err)
	}

	// Step 8.
	if err := pw.SyncAndCloseFile(); err != nil {
		return nil, err
	}

	// Step 9.
	if err := deps.Layout.EnsureShardDirs(layout.Rev(newRev)); err != nil {
		return nil, err
	}

	// Step 10.
	protoRevPath := deps.Layout.TxnProtoRevFile(string(tx.ID))
	refFile := deps.Layout.RevFile(layout.Rev(oldRev))
	if err := layout.RenameWithMode(protoRevPath, deps.Layout.RevFile(layout.Rev(newRev)), refFile); err != nil {
		return nil, err
	}

	// Step 11.
	if err := pw.ReleaseLock(); err != nil {
		return nil, err
	}
	committed = true

	// Step 12 (optional): bump svn:date to now.
	txnProps, err := txn.ReadProps(deps.Layout.TxnPropsFile(string(tx.ID)))
	if err == nil {
		txnProps["svn:date"] = now.UTC().Format(time.RFC3339Nano)
		_ = txn.WriteProps(deps.Layout.TxnPropsFile(string(tx.ID)), txnProps)
	}

	// Step 13.
	if err := os.Rename(deps.Layout.TxnPropsFile(string(tx.ID)), deps.Layout.RevPropsFile(layout.Rev(newRev))); err != nil {
		return nil, fmt.Errorf("renaming txn props to revprops: %w", err)
	}

	// Step 14.
	if deps.Config.LegacyFormat {
		localNode, localCopy, idErr := txn.ReadNextIDs(deps.Layout, tx.ID)
		if idErr != nil {
			return nil, idErr
		}
		if err := deps.Layout.BumpCurrent(layout.Rev(newRev), nextNodeID+localNode, nextCopyID+localCopy); err != nil {
			return nil, err
		}
	} else {
		if err := deps.Layout.BumpCurrent(layout.Rev(newRev), 0, 0); err != nil {
			return nil, err
		}
	}

	// Step 15.
	if err := txn.Purge(deps.Registry, deps.Layout, tx.ID); err != nil {
		deps.Logger.WithError(err).Warn("failed to purge committed transaction directory")
	}

	// Step 16, outside the write lock: the lock is dropped here, after
	// the linearization point (bumping current); the deferred Release
	// above then has nothing left to release.
	writeLock.Release()
	if err := deps.RepCache.InsertRows(insertRows); err != nil {
		deps.Logger.WithError(err).Warn("failed to insert rep-cache rows")
	}

	return &Result{Revision: newRev, RootOffset: rootOffset, ChangedPathsOffset: changedPathsOffset}, nil
}

// prefetchFileContent optionally warms deps.Content.FileData for every
// mutable file in the tree using deps.PrehashPool, so the sequential
// per-node loop above never blocks on I/O it could have started
// earlier. Returns a lookup function the loop calls instead of calling
// deps.Content.FileData directly.
func prefetchFileContent(deps Deps, tr *tree.Tree) func(path string) ([]byte, error) {
	if deps.PrehashPool == nil {
		return deps.Content.FileData
	}
	entries := tree.Walk(tr)
	prefetched := map[string][]byte{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range entries {
		if e.Node.Rev.Kind != model.KindFile || e.Node.Rev.DataRep == nil || !e.Node.Rev.DataRep.Mutable() {
			continue
		}
		path := e.Path
		wg.Add(1)
		deps.PrehashPool.Submit(func() {
			defer wg.Done()
			data, err := deps.Content.FileData(path)
			if err != nil {
				deps.Logger.WithError(err).WithField("path", path).Debug("prefetch failed, will refetch inline")
				return
			}
			mu.Lock()
			prefetched[path] = data
			mu.Unlock()
		})
	}
	wg.Wait()
	return func(path string) ([]byte, error) {
		if data, ok := prefetched[path]; ok {
			return data, nil
		}
		return deps.Content.FileData(path)
	}
}

// writeRep drives deltabase.Choose then a repwriter.Writer to produce
// one (possibly delta, possibly shared) representation for content at
// path, returning any rows the caller should later insert into the
// rep-cache.
func writeRep(deps Deps, pw *txn.ProtoRevWriter, txnID model.TxnId, newRev, youngest model.Rev, path string, content []byte, predCount int, forProps bool) (*model.Rep, []repcache.Row, error) {
	var lookup deltabase.PredecessorLookup
	var chainLen deltabase.ChainLength
	if deps.Predecessors != nil {
		lookup = deps.Predecessors(path, forProps)
	}
	if deps.ChainLengths != nil {
		chainLen = deps.ChainLengths(path, forProps)
	}

	var base *model.Rep
	var err error
	if lookup != nil {
		base, err = deltabase.Choose(deps.Config, predCount, forProps, lookup, chainLen)
		if err != nil {
			return nil, nil, err
		}
	}

	sidecarLookup := deps.SidecarLookup
	if sidecarLookup == nil && deps.Layout != nil {
		sidecarLookup = func(sha1Hex string) (*model.Rep, error) {
			return repwriter.LookupSidecarRep(deps.Layout, txnID, sha1Hex)
		}
	}
	w, err := repwriter.Open(pw, deps.Layout, deps.Config, deps.RepCache, deps.Logger, txnID, fmt.Sprintf("%s/%d", txnID, newRev), base, deps.BaseFetcher, sidecarLookup, youngest)
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.Write(content); err != nil {
		return nil, nil, err
	}
	result, err := w.Close(deps.Verify)
	if err != nil {
		return nil, nil, err
	}

	var rows []repcache.Row
	if !result.Shared && deps.Config.RepSharingEnabled && result.Rep.HasSHA1 {
		rows = append(rows, repcache.Row{
			SHA1Hex:      fmt.Sprintf("%x", result.Rep.SHA1),
			Revision:     newRev,
			Offset:       result.Rep.Offset,
			Size:         result.Rep.Size,
			ExpandedSize: result.Rep.ExpandedSize,
		})
	}
	rep := result.Rep
	rep.Revision = newRev
	rep.TxnID = ""
	return &rep, rows, nil
}

// finalizeID rewrites a provisional "_x" node/copy id to its permanent
// form (§4.7 step 5): "x-<new_rev>" in modern format, or
// start_id + x (as a base-36 integer) in legacy format. Already-final
// ids (no "_" prefix) pass through unchanged.
func finalizeID(id model.NodeId, newRev model.Rev, legacy bool, startNodeID, startCopyID int64) (model.NodeId, error) {
	node, err := finalizeComponent(id.NodeID, newRev, legacy, startNodeID)
	if err != nil {
		return id, err
	}
	cp, err := finalizeComponent(id.CopyID, newRev, legacy, startCopyID)
	if err != nil {
		return id, err
	}
	return model.NodeId{NodeID: node, CopyID: cp}, nil
}

func finalizeComponent(component string, newRev model.Rev, legacy bool, startID int64) (string, error) {
	if !strings.HasPrefix(component, "_") {
		return component, nil
	}
	x := strings.TrimPrefix(component, "_")
	if legacy {
		n, err := strconv.ParseInt(x, 36, 64)
		if err != nil {
			return "", fmt.Errorf("parsing provisional id %q: %w", component, err)
		}
		return strconv.FormatInt(startID+n, 36), nil
	}
	return fmt.Sprintf("%s-%d", x, newRev), nil
}

// writeNodeRevRecord appends this core's own compact, self-describing
// node-rev record to w, mirroring the shape of txn's writeProps: a
// handful of labelled lines ending in "END\n". The real node-revision
// wire format is the external serializer §1 names; this exists
// only so the pipeline has something concrete to write per node.
func writeNodeRevRecord(w *os.File, nr model.NodeRev) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "ID %s %s\n", nr.ID.NodeID, nr.ID.CopyID)
	fmt.Fprintf(&b, "KIND %s\n", nr.Kind)
	fmt.Fprintf(&b, "PREDCOUNT %d\n", nr.PredecessorCount)
	if nr.PredecessorID != nil {
		fmt.Fprintf(&b, "PRED %s %s\n", nr.PredecessorID.NodeID, nr.PredecessorID.CopyID)
	}
	fmt.Fprintf(&b, "CREATED %s\n", nr.CreatedPath)
	if nr.HasCopyFrom {
		fmt.Fprintf(&b, "COPYFROM %s@%d\n", nr.CopyFromPath, nr.CopyFromRev)
	}
	writeRepLine(&b, "DATA", nr.DataRep)
	writeRepLine(&b, "PROP", nr.PropRep)
	b.WriteString("END\n")
	_, err := w.Write(b.Bytes())
	return err
}

func writeRepLine(b *bytes.Buffer, label string, rep *model.Rep) {
	if rep == nil {
		fmt.Fprintf(b, "%s -\n", label)
		return
	}
	fmt.Fprintf(b, "%s %d %d %d %d %x %x\n", label, rep.Revision, rep.Offset, rep.Size, rep.ExpandedSize, rep.MD5, rep.SHA1)
}

// writeChangedPaths writes the folded changed-path map to w, sorted
// lexicographically for a deterministic on-disk record.
func writeChangedPaths(w *os.File, folded map[string]model.Change) error {
	paths := make([]string, 0, len(folded))
	for p := range folded {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	j := &changes.Journal{}
	j.SetWriter(w)
	for _, p := range paths {
		if err := j.Append(folded[p]); err != nil {
			return fmt.Errorf("writing changed-path record for %q: %w", p, err)
		}
	}
	return nil
}
