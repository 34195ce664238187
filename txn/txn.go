// Package txn (continued): transaction lifecycle.
package txn

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/lock"
	"github.com/rcowham/fsfscore/model"
)

// Flags requested at Begin (§4.6 step 4).
type BeginFlags struct {
	CheckOOD   bool // txn-check-ood
	CheckLocks bool // txn-check-locks
}

// Txn is an open, in-progress transaction.
type Txn struct {
	ID       model.TxnId
	BaseRev  model.Rev
	Layout   *layout.Layout
	RootID   model.NodeId
}

// nextSequence implements §4.6 step 1: take the exclusive,
// non-blocking txn-current-lock, read txn-current, compute next, write
// it via temp-file-plus-rename.
func nextSequence(l *layout.Layout) (int64, error) {
	cookie, err := lock.AcquireTxnCurrentLock(l.TxnCurrentLockFile())
	if err != nil {
		if lock.IsWouldBlock(err) {
			return 0, fmt.Errorf("txn-current-lock contended: %w", err)
		}
		return 0, err
	}
	defer cookie.Release()

	data, err := os.ReadFile(l.TxnCurrentFile())
	var cur int64
	if err == nil {
		s := strings.TrimSpace(string(data))
		if s != "" {
			cur, err = strconv.ParseInt(s, 36, 64)
			if err != nil {
				return 0, fmt.Errorf("parsing txn-current: %w", err)
			}
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("reading txn-current: %w", err)
	}

	next := cur + 1
	line := strconv.FormatInt(next, 36) + "\n"
	if err := layout.WriteAtomic(l.TxnCurrentFile(), []byte(line)); err != nil {
		return 0, fmt.Errorf("writing txn-current: %w", err)
	}
	return next, nil
}

// Begin creates a new transaction directory rooted at baseRev,
// implementing §4.6 "Begin(rev, flags)". baseRoot is the root
// NodeRev of revs/<baseRev> as read by the caller's tree collaborator;
// Begin derives the new txn's mutable root from it (predecessor_id,
// predecessor_count++, copy-from cleared) without itself knowing how
// to read a committed tree, keeping the node/directory traversal API
// out of this package per §1.
func Begin(l *layout.Layout, baseRev model.Rev, baseRoot model.NodeRev, flags BeginFlags, now time.Time) (*Txn, model.NodeRev, error) {
	seq, err := nextSequence(l)
	if err != nil {
		return nil, model.NodeRev{}, err
	}
	txnID := model.TxnId(fmt.Sprintf("%d-%s", baseRev, strconv.FormatInt(seq, 36)))

	dir := l.TxnDir(string(txnID))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, model.NodeRev{}, fmt.Errorf("creating txn dir %s: %w", dir, err)
	}
	for _, f := range []string{l.TxnProtoRevFile(string(txnID)), l.TxnProtoRevLockFile(string(txnID)), l.TxnChangesFile(string(txnID))} {
		fh, err := os.OpenFile(f, os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			return nil, model.NodeRev{}, fmt.Errorf("creating %s: %w", f, err)
		}
		fh.Close()
	}
	if err := os.WriteFile(l.TxnNextIDsFile(string(txnID)), []byte("0 0\n"), 0666); err != nil {
		return nil, model.NodeRev{}, fmt.Errorf("writing next-ids: %w", err)
	}

	props := map[string]string{
		"svn:date": now.UTC().Format(time.RFC3339Nano),
	}
	if flags.CheckOOD {
		props["txn-check-ood"] = "true"
	}
	if flags.CheckLocks {
		props["txn-check-locks"] = "true"
	}
	if err := writeProps(l.TxnPropsFile(string(txnID)), props); err != nil {
		return nil, model.NodeRev{}, err
	}

	root := baseRoot
	predID := baseRoot.ID
	root.PredecessorID = &predID
	root.PredecessorCount = baseRoot.PredecessorCount + 1
	root.HasCopyFrom = false
	root.CopyFromPath = ""
	root.CopyFromRev = 0
	root.FreshTxnRoot = true
	root.ID = model.NodeId{NodeID: "_0", CopyID: "_0", Origin: model.Origin{TxnID: txnID}}

	return &Txn{ID: txnID, BaseRev: baseRev, Layout: l, RootID: root.ID}, root, nil
}

// ReserveNodeID atomically reserves the next node id for txnID,
// returning it with the "_" provisionality prefix (§4.6
// "Reserve node/copy ids").
func ReserveNodeID(l *layout.Layout, txnID model.TxnId) (string, error) {
	return reserveID(l, txnID, 0)
}

// ReserveCopyID is the copy-id analogue of ReserveNodeID.
func ReserveCopyID(l *layout.Layout, txnID model.TxnId) (string, error) {
	return reserveID(l, txnID, 1)
}

func reserveID(l *layout.Layout, txnID model.TxnId, slot int) (string, error) {
	path := l.TxnNextIDsFile(string(txnID))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading next-ids: %w", err)
	}
	var node, copy int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &node, &copy); err != nil {
		return "", fmt.Errorf("parsing next-ids: %w", err)
	}
	var prev int64
	if slot == 0 {
		prev = node
		node++
	} else {
		prev = copy
		copy++
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d %d\n", node, copy)), 0666); err != nil {
		return "", fmt.Errorf("writing next-ids: %w", err)
	}
	return "_" + strconv.FormatInt(prev, 36), nil
}

// Abort purges txnID: removes the in-memory registry record, then
// recursively deletes the txn directory, then (for newer formats)
// unlinks the out-of-tree proto-rev and lock files (§4.6 "Abort").
func Abort(reg *Registry, l *layout.Layout, txnID model.TxnId) error {
	return Purge(reg, l, txnID)
}

// Purge is the shared implementation backing both Abort and a
// successful Commit's post-publish cleanup.
func Purge(reg *Registry, l *layout.Layout, txnID model.TxnId) error {
	reg.Purge(txnID)
	dir := l.TxnDir(string(txnID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing txn dir %s: %w", dir, err)
	}
	for _, f := range []string{l.TxnProtoRevFileOutOfTree(string(txnID)), l.TxnProtoRevLockFileOutOfTree(string(txnID))} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	return nil
}

// writeProps serializes a property map in a simple, stable stream of
// "K <keylen>\n<key>\nV <vallen>\n<value>\n" records, sorted by key
// and terminated by "END\n". The real node-revision/property
// serializer is an external collaborator out of scope for this core
// (§1); this format exists only so the commit core itself can
// round-trip txn and revision properties without inventing a second
// dependency for something this small.
func writeProps(path string, props map[string]string) error {
	var b strings.Builder
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	// deterministic order for reproducible txn props files
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	for _, k := range keys {
		v := props[k]
		fmt.Fprintf(&b, "K %d\n%s\nV %d\n%s\n", len(k), k, len(v), v)
	}
	b.WriteString("END\n")
	return os.WriteFile(path, []byte(b.String()), 0666)
}

// WriteProps exposes writeProps for callers outside this package that
// need to rewrite a txn or revision properties file in place (the
// commit pipeline's optional svn:date rewrite, §4.7 step 12).
func WriteProps(path string, props map[string]string) error { return writeProps(path, props) }

// ReadNextIDs reads the per-txn node/copy id counters (§4.6
// "Reserve node/copy ids"), the amount by which the repository-wide
// legacy counters must be advanced when bumping current at commit.
func ReadNextIDs(l *layout.Layout, txnID model.TxnId) (node, copyID int64, err error) {
	data, err := os.ReadFile(l.TxnNextIDsFile(string(txnID)))
	if err != nil {
		return 0, 0, fmt.Errorf("reading next-ids: %w", err)
	}
	if _, err := fmt.Sscanf(string(data), "%d %d", &node, &copyID); err != nil {
		return 0, 0, fmt.Errorf("parsing next-ids: %w", err)
	}
	return node, copyID, nil
}

// ReadProps parses the format writeProps produces.
func ReadProps(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading props %s: %w", path, err)
	}
	props := map[string]string{}
	lines := strings.Split(string(data), "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		if line == "END" || line == "" {
			i++
			continue
		}
		if !strings.HasPrefix(line, "K ") {
			return nil, fmt.Errorf("malformed props file %s", path)
		}
		key := lines[i+1]
		if !strings.HasPrefix(lines[i+2], "V ") {
			return nil, fmt.Errorf("malformed props file %s", path)
		}
		val := lines[i+3]
		props[key] = val
		i += 4
	}
	return props, nil
}
