package txn

import (
	"fmt"
	"os"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/lock"
	"github.com/rcowham/fsfscore/model"
)

// ProtoRevWriter is the writable handle returned by
// GetWritableProtoRev: the open, append-positioned proto-rev file plus
// the lock cookie that must be released in the reverse order it was
// acquired (§4.1: "Release is the strict reverse").
type ProtoRevWriter struct {
	File     *os.File
	Cookie   lock.Cookie
	registry *Registry
	txnID    model.TxnId
	outOfTree bool
}

// GetWritableProtoRev implements §4.1's acquisition sequence:
//  1. under the registry mutex, fail fast on in-process contention;
//  2. open (or create) rev-lock and take a non-blocking exclusive flock,
//     failing with ErrRepBeingWrittenInOtherProcess on contention;
//  3. mark being_written, open the proto-rev file, seek to end, and
//     return the handle plus the lock cookie. Writes go straight to the
//     *os.File; no write buffer is layered on top.
//
// outOfTree selects the newer-format txn-protorevs/ layout instead of
// the classic in-txn-directory rev/rev-lock pair.
func GetWritableProtoRev(reg *Registry, l *layout.Layout, txnID model.TxnId, outOfTree bool) (*ProtoRevWriter, error) {
	if err := reg.BeginWrite(txnID); err != nil {
		return nil, err
	}

	lockPath := l.TxnProtoRevLockFile(string(txnID))
	if outOfTree {
		lockPath = l.TxnProtoRevLockFileOutOfTree(string(txnID))
	}
	cookie, err := lock.AcquireProtoRevLock(lockPath)
	if err != nil {
		reg.EndWrite(txnID)
		if lock.IsWouldBlock(err) {
			return nil, errs.ErrRepBeingWrittenInOtherProcess
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrLockFailed, err)
	}

	revPath := l.TxnProtoRevFile(string(txnID))
	if outOfTree {
		revPath = l.TxnProtoRevFileOutOfTree(string(txnID))
	}
	f, err := os.OpenFile(revPath, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		cookie.Release()
		reg.EndWrite(txnID)
		return nil, fmt.Errorf("opening proto-rev %s: %w", revPath, err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		cookie.Release()
		reg.EndWrite(txnID)
		return nil, fmt.Errorf("seeking proto-rev %s: %w", revPath, err)
	}

	return &ProtoRevWriter{File: f, Cookie: cookie, registry: reg, txnID: txnID, outOfTree: outOfTree}, nil
}

// Close releases the proto-rev file and lock in the strict reverse
// order of acquisition: close the file, unlock, then clear the
// in-process flag.
func (w *ProtoRevWriter) Close() error {
	var firstErr error
	if err := w.File.Close(); err != nil {
		firstErr = fmt.Errorf("closing proto-rev: %w", err)
	}
	if err := w.Cookie.Release(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("releasing proto-rev lock: %w", err)
	}
	w.registry.EndWrite(w.txnID)
	return firstErr
}

// TruncateTo truncates the proto-rev file back to offset, used by the
// representation writer's cleanup hook to leave the file byte-identical
// to its pre-write state on any failure (§4.2 final paragraph).
func (w *ProtoRevWriter) TruncateTo(offset int64) error {
	if err := w.File.Truncate(offset); err != nil {
		return fmt.Errorf("truncating proto-rev to %d: %w", offset, err)
	}
	if _, err := w.File.Seek(offset, os.SEEK_SET); err != nil {
		return fmt.Errorf("seeking proto-rev to %d: %w", offset, err)
	}
	return nil
}

// Offset returns the current write offset (end of file).
func (w *ProtoRevWriter) Offset() (int64, error) {
	return w.File.Seek(0, os.SEEK_CUR)
}

// SyncAndCloseFile fsyncs and closes the proto-rev content file only,
// leaving the advisory lock held (§4.7 step 8: "fsync the
// proto-rev, close it. Do not yet release the advisory lock"). The
// lock lives on a separate sentinel file/descriptor, so this is safe.
func (w *ProtoRevWriter) SyncAndCloseFile() error {
	if err := w.File.Sync(); err != nil {
		return fmt.Errorf("fsyncing proto-rev: %w", err)
	}
	if err := w.File.Close(); err != nil {
		return fmt.Errorf("closing proto-rev: %w", err)
	}
	return nil
}

// ReleaseLock releases the proto-rev advisory lock and clears the
// in-process being-written flag, the commit pipeline's step 11 —
// called once the finished revision file has been renamed into place.
func (w *ProtoRevWriter) ReleaseLock() error {
	err := w.Cookie.Release()
	w.registry.EndWrite(w.txnID)
	if err != nil {
		return fmt.Errorf("releasing proto-rev lock: %w", err)
	}
	return nil
}
