// Package txn implements the shared-txn registry, proto-rev lock
// acquisition glue, and the transaction lifecycle (begin/reserve
// ids/abort) described in §4.1 and §4.6.
package txn

import (
	"sync"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

// record is a per-process shared transaction record. All fields are
// only ever touched under Registry.mu (§4.1: "All table
// operations run under a single process-wide mutex").
type record struct {
	txnID        model.TxnId
	beingWritten bool
}

// Registry is the per-process table of active transactions, keyed by
// TxnId, with a single-slot freelist that reuses the most recently
// freed record to avoid allocator churn under the common "one commit
// after another" pattern (§4.1, §9).
type Registry struct {
	mu       sync.Mutex
	table    map[model.TxnId]*record
	freelist *record
}

// NewRegistry returns an empty shared-txn registry.
func NewRegistry() *Registry {
	return &Registry{table: make(map[model.TxnId]*record)}
}

func (r *Registry) alloc(id model.TxnId) *record {
	if r.freelist != nil {
		rec := r.freelist
		r.freelist = nil
		rec.txnID = id
		rec.beingWritten = false
		return rec
	}
	return &record{txnID: id}
}

func (r *Registry) free(rec *record) {
	rec.beingWritten = false
	r.freelist = rec // single slot: last one freed wins, older discarded
}

// BeginWrite marks txnID as being written, failing with
// ErrRepBeingWrittenInProcess if another goroutine in this process
// already holds it (§4.1 step 1).
func (r *Registry) BeginWrite(txnID model.TxnId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.table[txnID]
	if !ok {
		rec = r.alloc(txnID)
		r.table[txnID] = rec
	}
	if rec.beingWritten {
		return errs.ErrRepBeingWrittenInProcess
	}
	rec.beingWritten = true
	return nil
}

// EndWrite clears the being-written flag for txnID. Safe to call even
// if BeginWrite was never called (no-op).
func (r *Registry) EndWrite(txnID model.TxnId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.table[txnID]; ok {
		rec.beingWritten = false
	}
}

// Purge removes txnID's in-memory record entirely, returning it to the
// freelist (§4.6 "Abort").
func (r *Registry) Purge(txnID model.TxnId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.table[txnID]; ok {
		delete(r.table, txnID)
		r.free(rec)
	}
}

// IsBeingWritten reports whether txnID currently has its being-written
// flag set. Exposed for tests and diagnostics only.
func (r *Registry) IsBeingWritten(txnID model.TxnId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.table[txnID]
	return ok && rec.beingWritten
}
