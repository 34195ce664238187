// Package model defines the FSFS data model: revisions, transaction
// ids, node ids, node revisions, representations, and change records
// (§3).
package model

import (
	"fmt"

	"github.com/rcowham/fsfscore/layout"
)

// Rev is a non-negative, monotonically increasing revision number.
type Rev = layout.Rev

// TxnId identifies an in-progress transaction: "<base-rev>-<seq>",
// seq a base-36 counter (§3, post-1.5 format).
type TxnId string

// NodeKind distinguishes file from directory nodes.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDir
)

func (k NodeKind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// ChangeKind is the fixed enum of changed-path record kinds (§3, §4.5).
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeDelete
	ChangeReplace
	ChangeModify
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	case ChangeModify:
		return "modify"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Origin is the tagged union backing NodeId.origin: a node is either
// mutable (living in an open transaction) or committed (living at a
// fixed (revision, offset)).
type Origin struct {
	TxnID  TxnId // set iff mutable
	Rev    Rev   // set iff committed
	Offset int64 // set iff committed
}

func (o Origin) Mutable() bool { return o.TxnID != "" }

// NodeId is the composite identity of a node across its history:
// (node_id, copy_id, origin). Mutable ids allocated inside a
// transaction carry a "_" prefix on NodeID/CopyID to mark them
// provisional until commit rewrites them to permanent ids.
type NodeId struct {
	NodeID string
	CopyID string
	Origin Origin
}

// Provisional reports whether this id was allocated inside a txn and
// not yet finalized by commit.
func (id NodeId) Provisional() bool { return id.Origin.Mutable() }

func (id NodeId) String() string {
	return fmt.Sprintf("%s.%s", id.NodeID, id.CopyID)
}

// CopyFrom records the (path, revision) a node was copied from.
type CopyFrom struct {
	Path string
	Rev  Rev
}

// RepOrigin tags whether a Rep lives in an open proto-rev (mutable) or
// a published revision file (committed), §9 "Tagged variants".
type RepOrigin struct {
	TxnID TxnId // set iff mutable
}

func (o RepOrigin) Mutable() bool { return o.TxnID != "" }

// Rep is a representation: a byte range containing a (possibly
// delta-encoded) serialization of a node's text or properties
// (§3).
type Rep struct {
	Revision     Rev
	Offset       int64
	Size         int64 // on-disk (possibly delta-compressed) byte length
	ExpandedSize int64 // reconstructed byte length
	MD5          [16]byte
	SHA1         [20]byte
	HasSHA1      bool
	TxnID        TxnId  // set iff mutable
	Uniquifier   string // "<txn>/<seq>", disambiguates otherwise-identical in-flight reps
}

func (r Rep) Mutable() bool { return r.TxnID != "" }

// Shared reports whether r is eligible to be treated as shared: it has
// a committed (revision, offset) that more than one NodeRev may point at.
func (r Rep) Shared() bool { return !r.Mutable() }

// NodeRev is the unit of versioning for one node (§3).
type NodeRev struct {
	ID              NodeId
	Kind            NodeKind
	PredecessorID   *NodeId
	PredecessorCount int
	CreatedPath     string
	CopyFromPath    string
	CopyFromRev     Rev
	HasCopyFrom     bool
	CopyRootPath    string
	CopyRootRev     Rev
	DataRep         *Rep
	PropRep         *Rep
	FreshTxnRoot    bool
}

// Change is one changed-path record (§3).
type Change struct {
	Path        string
	Kind        ChangeKind
	NodeRevID   *NodeId
	TextMod     bool
	PropMod     bool
	HasCopyFrom bool
	CopyFrom    CopyFrom
	NodeKind    NodeKind
}
