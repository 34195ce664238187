// Package deltabase implements the skip-delta base-selection policy of
// §4.3: given a NodeRev's predecessor count, pick an ancestor
// representation to diff against, bounding both the walk distance and
// the resulting chain length.
package deltabase

import (
	"github.com/rcowham/fsfscore/config"
	"github.com/rcowham/fsfscore/model"
)

// PredecessorLookup fetches the NodeRev p steps back in a node's
// predecessor chain, counting from the node currently being written
// (1 = the immediate predecessor). It is supplied by the caller (the
// commit pipeline, which has access to the mutable/immutable tree)
// since node/directory traversal is an external collaborator per
// §1.
type PredecessorLookup func(stepsBack int) (*model.NodeRev, error)

// ChainLength reports the current on-disk delta-chain length (number
// of hops to a self-delta/no-base rep) for the rep candidate returned
// by a walk; used to enforce the "shared base" cap in §4.3's
// last bullet. Supplied by the caller for the same reason as
// PredecessorLookup.
type ChainLength func(rep model.Rep) (int, error)

// Choose implements the policy:
//   - p == 0: no base (self-delta).
//   - idx = p &^ (p-1)'s complement... specifically idx = p & (p-1)
//     (clear the lowest set bit): target predecessor index, oldest-first.
//   - walk = p - idx. If walk < maxLinear, use idx = p-1 (pure linear
//     near HEAD).
//   - If walk > maxWalk, no base.
//   - Otherwise walk back `walk` predecessors and return that node's
//     data or prop rep (forProps selects which).
//   - If the chosen base is a committed rep (Rep.Shared: no TxnID) and
//     chainLen is non-nil, verify the resulting chain length would not
//     exceed 2*maxLinear+2; if it would, return no base. With a nil
//     chainLen the chain-length cap is not checked.
func Choose(cfg *config.Config, predecessorCount int, forProps bool, lookup PredecessorLookup, chainLen ChainLength) (*model.Rep, error) {
	p := predecessorCount
	if p == 0 {
		return nil, nil
	}

	idx := p & (p - 1)
	walk := p - idx
	if walk < cfg.MaxLinearDeltification {
		idx = p - 1
		walk = p - idx
	}
	if walk > cfg.MaxDeltificationWalk {
		return nil, nil
	}

	base, err := lookup(walk)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, nil
	}

	var rep *model.Rep
	if forProps {
		rep = base.PropRep
	} else {
		rep = base.DataRep
	}
	if rep == nil {
		return nil, nil
	}

	if rep.Shared() && chainLen != nil {
		length, err := chainLen(*rep)
		if err != nil {
			return nil, err
		}
		if length+1 > cfg.MaxChainLength() {
			return nil, nil
		}
	}

	return rep, nil
}
