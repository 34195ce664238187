package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeKindString(t *testing.T) {
	assert.Equal(t, "file", KindFile.String())
	assert.Equal(t, "dir", KindDir.String())
}

func TestChangeKindString(t *testing.T) {
	cases := map[ChangeKind]string{
		ChangeAdd:     "add",
		ChangeDelete:  "delete",
		ChangeReplace: "replace",
		ChangeModify:  "modify",
		ChangeReset:   "reset",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
	assert.Equal(t, "unknown", ChangeKind(99).String())
}

func TestOriginMutable(t *testing.T) {
	assert.True(t, Origin{TxnID: "1-0"}.Mutable())
	assert.False(t, Origin{Rev: 3, Offset: 10}.Mutable())
}

func TestNodeIdProvisionalAndString(t *testing.T) {
	id := NodeId{NodeID: "_3", CopyID: "_0", Origin: Origin{TxnID: "1-0"}}
	assert.True(t, id.Provisional())
	assert.Equal(t, "_3._0", id.String())

	committed := NodeId{NodeID: "3-1", CopyID: "0-1", Origin: Origin{Rev: 1, Offset: 100}}
	assert.False(t, committed.Provisional())
}

func TestRepSharedRequiresCommitted(t *testing.T) {
	mutable := Rep{TxnID: "1-0"}
	assert.True(t, mutable.Mutable())
	assert.False(t, mutable.Shared())

	committed := Rep{Revision: 1, Offset: 10}
	assert.False(t, committed.Mutable())
	assert.True(t, committed.Shared())
}
