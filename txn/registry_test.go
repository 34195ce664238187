package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

func TestBeginWriteRejectsDoubleHold(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.BeginWrite("1-0"))
	err := reg.BeginWrite("1-0")
	assert.ErrorIs(t, err, errs.ErrRepBeingWrittenInProcess)
}

func TestEndWriteAllowsReacquire(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.BeginWrite("1-0"))
	reg.EndWrite("1-0")
	assert.NoError(t, reg.BeginWrite("1-0"))
}

func TestPurgeReturnsRecordToFreelist(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.BeginWrite("1-0"))
	reg.Purge("1-0")
	assert.NotNil(t, reg.freelist)
	assert.False(t, reg.IsBeingWritten("1-0"))
	assert.NoError(t, reg.BeginWrite("1-0"))
}

func TestEndWriteOnUnknownTxnIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.EndWrite(model.TxnId("missing"))
	assert.False(t, reg.IsBeingWritten("missing"))
}
