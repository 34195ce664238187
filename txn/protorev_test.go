package txn

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/lock"
	"github.com/rcowham/fsfscore/model"
)

func newProtoRevLayout(t *testing.T) (*layout.Layout, string) {
	dir := t.TempDir()
	l := layout.New(dir, 0, false)
	txnID := "0-1"
	require.NoError(t, os.MkdirAll(l.TxnDir(txnID), 0777))
	return l, txnID
}

func TestGetWritableProtoRevAppendsAndTruncates(t *testing.T) {
	l, txnID := newProtoRevLayout(t)
	reg := NewRegistry()

	pw, err := GetWritableProtoRev(reg, l, model.TxnId(txnID), false)
	require.NoError(t, err)

	n, err := pw.File.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	off, err := pw.Offset()
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)

	require.NoError(t, pw.TruncateTo(2))
	off, err = pw.Offset()
	require.NoError(t, err)
	assert.Equal(t, int64(2), off)

	require.NoError(t, pw.Close())
}

func TestGetWritableProtoRevRejectsInProcessContention(t *testing.T) {
	l, txnID := newProtoRevLayout(t)
	reg := NewRegistry()

	pw, err := GetWritableProtoRev(reg, l, model.TxnId(txnID), false)
	require.NoError(t, err)
	defer pw.Close()

	_, err = GetWritableProtoRev(reg, l, model.TxnId(txnID), false)
	assert.ErrorIs(t, err, errs.ErrRepBeingWrittenInProcess)
}

func TestGetWritableProtoRevRejectsCrossProcessContention(t *testing.T) {
	l, txnID := newProtoRevLayout(t)
	reg1 := NewRegistry()
	reg2 := NewRegistry()

	pw, err := GetWritableProtoRev(reg1, l, model.TxnId(txnID), false)
	require.NoError(t, err)
	defer pw.Close()

	cookie, err := lock.AcquireProtoRevLock(l.TxnProtoRevLockFile(txnID))
	assert.True(t, lock.IsWouldBlock(err))
	_ = cookie

	_, err = GetWritableProtoRev(reg2, l, model.TxnId(txnID), false)
	assert.ErrorIs(t, err, errs.ErrRepBeingWrittenInOtherProcess)
}

func TestSyncAndCloseFileThenReleaseLock(t *testing.T) {
	l, txnID := newProtoRevLayout(t)
	reg := NewRegistry()

	pw, err := GetWritableProtoRev(reg, l, model.TxnId(txnID), false)
	require.NoError(t, err)

	_, err = pw.File.Write([]byte("data"))
	require.NoError(t, err)

	require.NoError(t, pw.SyncAndCloseFile())
	require.NoError(t, pw.ReleaseLock())

	assert.False(t, reg.IsBeingWritten(model.TxnId(txnID)))

	pw2, err := GetWritableProtoRev(reg, l, model.TxnId(txnID), false)
	require.NoError(t, err)
	require.NoError(t, pw2.Close())
}
