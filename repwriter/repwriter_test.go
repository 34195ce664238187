package repwriter

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/fsfscore/config"
	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/model"
	"github.com/rcowham/fsfscore/repcache"
	"github.com/rcowham/fsfscore/txn"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newProtoRevWriter(t *testing.T) (*layout.Layout, *txn.ProtoRevWriter, model.TxnId) {
	dir := t.TempDir()
	l := layout.New(dir, 0, false)
	txnID := model.TxnId("0-1")
	require.NoError(t, os.MkdirAll(l.TxnDir(string(txnID)), 0777))

	reg := txn.NewRegistry()
	pw, err := txn.GetWritableProtoRev(reg, l, txnID, false)
	require.NoError(t, err)
	t.Cleanup(func() { pw.Close() })
	return l, pw, txnID
}

func testConfig() *config.Config {
	return &config.Config{
		MaxLinearDeltification: 16,
		MaxDeltificationWalk:   1024,
		SvndiffVersion:         1,
		RepSharingEnabled:      true,
	}
}

func openCache(t *testing.T) *repcache.RepCache {
	c, err := repcache.Open(filepath.Join(t.TempDir(), "rep-cache.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWriterSelfDeltaRoundTrip(t *testing.T) {
	l, pw, txnID := newProtoRevWriter(t)
	cache := openCache(t)

	w, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-1", nil, nil, nil, 0)
	require.NoError(t, err)

	content := []byte("hello, world\n")
	n, err := w.Write(content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	res, err := w.Close(nil)
	require.NoError(t, err)
	assert.False(t, res.Shared)
	assert.Equal(t, int64(len(content)), res.Rep.ExpandedSize)
	assert.True(t, res.Rep.HasSHA1)
	assert.Equal(t, "uniq-1", res.Rep.Uniquifier)
	assert.Equal(t, txnID, res.Rep.TxnID)
	assert.Equal(t, "text", res.ContentClass)
}

func TestWriterAgainstBase(t *testing.T) {
	l, pw, txnID := newProtoRevWriter(t)
	cache := openCache(t)

	base := model.Rep{Revision: 1, Offset: 0, Size: 10}
	baseContent := []byte("the quick brown fox")
	fetch := func(r model.Rep) ([]byte, error) { return baseContent, nil }

	w, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-2", &base, fetch, nil, 1)
	require.NoError(t, err)

	target := append(append([]byte{}, baseContent...), []byte(" jumps over the lazy dog")...)
	_, err = w.Write(target)
	require.NoError(t, err)

	res, err := w.Close(nil)
	require.NoError(t, err)
	assert.False(t, res.Shared)
	assert.Equal(t, int64(len(target)), res.Rep.ExpandedSize)
}

func TestWriterSecondCloseErrors(t *testing.T) {
	l, pw, txnID := newProtoRevWriter(t)
	cache := openCache(t)

	w, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-3", nil, nil, nil, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	_, err = w.Close(nil)
	require.NoError(t, err)

	_, err = w.Close(nil)
	assert.Error(t, err)
}

func TestWriterShareReusesExistingRep(t *testing.T) {
	l, pw, txnID := newProtoRevWriter(t)
	cache := openCache(t)
	cache.BeginCommit()

	content := []byte("shared content")
	sha1Hex, existing := sha1OfForTest(t, content)
	cache.RememberForCommit(sha1Hex, existing)

	w, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-4", nil, nil, nil, 0)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)

	offsetBefore, err := pw.Offset()
	require.NoError(t, err)

	res, err := w.Close(func(rev model.Rev, offset, size, expandedSize int64) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, res.Shared)
	assert.Equal(t, existing.Revision, res.Rep.Revision)
	assert.Equal(t, existing.Offset, res.Rep.Offset)
	assert.Equal(t, "uniq-4", res.Rep.Uniquifier)

	offsetAfter, err := pw.Offset()
	require.NoError(t, err)
	assert.Less(t, offsetAfter, offsetBefore, "proto-rev should be truncated back after a rep-share")
}

func TestWriterFallsBackToSidecarLookup(t *testing.T) {
	l, pw, txnID := newProtoRevWriter(t)
	cache := openCache(t)
	cache.BeginCommit()

	called := false
	sidecar := func(sha1Hex string) (*model.Rep, error) {
		called = true
		return nil, nil
	}

	w, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-5", nil, nil, sidecar, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("not cached anywhere"))
	require.NoError(t, err)

	res, err := w.Close(nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, res.Shared)
}

func TestWriterSharesViaSidecarAcrossSeparateSessions(t *testing.T) {
	l, pw, txnID := newProtoRevWriter(t)
	cache := openCache(t)

	content := []byte("duplicated within the same still-open transaction")

	w1, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-6a", nil, nil, nil, 0)
	require.NoError(t, err)
	_, err = w1.Write(content)
	require.NoError(t, err)
	res1, err := w1.Close(nil)
	require.NoError(t, err)
	require.False(t, res1.Shared)

	// A later Writer session sees nothing in the per-commit hash (a
	// fresh cache reset by a would-be BeginCommit) and nothing in
	// sqlite yet, but still finds the first session's rep via the
	// on-disk sidecar this transaction shares.
	cache.BeginCommit()
	sidecarLookup := func(sha1Hex string) (*model.Rep, error) {
		return LookupSidecarRep(l, txnID, sha1Hex)
	}
	w2, err := Open(pw, l, testConfig(), cache, testLogger(), txnID, "uniq-6b", nil, nil, sidecarLookup, 0)
	require.NoError(t, err)
	_, err = w2.Write(content)
	require.NoError(t, err)
	res2, err := w2.Close(func(rev model.Rev, offset, size, expandedSize int64) (bool, error) { return true, nil })
	require.NoError(t, err)

	require.True(t, res2.Shared)
	assert.Equal(t, res1.Rep.Offset, res2.Rep.Offset)
	assert.Equal(t, res1.Rep.Size, res2.Rep.Size)
	assert.Equal(t, txnID, res2.Rep.TxnID, "a sidecar-shared rep is still mutable until commit stamps it")
}

// sha1OfForTest mirrors the digest Writer.Close computes, so tests can
// pre-seed the per-commit cache under the same key Close will look up.
func sha1OfForTest(t *testing.T, content []byte) (string, model.Rep) {
	t.Helper()
	sum := sha1.Sum(content)
	hex := fmt.Sprintf("%x", sum)
	return hex, model.Rep{Revision: 7, Offset: 42, Size: 11, ExpandedSize: int64(len(content))}
}
