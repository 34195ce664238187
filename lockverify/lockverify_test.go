package lockverify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

type call struct {
	path      string
	recursive bool
}

type fakeLocker struct {
	calls  []call
	locked map[string]bool
	err    error
}

func (f *fakeLocker) HasLock(user, path string, recursive bool) (bool, error) {
	f.calls = append(f.calls, call{path, recursive})
	if f.err != nil {
		return false, f.err
	}
	return f.locked[path], nil
}

func TestVerifyAllowsFullyLockedChanges(t *testing.T) {
	locker := &fakeLocker{locked: map[string]bool{"/a": true, "/b": true}}
	changed := map[string]model.Change{
		"/a": {Path: "/a", Kind: model.ChangeAdd},
		"/b": {Path: "/b", Kind: model.ChangeModify},
	}
	err := Verify(locker, "alice", changed)
	require.NoError(t, err)
	require.Len(t, locker.calls, 2)
}

func TestVerifyFailsWhenPathNotLocked(t *testing.T) {
	locker := &fakeLocker{locked: map[string]bool{}}
	changed := map[string]model.Change{"/a": {Path: "/a", Kind: model.ChangeModify}}
	err := Verify(locker, "alice", changed)
	assert.ErrorIs(t, err, errs.ErrPathNotLocked)
}

func TestVerifyModifyRequestsNonRecursive(t *testing.T) {
	locker := &fakeLocker{locked: map[string]bool{"/a": true}}
	changed := map[string]model.Change{"/a": {Path: "/a", Kind: model.ChangeModify}}
	require.NoError(t, Verify(locker, "alice", changed))
	require.Len(t, locker.calls, 1)
	assert.False(t, locker.calls[0].recursive)
}

func TestVerifyAddDeleteReplaceRequestRecursive(t *testing.T) {
	for _, k := range []model.ChangeKind{model.ChangeAdd, model.ChangeDelete, model.ChangeReplace} {
		locker := &fakeLocker{locked: map[string]bool{"/a": true}}
		changed := map[string]model.Change{"/a": {Path: "/a", Kind: k}}
		require.NoError(t, Verify(locker, "alice", changed))
		require.Len(t, locker.calls, 1)
		assert.True(t, locker.calls[0].recursive, "kind %v", k)
	}
}

func TestVerifySkipsDescendantsOfRecursivelyCoveredPath(t *testing.T) {
	locker := &fakeLocker{locked: map[string]bool{"/a": true}}
	changed := map[string]model.Change{
		"/a":     {Path: "/a", Kind: model.ChangeAdd},
		"/a/b":   {Path: "/a/b", Kind: model.ChangeModify},
		"/a/b/c": {Path: "/a/b/c", Kind: model.ChangeDelete},
	}
	require.NoError(t, Verify(locker, "alice", changed))
	require.Len(t, locker.calls, 1)
	assert.Equal(t, "/a", locker.calls[0].path)
}

func TestVerifyDoesNotSkipSiblingWithSharedPrefix(t *testing.T) {
	locker := &fakeLocker{locked: map[string]bool{"/a": true, "/ab": true}}
	changed := map[string]model.Change{
		"/a":  {Path: "/a", Kind: model.ChangeAdd},
		"/ab": {Path: "/ab", Kind: model.ChangeModify},
	}
	require.NoError(t, Verify(locker, "alice", changed))
	require.Len(t, locker.calls, 2)
}

func TestVerifyResumesRecursiveCheckingAfterNonCoveringModify(t *testing.T) {
	locker := &fakeLocker{locked: map[string]bool{"/a": true, "/b": true}}
	changed := map[string]model.Change{
		"/a": {Path: "/a", Kind: model.ChangeModify},
		"/b": {Path: "/b", Kind: model.ChangeAdd},
	}
	require.NoError(t, Verify(locker, "alice", changed))
	require.Len(t, locker.calls, 2)
}

func TestVerifyPropagatesLockerError(t *testing.T) {
	locker := &fakeLocker{err: errors.New("boom")}
	changed := map[string]model.Change{"/a": {Path: "/a", Kind: model.ChangeModify}}
	err := Verify(locker, "alice", changed)
	assert.Error(t, err)
}

func TestVerifyEmptyChangedIsNoop(t *testing.T) {
	locker := &fakeLocker{}
	require.NoError(t, Verify(locker, "alice", map[string]model.Change{}))
	assert.Empty(t, locker.calls)
}

func TestIsDescendant(t *testing.T) {
	assert.True(t, isDescendant("/a", "/a/b"))
	assert.False(t, isDescendant("/a", "/ab"))
	assert.False(t, isDescendant("", "/a"))
	assert.False(t, isDescendant("/a", "/a"))
}
