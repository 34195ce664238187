package changes

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/fsfscore/errs"
	"github.com/rcowham/fsfscore/model"
)

func id(n string) *model.NodeId { return &model.NodeId{NodeID: n, CopyID: "0"} }

func TestJournalAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	filename := dir + "/changes"

	j, err := Create(filename)
	require.NoError(t, err)
	require.NoError(t, j.Append(model.Change{Path: "/trunk/a.txt", Kind: model.ChangeAdd, NodeRevID: id("k"), TextMod: true, NodeKind: model.KindFile}))
	require.NoError(t, j.Append(model.Change{Path: "/trunk", Kind: model.ChangeModify, NodeRevID: id("1"), PropMod: true, NodeKind: model.KindDir}))
	require.NoError(t, j.Close())

	got, err := ReadAll(filename)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/trunk/a.txt", got[0].Path)
	assert.Equal(t, model.ChangeAdd, got[0].Kind)
	assert.True(t, got[0].TextMod)
	assert.Equal(t, "/trunk", got[1].Path)
	assert.True(t, got[1].PropMod)
}

func TestReadAllMissingFileIsEmptyNotError(t *testing.T) {
	got, err := ReadAll("/nonexistent/path/changes")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestFoldAddThenModifyCollapses(t *testing.T) {
	recs := []model.Change{
		{Path: "/x", Kind: model.ChangeAdd, NodeRevID: id("k1"), TextMod: true, NodeKind: model.KindFile},
		{Path: "/x", Kind: model.ChangeModify, NodeRevID: id("k1"), PropMod: true, NodeKind: model.KindFile},
	}
	out, err := Fold(recs)
	require.NoError(t, err)
	require.Contains(t, out, "/x")
	c := out["/x"]
	assert.Equal(t, model.ChangeAdd, c.Kind)
	assert.True(t, c.TextMod)
	assert.True(t, c.PropMod)
}

func TestFoldAddThenDeleteCancels(t *testing.T) {
	recs := []model.Change{
		{Path: "/d", Kind: model.ChangeAdd, NodeRevID: id("d1"), NodeKind: model.KindDir},
		{Path: "/d/f", Kind: model.ChangeAdd, NodeRevID: id("f1"), NodeKind: model.KindFile},
		{Path: "/d", Kind: model.ChangeDelete, NodeRevID: id("d1"), NodeKind: model.KindDir},
	}
	out, err := Fold(recs)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFoldDeleteThenAddPromotesToReplace(t *testing.T) {
	recs := []model.Change{
		{Path: "/x", Kind: model.ChangeDelete, NodeRevID: id("old"), NodeKind: model.KindFile},
		{Path: "/x", Kind: model.ChangeAdd, NodeRevID: id("new"), TextMod: true, NodeKind: model.KindFile},
	}
	out, err := Fold(recs)
	require.NoError(t, err)
	c := out["/x"]
	assert.Equal(t, model.ChangeReplace, c.Kind)
	assert.Equal(t, "new", c.NodeRevID.NodeID)
}

func TestFoldDuplicateDeleteErrors(t *testing.T) {
	recs := []model.Change{
		{Path: "/x", Kind: model.ChangeDelete, NodeRevID: id("a"), NodeKind: model.KindFile},
		{Path: "/x", Kind: model.ChangeDelete, NodeRevID: id("a"), NodeKind: model.KindFile},
	}
	_, err := Fold(recs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidChangeOrdering))
}

func TestFoldModifyOfDeletedPathErrors(t *testing.T) {
	recs := []model.Change{
		{Path: "/x", Kind: model.ChangeDelete, NodeRevID: id("a"), NodeKind: model.KindFile},
		{Path: "/x", Kind: model.ChangeModify, NodeRevID: id("a"), NodeKind: model.KindFile},
	}
	_, err := Fold(recs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidChangeOrdering))
}

func TestFoldReplacePrunesChildren(t *testing.T) {
	recs := []model.Change{
		{Path: "/d", Kind: model.ChangeAdd, NodeRevID: id("d0"), NodeKind: model.KindDir},
		{Path: "/d/f", Kind: model.ChangeAdd, NodeRevID: id("f0"), NodeKind: model.KindFile},
		{Path: "/d", Kind: model.ChangeDelete, NodeRevID: id("d0"), NodeKind: model.KindDir},
		{Path: "/d", Kind: model.ChangeReplace, NodeRevID: id("d1"), NodeKind: model.KindDir},
	}
	out, err := Fold(recs)
	require.NoError(t, err)
	_, hasF := out["/d/f"]
	assert.False(t, hasF)
	assert.Equal(t, model.ChangeReplace, out["/d"].Kind)
}

func TestFoldMissingNodeRevIDIsCorrupt(t *testing.T) {
	recs := []model.Change{{Path: "/x", Kind: model.ChangeAdd}}
	_, err := Fold(recs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCorrupt))
}

func TestParseRecordMalformedIsCorrupt(t *testing.T) {
	_, err := parseRecord("not enough fields")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCorrupt))
}

func TestParseAllRoundTripsCopyFrom(t *testing.T) {
	var buf bytes.Buffer
	j := &Journal{w: &buf}
	require.NoError(t, j.Append(model.Change{
		Path: "/branches/x", Kind: model.ChangeAdd, NodeRevID: id("k"),
		HasCopyFrom: true, CopyFrom: model.CopyFrom{Path: "/trunk", Rev: 42},
		NodeKind: model.KindDir,
	}))
	got, err := parseAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].HasCopyFrom)
	assert.Equal(t, "/trunk", got[0].CopyFrom.Path)
	assert.Equal(t, model.Rev(42), got[0].CopyFrom.Rev)
}

func TestIsChild(t *testing.T) {
	assert.True(t, isChild("/a", "/a/b"))
	assert.False(t, isChild("/a", "/a"))
	assert.False(t, isChild("/a", "/ab"))
	assert.True(t, isChild("", "/a"))
}
