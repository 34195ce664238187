package revgraph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcowham/fsfscore/model"
)

func TestBuildRendersDeltaAndSharedEdges(t *testing.T) {
	edges := []Edge{
		{Path: "/trunk/a.txt", Rev: 1, SelfDelta: true},
		{Path: "/trunk/a.txt", Rev: 2, BaseRev: 1, Shared: false},
		{Path: "/trunk/a.txt", Rev: 9, BaseRev: 1, Shared: true},
	}
	g := Build(edges)
	dotSrc := WriteDot(g)

	assert.Contains(t, dotSrc, "/trunk/a.txt@1")
	assert.Contains(t, dotSrc, "/trunk/a.txt@2")
	assert.Contains(t, dotSrc, "/trunk/a.txt@9")
	assert.True(t, strings.Contains(dotSrc, "delta") || strings.Contains(dotSrc, "shared"))
}

func TestBuildSkipsSelfDeltaEdges(t *testing.T) {
	edges := []Edge{{Path: "/x", Rev: 1, SelfDelta: true}}
	g := Build(edges)
	dotSrc := WriteDot(g)
	assert.Contains(t, dotSrc, "/x@1")
	assert.NotContains(t, dotSrc, "->")
}

func TestNodeLabel(t *testing.T) {
	assert.Equal(t, "/a@5", nodeLabel("/a", model.Rev(5)))
}
