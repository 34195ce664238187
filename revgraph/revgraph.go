// Package revgraph renders the skip-delta and rep-sharing relationships
// a commit pipeline run produces into a graphviz graph, for diagnosing
// the deltabase.Choose policy of §4.3. It does not re-parse
// revision files itself (that is the external node-revision serializer's
// job, §1); callers feed it the base-selection decisions they
// already made while writing or auditing representations.
//
// Generalized from a commit ancestry DAG (the kind a git-fast-export
// graph renderer builds) to a delta-base DAG: one dot.Node per (revision, path)
// representation, one edge per chosen delta base, with shared (rep-cache
// hit) edges styled differently from fresh skip-delta bases.
package revgraph

import (
	"fmt"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"

	"github.com/rcowham/fsfscore/model"
)

// Edge is one representation's chosen delta base, as decided by
// deltabase.Choose during a commit (or reconstructed by an auditing
// tool walking rep headers).
type Edge struct {
	Path      string
	Rev       model.Rev
	BaseRev   model.Rev
	BasePath  string
	Shared    bool // true when BaseRev's rep was reused via rep-sharing rather than a fresh skip-delta jump
	SelfDelta bool // true when there is no base at all (Rev has no BaseRev edge)
}

func nodeLabel(path string, rev model.Rev) string {
	return fmt.Sprintf("%s@%d", path, rev)
}

// Build renders edges into a directed graphviz graph: one node per
// representation, one edge per chosen delta base. Self-delta
// representations (no base) are rendered as unconnected nodes so gaps
// in a chain are visible at a glance.
func Build(edges []Edge) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := map[string]dot.Node{}

	nodeFor := func(path string, rev model.Rev) dot.Node {
		key := nodeLabel(path, rev)
		if n, ok := nodes[key]; ok {
			return n
		}
		n := g.Node(key)
		nodes[key] = n
		return n
	}

	for _, e := range edges {
		n := nodeFor(e.Path, e.Rev)
		if e.SelfDelta {
			continue
		}
		basePath := e.BasePath
		if basePath == "" {
			basePath = e.Path
		}
		base := nodeFor(basePath, e.BaseRev)
		label := "delta"
		if e.Shared {
			label = "shared"
		}
		edge := g.Edge(n, base, label)
		if e.Shared {
			edge.Attr("style", "dashed")
			edge.Attr("color", "blue")
		}
	}
	return g
}

// WriteDot returns the DOT-language source for g.
func WriteDot(g *dot.Graph) string { return g.String() }

// RenderPNG lays out g with goccy/go-graphviz and writes a PNG to path.
func RenderPNG(g *dot.Graph, path string) error {
	gv := graphviz.New()
	defer gv.Close()

	parsed, err := graphviz.ParseBytes([]byte(g.String()))
	if err != nil {
		return fmt.Errorf("parsing dot source: %w", err)
	}
	defer parsed.Close()

	if err := gv.RenderFilename(parsed, graphviz.PNG, path); err != nil {
		return fmt.Errorf("rendering graph to %s: %w", path, err)
	}
	return nil
}
