// Command revgraph renders the delta-base and rep-sharing edges a
// commit run produced into a graphviz DOT file (and optionally a PNG),
// for diagnosing the skip-delta policy on a repository. Generalized
// from a commit-ancestry graph renderer to a delta-base graph, reading
// a small CSV edge list instead of git-fast-export input.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/perforce/p4prometheus/version"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/fsfscore/model"
	"github.com/rcowham/fsfscore/revgraph"
)

// parseEdges reads lines of "path,rev,baseRev,basePath,shared,selfDelta"
// (basePath optional, defaults to path; shared/selfDelta are "0"/"1").
// This format is this command's own input convention, standing in for
// whatever auditing tool would otherwise walk revision files and emit
// the base each representation chose.
func parseEdges(r *bufio.Scanner) ([]revgraph.Edge, error) {
	var edges []revgraph.Edge
	lineNo := 0
	for r.Scan() {
		lineNo++
		line := strings.TrimSpace(r.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: expected at least 4 fields, got %d", lineNo, len(fields))
		}
		rev, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad revision %q: %w", lineNo, fields[1], err)
		}
		baseRev, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad base revision %q: %w", lineNo, fields[2], err)
		}
		edge := revgraph.Edge{
			Path:     fields[0],
			Rev:      model.Rev(rev),
			BaseRev:  model.Rev(baseRev),
			BasePath: fields[3],
		}
		if len(fields) > 4 {
			edge.Shared = fields[4] == "1"
		}
		if len(fields) > 5 {
			edge.SelfDelta = fields[5] == "1"
		}
		edges = append(edges, edge)
	}
	return edges, r.Err()
}

func main() {
	var (
		input = kingpin.Arg(
			"edges",
			"CSV edge list (path,rev,baseRev,basePath,shared,selfDelta); reads stdin if omitted.",
		).String()
		outputDot = kingpin.Flag(
			"output",
			"Graphviz DOT file to write.",
		).Short('o').Default("revgraph.dot").String()
		outputPNG = kingpin.Flag(
			"png",
			"Also render a PNG to this path.",
		).String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("revgraph")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Renders delta-base and rep-sharing edges to a graphviz DOT file\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	var src *os.File
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			logger.Errorf("opening %s: %v", *input, err)
			os.Exit(1)
		}
		defer f.Close()
		src = f
	} else {
		src = os.Stdin
	}

	edges, err := parseEdges(bufio.NewScanner(src))
	if err != nil {
		logger.Errorf("parsing edge list: %v", err)
		os.Exit(1)
	}
	logger.Infof("parsed %d edges", len(edges))

	g := revgraph.Build(edges)

	f, err := os.OpenFile(*outputDot, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorf("opening %s: %v", *outputDot, err)
		os.Exit(1)
	}
	defer f.Close()
	if _, err := f.WriteString(revgraph.WriteDot(g)); err != nil {
		logger.Errorf("writing %s: %v", *outputDot, err)
		os.Exit(1)
	}

	if *outputPNG != "" {
		if err := revgraph.RenderPNG(g, *outputPNG); err != nil {
			logger.Errorf("rendering PNG: %v", err)
			os.Exit(1)
		}
	}
}
