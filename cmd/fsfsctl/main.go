// Command fsfsctl is a small operator CLI over the fsfscore commit
// pipeline: it initializes a repository's on-disk layout, imports a
// directory tree as a single new revision, and prints diagnostics
// (revision properties, rep-cache occupancy) useful while developing
// against the core.
//
// Wired the same way a kingpin/logrus/pkg-profile root command
// typically is, generalized from "parse a git fast-export file" to
// "drive an FSFS commit".
package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alitto/pond"
	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/fsfscore/changes"
	"github.com/rcowham/fsfscore/commit"
	"github.com/rcowham/fsfscore/config"
	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/lockverify"
	"github.com/rcowham/fsfscore/model"
	"github.com/rcowham/fsfscore/repcache"
	"github.com/rcowham/fsfscore/repwriter"
	"github.com/rcowham/fsfscore/tree"
	"github.com/rcowham/fsfscore/txn"
)

// headRootSidecar is this CLI's own bookkeeping, not a repository
// format the core defines: a small JSON file recording the last
// committed root NodeRev, so a second fsfsctl import invocation (a
// fresh process with an empty in-memory tree) knows what to start
// from. Reading the real committed tree back off disk is the external
// node-revision reader's job (§1), out of scope for this core.
func headRootSidecarPath(repoRoot string) string {
	return filepath.Join(repoRoot, "fsfsctl-head-root.json")
}

func readHeadRoot(repoRoot string) (model.NodeRev, error) {
	data, err := os.ReadFile(headRootSidecarPath(repoRoot))
	if os.IsNotExist(err) {
		return model.NodeRev{Kind: model.KindDir}, nil
	}
	if err != nil {
		return model.NodeRev{}, err
	}
	var root model.NodeRev
	if err := json.Unmarshal(data, &root); err != nil {
		return model.NodeRev{}, fmt.Errorf("parsing head-root sidecar: %w", err)
	}
	return root, nil
}

func writeHeadRoot(repoRoot string, root model.NodeRev) error {
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	return os.WriteFile(headRootSidecarPath(repoRoot), data, 0666)
}

// fsContent serves file bytes straight from the import source tree and
// synthesizes trivial property and directory-entry blobs, standing in
// for the external low-level node-revision serializer of §1.
type fsContent struct {
	sourceRoot string
}

func (c fsContent) FileData(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.sourceRoot, path))
}

func (c fsContent) Props(path string, isDir bool) ([]byte, error) {
	return []byte("{}"), nil
}

func (c fsContent) DirEntries(path string, children map[string]model.NodeId) ([]byte, error) {
	var out []byte
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	for _, name := range names {
		out = append(out, []byte(fmt.Sprintf("%s %s\n", name, children[name].String()))...)
	}
	return out, nil
}

// alwaysVerify treats every rep-cache hit as trusted, since this CLI
// has no revision-file reader to re-check bytes against (same boundary
// the commit package's own tests accept).
func alwaysVerify(rev model.Rev, offset, size, expandedSize int64) (bool, error) { return true, nil }

func mustRepo(root string, cfg *config.Config) *layout.Layout {
	return layout.New(root, cfg.MaxFilesPerDir, cfg.LegacyFormat)
}

func runInit(root string, cfg *config.Config, logger *logrus.Logger) error {
	l := mustRepo(root, cfg)
	for _, dir := range []string{root, l.RevDir(0), l.RevPropsDir(0), filepath.Join(root, "txns")} {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := l.WriteFormat(layout.MaxSupportedFormat); err != nil {
		return err
	}
	if err := l.BumpCurrent(0, 0, 0); err != nil {
		return err
	}
	cache, err := repcache.Open(l.RepCacheDB(), logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := writeHeadRoot(root, model.NodeRev{Kind: model.KindDir}); err != nil {
		return err
	}
	logger.WithField("root", root).Info("initialized repository")
	return nil
}

// collectFiles returns every regular file under sourceDir, as paths
// relative to sourceDir using forward slashes.
func collectFiles(sourceDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return relErr
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// prepareDirectories assigns fresh provisional node/copy ids to every
// intermediate directory tree.Put created implicitly, marking them
// dirty so the commit pipeline serializes and writes a representation
// for them (§4.7 step 5 treats directories as always freshly
// written, unlike file data already streamed in at Put time).
func prepareDirectories(l *layout.Layout, txnID model.TxnId, tr *tree.Tree) error {
	for _, e := range tree.Walk(tr) {
		if e.Path == "" || e.Node.Rev.Kind != model.KindDir {
			continue
		}
		if e.Node.Rev.ID.NodeID != "" {
			continue // already assigned (shouldn't happen for fresh imports)
		}
		nodeID, err := txn.ReserveNodeID(l, txnID)
		if err != nil {
			return err
		}
		copyID, err := txn.ReserveCopyID(l, txnID)
		if err != nil {
			return err
		}
		e.Node.Rev.ID = model.NodeId{NodeID: nodeID, CopyID: copyID}
		e.Node.Rev.CreatedPath = "/" + e.Path
		e.Node.Rev.DataRep = &model.Rep{TxnID: txnID}
	}
	return nil
}

func runImport(root, sourceDir, user string, checkLocks bool, cfg *config.Config, logger *logrus.Logger) error {
	l := mustRepo(root, cfg)
	reg := txn.NewRegistry()
	cache, err := repcache.Open(l.RepCacheDB(), logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	oldRev, _, _, err := l.ReadCurrent()
	if err != nil {
		return err
	}
	headRoot, err := readHeadRoot(root)
	if err != nil {
		return err
	}

	now := time.Now()
	tx, root0, err := txn.Begin(l, oldRev, headRoot, txn.BeginFlags{CheckOOD: true, CheckLocks: checkLocks}, now)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	files, err := collectFiles(sourceDir)
	if err != nil {
		return fmt.Errorf("walking %s: %w", sourceDir, err)
	}

	journal, err := changes.Create(l.TxnChangesFile(string(tx.ID)))
	if err != nil {
		return err
	}
	defer journal.Close()

	tr := tree.New(root0)
	tr.Root().Rev.DataRep = &model.Rep{TxnID: tx.ID}

	for _, rel := range files {
		nodeID, err := txn.ReserveNodeID(l, tx.ID)
		if err != nil {
			return err
		}
		copyID, err := txn.ReserveCopyID(l, tx.ID)
		if err != nil {
			return err
		}

		content, err := os.ReadFile(filepath.Join(sourceDir, rel))
		if err != nil {
			return err
		}

		pw, err := txn.GetWritableProtoRev(reg, l, tx.ID, false)
		if err != nil {
			return fmt.Errorf("opening proto-rev for %s: %w", rel, err)
		}
		rep, err := writeSelfDeltaRep(pw, l, cfg, cache, logger, tx.ID, rel, oldRev, content)
		if closeErr := pw.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}

		fileRev := model.NodeRev{
			ID:          model.NodeId{NodeID: nodeID, CopyID: copyID},
			Kind:        model.KindFile,
			CreatedPath: "/" + rel,
			DataRep:     rep,
		}
		if err := tr.Put(rel, fileRev); err != nil {
			return err
		}
		if err := journal.Append(model.Change{
			Path:      rel,
			Kind:      model.ChangeAdd,
			NodeRevID: &fileRev.ID,
			TextMod:   true,
			NodeKind:  model.KindFile,
		}); err != nil {
			return fmt.Errorf("journaling %s: %w", rel, err)
		}
		logger.WithField("path", rel).Debug("staged file add")
	}

	if err := prepareDirectories(l, tx.ID, tr); err != nil {
		return err
	}
	if err := journal.Close(); err != nil {
		return err
	}

	var locker lockverify.PathLocker
	if checkLocks {
		locker = openLocker{}
	}

	deps := commit.Deps{
		Layout:   l,
		Registry: reg,
		RepCache: cache,
		Config:   cfg,
		Logger:   logger,
		Locker:   locker,
		Content:  fsContent{sourceRoot: sourceDir},
		Verify:   alwaysVerify,
		SidecarLookup: func(sha1Hex string) (*model.Rep, error) {
			return repwriter.LookupSidecarRep(l, tx.ID, sha1Hex)
		},
		PrehashPool: pond.New(4, 64),
	}

	result, err := commit.Commit(deps, user, tx, tr, headRoot, now)
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	if err := writeHeadRoot(root, tr.Root().Rev); err != nil {
		return fmt.Errorf("saving head-root sidecar: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"revision":      result.Revision,
		"root_offset":   result.RootOffset,
		"changed_paths": result.ChangedPathsOffset,
		"files":         len(files),
	}).Info("import committed")
	return nil
}

// openLocker grants every path lock, for demo imports run with
// --check-locks against a repository that has no actual lock database
// wired up yet.
type openLocker struct{}

func (openLocker) HasLock(user, path string, recursive bool) (bool, error) { return true, nil }

// writeSelfDeltaRep streams content into an already-acquired proto-rev
// as a self-delta representation: this CLI has no predecessor reader
// (§1's external collaborator), so every Put here forgoes
// deltabase.Choose and writes a fresh rep, relying on rep-sharing alone
// to dedupe identical content across revisions.
func writeSelfDeltaRep(pw *txn.ProtoRevWriter, l *layout.Layout, cfg *config.Config, cache *repcache.RepCache, logger *logrus.Logger, txnID model.TxnId, uniquifier string, youngest layout.Rev, content []byte) (*model.Rep, error) {
	sidecarLookup := func(sha1Hex string) (*model.Rep, error) {
		return repwriter.LookupSidecarRep(l, txnID, sha1Hex)
	}
	w, err := repwriter.Open(pw, l, cfg, cache, logger, txnID, uniquifier, nil, nil, sidecarLookup, youngest)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	result, err := w.Close(alwaysVerify)
	if err != nil {
		return nil, err
	}
	rep := result.Rep
	return &rep, nil
}

func runLog(root string, rev int64, cfg *config.Config, logger *logrus.Logger) error {
	l := mustRepo(root, cfg)
	props, err := txn.ReadProps(l.RevPropsFile(layout.Rev(rev)))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(l.RevFile(layout.Rev(rev)))
	if err != nil {
		return fmt.Errorf("reading revision %d: %w", rev, err)
	}
	fmt.Printf("revision %d (%d bytes)\n", rev, len(data))
	for k, v := range props {
		fmt.Printf("  %s: %s\n", k, v)
	}
	return nil
}

func runGCHint(root string, cfg *config.Config, logger *logrus.Logger) error {
	l := mustRepo(root, cfg)
	cache, err := repcache.Open(l.RepCacheDB(), logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	count, err := cache.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("rep-cache holds %d representations\n", count)
	if count == 0 {
		fmt.Println("rep-sharing has not paid for anything yet; nothing to reclaim")
	}
	return nil
}

func main() {
	var (
		repoRoot = kingpin.Flag("repo", "Repository root directory.").Default(".").Short('r').String()
		cfgFile  = kingpin.Flag("config", "Config file for fsfsctl.").Short('c').String()
		debug    = kingpin.Flag("debug", "Enable debug logging.").Bool()
		cpu      = kingpin.Flag("profile.cpu", "Write a CPU profile to ./cpu.pprof.").Bool()
	)

	initCmd := kingpin.Command("init", "Initialize a new repository layout.")
	importCmd := kingpin.Command("import", "Import a directory tree as a new revision.")
	importSrc := importCmd.Arg("source", "Source directory to import.").Required().String()
	importUser := importCmd.Flag("user", "Author recorded on the new revision.").Default("fsfsctl").String()
	importCheckLocks := importCmd.Flag("check-locks", "Verify path locks before committing.").Bool()

	logCmd := kingpin.Command("log", "Print revision properties and size.")
	logRev := logCmd.Arg("revision", "Revision number.").Required().Int64()

	kingpin.Command("gc-hint", "Report rep-cache occupancy.")

	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("fsfsctl")).Author("Robert Cowham")
	kingpin.CommandLine.Help = "Operates an FSFS-style transactional commit-core repository.\n"
	kingpin.HelpFlag.Short('h')
	cmd := kingpin.Parse()

	if *cpu {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	cfg := config.Default()
	if *cfgFile != "" {
		loaded, err := config.LoadConfigFile(*cfgFile)
		if err != nil {
			logger.Errorf("error loading config file: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var err error
	switch cmd {
	case initCmd.FullCommand():
		err = runInit(*repoRoot, cfg, logger)
	case importCmd.FullCommand():
		err = runImport(*repoRoot, *importSrc, *importUser, *importCheckLocks, cfg, logger)
	case logCmd.FullCommand():
		err = runLog(*repoRoot, *logRev, cfg, logger)
	case "gc-hint":
		err = runGCHint(*repoRoot, cfg, logger)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
