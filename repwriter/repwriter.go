// Package repwriter implements the representation writer described
// in §4.2: a streaming writer that tees content into running MD5/SHA1
// digests while svndiff-delta-encoding it against a chosen base into
// the open proto-rev file, then attempts rep-sharing on close.
package repwriter

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/fsfscore/config"
	"github.com/rcowham/fsfscore/layout"
	"github.com/rcowham/fsfscore/model"
	"github.com/rcowham/fsfscore/repcache"
	"github.com/rcowham/fsfscore/svndiff"
	"github.com/rcowham/fsfscore/txn"
)

// BaseContentFetcher retrieves the fully-expanded bytes of an existing
// rep, for use as the svndiff source. The reconstruction of a
// delta-chain into flat bytes is itself a read-side concern the commit
// core does not own (§1's "pristine-text hashing primitives"
// collaborator); callers supply it.
type BaseContentFetcher func(rep model.Rep) ([]byte, error)

// SidecarLookup checks the intra-txn sha1 sidecar file
// (txns/<TxnId>.txn/<sha1-hex>) for an existing rep reference
// (§4.4 step 4).
type SidecarLookup func(sha1Hex string) (*model.Rep, error)

// Writer is one representation's streaming write session, layered as
// digest-tee -> svndiff encode (buffered, flushed on Close) -> proto-rev
// append, per §9 "Streaming composition".
type Writer struct {
	pw             *txn.ProtoRevWriter
	layout         *layout.Layout
	cfg            *config.Config
	cache          *repcache.RepCache
	logger         *logrus.Logger
	txnID          model.TxnId
	uniquifier     string
	base           *model.Rep
	baseContent    []byte
	sidecarLookup  SidecarLookup
	youngest       model.Rev

	provisionalOffset int64 // captured before any mutation, per §9
	deltaStart        int64
	target            bytes.Buffer
	md5h              hashWriter
	sha1h             hashWriter
	repSize           int64
	closed            bool
}

type hashWriter interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// Open begins a new representation write against an already-acquired
// proto-rev writer. base is the chosen delta base (nil for self-delta,
// from deltabase.Choose); fetchBase supplies its expanded bytes.
func Open(
	pw *txn.ProtoRevWriter,
	l *layout.Layout,
	cfg *config.Config,
	cache *repcache.RepCache,
	logger *logrus.Logger,
	txnID model.TxnId,
	uniquifier string,
	base *model.Rep,
	fetchBase BaseContentFetcher,
	sidecarLookup SidecarLookup,
	youngest model.Rev,
) (*Writer, error) {
	offset, err := pw.Offset()
	if err != nil {
		return nil, fmt.Errorf("reading proto-rev offset: %w", err)
	}

	var baseContent []byte
	if base != nil {
		baseContent, err = fetchBase(*base)
		if err != nil {
			return nil, fmt.Errorf("fetching delta base content: %w", err)
		}
		if _, err := fmt.Fprintf(pw.File, "DELTA %d %d %d\n", base.Revision, base.Offset, base.Size); err != nil {
			return nil, fmt.Errorf("writing rep header: %w", err)
		}
	} else {
		if _, err := fmt.Fprintf(pw.File, "DELTA\n"); err != nil {
			return nil, fmt.Errorf("writing rep header: %w", err)
		}
	}

	deltaStart, err := pw.Offset()
	if err != nil {
		return nil, fmt.Errorf("reading proto-rev offset after header: %w", err)
	}

	return &Writer{
		pw:                pw,
		layout:            l,
		cfg:               cfg,
		cache:             cache,
		logger:            logger,
		txnID:             txnID,
		uniquifier:        uniquifier,
		base:              base,
		baseContent:       baseContent,
		sidecarLookup:     sidecarLookup,
		youngest:          youngest,
		provisionalOffset: offset,
		deltaStart:        deltaStart,
		md5h:              md5.New(),
		sha1h:             sha1.New(),
	}, nil
}

// Write tees p into the running digests and buffers it for delta
// encoding on Close (§4.2 step 5).
func (w *Writer) Write(p []byte) (int, error) {
	w.md5h.Write(p)
	w.sha1h.Write(p)
	w.repSize += int64(len(p))
	return w.target.Write(p)
}

// Result is what Close hands back to the caller: the rep to store on
// the NodeRev (either newly mutable, or a shared older rep), and
// whether it was shared. Close itself writes "ENDREP\n" for a fresh
// rep and omits it for a shared one.
type Result struct {
	Rep          model.Rep
	Shared       bool
	ContentClass string // diagnostic only, from h2non/filetype sniffing
}

// Close finalizes digests, encodes+writes the svndiff window, then
// attempts rep-sharing (§4.2 steps 6-8). On any error the
// proto-rev is truncated back to the provisional offset captured at
// Open, leaving it byte-identical to its pre-write state.
func (w *Writer) Close(verify repcache.VerifyFunc) (*Result, error) {
	if w.closed {
		return nil, fmt.Errorf("repwriter: already closed")
	}
	w.closed = true

	content := w.target.Bytes()
	contentClass := classify(content)

	encoded := svndiff.Encode(svndiff.Version(w.cfg.SvndiffVersion), w.baseContent, content)
	if _, err := w.pw.File.Write(encoded); err != nil {
		w.abort()
		return nil, fmt.Errorf("writing svndiff window: %w", err)
	}

	endOffset, err := w.pw.Offset()
	if err != nil {
		w.abort()
		return nil, fmt.Errorf("reading proto-rev offset: %w", err)
	}
	size := endOffset - w.deltaStart
	expandedSize := w.repSize

	var md5Sum [16]byte
	copy(md5Sum[:], w.md5h.Sum(nil))
	var sha1Sum [20]byte
	copy(sha1Sum[:], w.sha1h.Sum(nil))
	sha1Hex := fmt.Sprintf("%x", sha1Sum)

	if w.cfg.RepSharingEnabled {
		shared, err := w.tryShare(sha1Hex, verify)
		if err != nil {
			w.abort()
			return nil, err
		}
		if shared != nil {
			shared.MD5 = md5Sum // inherit new MD5, keep shared (revision, offset, size, expanded_size)
			shared.HasSHA1 = true
			shared.SHA1 = sha1Sum
			shared.Uniquifier = w.uniquifier
			if err := w.pw.TruncateTo(w.provisionalOffset); err != nil {
				return nil, fmt.Errorf("truncating proto-rev after rep-share: %w", err)
			}
			w.logger.WithFields(logrus.Fields{"sha1": sha1Hex, "revision": shared.Revision, "offset": shared.Offset}).
				Debug("rep-sharing: reusing existing representation")
			return &Result{Rep: *shared, Shared: true, ContentClass: contentClass}, nil
		}
		w.cache.RememberForCommit(sha1Hex, model.Rep{
			Offset: w.provisionalOffset, Size: size, ExpandedSize: expandedSize,
			MD5: md5Sum, SHA1: sha1Sum, HasSHA1: true, TxnID: w.txnID,
		})
		if w.layout != nil {
			if err := writeSha1Sidecar(w.layout, w.txnID, sha1Hex, w.provisionalOffset, size, expandedSize); err != nil {
				w.logger.WithError(err).WithField("sha1", sha1Hex).Warn("failed to write intra-txn sha1 sidecar")
			}
		}
	}

	if _, err := fmt.Fprint(w.pw.File, "ENDREP\n"); err != nil {
		w.abort()
		return nil, fmt.Errorf("writing ENDREP trailer: %w", err)
	}

	rep := model.Rep{
		Offset:       w.provisionalOffset,
		Size:         size,
		ExpandedSize: expandedSize,
		MD5:          md5Sum,
		SHA1:         sha1Sum,
		HasSHA1:      true,
		TxnID:        w.txnID,
		Uniquifier:   w.uniquifier,
	}
	return &Result{Rep: rep, Shared: false, ContentClass: contentClass}, nil
}

func (w *Writer) tryShare(sha1Hex string, verify repcache.VerifyFunc) (*model.Rep, error) {
	rep, err := w.cache.Lookup(sha1Hex, w.youngest, verify)
	if err != nil {
		return nil, err
	}
	if rep != nil {
		return rep, nil
	}
	if w.sidecarLookup != nil {
		return w.sidecarLookup(sha1Hex)
	}
	return nil, nil
}

// writeSha1Sidecar records a freshly-written rep's location under the
// txn directory, so a later Put in the same still-open transaction can
// find it via LookupSidecarRep before the content ever reaches the
// sqlite rep-cache (§4.4 step 4). The rep this names is still mutable:
// offset is within the txn's own proto-rev, not a committed revision.
func writeSha1Sidecar(l *layout.Layout, txnID model.TxnId, sha1Hex string, offset, size, expandedSize int64) error {
	content := fmt.Sprintf("%d %d %d\n", offset, size, expandedSize)
	return os.WriteFile(l.TxnSha1SidecarFile(string(txnID), sha1Hex), []byte(content), 0666)
}

// LookupSidecarRep reads back a sidecar file written by writeSha1Sidecar.
// A missing file means no match, not an error. Wire this into
// commit.Deps.SidecarLookup, bound to the transaction currently
// committing.
func LookupSidecarRep(l *layout.Layout, txnID model.TxnId, sha1Hex string) (*model.Rep, error) {
	data, err := os.ReadFile(l.TxnSha1SidecarFile(string(txnID), sha1Hex))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sha1 sidecar for %s: %w", sha1Hex, err)
	}
	var offset, size, expandedSize int64
	if _, err := fmt.Sscanf(string(data), "%d %d %d", &offset, &size, &expandedSize); err != nil {
		return nil, fmt.Errorf("parsing sha1 sidecar for %s: %w", sha1Hex, err)
	}
	return &model.Rep{Offset: offset, Size: size, ExpandedSize: expandedSize, TxnID: txnID}, nil
}

func (w *Writer) abort() {
	if err := w.pw.TruncateTo(w.provisionalOffset); err != nil {
		w.logger.WithError(err).Error("failed to truncate proto-rev during cleanup")
	}
}

func classify(content []byte) string {
	head := content
	if len(head) > 261 {
		head = head[:261]
	}
	switch {
	case filetype.IsImage(head):
		return "image"
	case filetype.IsVideo(head):
		return "video"
	case filetype.IsArchive(head):
		return "archive"
	case filetype.IsAudio(head):
		return "audio"
	case filetype.IsDocument(head):
		kind, _ := filetype.Match(head)
		return kind.MIME.Value
	default:
		return "text"
	}
}
