// Package traverse applies classification and rewrite to a subtree.
package traverse

import (
	"context"
	"log/slog"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/match"
	"github.com/hazyhaar/flagswap/rewrite"
)

// Candidates selects the descendants worth classifying.
const Candidates = `img, [class*="flag"], [data-country], [data-nation], [aria-label], [title]`

var candidates = cascadia.MustCompile(Candidates)

// Rewriter is the part of rewrite.Engine the driver needs.
type Rewriter interface {
	RewriteImage(ctx context.Context, el *dom.Element) bool
	RewriteBackground(ctx context.Context, el *dom.Element) bool
}

// Stats counts one scan.
type Stats struct {
	Visited   int `json:"visited"`
	Matched   int `json:"matched"`
	Rewritten int `json:"rewritten"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Visited += o.Visited
	s.Matched += o.Matched
	s.Rewritten += o.Rewritten
}

// Driver scans subtrees of one document. Scan must run on the document's
// loop.
type Driver struct {
	doc     *dom.Document
	matcher *match.Matcher
	rw      Rewriter
	logger  *slog.Logger
}

// New returns a Driver for doc.
func New(doc *dom.Document, m *match.Matcher, rw Rewriter, logger *slog.Logger) *Driver {
	if m == nil {
		m = match.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{doc: doc, matcher: m, rw: rw, logger: logger}
}

// Scan classifies n and its candidate descendants and rewrites matches.
// Non-element nodes are ignored.
func (d *Driver) Scan(ctx context.Context, n *html.Node) Stats {
	var st Stats
	root := d.doc.Element(n)
	if root == nil {
		return st
	}
	d.visit(ctx, root, &st)
	for _, el := range root.QueryAll(candidates) {
		if ctx.Err() != nil {
			break
		}
		d.visit(ctx, el, &st)
	}
	if st.Rewritten > 0 {
		d.logger.Debug("traverse: scan", "root", root.Tag(), "visited", st.Visited, "rewritten", st.Rewritten)
	}
	return st
}

// ScanDocument scans from the document element.
func (d *Driver) ScanDocument(ctx context.Context) Stats {
	root := d.doc.DocumentElement()
	if root == nil {
		return Stats{}
	}
	return d.Scan(ctx, root.Node())
}

func (d *Driver) visit(ctx context.Context, el *dom.Element, st *Stats) {
	st.Visited++
	if rewrite.IsMarked(el) {
		return
	}
	v := d.matcher.Classify(el)
	if !v.Match {
		return
	}
	st.Matched++
	var claimed bool
	if el.Is("img") {
		claimed = d.rw.RewriteImage(ctx, el)
	} else {
		claimed = d.rw.RewriteBackground(ctx, el)
	}
	if claimed {
		st.Rewritten++
		d.logger.Debug("traverse: match", "tag", el.Tag(), "evidence", v.Evidence)
	}
}
