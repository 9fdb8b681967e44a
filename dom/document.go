// Package dom is the live document model the flag engine runs against.
//
// A Document wraps a golang.org/x/net/html tree and adds what a browser page
// offers a content script: a ready state with a ready signal, mutation
// observers that receive records in batches, inline style access, and layout
// metrics supplied by the host. All reads and writes are expected to happen
// on the document's Loop.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ReadyState mirrors document.readyState.
type ReadyState string

const (
	Loading     ReadyState = "loading"
	Interactive ReadyState = "interactive"
	Complete    ReadyState = "complete"
)

// Document is a mutable HTML tree with mutation observation.
type Document struct {
	root     *html.Node
	location *url.URL
	ready    ReadyState
	readyFns []func()
	layout   LayoutFunc

	observers  []*Observer
	delivering bool
	origin     string
}

// Option configures a Document.
type Option func(*Document)

// WithLayout sets the function that measures elements.
// Default: StaticLayout.
func WithLayout(fn LayoutFunc) Option {
	return func(d *Document) { d.layout = fn }
}

// WithReadyState sets the initial ready state. Default: Complete.
func WithReadyState(s ReadyState) Option {
	return func(d *Document) { d.ready = s }
}

// Parse reads an HTML document. location is the page URL, it may be empty.
func Parse(r io.Reader, location string, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return New(root, location, opts...)
}

// ParseString is Parse over a string.
func ParseString(s, location string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), location, opts...)
}

// New wraps an already parsed tree. root must be an html.DocumentNode.
func New(root *html.Node, location string, opts ...Option) (*Document, error) {
	if root == nil || root.Type != html.DocumentNode {
		return nil, fmt.Errorf("dom: root is not a document node")
	}
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("dom: location %q: %w", location, err)
	}
	d := &Document{
		root:     root,
		location: loc,
		ready:    Complete,
		layout:   StaticLayout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Location returns the page URL.
func (d *Document) Location() *url.URL { return d.location }

// SetLocation updates the page URL (SPA navigation).
func (d *Document) SetLocation(u *url.URL) { d.location = u }

// DocumentElement returns the <html> element.
func (d *Document) DocumentElement() *Element {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return d.Element(c)
		}
	}
	return nil
}

// Head returns the <head> element, or nil.
func (d *Document) Head() *Element { return d.child(atom.Head) }

// Body returns the <body> element, or nil.
func (d *Document) Body() *Element { return d.child(atom.Body) }

func (d *Document) child(a atom.Atom) *Element {
	de := d.DocumentElement()
	if de == nil {
		return nil
	}
	for c := de.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return d.Element(c)
		}
	}
	return nil
}

// Element wraps n. It returns nil when n is not an element node.
func (d *Document) Element(n *html.Node) *Element {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	return &Element{doc: d, node: n}
}

// ReadyState returns the current ready state.
func (d *Document) ReadyState() ReadyState { return d.ready }

// SetReadyState moves the document to s. Leaving Loading fires the ready
// callbacks once, in registration order.
func (d *Document) SetReadyState(s ReadyState) {
	prev := d.ready
	d.ready = s
	if prev == Loading && s != Loading {
		fns := d.readyFns
		d.readyFns = nil
		for _, fn := range fns {
			fn()
		}
	}
}

// OnReady registers fn for the ready signal. If the document is not loading
// the callback is not registered and false is returned; callers run their
// work directly in that case.
func (d *Document) OnReady(fn func()) bool {
	if d.ready != Loading {
		return false
	}
	d.readyFns = append(d.readyFns, fn)
	return true
}

// WithOrigin runs fn and stamps every mutation record it produces with
// origin. Hosts use it to tell their own writes from the engine's.
func (d *Document) WithOrigin(origin string, fn func()) {
	prev := d.origin
	d.origin = origin
	defer func() { d.origin = prev }()
	fn()
}

// AppendChild appends child to parent and queues a childList record.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child before ref (append when ref is nil).
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if child.Parent != nil {
		d.RemoveChild(child.Parent, child)
	}
	parent.InsertBefore(child, ref)
	d.enqueue(MutationRecord{
		Type:        ChildList,
		Target:      parent,
		AddedNodes:  []*html.Node{child},
		NextSibling: ref,
	})
}

// RemoveChild detaches child from parent and queues a childList record.
func (d *Document) RemoveChild(parent, child *html.Node) {
	if child.Parent != parent {
		return
	}
	next := child.NextSibling
	parent.RemoveChild(child)
	d.enqueue(MutationRecord{
		Type:         ChildList,
		Target:       parent,
		RemovedNodes: []*html.Node{child},
		NextSibling:  next,
	})
}

// Render serialises the whole document.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the document, for logs and tests.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// ParseFragment parses s in the context of parent and returns the top-level
// nodes, detached.
func (d *Document) ParseFragment(s string, parent *html.Node) ([]*html.Node, error) {
	ctx := parent
	if ctx == nil || ctx.Type != html.ElementNode {
		ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	return nodes, nil
}

// Contains reports whether n is root or a descendant of root.
func Contains(root, n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}
