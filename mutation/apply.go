package mutation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/flagswap/dom"
)

// ErrNoNode is returned when a record's XPath does not resolve.
var ErrNoNode = errors.New("mutation: no node at xpath")

// Apply replays r onto doc. Attribute writes that do not change the value
// produce no record in doc, so echoes of doc's own writes are inert.
func Apply(doc *dom.Document, r Record) error {
	switch r.Op {
	case OpAttr, OpAttrDel:
		el := doc.Element(Resolve(doc.Root(), r.XPath))
		if el == nil {
			return fmt.Errorf("mutation: apply %s %s: %w", r.Op, r.XPath, ErrNoNode)
		}
		if r.Op == OpAttr {
			el.SetAttr(r.Name, r.Value)
		} else {
			el.RemoveAttr(r.Name)
		}
	case OpInsert:
		parentPath, _ := Parent(r.XPath)
		parent := Resolve(doc.Root(), parentPath)
		if parent == nil {
			return fmt.Errorf("mutation: apply insert %s: %w", parentPath, ErrNoNode)
		}
		nodes, err := doc.ParseFragment(r.HTML, parent)
		if err != nil {
			return fmt.Errorf("mutation: apply insert %s: %w", r.XPath, err)
		}
		ref := elementChild(parent, r.Index)
		for _, n := range nodes {
			doc.InsertBefore(parent, n, ref)
		}
	case OpRemove:
		n := Resolve(doc.Root(), r.XPath)
		if n == nil {
			return fmt.Errorf("mutation: apply remove %s: %w", r.XPath, ErrNoNode)
		}
		doc.RemoveChild(n.Parent, n)
	case OpDocReset:
		return reset(doc, r.HTML)
	default:
		return fmt.Errorf("mutation: apply: unknown op %q", r.Op)
	}
	return nil
}

// reset swaps the content of the <html> element for that of src. The
// element itself survives so observers on it keep working.
func reset(doc *dom.Document, src string) error {
	fresh, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("mutation: apply doc_reset: %w", err)
	}
	de := doc.DocumentElement()
	var next *html.Node
	for c := fresh.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			next = c
			break
		}
	}
	if de == nil || next == nil {
		return fmt.Errorf("mutation: apply doc_reset: %w", ErrNoNode)
	}
	target := de.Node()
	for c := target.FirstChild; c != nil; {
		following := c.NextSibling
		doc.RemoveChild(target, c)
		c = following
	}
	for c := next.FirstChild; c != nil; {
		following := c.NextSibling
		next.RemoveChild(c)
		doc.AppendChild(target, c)
		c = following
	}
	var stale []string
	for _, a := range target.Attr {
		if !hasAttr(next, a.Key) {
			stale = append(stale, a.Key)
		}
	}
	for _, k := range stale {
		de.RemoveAttr(k)
	}
	for _, a := range next.Attr {
		de.SetAttr(a.Key, a.Val)
	}
	return nil
}

// elementChild returns the i-th element child of parent, or nil.
func elementChild(parent *html.Node, i int) *html.Node {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if i == 0 {
			return c
		}
		i--
	}
	return nil
}

func elementIndex(n *html.Node) int {
	i := 0
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			i++
		}
	}
	return i
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// FromDOM converts a local change into records for the page. Removals are
// not representable once the node is detached and are dropped; local code
// never removes elements.
func FromDOM(r dom.MutationRecord) []Record {
	switch r.Type {
	case dom.Attributes:
		xp := XPath(r.Target)
		if xp == "" {
			return nil
		}
		for _, a := range r.Target.Attr {
			if a.Namespace == "" && a.Key == r.AttributeName {
				return []Record{{Op: OpAttr, XPath: xp, Name: a.Key, Value: a.Val, OldValue: r.OldValue}}
			}
		}
		return []Record{{Op: OpAttrDel, XPath: xp, Name: r.AttributeName, OldValue: r.OldValue}}
	case dom.ChildList:
		var out []Record
		for _, n := range r.AddedNodes {
			if n.Type != html.ElementNode || n.Parent != r.Target {
				continue
			}
			xp := XPath(n)
			if xp == "" {
				continue
			}
			var buf bytes.Buffer
			if err := html.Render(&buf, n); err != nil {
				continue
			}
			out = append(out, Record{
				Op:    OpInsert,
				XPath: xp,
				Index: elementIndex(n),
				Tag:   strings.ToLower(n.Data),
				HTML:  buf.String(),
			})
		}
		return out
	}
	return nil
}
