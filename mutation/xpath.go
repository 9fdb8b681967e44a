package mutation

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// XPath returns the element path of n from the document root, in the form
// the page script produces: "/html/body/div[2]/img". The first sibling of
// a tag carries no index. Non-element nodes and detached elements return "".
func XPath(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	var parts []string
	cur := n
	for {
		tag := strings.ToLower(cur.Data)
		idx := 1
		for s := cur.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode && strings.EqualFold(s.Data, cur.Data) {
				idx++
			}
		}
		if idx > 1 {
			tag = fmt.Sprintf("%s[%d]", tag, idx)
		}
		parts = append(parts, tag)

		p := cur.Parent
		if p == nil {
			return ""
		}
		if p.Type == html.DocumentNode {
			break
		}
		if p.Type != html.ElementNode {
			return ""
		}
		cur = p
	}
	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/")
}

// Resolve finds the element at path below root, a document node. It
// returns nil when any step is missing or malformed.
func Resolve(root *html.Node, path string) *html.Node {
	if root == nil || !strings.HasPrefix(path, "/") {
		return nil
	}
	cur := root
	for _, seg := range strings.Split(path[1:], "/") {
		tag, idx, ok := parseStep(seg)
		if !ok {
			return nil
		}
		var next *html.Node
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || !strings.EqualFold(c.Data, tag) {
				continue
			}
			idx--
			if idx == 0 {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	if cur == root {
		return nil
	}
	return cur
}

// Parent returns the path of the parent element and the last step.
func Parent(path string) (string, string) {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "", strings.TrimPrefix(path, "/")
	}
	return path[:i], path[i+1:]
}

func parseStep(seg string) (string, int, bool) {
	if seg == "" {
		return "", 0, false
	}
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, 1, !strings.ContainsAny(seg, "()]")
	}
	if !strings.HasSuffix(seg, "]") || open == 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil || idx < 1 {
		return "", 0, false
	}
	return seg[:open], idx, true
}
