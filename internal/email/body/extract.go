package body

import "strings"

// Result holds the chosen bodies. An empty string means the message had no
// readable part of that kind.
type Result struct {
	Plain  string
	HTML   string
	Errors []error // read failures of skipped parts
}

// Empty reports whether neither body was found.
func (r Result) Empty() bool {
	return r.Plain == "" && r.HTML == ""
}

// Extract walks the tree and returns the first plain and first HTML body.
//
// Inside multipart/alternative the last child carrying HTML is visited first,
// since clients order alternatives from plainest to richest; the remaining
// children follow in order so a plain sibling still fills Plain.
func Extract(root Node) Result {
	var x extractor
	x.visit(root, 0)
	return x.res
}

// Parse is a shortcut for NewParser().Parse followed by Extract.
func Parse(raw []byte) (Result, error) {
	node, err := NewParser().Parse(raw)
	if err != nil {
		return Result{}, err
	}
	return Extract(node), nil
}

type extractor struct {
	res Result
}

func (x *extractor) visit(n Node, depth int) {
	if n == nil {
		return
	}
	if depth > MaxDepth {
		x.res.Errors = append(x.res.Errors, ErrTooDeep)
		return
	}
	switch n := n.(type) {
	case *Leaf:
		x.leaf(n)
	case *Multipart:
		if n.Subtype == "alternative" {
			if idx := lastHTMLChild(n.Children, depth+1); idx >= 0 {
				x.visit(n.Children[idx], depth+1)
				for i, child := range n.Children {
					if i != idx {
						x.visit(child, depth+1)
					}
				}
				return
			}
		}
		for _, child := range n.Children {
			x.visit(child, depth+1)
		}
	case *Embedded:
		x.visit(n.Inner, depth+1)
	}
}

func (x *extractor) leaf(l *Leaf) {
	if l.Err != nil {
		x.res.Errors = append(x.res.Errors, l.Err)
		return
	}
	if strings.TrimSpace(l.Text) == "" {
		return
	}
	switch {
	case l.IsPlain():
		if x.res.Plain == "" {
			x.res.Plain = l.Text
		}
	case l.IsHTML():
		if x.res.HTML == "" {
			x.res.HTML = l.Text
		}
	}
}

func lastHTMLChild(children []Node, depth int) int {
	for i := len(children) - 1; i >= 0; i-- {
		if containsHTML(children[i], depth) {
			return i
		}
	}
	return -1
}

func containsHTML(n Node, depth int) bool {
	if depth > MaxDepth {
		return false
	}
	switch n := n.(type) {
	case *Leaf:
		return n.IsHTML() && strings.TrimSpace(n.Text) != ""
	case *Multipart:
		for _, child := range n.Children {
			if containsHTML(child, depth+1) {
				return true
			}
		}
	case *Embedded:
		return containsHTML(n.Inner, depth+1)
	}
	return false
}
