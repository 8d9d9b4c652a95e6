// Package body turns a MIME message into a tree of textual parts and picks
// the best plain-text and HTML renderings from it.
package body

import "errors"

// MaxDepth bounds how deep multipart and embedded-message nesting is followed.
const MaxDepth = 32

// ErrTooDeep marks a subtree that was cut because it exceeded MaxDepth.
var ErrTooDeep = errors.New("mime nesting too deep")

// Node is one element of a parsed MIME tree: *Leaf, *Multipart or *Embedded.
type Node interface {
	node()
}

// Leaf is a single textual part.
type Leaf struct {
	MediaType string // lower-cased, e.g. text/plain
	Text      string
	Err       error // set when the part could not be read
}

// Multipart is a multipart/* container.
type Multipart struct {
	Subtype  string // alternative, mixed, related, ...
	Children []Node
}

// Embedded is an attached message/rfc822 whose content is part of the conversation.
type Embedded struct {
	Inner Node
}

func (*Leaf) node()      {}
func (*Multipart) node() {}
func (*Embedded) node()  {}

// IsPlain reports whether the leaf is readable text/plain content.
func (l *Leaf) IsPlain() bool {
	return l.Err == nil && l.MediaType == "text/plain"
}

// IsHTML reports whether the leaf is readable text/html content.
func (l *Leaf) IsHTML() bool {
	return l.Err == nil && l.MediaType == "text/html"
}
