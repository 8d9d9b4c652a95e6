package quote

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Class names mail clients put on the container of quoted history.
var quoteClasses = []string{
	"gmail_quote",
	"gmail_extra",
	"yahoo_quoted",
	"moz-cite-prefix",
	"protonmail_quote",
	"outlookmessageheader",
}

// Element ids after which Outlook places the quoted message.
var quoteTailIDs = []string{"divrplyfwdmsg", "appendonsend", "stopspelling"}

func stripHTML(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	removeQuotes(doc)
	return render(doc), nil
}

// HTMLToText renders html as plain text, keeping block boundaries as line breaks.
func HTMLToText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return strings.Join(strings.Fields(src), " ")
	}
	return render(doc)
}

func removeQuotes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			if isQuoteTail(c) {
				for d := c; d != nil; {
					dn := d.NextSibling
					n.RemoveChild(d)
					d = dn
				}
				return
			}
			if isQuote(c) {
				n.RemoveChild(c)
				c = next
				continue
			}
			removeQuotes(c)
		}
		c = next
	}
}

func isQuote(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Blockquote, atom.Script, atom.Style, atom.Head, atom.Title:
		return true
	}
	class := strings.ToLower(attr(n, "class"))
	for _, token := range strings.Fields(class) {
		for _, qc := range quoteClasses {
			if token == qc {
				return true
			}
		}
	}
	return false
}

func isQuoteTail(n *html.Node) bool {
	id := strings.ToLower(attr(n, "id"))
	for _, q := range quoteTailIDs {
		if id == q {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Table: true, atom.Pre: true, atom.Hr: true,
}

func render(doc *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text := strings.Join(strings.Fields(n.Data), " ")
			if text == "" {
				return
			}
			if startsWithSpace(n.Data) {
				space(&b)
			}
			b.WriteString(text)
			if endsWithSpace(n.Data) {
				space(&b)
			}
			return
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			newline(&b)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			newline(&b)
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(collapseBlankLines(lines))
}

func newline(b *strings.Builder) {
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
}

func space(b *strings.Builder) {
	s := b.String()
	if s != "" && !strings.HasSuffix(s, "\n") && !strings.HasSuffix(s, " ") {
		b.WriteByte(' ')
	}
}

func startsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\r\n", rune(s[0]))
}

func endsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\r\n", rune(s[len(s)-1]))
}
