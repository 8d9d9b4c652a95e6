package body

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseAlternativePrefersHTMLAndKeepsPlain(t *testing.T) {
	raw := crlf(`From: cust@example.com
Message-Id: <a1@example.com>
Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/plain; charset=utf-8

plain version
--alt
Content-Type: text/html; charset=utf-8

<p>html version</p>
--alt--
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain version", strings.TrimSpace(res.Plain))
	assert.Equal(t, "<p>html version</p>", strings.TrimSpace(res.HTML))
	assert.Empty(t, res.Errors)
}

func TestParseAlternativePicksLastHTMLChild(t *testing.T) {
	raw := crlf(`Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/html

<p>first</p>
--alt
Content-Type: text/plain

plain
--alt
Content-Type: text/html

<p>richest</p>
--alt--
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "<p>richest</p>", strings.TrimSpace(res.HTML))
	assert.Equal(t, "plain", strings.TrimSpace(res.Plain))
}

func TestParseMixedSkipsAttachmentsAndFirstPlainWins(t *testing.T) {
	raw := crlf(`Content-Type: multipart/mixed; boundary="mix"

--mix
Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/plain

body text
--alt
Content-Type: text/html

<b>body</b>
--alt--
--mix
Content-Type: text/plain
Content-Disposition: attachment; filename="cv.txt"

attached resume
--mix
Content-Type: text/plain

trailing note
--mix--
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "body text", strings.TrimSpace(res.Plain))
	assert.Equal(t, "<b>body</b>", strings.TrimSpace(res.HTML))
}

func TestParseEmbeddedMessage(t *testing.T) {
	raw := crlf(`Content-Type: multipart/mixed; boundary="mix"

--mix
Content-Type: message/rfc822

From: original@example.com
Content-Type: text/html

<p>forwarded</p>
--mix--
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "<p>forwarded</p>", strings.TrimSpace(res.HTML))
	assert.Empty(t, res.Plain)
}

func TestParseDecodesCharsetAndTransferEncoding(t *testing.T) {
	raw := crlf(`Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

caf=E9
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "café", strings.TrimSpace(res.Plain))
}

func TestParseSinglePartWithoutContentType(t *testing.T) {
	res, err := Parse(crlf("Subject: hi\n\nhello there\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", strings.TrimSpace(res.Plain))
	assert.Empty(t, res.HTML)
}

func TestParseBrokenPartDoesNotAbortSiblings(t *testing.T) {
	raw := crlf(`Content-Type: multipart/mixed; boundary="mix"

--mix
Content-Type: text/html
Content-Transfer-Encoding: base64

!!!! not base64 !!!!
--mix
Content-Type: text/plain

still here
--mix--
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "still here", strings.TrimSpace(res.Plain))
	assert.Empty(t, res.HTML)
	assert.NotEmpty(t, res.Errors)
}

func TestParseNoTextualPart(t *testing.T) {
	raw := crlf(`Content-Type: image/png

iVBORw0KGgo=
`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestExtractTreeSkipsFailedLeaves(t *testing.T) {
	tree := &Multipart{Subtype: "mixed", Children: []Node{
		&Leaf{MediaType: "text/plain", Err: errors.New("boom")},
		&Leaf{MediaType: "text/plain", Text: "second"},
		&Leaf{MediaType: "text/plain", Text: "third"},
	}}
	res := Extract(tree)
	assert.Equal(t, "second", res.Plain)
	assert.Len(t, res.Errors, 1)
}

func TestExtractBoundsDepth(t *testing.T) {
	var n Node = &Leaf{MediaType: "text/plain", Text: "deep"}
	for i := 0; i < MaxDepth*2; i++ {
		n = &Embedded{Inner: n}
	}
	res := Extract(n)
	assert.Empty(t, res.Plain)
	assert.Contains(t, res.Errors, ErrTooDeep)

	assert.Equal(t, "shallow", Extract(&Embedded{Inner: &Leaf{MediaType: "text/plain", Text: "shallow"}}).Plain)
}

func TestExtractAlternativeWithoutHTMLFallsBackToOrder(t *testing.T) {
	tree := &Multipart{Subtype: "alternative", Children: []Node{
		&Leaf{MediaType: "text/plain", Text: "first"},
		&Leaf{MediaType: "text/plain", Text: "second"},
	}}
	assert.Equal(t, "first", Extract(tree).Plain)
}

func TestExtractNil(t *testing.T) {
	assert.True(t, Extract(nil).Empty())
}
