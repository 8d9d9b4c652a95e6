package body

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	htmlcharset "golang.org/x/net/html/charset"
)

// DefaultBodyLimit caps how many bytes are read from a single part.
const DefaultBodyLimit int64 = 4 << 20

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Parser builds MIME trees.
type Parser struct {
	bodyLimit int64
}

// ParserOption customizes a Parser.
type ParserOption func(*Parser)

// WithBodyLimit caps the bytes read per part.
func WithBodyLimit(limit int64) ParserOption {
	return func(p *Parser) {
		if limit > 0 {
			p.bodyLimit = limit
		}
	}
}

// NewParser returns a parser with the given options.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{bodyLimit: DefaultBodyLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse reads raw as an RFC 5322 message. Only an unreadable top-level
// header is an error; failures inside the tree are recorded on leaves.
func (p *Parser) Parse(raw []byte) (Node, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if entity == nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return p.build(entity, 0), nil
}

func (p *Parser) build(entity *gomessage.Entity, depth int) Node {
	if depth > MaxDepth {
		return &Leaf{Err: ErrTooDeep}
	}
	mediaType, params, err := entity.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if disp, _, err := entity.Header.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
		if mediaType != "message/rfc822" {
			return nil
		}
	}

	if mr := entity.MultipartReader(); mr != nil {
		node := &Multipart{Subtype: strings.TrimPrefix(mediaType, "multipart/")}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if part == nil {
				node.Children = append(node.Children, &Leaf{Err: fmt.Errorf("next part: %w", err)})
				break
			}
			if child := p.build(part, depth+1); child != nil {
				node.Children = append(node.Children, child)
			}
		}
		return node
	}

	switch {
	case mediaType == "message/rfc822" || mediaType == "message/global":
		inner, err := gomessage.Read(entity.Body)
		if inner == nil {
			return &Leaf{MediaType: mediaType, Err: fmt.Errorf("read embedded message: %w", err)}
		}
		return &Embedded{Inner: p.build(inner, depth+1)}
	case mediaType == "text/plain" || mediaType == "text/html":
		data, err := io.ReadAll(io.LimitReader(entity.Body, p.bodyLimit))
		if err != nil {
			return &Leaf{MediaType: mediaType, Err: fmt.Errorf("read %s part (charset %q): %w", mediaType, params["charset"], err)}
		}
		return &Leaf{MediaType: mediaType, Text: string(data)}
	default:
		return nil
	}
}
