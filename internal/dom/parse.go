package dom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Parse reads an HTML snapshot into a Node tree rooted at a document node.
func Parse(r io.Reader) (*Node, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := NewDocument()
	convertChildren(doc, root)
	return doc, nil
}

func ParseString(s string) (*Node, error) {
	return Parse(strings.NewReader(s))
}

func convertChildren(dst *Node, src *html.Node) {
	for c := src.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			attrs := make(map[string]string, len(c.Attr))
			for _, a := range c.Attr {
				attrs[a.Key] = a.Val
			}
			el := dst.AppendChild(NewElement(c.Data, attrs))
			convertChildren(el, c)
		case html.TextNode:
			if c.Data != "" {
				dst.AppendChild(NewText(c.Data))
			}
		}
	}
}
