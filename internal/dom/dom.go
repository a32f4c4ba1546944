package dom

import (
	"strings"
)

const (
	DocumentTag = "#document"
	TextTag     = "#text"
)

// Element is the read-only view of a DOM node the tracker needs.
type Element interface {
	TagName() string
	Attr(name string) (string, bool)
	ID() string
	Classes() []string
	Text() string
	Placeholder() string
	Value() string
	Parent() Element
	Children() []Element
}

// Node is a concrete Element. Trees are built with NewDocument/NewElement/AppendChild,
// parsed from HTML, or decoded from JSON where only the parent chain is present.
type Node struct {
	Tag        string            `json:"tag,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	InnerText  string            `json:"text,omitempty"`
	ParentNode *Node             `json:"parent,omitempty"`

	kids []*Node
}

func NewDocument() *Node {
	return &Node{Tag: DocumentTag}
}

func NewElement(tag string, attrs map[string]string) *Node {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Node{Tag: strings.ToLower(tag), Attrs: attrs}
}

func NewText(text string) *Node {
	return &Node{Tag: TextTag, InnerText: text}
}

// AppendChild attaches child under n and returns child.
func (n *Node) AppendChild(child *Node) *Node {
	if child == nil {
		return nil
	}
	if child.ParentNode != nil {
		child.Remove()
	}
	child.ParentNode = n
	n.kids = append(n.kids, child)
	return child
}

// Remove detaches n from its parent.
func (n *Node) Remove() {
	p := n.ParentNode
	if p == nil {
		return
	}
	for i, k := range p.kids {
		if k == n {
			p.kids = append(p.kids[:i], p.kids[i+1:]...)
			break
		}
	}
	n.ParentNode = nil
}

// Attached reports whether n still hangs off a document root.
func (n *Node) Attached() bool {
	cur := n
	for cur != nil {
		if cur.Tag == DocumentTag {
			return true
		}
		cur = cur.ParentNode
	}
	return false
}

func (n *Node) SetAttr(name, value string) {
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	n.Attrs[name] = value
}

// SetText replaces all children with a single text node.
func (n *Node) SetText(text string) {
	for _, k := range n.kids {
		k.ParentNode = nil
	}
	n.kids = nil
	n.InnerText = ""
	n.AppendChild(NewText(text))
}

func (n *Node) TagName() string {
	if n == nil {
		return ""
	}
	return n.Tag
}

func (n *Node) Attr(name string) (string, bool) {
	if n == nil || n.Attrs == nil {
		return "", false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

func (n *Node) ID() string {
	v, _ := n.Attr("id")
	return v
}

func (n *Node) Classes() []string {
	v, _ := n.Attr("class")
	return strings.Fields(v)
}

func (n *Node) Placeholder() string {
	v, _ := n.Attr("placeholder")
	return v
}

func (n *Node) Value() string {
	if v, ok := n.Attr("value"); ok {
		return v
	}
	if n.TagName() == "textarea" {
		return n.Text()
	}
	return ""
}

func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	if n.InnerText != "" || len(n.kids) == 0 {
		return n.InnerText
	}
	var b strings.Builder
	n.collectText(&b)
	return b.String()
}

func (n *Node) collectText(b *strings.Builder) {
	for _, k := range n.kids {
		if k.Tag == TextTag {
			b.WriteString(k.InnerText)
			continue
		}
		k.collectText(b)
	}
}

func (n *Node) Parent() Element {
	if n == nil || n.ParentNode == nil {
		return nil
	}
	return n.ParentNode
}

func (n *Node) Children() []Element {
	if n == nil {
		return nil
	}
	out := make([]Element, 0, len(n.kids))
	for _, k := range n.kids {
		if k.Tag == TextTag {
			continue
		}
		out = append(out, k)
	}
	return out
}
