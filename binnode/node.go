// Package binnode defines the tree representation of protocol wire nodes.
//
// The byte level encoding of nodes belongs to the transport layer and is
// abstracted by the Codec interface.
package binnode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/companyzero/mdlink/jid"
)

// Attrs is the attribute map of a node.
type Attrs map[string]any

// Node is a single protocol node. Content is one of []Node, []byte, string or
// nil.
type Node struct {
	Tag     string
	Attrs   Attrs
	Content any
}

// GetChildren returns the child nodes, or nil if the content is not a list of
// nodes.
func (n *Node) GetChildren() []Node {
	if n == nil {
		return nil
	}
	children, _ := n.Content.([]Node)
	return children
}

// GetChildrenByTag returns every direct child with the given tag.
func (n *Node) GetChildrenByTag(tag string) []Node {
	var res []Node
	for _, c := range n.GetChildren() {
		if c.Tag == tag {
			res = append(res, c)
		}
	}
	return res
}

// GetOptionalChildByTag follows the path of tags and returns the final node.
// ok is false if any element along the path does not exist.
func (n *Node) GetOptionalChildByTag(tags ...string) (val Node, ok bool) {
	if n == nil {
		return Node{}, false
	}
	val = *n
nextTag:
	for _, tag := range tags {
		for _, child := range val.GetChildren() {
			if child.Tag == tag {
				val = child
				continue nextTag
			}
		}
		return Node{}, false
	}
	return val, true
}

// GetChildByTag is like GetOptionalChildByTag but returns an empty node when
// the path does not exist.
func (n *Node) GetChildByTag(tags ...string) Node {
	node, _ := n.GetOptionalChildByTag(tags...)
	return node
}

// FindDescendants returns every node in the subtree (excluding n itself) with
// the given tag, in document order.
func (n *Node) FindDescendants(tag string) []Node {
	var res []Node
	var visit func(nodes []Node)
	visit = func(nodes []Node) {
		for i := range nodes {
			if nodes[i].Tag == tag {
				res = append(res, nodes[i])
			}
			visit(nodes[i].GetChildren())
		}
	}
	visit(n.GetChildren())
	return res
}

// ContentBytes returns the content as bytes, converting string content.
func (n *Node) ContentBytes() []byte {
	switch c := n.Content.(type) {
	case []byte:
		return c
	case string:
		return []byte(c)
	}
	return nil
}

// AttrString returns the named attribute formatted as a string. Missing
// attributes return "".
func (n *Node) AttrString(key string) string {
	v, ok := n.Attrs[key]
	if !ok || v == nil {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case jid.JID:
		return v.String()
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

// AttrInt returns the named attribute as an integer.
func (n *Node) AttrInt(key string) (int64, error) {
	switch v := n.Attrs[key].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		// JSON decoded numbers.
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("attribute %q not found in <%s>", key, n.Tag)
	default:
		return 0, fmt.Errorf("attribute %q in <%s> has unexpected type %T",
			key, n.Tag, v)
	}
}

// AttrJID returns the named attribute parsed as a JID.
func (n *Node) AttrJID(key string) (jid.JID, error) {
	switch v := n.Attrs[key].(type) {
	case jid.JID:
		return v, nil
	case string:
		return jid.Parse(v)
	case nil:
		return jid.JID{}, fmt.Errorf("attribute %q not found in <%s>", key, n.Tag)
	default:
		return jid.JID{}, fmt.Errorf("attribute %q in <%s> has unexpected type %T",
			key, n.Tag, v)
	}
}

// String returns an XML-like representation of the node, useful for logs.
func (n Node) String() string {
	var b strings.Builder
	n.writeTo(&b, "")
	return b.String()
}

func (n *Node) writeTo(b *strings.Builder, indent string) {
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(n.Tag)
	for _, k := range sortedKeys(n.Attrs) {
		fmt.Fprintf(b, " %s=%q", k, n.AttrString(k))
	}
	switch c := n.Content.(type) {
	case nil:
		b.WriteString("/>")
	case []Node:
		b.WriteString(">\n")
		for i := range c {
			c[i].writeTo(b, indent+"  ")
			b.WriteByte('\n')
		}
		b.WriteString(indent)
		fmt.Fprintf(b, "</%s>", n.Tag)
	case []byte:
		fmt.Fprintf(b, "><!-- %d bytes --></%s>", len(c), n.Tag)
	default:
		fmt.Fprintf(b, ">%v</%s>", c, n.Tag)
	}
}
