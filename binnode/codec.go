package binnode

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Codec converts nodes to and from their byte representation.
type Codec interface {
	Marshal(n Node) ([]byte, error)
	Unmarshal(b []byte) (Node, error)
}

// jsonNode is the json representation of a node. Attributes are always
// encoded as strings.
type jsonNode struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []jsonNode        `json:"children,omitempty"`
	Bytes    []byte            `json:"bytes,omitempty"`
	Text     *string           `json:"text,omitempty"`
}

func toJSONNode(n *Node) (jsonNode, error) {
	jn := jsonNode{Tag: n.Tag}
	if len(n.Attrs) > 0 {
		jn.Attrs = make(map[string]string, len(n.Attrs))
		for k := range n.Attrs {
			jn.Attrs[k] = n.AttrString(k)
		}
	}
	switch c := n.Content.(type) {
	case nil:
	case []Node:
		jn.Children = make([]jsonNode, len(c))
		for i := range c {
			var err error
			if jn.Children[i], err = toJSONNode(&c[i]); err != nil {
				return jn, err
			}
		}
	case []byte:
		jn.Bytes = c
	case string:
		jn.Text = &c
	default:
		return jn, fmt.Errorf("unsupported content type %T in <%s>", c, n.Tag)
	}
	return jn, nil
}

func fromJSONNode(jn *jsonNode) Node {
	n := Node{Tag: jn.Tag}
	if len(jn.Attrs) > 0 {
		n.Attrs = make(Attrs, len(jn.Attrs))
		for k, v := range jn.Attrs {
			n.Attrs[k] = v
		}
	}
	switch {
	case jn.Children != nil:
		children := make([]Node, len(jn.Children))
		for i := range jn.Children {
			children[i] = fromJSONNode(&jn.Children[i])
		}
		n.Content = children
	case jn.Bytes != nil:
		n.Content = jn.Bytes
	case jn.Text != nil:
		n.Content = *jn.Text
	}
	return n
}

// JSONCodec encodes nodes as json documents. It is used by the default
// transport when no dictionary codec is configured.
type JSONCodec struct{}

// Marshal encodes the node.
func (JSONCodec) Marshal(n Node) ([]byte, error) {
	if n.Tag == "" {
		return nil, fmt.Errorf("cannot marshal node without tag")
	}
	jn, err := toJSONNode(&n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jn)
}

// Unmarshal decodes a node.
func (JSONCodec) Unmarshal(b []byte) (Node, error) {
	var jn jsonNode
	if err := json.Unmarshal(b, &jn); err != nil {
		return Node{}, fmt.Errorf("unable to decode node: %w", err)
	}
	if jn.Tag == "" {
		return Node{}, fmt.Errorf("decoded node without tag")
	}
	return fromJSONNode(&jn), nil
}

func sortedKeys(attrs Attrs) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
