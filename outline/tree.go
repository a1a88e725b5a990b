package outline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tree is an immutable outline value. Every operation returns a new Tree and
// leaves the receiver untouched. Operations addressing an id that is no longer
// in the tree return the tree unchanged.
type Tree struct {
	nodes []Node
}

// FromNodes builds a tree from nodes that already carry ids. The nodes are deep copied.
func FromNodes(nodes []Node) Tree {
	return Tree{nodes: cloneNodes(nodes)}
}

// Normalize converts a service outline into a tree, keeping supplied ids and
// generating the missing ones. A supplied id that repeats one seen earlier is
// replaced as well.
func Normalize(raw []RawNode, newID IDFunc) Tree {
	seen := idSet{}
	var walk func([]RawNode) []Node
	walk = func(in []RawNode) []Node {
		if len(in) == 0 {
			return nil
		}
		out := make([]Node, 0, len(in))
		for _, r := range in {
			id := r.ID
			if id == "" || seen.has(id) {
				id = ""
			} else {
				seen[id] = struct{}{}
			}
			out = append(out, Node{ID: id, Title: r.Title, Children: walk(r.Children)})
		}
		return out
	}
	nodes := walk(raw)
	assignMissing(nodes, seen, newID)
	return Tree{nodes: nodes}
}

// assignMissing runs after every supplied id is recorded so generated ids can
// never shadow a supplied one further down the tree.
func assignMissing(nodes []Node, seen idSet, newID IDFunc) {
	for i := range nodes {
		if nodes[i].ID == "" {
			nodes[i].ID = seen.fresh(newID)
		}
		assignMissing(nodes[i].Children, seen, newID)
	}
}

// Nodes returns a deep copy of the top-level nodes.
func (t Tree) Nodes() []Node { return cloneNodes(t.nodes) }

// MarshalJSON encodes the top-level nodes; an empty tree encodes as [].
func (t Tree) MarshalJSON() ([]byte, error) {
	if t.nodes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.nodes)
}

// UnmarshalJSON decodes a node list as produced by MarshalJSON. Ids are taken
// as is; call Validate before trusting a decoded tree.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var nodes []Node
	if err := json.Unmarshal(b, &nodes); err != nil {
		return err
	}
	if len(nodes) == 0 {
		nodes = nil
	}
	t.nodes = nodes
	return nil
}

// Empty reports whether the tree has no nodes.
func (t Tree) Empty() bool { return len(t.nodes) == 0 }

// Len counts every node in the tree.
func (t Tree) Len() int {
	var count func([]Node) int
	count = func(ns []Node) int {
		c := len(ns)
		for _, n := range ns {
			c += count(n.Children)
		}
		return c
	}
	return count(t.nodes)
}

// IDs lists node ids in pre-order.
func (t Tree) IDs() []string {
	var out []string
	var walk func([]Node)
	walk = func(ns []Node) {
		for _, n := range ns {
			out = append(out, n.ID)
			walk(n.Children)
		}
	}
	walk(t.nodes)
	return out
}

// Find returns a copy of the node with id.
func (t Tree) Find(id string) (Node, bool) {
	if n := find(t.nodes, id); n != nil {
		return cloneNode(*n), true
	}
	return Node{}, false
}

func find(nodes []Node, id string) *Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
		if n := find(nodes[i].Children, id); n != nil {
			return n
		}
	}
	return nil
}

// Validate checks that ids are non-empty and unique.
func (t Tree) Validate() error {
	seen := idSet{}
	for _, id := range t.IDs() {
		if id == "" {
			return fmt.Errorf("outline: node with empty id")
		}
		if seen.has(id) {
			return fmt.Errorf("outline: duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// EditTitle replaces the title of the node with id.
func (t Tree) EditTitle(id, title string) Tree {
	nodes := cloneNodes(t.nodes)
	n := find(nodes, id)
	if n == nil {
		return t
	}
	n.Title = title
	return Tree{nodes: nodes}
}

// InsertChild appends a DefaultTitle child to parentID and returns the new id.
// A missing parent leaves the tree unchanged and returns "".
func (t Tree) InsertChild(parentID string, newID IDFunc) (Tree, string) {
	if find(t.nodes, parentID) == nil {
		return t, ""
	}
	seen := idSet{}
	collectIDs(t.nodes, seen)
	id := seen.fresh(newID)
	return t.InsertChildNode(parentID, Node{ID: id, Title: DefaultTitle}), id
}

// InsertChildNode appends n (and its subtree) to parentID's children. Ids in n
// that are empty or already used in the tree are regenerated with NewID.
func (t Tree) InsertChildNode(parentID string, n Node) Tree {
	nodes := cloneNodes(t.nodes)
	parent := find(nodes, parentID)
	if parent == nil {
		return t
	}
	seen := idSet{}
	collectIDs(nodes, seen)
	child := cloneNode(n)
	reassign(&child, seen)
	parent.Children = append(parent.Children, child)
	return Tree{nodes: nodes}
}

func reassign(n *Node, seen idSet) {
	if n.ID == "" || seen.has(n.ID) {
		n.ID = seen.fresh(NewID)
	} else {
		seen[n.ID] = struct{}{}
	}
	for i := range n.Children {
		reassign(&n.Children[i], seen)
	}
}

// DeleteNode removes id and its whole subtree.
func (t Tree) DeleteNode(id string) Tree {
	if find(t.nodes, id) == nil {
		return t
	}
	return Tree{nodes: remove(t.nodes, id)}
}

func remove(nodes []Node, id string) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == id {
			continue
		}
		out = append(out, Node{ID: n.ID, Title: n.Title, Children: remove(n.Children, id)})
	}
	return out
}

// ReorderSiblings moves the child at from to position to within one sibling
// list. containerID is the parent's id, or Root for the top level. Moving a
// node under a different parent is not supported. Out of range indices and
// unknown containers are ignored.
func (t Tree) ReorderSiblings(containerID string, from, to int) Tree {
	nodes := cloneNodes(t.nodes)
	list := &nodes
	if containerID != Root {
		parent := find(nodes, containerID)
		if parent == nil {
			return t
		}
		list = &parent.Children
	}
	n := len(*list)
	if from < 0 || from >= n || to < 0 || to >= n || from == to {
		return t
	}
	*list = arrayMove(*list, from, to)
	return Tree{nodes: nodes}
}

func arrayMove(s []Node, from, to int) []Node {
	moved := s[from]
	rest := make([]Node, 0, len(s))
	rest = append(rest, s[:from]...)
	rest = append(rest, s[from+1:]...)
	out := make([]Node, 0, len(s))
	out = append(out, rest[:to]...)
	out = append(out, moved)
	out = append(out, rest[to:]...)
	return out
}

// Serialize renames children to sections and wraps the top level under chapters.
func (t Tree) Serialize() Payload {
	chapters := serialize(t.nodes)
	if chapters == nil {
		chapters = []SerializedNode{}
	}
	return Payload{Chapters: chapters}
}

func serialize(nodes []Node) []SerializedNode {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]SerializedNode, 0, len(nodes))
	for _, n := range nodes {
		title := n.Title
		if strings.TrimSpace(title) == "" {
			title = FallbackTitle
		}
		out = append(out, SerializedNode{ID: n.ID, Title: title, Sections: serialize(n.Children)})
	}
	return out
}

// Markdown renders the outline as nested headings, starting at level.
func (t Tree) Markdown(level int) string {
	if level < 1 {
		level = 1
	}
	var sb strings.Builder
	var walk func([]Node, int)
	walk = func(ns []Node, depth int) {
		for _, n := range ns {
			hashes := depth
			if hashes > 6 {
				hashes = 6
			}
			title := n.Title
			if strings.TrimSpace(title) == "" {
				title = FallbackTitle
			}
			sb.WriteString(strings.Repeat("#", hashes))
			sb.WriteString(" ")
			sb.WriteString(title)
			sb.WriteString("\n")
			walk(n.Children, depth+1)
		}
	}
	walk(t.nodes, level)
	return sb.String()
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = cloneNode(n)
	}
	return out
}

func cloneNode(n Node) Node {
	return Node{ID: n.ID, Title: n.Title, Children: cloneNodes(n.Children)}
}
