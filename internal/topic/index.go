package topic

import "sort"

// Index is a segment trie of concrete topics. It answers prefix queries in
// time proportional to the prefix depth plus the size of the result.
//
// Index is not safe for concurrent use; the registry owns one per loop.
type Index struct {
	root *node
	size int
}

type node struct {
	children map[string]*node
	terminal bool
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) isEmpty() bool {
	return len(n.children) == 0 && !n.terminal
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{root: newNode()}
}

// Len returns the number of topics stored.
func (x *Index) Len() int {
	return x.size
}

// Insert adds t. Returns false if it was already present.
func (x *Index) Insert(t Topic) bool {
	if t == "" {
		return false
	}
	n := x.root
	for _, seg := range t.Segments() {
		child := n.children[seg]
		if child == nil {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	if n.terminal {
		return false
	}
	n.terminal = true
	x.size++
	return true
}

type pathEntry struct {
	node *node
	key  string
}

// Delete removes t and prunes empty branches. Returns false if t was absent.
func (x *Index) Delete(t Topic) bool {
	if t == "" {
		return false
	}
	segments := t.Segments()
	path := make([]pathEntry, 0, len(segments)+1)
	path = append(path, pathEntry{node: x.root})

	n := x.root
	for _, seg := range segments {
		child := n.children[seg]
		if child == nil {
			return false
		}
		path = append(path, pathEntry{node: child, key: seg})
		n = child
	}
	if !n.terminal {
		return false
	}
	n.terminal = false
	x.size--

	for i := len(path) - 1; i > 0; i-- {
		if !path[i].node.isEmpty() {
			break
		}
		delete(path[i-1].node.children, path[i].key)
	}
	return true
}

// Has reports whether t is stored.
func (x *Index) Has(t Topic) bool {
	n := x.find(t)
	return n != nil && n.terminal
}

// Under returns every stored topic that has prefix as a segment-wise prefix,
// prefix itself included, sorted.
func (x *Index) Under(prefix Topic) []Topic {
	n := x.find(prefix)
	if n == nil {
		return nil
	}
	var out []Topic
	var walk func(n *node, at Topic)
	walk = func(n *node, at Topic) {
		if n.terminal {
			out = append(out, at)
		}
		for seg, child := range n.children {
			walk(child, at.Child(seg))
		}
	}
	walk(n, prefix)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (x *Index) find(t Topic) *node {
	n := x.root
	for _, seg := range t.Segments() {
		n = n.children[seg]
		if n == nil {
			return nil
		}
	}
	return n
}
