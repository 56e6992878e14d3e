package router

import "strings"

// nodeType distinguishes how a tree node matches its path segment.
type nodeType uint8

const (
	static   nodeType = iota // literal segment
	param                    // :param
	catchAll                 // *param
)

// node is one segment of the routing tree. Static children are keyed by
// their literal segment; beside them at most one param child and one
// catch-all child may exist. Match precedence at every level is static,
// then param, then catch-all.
type node struct {
	nType     nodeType
	segment   string
	paramName string

	// claimedBy is the first pattern that created this node, kept for
	// conflict diagnostics.
	claimedBy string

	children   map[string]*node
	paramChild *node
	wildChild  *node

	// routes by method; non-empty marks a terminal node.
	routes map[string]*Route
}

// paramEntry is one captured path parameter.
type paramEntry struct {
	key   string
	value string
}

// matcher carries one lookup's state so backtracking can rewind
// captured parameters.
type matcher struct {
	path   string
	params []paramEntry
}

// nextSegment cuts the segment starting at start and returns it with
// the offset of the following segment.
func nextSegment(path string, start int) (string, int) {
	if i := strings.IndexByte(path[start:], '/'); i >= 0 {
		return path[start : start+i], start + i + 1
	}
	return path[start:], len(path)
}

// getValue resolves path from n downward, method-agnostic. A param
// child never matches an empty segment; a catch-all swallows the rest
// of the path, the empty rest included. When a deeper branch dead-ends
// the walk backtracks and tries the next weaker child.
func (m *matcher) getValue(n *node, start int) *node {
	if start >= len(m.path) {
		if len(n.routes) > 0 {
			return n
		}
		if n.wildChild != nil && len(n.wildChild.routes) > 0 {
			m.params = append(m.params, paramEntry{n.wildChild.paramName, ""})
			return n.wildChild
		}
		return nil
	}

	seg, next := nextSegment(m.path, start)

	if child := n.children[seg]; child != nil {
		if res := m.getValue(child, next); res != nil {
			return res
		}
	}
	if n.paramChild != nil && seg != "" {
		m.params = append(m.params, paramEntry{n.paramChild.paramName, seg})
		if res := m.getValue(n.paramChild, next); res != nil {
			return res
		}
		m.params = m.params[:len(m.params)-1]
	}
	if n.wildChild != nil && len(n.wildChild.routes) > 0 {
		m.params = append(m.params, paramEntry{n.wildChild.paramName, m.path[start:]})
		return n.wildChild
	}
	return nil
}
