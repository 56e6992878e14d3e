// Package router maps request paths to host callables. Patterns are
// matched per segment with literal segments taking precedence over
// parameters and parameters over catch-alls. Registration reports
// conflicts as errors; a frozen table serves lookups without locking.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pyfast/engine/core/hostbridge"
	"github.com/pyfast/engine/core/websocket"
)

var (
	// ErrNotFound means no pattern matched the request path.
	ErrNotFound = errors.New("router: no matching route")

	// ErrMethodNotAllowed matches any MethodError via errors.Is.
	ErrMethodNotAllowed = errors.New("router: method not allowed")

	// ErrFrozen means the table no longer accepts registrations.
	ErrFrozen = errors.New("router: table is frozen")
)

// MethodError reports a path that matched a pattern with no route for
// the request method. Allow lists the methods the path does serve.
type MethodError struct {
	Allow []string
}

func (e *MethodError) Error() string {
	return "method not allowed (allow: " + strings.Join(e.Allow, ", ") + ")"
}

func (e *MethodError) Is(target error) bool { return target == ErrMethodNotAllowed }

// ConflictError reports a registration that cannot coexist with a
// route already in the table.
type ConflictError struct {
	Pattern  string
	Existing string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route %q conflicts with %q: %s", e.Pattern, e.Existing, e.Reason)
}

// Route binds one method and pattern to a host callable.
type Route struct {
	Method  string
	Pattern string

	Handler hostbridge.Callable
	Mode    hostbridge.ExecMode

	// WS marks a WebSocket endpoint; Handler is nil for those.
	WS websocket.Handler
}

// IsWebSocket reports whether the route upgrades instead of invoking a
// request callable.
func (r *Route) IsWebSocket() bool { return r.WS != nil }

// Table is the route registry. Registration and lookup may not run
// concurrently; call Freeze before serving, after which Lookup reads
// the tree without synchronization.
type Table struct {
	mu     sync.Mutex
	root   *node
	static map[string]*node
	all    []*Route
	frozen atomic.Bool
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{
		root:   &node{nType: static, claimedBy: "/"},
		static: make(map[string]*node),
	}
}

// Add registers a handler for method and pattern. The method is
// uppercased. Pattern segments may be literals, :name or {name}
// parameters, or a final *name catch-all.
func (t *Table) Add(method, pattern string, h hostbridge.Callable, mode hostbridge.ExecMode) error {
	if h == nil {
		return fmt.Errorf("router: nil handler for %s %s", method, pattern)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return fmt.Errorf("router: empty method for pattern %q", pattern)
	}
	return t.register(&Route{Method: method, Pattern: pattern, Handler: h, Mode: mode})
}

// AddWebSocket registers a WebSocket endpoint. Upgrades arrive as GET
// requests, so the route occupies the pattern's GET slot.
func (t *Table) AddWebSocket(pattern string, h websocket.Handler) error {
	if h == nil {
		return fmt.Errorf("router: nil websocket handler for pattern %q", pattern)
	}
	return t.register(&Route{Method: "GET", Pattern: pattern, WS: h, Mode: hostbridge.ModeSync})
}

// Freeze seals the table. Further registrations fail with ErrFrozen.
func (t *Table) Freeze() {
	t.mu.Lock()
	t.frozen.Store(true)
	t.mu.Unlock()
}

// Frozen reports whether the table has been sealed.
func (t *Table) Frozen() bool { return t.frozen.Load() }

// Routes returns the registered routes in registration order.
func (t *Table) Routes() []*Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Route, len(t.all))
	copy(out, t.all)
	return out
}

// Len returns the number of registered routes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.all)
}

// Lookup resolves method and path to a route. Captured parameters are
// emitted through setParam in path order. A path with no matching
// pattern yields ErrNotFound; a matching pattern with no route for the
// method yields a MethodError. HEAD falls back to the GET route.
func (t *Table) Lookup(method, path string, setParam func(key, value string)) (*Route, error) {
	if len(path) == 0 || path[0] != '/' {
		return nil, ErrNotFound
	}
	if n, ok := t.static[path]; ok {
		return methodRoute(n, method)
	}

	var buf [8]paramEntry
	m := matcher{path: path, params: buf[:0]}
	n := m.getValue(t.root, 1)
	if n == nil {
		return nil, ErrNotFound
	}
	r, err := methodRoute(n, method)
	if err != nil {
		return nil, err
	}
	if setParam != nil {
		for _, p := range m.params {
			setParam(p.key, p.value)
		}
	}
	return r, nil
}

func methodRoute(n *node, method string) (*Route, error) {
	if r := n.routes[method]; r != nil {
		return r, nil
	}
	if method == "HEAD" {
		if r := n.routes["GET"]; r != nil {
			return r, nil
		}
	}
	return nil, &MethodError{Allow: allowedMethods(n)}
}

// allowedMethods lists a node's methods sorted, with HEAD implied by
// GET.
func allowedMethods(n *node) []string {
	allow := make([]string, 0, len(n.routes)+1)
	for m := range n.routes {
		allow = append(allow, m)
	}
	if _, ok := n.routes["GET"]; ok {
		if _, ok := n.routes["HEAD"]; !ok {
			allow = append(allow, "HEAD")
		}
	}
	sort.Strings(allow)
	return allow
}

// patSeg is one parsed pattern segment.
type patSeg struct {
	kind    nodeType
	literal string
	name    string
}

func (t *Table) register(r *Route) error {
	segs, err := parsePattern(r.Pattern)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen.Load() {
		return ErrFrozen
	}

	n := t.root
	staticOnly := true
	for _, s := range segs {
		switch s.kind {
		case static:
			child := n.children[s.literal]
			if child == nil {
				if n.children == nil {
					n.children = make(map[string]*node)
				}
				child = &node{nType: static, segment: s.literal, claimedBy: r.Pattern}
				n.children[s.literal] = child
			}
			n = child
		case param:
			staticOnly = false
			if n.paramChild == nil {
				n.paramChild = &node{nType: param, paramName: s.name, claimedBy: r.Pattern}
			} else if n.paramChild.paramName != s.name {
				return &ConflictError{
					Pattern:  r.Pattern,
					Existing: n.paramChild.claimedBy,
					Reason:   fmt.Sprintf("parameter :%s conflicts with :%s at the same position", s.name, n.paramChild.paramName),
				}
			}
			n = n.paramChild
		case catchAll:
			staticOnly = false
			if n.wildChild == nil {
				n.wildChild = &node{nType: catchAll, paramName: s.name, claimedBy: r.Pattern}
			} else if n.wildChild.paramName != s.name {
				return &ConflictError{
					Pattern:  r.Pattern,
					Existing: n.wildChild.claimedBy,
					Reason:   fmt.Sprintf("catch-all *%s conflicts with *%s at the same position", s.name, n.wildChild.paramName),
				}
			}
			n = n.wildChild
		}
	}

	if existing := n.routes[r.Method]; existing != nil {
		return &ConflictError{
			Pattern:  r.Pattern,
			Existing: existing.Pattern,
			Reason:   fmt.Sprintf("method %s already registered", r.Method),
		}
	}
	if n.routes == nil {
		n.routes = make(map[string]*Route)
	}
	n.routes[r.Method] = r

	// Purely literal patterns double as map keys so the common case
	// skips the tree walk. The node is shared, keeping Allow sets and
	// later registrations consistent between both paths.
	if staticOnly {
		t.static[r.Pattern] = n
	}
	t.all = append(t.all, r)
	return nil
}

func parsePattern(pattern string) ([]patSeg, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("router: pattern %q must begin with '/'", pattern)
	}
	if pattern == "/" {
		return nil, nil
	}
	parts := strings.Split(pattern[1:], "/")
	segs := make([]patSeg, 0, len(parts))
	for i, part := range parts {
		ps, err := parseSegment(pattern, part)
		if err != nil {
			return nil, err
		}
		if ps.kind == catchAll && i != len(parts)-1 {
			return nil, fmt.Errorf("router: catch-all *%s must be the final segment in %q", ps.name, pattern)
		}
		segs = append(segs, ps)
	}
	return segs, nil
}

func parseSegment(pattern, seg string) (patSeg, error) {
	switch {
	case seg == "":
		return patSeg{}, fmt.Errorf("router: empty segment in pattern %q", pattern)
	case seg[0] == ':':
		name := seg[1:]
		if err := checkParamName(pattern, name); err != nil {
			return patSeg{}, err
		}
		return patSeg{kind: param, name: name}, nil
	case seg[0] == '{':
		if seg[len(seg)-1] != '}' {
			return patSeg{}, fmt.Errorf("router: unterminated parameter %q in pattern %q", seg, pattern)
		}
		name := seg[1 : len(seg)-1]
		if err := checkParamName(pattern, name); err != nil {
			return patSeg{}, err
		}
		return patSeg{kind: param, name: name}, nil
	case seg[0] == '*':
		name := seg[1:]
		if err := checkParamName(pattern, name); err != nil {
			return patSeg{}, err
		}
		return patSeg{kind: catchAll, name: name}, nil
	default:
		if strings.ContainsAny(seg, ":*{}") {
			return patSeg{}, fmt.Errorf("router: segment %q in pattern %q mixes literals and markers", seg, pattern)
		}
		return patSeg{kind: static, literal: seg}, nil
	}
}

func checkParamName(pattern, name string) error {
	if name == "" {
		return fmt.Errorf("router: unnamed parameter in pattern %q", pattern)
	}
	if strings.ContainsAny(name, ":*{}/") {
		return fmt.Errorf("router: malformed parameter name %q in pattern %q", name, pattern)
	}
	return nil
}
