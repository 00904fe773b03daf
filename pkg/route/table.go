package route

import "fmt"

// Route binds a compiled pattern to a handler.
type Route[H any] struct {
	Name    string
	Pattern Pattern
	Public  bool
	Handler H
}

// Match is the result of a successful table lookup.
type Match[H any] struct {
	Route  *Route[H]
	Params map[string]string
}

// Table is an ordered list of routes. It is built once at startup and only
// read afterwards, so lookups need no locking.
type Table[H any] struct {
	routes []*Route[H]
}

// NewTable creates an empty table.
func NewTable[H any]() *Table[H] {
	return &Table[H]{}
}

// Add appends a route. Earlier routes take priority.
func (t *Table[H]) Add(r Route[H]) {
	t.routes = append(t.routes, &r)
}

// Handle compiles a pattern and appends it.
func (t *Table[H]) Handle(name, method, pattern string, public bool, handler H) error {
	p, err := Compile(method, pattern)
	if err != nil {
		return fmt.Errorf("route %s: %w", name, err)
	}
	t.Add(Route[H]{Name: name, Pattern: p, Public: public, Handler: handler})
	return nil
}

// Match returns the first route matching method and pathname.
func (t *Table[H]) Match(method, pathname string) (Match[H], bool) {
	for _, r := range t.routes {
		if params, ok := r.Pattern.Match(method, pathname); ok {
			return Match[H]{Route: r, Params: params}, true
		}
	}
	return Match[H]{}, false
}

// Routes returns the routes in priority order.
func (t *Table[H]) Routes() []*Route[H] {
	out := make([]*Route[H], len(t.routes))
	copy(out, t.routes)
	return out
}
