package autodiff

import "sync"

// gradMode is the stack of tracking scopes of one backend. An empty stack
// means tracking is enabled.
type gradMode struct {
	mu    sync.Mutex
	stack []bool
}

func (m *gradMode) enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return true
	}
	return m.stack[len(m.stack)-1]
}

func (m *gradMode) push(on bool) *Guard {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := len(m.stack)
	m.stack = append(m.stack, on)
	return &Guard{mode: m, depth: depth}
}

// Guard is an active tracking scope. Restore returns to the state of the
// enclosing scope; scopes opened inside it and never restored are closed too.
//
// Example:
//
//	g := backend.NoGrad()
//	defer g.Restore()
type Guard struct {
	mode  *gradMode
	depth int
	once  sync.Once
}

// Restore closes the scope. It is safe to call more than once.
func (g *Guard) Restore() {
	g.once.Do(func() {
		g.mode.mu.Lock()
		defer g.mode.mu.Unlock()
		if len(g.mode.stack) > g.depth {
			g.mode.stack = g.mode.stack[:g.depth]
		}
	})
}
