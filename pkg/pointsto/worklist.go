package pointsto

import "sync"

// worklist is the shared queue of nodes awaiting propagation. A node is
// queued at most once at a time, tracked by its queued flag.
type worklist struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*node
	active int
	done   bool
}

func newWorklist() *worklist {
	w := &worklist{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worklist) push(n *node) {
	if !n.queued.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	w.items = append(w.items, n)
	w.mu.Unlock()
	w.cond.Signal()
}

// pop blocks until a node is available. It returns false once the queue
// is drained with no worker active, or after abort.
func (w *worklist) pop() (*node, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.items) == 0 && !w.done {
		if w.active == 0 {
			w.done = true
			w.cond.Broadcast()
			break
		}
		w.cond.Wait()
	}
	if w.done {
		return nil, false
	}
	last := len(w.items) - 1
	n := w.items[last]
	w.items[last] = nil
	w.items = w.items[:last]
	w.active++
	n.queued.Store(false)
	return n, true
}

// finish marks the end of the step started by the last pop.
func (w *worklist) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	if w.active == 0 && len(w.items) == 0 {
		w.done = true
		w.cond.Broadcast()
	}
}

func (w *worklist) abort() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *worklist) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}
