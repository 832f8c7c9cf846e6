package collector

import "sync"

// ConnSet is an insertion-ordered set of connection strings.
type ConnSet struct {
	items []string
	index map[string]struct{}
}

// NewConnSet returns an empty set.
func NewConnSet() *ConnSet {
	return &ConnSet{index: make(map[string]struct{})}
}

// Add inserts s and reports whether it was new.
func (c *ConnSet) Add(s string) bool {
	if _, ok := c.index[s]; ok {
		return false
	}
	c.index[s] = struct{}{}
	c.items = append(c.items, s)
	return true
}

// Len returns the number of distinct entries.
func (c *ConnSet) Len() int {
	return len(c.items)
}

// Items returns a copy of the entries in insertion order.
func (c *ConnSet) Items() []string {
	out := make([]string, len(c.items))
	copy(out, c.items)
	return out
}

// HostConnections is one host in a drained window.
type HostConnections struct {
	IP          string
	Connections []string
}

// Snapshot is a drained window in first-seen order.
type Snapshot []HostConnections

// IPs returns the hosts in the snapshot.
func (s Snapshot) IPs() []string {
	ips := make([]string, len(s))
	for i, h := range s {
		ips[i] = h.IP
	}
	return ips
}

// Index maps each host to its connections.
func (s Snapshot) Index() map[string][]string {
	idx := make(map[string][]string, len(s))
	for _, h := range s {
		idx[h.IP] = h.Connections
	}
	return idx
}

// Only returns the hosts of s that are in ips, keeping snapshot order.
func (s Snapshot) Only(ips []string) Snapshot {
	if len(ips) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		want[ip] = struct{}{}
	}
	var out Snapshot
	for _, h := range s {
		if _, ok := want[h.IP]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Window accumulates connection strings per external IP between batches.
// It is safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	order []string
	hosts map[string]*ConnSet
}

// NewWindow returns an empty window.
func NewWindow() *Window {
	return &Window{hosts: make(map[string]*ConnSet)}
}

// Add records one connection for ip. Adding the same pair twice is a no-op.
func (w *Window) Add(ip, conn string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.add(ip, conn)
}

func (w *Window) add(ip, conn string) {
	set, ok := w.hosts[ip]
	if !ok {
		set = NewConnSet()
		w.hosts[ip] = set
		w.order = append(w.order, ip)
	}
	set.Add(conn)
}

// Merge folds other into w.
func (w *Window) Merge(other *Window) {
	if other == nil || other == w {
		return
	}
	snap := other.Snapshot()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range snap {
		for _, c := range h.Connections {
			w.add(h.IP, c)
		}
	}
}

// Len returns the number of hosts in the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Snapshot copies the window without clearing it.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

func (w *Window) snapshot() Snapshot {
	out := make(Snapshot, 0, len(w.order))
	for _, ip := range w.order {
		out = append(out, HostConnections{IP: ip, Connections: w.hosts[ip].Items()})
	}
	return out
}

// Drain atomically returns the contents and empties the window.
func (w *Window) Drain() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.snapshot()
	w.order = nil
	w.hosts = make(map[string]*ConnSet)
	return out
}
