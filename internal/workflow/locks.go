package workflow

import (
	"slices"
	"sync"
)

// resourceLocks gives each named resource its own mutex so steps sharing
// a resource run one at a time while unrelated steps proceed.
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *resourceLocks) get(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// lockAll acquires every named lock in sorted order, so two steps can
// never hold each other's locks. It returns the matching unlock.
func (r *resourceLocks) lockAll(names []string) (unlock func()) {
	if len(names) == 0 {
		return func() {}
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, name := range sorted {
		l := r.get(name)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
