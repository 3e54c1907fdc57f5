package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps entries in process. Entries never expire.
type MemoryRegistry struct {
	mu       sync.Mutex
	plugins  map[string]map[string]MethodEntry
	watchers map[string][]chan []MethodEntry
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		plugins:  make(map[string]map[string]MethodEntry),
		watchers: make(map[string][]chan []MethodEntry),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, entry MethodEntry, _ int64) error {
	if err := entry.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	methods, ok := r.plugins[entry.Plugin]
	if !ok {
		methods = make(map[string]MethodEntry)
		r.plugins[entry.Plugin] = methods
	}
	methods[entry.Method] = entry
	r.notify(entry.Plugin)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, plugin, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[plugin][method]; !ok {
		return nil
	}
	delete(r.plugins[plugin], method)
	r.notify(plugin)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, plugin string) ([]MethodEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(plugin), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, plugin string) <-chan []MethodEntry {
	ch := make(chan []MethodEntry, 1)
	r.mu.Lock()
	r.watchers[plugin] = append(r.watchers[plugin], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[plugin]
		for i, w := range ws {
			if w == ch {
				r.watchers[plugin] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) list(plugin string) []MethodEntry {
	entries := make([]MethodEntry, 0, len(r.plugins[plugin]))
	for _, e := range r.plugins[plugin] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Method < entries[j].Method })
	return entries
}

// notify hands the latest list to every watcher, replacing a list the
// watcher has not picked up yet. Callers hold r.mu.
func (r *MemoryRegistry) notify(plugin string) {
	entries := r.list(plugin)
	for _, ch := range r.watchers[plugin] {
		select {
		case <-ch:
		default:
		}
		ch <- entries
	}
}
