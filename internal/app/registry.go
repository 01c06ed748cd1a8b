package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/browsecore/internal/domain"
)

type windowEntry struct {
	handle domain.WindowHandle
	tabs   []string // Tab order
	closed []domain.ClosedTab
	active string
}

// Registry tracks live windows and tabs. Partition lookups for a handle are
// answered from here, never from the handle alone.
type Registry struct {
	mu         sync.RWMutex
	windows    map[string]*windowEntry
	tabs       map[string]*domain.Tab
	closedCap  int
	windowSeen map[string]struct{} // Every window id ever issued
}

// NewRegistry creates an empty registry
func NewRegistry(closedTabCapacity int) *Registry {
	if closedTabCapacity < 1 {
		closedTabCapacity = domain.DefaultClosedTabCapacity
	}
	return &Registry{
		windows:    make(map[string]*windowEntry),
		tabs:       make(map[string]*domain.Tab),
		closedCap:  closedTabCapacity,
		windowSeen: make(map[string]struct{}),
	}
}

// AddWindow registers a window. Identifiers are never reused.
func (r *Registry) AddWindow(w domain.WindowHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.windowSeen[w.ID]; seen {
		return fmt.Errorf("window id %s already issued", w.ID)
	}
	r.windowSeen[w.ID] = struct{}{}
	r.windows[w.ID] = &windowEntry{handle: w}
	return nil
}

// Window returns a live window
func (r *Registry) Window(id string) (domain.WindowHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.windows[id]
	if !ok {
		return domain.WindowHandle{}, domain.ErrInvalidWindow
	}
	return entry.handle, nil
}

// Windows returns every live window, oldest first
func (r *Registry) Windows() []domain.WindowHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.WindowHandle, 0, len(r.windows))
	for _, entry := range r.windows {
		out = append(out, entry.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ContextInUse checks if any live window uses the storage context
func (r *Registry) ContextInUse(contextID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.windows {
		if entry.handle.ContextID == contextID {
			return true
		}
	}
	return false
}

// AddTab registers a tab under its window
func (r *Registry) AddTab(tab domain.TabHandle, url string) (*domain.Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.windows[tab.WindowID]
	if !ok {
		return nil, domain.ErrInvalidWindow
	}
	if tab.Partition != entry.handle.Partition {
		return nil, fmt.Errorf("tab partition %s does not match window partition %s", tab.Partition, entry.handle.Partition)
	}

	t := &domain.Tab{TabHandle: tab, URL: url, LastActiveAt: time.Now()}
	r.tabs[tab.ID] = t
	entry.tabs = append(entry.tabs, tab.ID)
	entry.active = tab.ID
	return cloneTab(t), nil
}

// Tab returns a live tab
func (r *Registry) Tab(id string) (*domain.Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tabs[id]
	if !ok {
		return nil, domain.ErrInvalidHandle
	}
	return cloneTab(t), nil
}

// Tabs returns the tabs of a window in order
func (r *Registry) Tabs(windowID string) ([]*domain.Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.windows[windowID]
	if !ok {
		return nil, domain.ErrInvalidWindow
	}
	out := make([]*domain.Tab, 0, len(entry.tabs))
	for _, id := range entry.tabs {
		out = append(out, cloneTab(r.tabs[id]))
	}
	return out, nil
}

// ActiveTab returns the most recently activated tab of a window, or nil
func (r *Registry) ActiveTab(windowID string) (*domain.Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.windows[windowID]
	if !ok {
		return nil, domain.ErrInvalidWindow
	}
	if t, ok := r.tabs[entry.active]; ok {
		return cloneTab(t), nil
	}
	return nil, nil
}

// PartitionOf answers which partition a live tab belongs to
func (r *Registry) PartitionOf(tabID string) (domain.Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tabs[tabID]
	if !ok {
		return "", false
	}
	return t.Partition, true
}

// RemoveTab closes a tab and remembers it for reopening
func (r *Registry) RemoveTab(id string) (domain.ClosedTab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[id]
	if !ok {
		return domain.ClosedTab{}, domain.ErrInvalidHandle
	}
	delete(r.tabs, id)

	closed := domain.ClosedTab{URL: t.URL, Title: t.Title, Pinned: t.Pinned, ClosedAt: time.Now()}
	if entry, ok := r.windows[t.WindowID]; ok {
		entry.tabs = removeID(entry.tabs, id)
		entry.closed = append(entry.closed, closed)
		if len(entry.closed) > r.closedCap {
			entry.closed = entry.closed[len(entry.closed)-r.closedCap:]
		}
		if entry.active == id {
			entry.active = ""
			if n := len(entry.tabs); n > 0 {
				entry.active = entry.tabs[n-1]
			}
		}
	}
	return closed, nil
}

// PopClosedTab takes the most recently closed tab of a window
func (r *Registry) PopClosedTab(windowID string) (domain.ClosedTab, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.windows[windowID]
	if !ok {
		return domain.ClosedTab{}, false, domain.ErrInvalidWindow
	}
	n := len(entry.closed)
	if n == 0 {
		return domain.ClosedTab{}, false, nil
	}
	last := entry.closed[n-1]
	entry.closed = entry.closed[:n-1]
	return last, true, nil
}

// ClosedTabs returns the reopenable tabs of a window, most recent last
func (r *Registry) ClosedTabs(windowID string) ([]domain.ClosedTab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.windows[windowID]
	if !ok {
		return nil, domain.ErrInvalidWindow
	}
	return append([]domain.ClosedTab(nil), entry.closed...), nil
}

// RemoveWindow destroys a window and every tab it holds. The returned tabs
// are the ones that were still open.
func (r *Registry) RemoveWindow(id string) (domain.WindowHandle, []domain.TabHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.windows[id]
	if !ok {
		return domain.WindowHandle{}, nil, domain.ErrInvalidWindow
	}
	delete(r.windows, id)

	tabs := make([]domain.TabHandle, 0, len(entry.tabs))
	for _, tabID := range entry.tabs {
		if t, ok := r.tabs[tabID]; ok {
			tabs = append(tabs, t.TabHandle)
			delete(r.tabs, tabID)
		}
	}
	return entry.handle, tabs, nil
}

// Navigate records a tab's current location
func (r *Registry) Navigate(tabID, url, title string) error {
	return r.update(tabID, func(t *domain.Tab) {
		t.URL = url
		if title != "" {
			t.Title = title
		}
	})
}

// SetPinned pins or unpins a tab
func (r *Registry) SetPinned(tabID string, pinned bool) error {
	return r.update(tabID, func(t *domain.Tab) { t.Pinned = pinned })
}

// SetMuted mutes or unmutes a tab
func (r *Registry) SetMuted(tabID string, muted bool) error {
	return r.update(tabID, func(t *domain.Tab) { t.Muted = muted })
}

// Activate makes a tab the active tab of its window
func (r *Registry) Activate(tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[tabID]
	if !ok {
		return domain.ErrInvalidHandle
	}
	t.LastActiveAt = time.Now()
	if entry, ok := r.windows[t.WindowID]; ok {
		entry.active = tabID
	}
	return nil
}

// Counts returns the number of live windows and tabs
func (r *Registry) Counts() (windows, tabs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows), len(r.tabs)
}

func (r *Registry) update(tabID string, fn func(t *domain.Tab)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tabs[tabID]
	if !ok {
		return domain.ErrInvalidHandle
	}
	fn(t)
	return nil
}

func cloneTab(t *domain.Tab) *domain.Tab {
	c := *t
	return &c
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
