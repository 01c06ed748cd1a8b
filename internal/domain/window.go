package domain

import (
	"time"

	"github.com/google/uuid"
)

// WindowHandle identifies one top-level window. The partition is fixed at creation.
type WindowHandle struct {
	ID        string    `json:"id"`
	Partition Partition `json:"partition"`
	ContextID string    `json:"context_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewWindowHandle allocates a fresh window identity.
// Normal windows share NormalContextID; each Private window gets its own context.
func NewWindowHandle(partition Partition) WindowHandle {
	contextID := NormalContextID
	if partition.IsPrivate() {
		contextID = uuid.New().String()
	}
	return WindowHandle{
		ID:        uuid.New().String(),
		Partition: partition,
		ContextID: contextID,
		CreatedAt: time.Now(),
	}
}

// IsPrivate checks if the window belongs to a private partition
func (w WindowHandle) IsPrivate() bool {
	return w.Partition.IsPrivate()
}

// TabHandle identifies one tab. Partition is inherited from the parent window.
type TabHandle struct {
	ID        string    `json:"id"`
	WindowID  string    `json:"window_id"`
	Partition Partition `json:"partition"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTabHandle allocates a tab identity under the given window
func NewTabHandle(window WindowHandle) TabHandle {
	return TabHandle{
		ID:        uuid.New().String(),
		WindowID:  window.ID,
		Partition: window.Partition,
		CreatedAt: time.Now(),
	}
}

// IsPrivate checks if the tab belongs to a private partition
func (t TabHandle) IsPrivate() bool {
	return t.Partition.IsPrivate()
}

// Tab is the mutable view of a tab held by the registry
type Tab struct {
	TabHandle
	URL          string    `json:"url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Pinned       bool      `json:"pinned"`
	Muted        bool      `json:"muted"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// ClosedTab is kept so the last closed tab of a window can be reopened
type ClosedTab struct {
	URL      string    `json:"url,omitempty"`
	Title    string    `json:"title,omitempty"`
	Pinned   bool      `json:"pinned"`
	ClosedAt time.Time `json:"closed_at"`
}

// DefaultClosedTabCapacity bounds the per-window closed-tab history
const DefaultClosedTabCapacity = 25
