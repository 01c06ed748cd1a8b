package domain

import "time"

// Topic is an event category with its own queue
type Topic string

const (
	TopicNavigation Topic = "navigation"
	TopicDownload   Topic = "download"
	TopicSession    Topic = "session"
)

// Topics lists every event category
var Topics = []Topic{TopicNavigation, TopicDownload, TopicSession}

// EventType identifies an engine callback or lifecycle notification
type EventType string

const (
	EventNavigationStarted EventType = "navigation.started"
	EventDownloadProgress  EventType = "download.progress"
	EventDownloadFinished  EventType = "download.finished"
	EventWindowCreated     EventType = "window.created"
	EventWindowClosed      EventType = "window.closed"
	EventTabCreated        EventType = "tab.created"
	EventTabClosed         EventType = "tab.closed"
	EventWipeFailed        EventType = "partition.wipe_failed"
)

// Topic returns the queue the event type is delivered on
func (t EventType) Topic() Topic {
	switch t {
	case EventNavigationStarted:
		return TopicNavigation
	case EventDownloadProgress, EventDownloadFinished:
		return TopicDownload
	default:
		return TopicSession
	}
}

// Event is a typed bus message. Key orders delivery: events sharing a key are
// handled in publish order.
type Event struct {
	Type       EventType     `json:"type"`
	Key        string        `json:"key"`
	Time       time.Time     `json:"time"`
	WindowID   string        `json:"window_id,omitempty"`
	TabID      string        `json:"tab_id,omitempty"`
	DownloadID string        `json:"download_id,omitempty"`
	Partition  Partition     `json:"partition,omitempty"`
	URL        string        `json:"url,omitempty"`
	Received   int64         `json:"received,omitempty"`
	Total      int64         `json:"total,omitempty"`
	State      DownloadState `json:"state,omitempty"`
	Error      string        `json:"error,omitempty"`

	// Outcome carries the terminal result for download.finished
	Outcome *Outcome `json:"-"`
}

// NavigationEvent builds a navigation.started event
func NavigationEvent(tab TabHandle, url string) Event {
	return Event{
		Type:      EventNavigationStarted,
		Key:       tab.ID,
		Time:      time.Now(),
		WindowID:  tab.WindowID,
		TabID:     tab.ID,
		Partition: tab.Partition,
		URL:       url,
	}
}

// ProgressEvent builds a download.progress event
func ProgressEvent(id string, received, total int64) Event {
	return Event{
		Type:       EventDownloadProgress,
		Key:        id,
		Time:       time.Now(),
		DownloadID: id,
		Received:   received,
		Total:      total,
	}
}

// FinishedEvent builds a download.finished event
func FinishedEvent(id string, outcome Outcome) Event {
	ev := Event{
		Type:       EventDownloadFinished,
		Key:        id,
		Time:       time.Now(),
		DownloadID: id,
		State:      outcome.State,
		Outcome:    &outcome,
	}
	if outcome.Err != nil {
		ev.Error = outcome.Err.Error()
	}
	return ev
}

// WindowEvent builds a window lifecycle event
func WindowEvent(t EventType, w WindowHandle) Event {
	return Event{
		Type:      t,
		Key:       w.ID,
		Time:      time.Now(),
		WindowID:  w.ID,
		Partition: w.Partition,
	}
}

// TabEvent builds a tab lifecycle event, keyed by window so tab events follow
// their window's events
func TabEvent(t EventType, tab TabHandle) Event {
	return Event{
		Type:      t,
		Key:       tab.WindowID,
		Time:      time.Now(),
		WindowID:  tab.WindowID,
		TabID:     tab.ID,
		Partition: tab.Partition,
	}
}
