package domain

import (
	"context"
	"strings"
	"time"
)

// WriteKind names a durable write path that must pass the persistence guard
type WriteKind string

const (
	WriteHistory  WriteKind = "history"
	WriteCookie   WriteKind = "cookie"
	WriteFormData WriteKind = "form_data"
	WritePassword WriteKind = "password"
	WriteCache    WriteKind = "cache"
	WriteBookmark WriteKind = "bookmark"
)

// ValidateWriteKind checks if a write kind is valid
func ValidateWriteKind(kind WriteKind) bool {
	switch kind {
	case WriteHistory, WriteCookie, WriteFormData, WritePassword, WriteCache, WriteBookmark:
		return true
	}
	return false
}

// WriteIntent is a would-be durable write. Name and Value carry the cookie
// name/value, form field/value or username/secret depending on Kind.
type WriteIntent struct {
	Kind    WriteKind  `json:"kind"`
	URL     string     `json:"url"`
	Title   string     `json:"title,omitempty"`
	Name    string     `json:"name,omitempty"`
	Value   string     `json:"value,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
}

// Decision is the persistence guard result
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

var internalSchemes = []string{"about:", "chrome:", "browser:", "data:"}

// IsInternalURL reports pages that never enter history
func IsInternalURL(url string) bool {
	lower := strings.ToLower(url)
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// HistoryEntry represents one visited URL in the Normal store
type HistoryEntry struct {
	URL         string    `json:"url" gorm:"primaryKey"`
	Title       string    `json:"title"`
	VisitCount  int       `json:"visit_count" gorm:"default:1"`
	LastVisitAt time.Time `json:"last_visit_at" gorm:"index"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (HistoryEntry) TableName() string {
	return "history"
}

// CookieEntry is a persisted Normal-partition cookie
type CookieEntry struct {
	Domain    string     `json:"domain" gorm:"primaryKey"`
	Path      string     `json:"path" gorm:"primaryKey"`
	Name      string     `json:"name" gorm:"primaryKey"`
	Value     string     `json:"value"`
	Expires   *time.Time `json:"expires,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (CookieEntry) TableName() string {
	return "cookies"
}

// FormEntry is a persisted form-fill value
type FormEntry struct {
	Origin    string    `json:"origin" gorm:"primaryKey"`
	Field     string    `json:"field" gorm:"primaryKey"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (FormEntry) TableName() string {
	return "form_entries"
}

// Bookmark is a persisted bookmark
type Bookmark struct {
	URL       string    `json:"url" gorm:"primaryKey"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (Bookmark) TableName() string {
	return "bookmarks"
}

// SecretStore saves passwords. Encryption is the store's concern.
type SecretStore interface {
	SaveSecret(ctx context.Context, origin, username, secret string) error
}

// StorageStats summarises what an isolated storage context currently holds
type StorageStats struct {
	Cookies        int `json:"cookies"`
	CacheEntries   int `json:"cache_entries"`
	FormValues     int `json:"form_values"`
	SessionHistory int `json:"session_history"`
	LocalStorage   int `json:"local_storage"`
}

// Empty checks if the context holds no data
func (s StorageStats) Empty() bool {
	return s == StorageStats{}
}

// StorageContext is the in-memory cookie jar, cache and storage namespace of
// one partition context. Private contexts are never shared between windows.
type StorageContext interface {
	// ID returns the context identifier
	ID() string

	// Partition returns the partition the context serves
	Partition() Partition

	// Record keeps a write in memory for the lifetime of the context
	Record(intent WriteIntent) error

	// Stats reports what the context holds
	Stats() StorageStats

	// Wipe removes everything the context holds, including on-disk scratch data
	Wipe() error
}

// StorageContextFactory allocates the storage context for a new window
type StorageContextFactory func(id string, partition Partition) (StorageContext, error)
