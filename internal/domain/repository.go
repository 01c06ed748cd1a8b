package domain

import "time"

// DownloadRepository defines the interface for download persistence.
// Only Normal-partition records are ever handed to it.
type DownloadRepository interface {
	// Save creates or updates a download
	Save(record *DownloadRecord) error

	// Delete deletes a download by ID
	Delete(id string) error

	// DeleteFinished deletes every terminal download
	DeleteFinished() (int64, error)

	// FindByID finds a download by ID
	FindByID(id string) (*DownloadRecord, error)

	// FindAll finds all downloads, newest first
	FindAll() ([]*DownloadRecord, error)

	// Prune keeps only the newest limit terminal downloads
	Prune(limit int) error
}

// HistoryRepository defines the interface for browsing history persistence
type HistoryRepository interface {
	// AppendVisit records a visit, creating or bumping the entry
	AppendVisit(url, title string, at time.Time) (*HistoryEntry, error)

	// ListHistory returns the most recent entries
	ListHistory(limit int) ([]*HistoryEntry, error)

	// SearchHistory matches URL or title
	SearchHistory(query string, limit int) ([]*HistoryEntry, error)

	// RemoveHistory removes one entry
	RemoveHistory(url string) error

	// ClearHistory removes every entry
	ClearHistory() error
}

// CookieRepository defines the interface for cookie persistence
type CookieRepository interface {
	// SaveCookie creates or replaces a cookie
	SaveCookie(cookie *CookieEntry) error

	// LoadCookies returns every unexpired cookie
	LoadCookies() ([]*CookieEntry, error)
}

// FormRepository defines the interface for form-fill persistence
type FormRepository interface {
	// SaveFormEntry creates or replaces a form value
	SaveFormEntry(entry *FormEntry) error
}

// BookmarkRepository defines the interface for bookmark persistence
type BookmarkRepository interface {
	// AddBookmark creates or retitles a bookmark
	AddBookmark(bookmark *Bookmark) error
}

// PersistenceStore is the Normal-partition durable store behind the
// persistence guard
type PersistenceStore interface {
	HistoryRepository
	CookieRepository
	FormRepository
	BookmarkRepository
}

// RuleSourceRecord is the persisted filter rule source
type RuleSourceRecord struct {
	Name      string    `json:"name" gorm:"primaryKey"`
	Location  string    `json:"location"`
	Content   string    `json:"-" gorm:"type:text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// TableName specifies the table name for GORM
func (RuleSourceRecord) TableName() string {
	return "rule_sources"
}

// ActiveRuleSource is the key of the record holding the active source
const ActiveRuleSource = "active"

// CustomRule is a user-added filter rule
type CustomRule struct {
	Pattern   string    `json:"pattern" gorm:"primaryKey"`
	Kind      RuleKind  `json:"kind" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (CustomRule) TableName() string {
	return "custom_rules"
}

// RuleSourceRepository defines the interface for filter rule persistence
type RuleSourceRepository interface {
	// SaveRuleSource stores the source location and its last content
	SaveRuleSource(record *RuleSourceRecord) error

	// LoadRuleSource returns the stored source, or nil if none
	LoadRuleSource() (*RuleSourceRecord, error)

	// SaveCustomRule stores a user rule
	SaveCustomRule(rule *CustomRule) error

	// DeleteCustomRule removes a user rule
	DeleteCustomRule(pattern string) error

	// ListCustomRules returns every user rule
	ListCustomRules() ([]*CustomRule, error)
}
