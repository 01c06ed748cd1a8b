package infrastructure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yourusername/browsecore/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrPrivateRecord is returned when a private-partition record reaches the durable store
var ErrPrivateRecord = errors.New("private records are never persisted")

// SQLiteStore is the durable Normal-partition store. It implements
// DownloadRepository, PersistenceStore and RuleSourceRepository.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&domain.DownloadRecord{},
		&domain.HistoryEntry{},
		&domain.CookieEntry{},
		&domain.FormEntry{},
		&domain.Bookmark{},
		&domain.RuleSourceRecord{},
		&domain.CustomRule{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (r *SQLiteStore) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection
func (r *SQLiteStore) Ping() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// ============================================================================
// DownloadRepository implementation
// ============================================================================

// Save creates or updates a download
func (r *SQLiteStore) Save(record *domain.DownloadRecord) error {
	if record.IsPrivate() {
		return ErrPrivateRecord
	}
	return r.db.Save(record).Error
}

// Delete deletes a download by ID
func (r *SQLiteStore) Delete(id string) error {
	return r.db.Delete(&domain.DownloadRecord{}, "id = ?", id).Error
}

// DeleteFinished deletes every terminal download
func (r *SQLiteStore) DeleteFinished() (int64, error) {
	res := r.db.Where("state IN ?", terminalStates()).Delete(&domain.DownloadRecord{})
	return res.RowsAffected, res.Error
}

// FindByID finds a download by ID
func (r *SQLiteStore) FindByID(id string) (*domain.DownloadRecord, error) {
	var record domain.DownloadRecord
	err := r.db.First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: download %s", domain.ErrInvalidHandle, id)
		}
		return nil, err
	}
	return &record, nil
}

// FindAll finds all downloads, newest first
func (r *SQLiteStore) FindAll() ([]*domain.DownloadRecord, error) {
	var records []*domain.DownloadRecord
	err := r.db.Order("started_at DESC").Find(&records).Error
	return records, err
}

// Prune keeps only the newest limit terminal downloads
func (r *SQLiteStore) Prune(limit int) error {
	if limit <= 0 {
		return nil
	}

	var ids []string
	if err := r.db.Model(&domain.DownloadRecord{}).
		Where("state IN ?", terminalStates()).
		Order("started_at DESC").
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) <= limit {
		return nil
	}
	return r.db.Where("id IN ?", ids[limit:]).Delete(&domain.DownloadRecord{}).Error
}

func terminalStates() []domain.DownloadState {
	return []domain.DownloadState{domain.StateCompleted, domain.StateCancelled, domain.StateFailed}
}

// ============================================================================
// PersistenceStore implementation
// ============================================================================

// AppendVisit records a visit, creating or bumping the entry
func (r *SQLiteStore) AppendVisit(url, title string, at time.Time) (*domain.HistoryEntry, error) {
	var entry domain.HistoryEntry
	err := r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&entry, "url = ?", url).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = domain.HistoryEntry{URL: url, Title: title, VisitCount: 1, LastVisitAt: at}
			return tx.Create(&entry).Error
		}
		if err != nil {
			return err
		}

		entry.VisitCount++
		entry.LastVisitAt = at
		if title != "" {
			entry.Title = title
		}
		return tx.Save(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListHistory returns the most recent entries
func (r *SQLiteStore) ListHistory(limit int) ([]*domain.HistoryEntry, error) {
	var entries []*domain.HistoryEntry
	query := r.db.Order("last_visit_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&entries).Error
	return entries, err
}

// SearchHistory matches URL or title
func (r *SQLiteStore) SearchHistory(q string, limit int) ([]*domain.HistoryEntry, error) {
	var entries []*domain.HistoryEntry
	like := "%" + q + "%"
	query := r.db.Where("url LIKE ? OR title LIKE ?", like, like).Order("last_visit_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&entries).Error
	return entries, err
}

// RemoveHistory removes one entry
func (r *SQLiteStore) RemoveHistory(url string) error {
	return r.db.Delete(&domain.HistoryEntry{}, "url = ?", url).Error
}

// ClearHistory removes every entry
func (r *SQLiteStore) ClearHistory() error {
	return r.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.HistoryEntry{}).Error
}

// SaveCookie creates or replaces a cookie
func (r *SQLiteStore) SaveCookie(cookie *domain.CookieEntry) error {
	cookie.UpdatedAt = time.Now()
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "path"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires", "updated_at"}),
	}).Create(cookie).Error
}

// LoadCookies returns every unexpired cookie
func (r *SQLiteStore) LoadCookies() ([]*domain.CookieEntry, error) {
	var cookies []*domain.CookieEntry
	err := r.db.Where("expires IS NULL OR expires > ?", time.Now()).Find(&cookies).Error
	return cookies, err
}

// SaveFormEntry creates or replaces a form value
func (r *SQLiteStore) SaveFormEntry(entry *domain.FormEntry) error {
	entry.UpdatedAt = time.Now()
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "origin"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(entry).Error
}

// AddBookmark creates or retitles a bookmark
func (r *SQLiteStore) AddBookmark(bookmark *domain.Bookmark) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"title"}),
	}).Create(bookmark).Error
}

// CountPersisted returns the number of rows in every durable table,
// keyed by table name
func (r *SQLiteStore) CountPersisted() (map[string]int64, error) {
	counts := make(map[string]int64)
	for name, model := range map[string]interface{}{
		"downloads":    &domain.DownloadRecord{},
		"history":      &domain.HistoryEntry{},
		"cookies":      &domain.CookieEntry{},
		"form_entries": &domain.FormEntry{},
		"bookmarks":    &domain.Bookmark{},
	} {
		var n int64
		if err := r.db.Model(model).Count(&n).Error; err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, nil
}

// ============================================================================
// RuleSourceRepository implementation
// ============================================================================

// SaveRuleSource stores the source location and its last content
func (r *SQLiteStore) SaveRuleSource(record *domain.RuleSourceRecord) error {
	if record.Name == "" {
		record.Name = domain.ActiveRuleSource
	}
	return r.db.Save(record).Error
}

// LoadRuleSource returns the stored source, or nil if none
func (r *SQLiteStore) LoadRuleSource() (*domain.RuleSourceRecord, error) {
	var record domain.RuleSourceRecord
	err := r.db.First(&record, "name = ?", domain.ActiveRuleSource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveCustomRule stores a user rule
func (r *SQLiteStore) SaveCustomRule(rule *domain.CustomRule) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pattern"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind"}),
	}).Create(rule).Error
}

// DeleteCustomRule removes a user rule
func (r *SQLiteStore) DeleteCustomRule(pattern string) error {
	return r.db.Delete(&domain.CustomRule{}, "pattern = ?", pattern).Error
}

// ListCustomRules returns every user rule
func (r *SQLiteStore) ListCustomRules() ([]*domain.CustomRule, error) {
	var rules []*domain.CustomRule
	err := r.db.Order("created_at ASC").Find(&rules).Error
	return rules, err
}
