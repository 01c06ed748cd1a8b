package domain

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DownloadState represents the lifecycle state of a download
type DownloadState string

const (
	StatePending    DownloadState = "pending"
	StateInProgress DownloadState = "in_progress"
	StatePaused     DownloadState = "paused" // Sub-state of in_progress
	StateCompleted  DownloadState = "completed"
	StateCancelled  DownloadState = "cancelled"
	StateFailed     DownloadState = "failed"
)

// PartialSuffix is appended to the destination while bytes are still arriving
const PartialSuffix = ".part"

// DownloadRecord tracks one download. It is owned by the ledger and only
// mutated through ledger methods.
type DownloadRecord struct {
	ID              string        `json:"id" gorm:"primaryKey"`
	URL             string        `json:"url" gorm:"not null"`
	DestinationPath string        `json:"destination_path" gorm:"not null"`
	TotalBytes      *int64        `json:"total_bytes,omitempty"`
	ReceivedBytes   int64         `json:"received_bytes"`
	State           DownloadState `json:"state" gorm:"not null;index"`
	OriginPartition Partition     `json:"origin_partition" gorm:"not null"`
	ContextID       string        `json:"-" gorm:"index"`
	TabID           string        `json:"tab_id,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	StartedAt       time.Time     `json:"started_at" gorm:"index"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (DownloadRecord) TableName() string {
	return "downloads"
}

// NewDownloadRecord registers a pending download
func NewDownloadRecord(url, destination string, origin Origin) *DownloadRecord {
	now := time.Now()
	contextID := origin.ContextID
	if contextID == "" && !origin.Partition.IsPrivate() {
		contextID = NormalContextID
	}
	return &DownloadRecord{
		ID:              uuid.New().String(),
		URL:             url,
		DestinationPath: destination,
		State:           StatePending,
		OriginPartition: origin.Partition,
		ContextID:       contextID,
		TabID:           origin.TabID,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// PartialPath is where bytes are written until the download completes
func (d *DownloadRecord) PartialPath() string {
	return d.DestinationPath + PartialSuffix
}

// IsPrivate checks if the record originated in a private partition
func (d *DownloadRecord) IsPrivate() bool {
	return d.OriginPartition.IsPrivate()
}

// IsTerminal checks if the download is in a terminal state
func (d *DownloadRecord) IsTerminal() bool {
	return d.State.IsTerminal()
}

// IsActive checks if the download is pending, running or paused
func (d *DownloadRecord) IsActive() bool {
	return !d.State.IsTerminal()
}

// IsTerminal checks if the state is completed, cancelled or failed
func (s DownloadState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// MarkInProgress moves a pending download to in_progress
func (d *DownloadRecord) MarkInProgress() {
	d.State = StateInProgress
	d.UpdatedAt = time.Now()
}

// MarkPaused pauses an in-progress download
func (d *DownloadRecord) MarkPaused() {
	d.State = StatePaused
	d.UpdatedAt = time.Now()
}

// ApplyProgress records a cumulative received-byte count. Counts that do not
// move forward are rejected so out-of-order callbacks never rewind progress.
func (d *DownloadRecord) ApplyProgress(received, total int64) error {
	limit := total
	if limit <= 0 && d.TotalBytes != nil {
		limit = *d.TotalBytes
	}
	if limit > 0 && received > limit {
		return fmt.Errorf("%w: %d > %d", ErrProgressOverflow, received, limit)
	}
	if received <= d.ReceivedBytes {
		return fmt.Errorf("%w: %d after %d", ErrStaleProgress, received, d.ReceivedBytes)
	}

	if total > 0 {
		t := total
		d.TotalBytes = &t
	}
	d.ReceivedBytes = received
	if d.State == StatePending {
		d.State = StateInProgress
	}
	d.UpdatedAt = time.Now()
	return nil
}

// ReachedTotal checks if every byte of a known-length download has arrived
func (d *DownloadRecord) ReachedTotal() bool {
	return d.TotalBytes != nil && *d.TotalBytes > 0 && d.ReceivedBytes == *d.TotalBytes
}

// Progress returns the completion percentage, or 0 when the total is unknown
func (d *DownloadRecord) Progress() int {
	if d.TotalBytes == nil || *d.TotalBytes == 0 {
		return 0
	}
	return int(d.ReceivedBytes * 100 / *d.TotalBytes)
}

// MarkCompleted marks the download as completed
func (d *DownloadRecord) MarkCompleted() {
	d.finish(StateCompleted)
	if d.TotalBytes == nil {
		t := d.ReceivedBytes
		d.TotalBytes = &t
	}
}

// MarkCancelled marks the download as cancelled
func (d *DownloadRecord) MarkCancelled() {
	d.finish(StateCancelled)
}

// MarkFailed marks the download as failed
func (d *DownloadRecord) MarkFailed(err error) {
	d.finish(StateFailed)
	if err != nil {
		d.ErrorMessage = err.Error()
	}
}

func (d *DownloadRecord) finish(state DownloadState) {
	now := time.Now()
	d.State = state
	d.FinishedAt = &now
	d.UpdatedAt = now
}

// Clone returns a copy that can leave the ledger's lock
func (d *DownloadRecord) Clone() *DownloadRecord {
	c := *d
	if d.TotalBytes != nil {
		t := *d.TotalBytes
		c.TotalBytes = &t
	}
	if d.FinishedAt != nil {
		f := *d.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// DownloadRequest describes a download about to be registered
type DownloadRequest struct {
	URL         string
	Destination string
	Origin      Origin
	Overwrite   bool // Caller confirmed replacing an existing destination
}

// Outcome is the terminal result reported for a download
type Outcome struct {
	State         DownloadState `json:"state"`
	Err           error         `json:"-"`
	Unrecoverable bool          `json:"unrecoverable,omitempty"`
}

// OutcomeCompleted reports a successful download
func OutcomeCompleted() Outcome {
	return Outcome{State: StateCompleted}
}

// OutcomeCancelled reports a download cancelled by the engine or user
func OutcomeCancelled() Outcome {
	return Outcome{State: StateCancelled}
}

// OutcomeFailed reports an I/O or network failure
func OutcomeFailed(err error) Outcome {
	return Outcome{State: StateFailed, Err: err, Unrecoverable: IsUnrecoverable(err)}
}

// Validate checks that the outcome names a terminal state
func (o Outcome) Validate() error {
	if !o.State.IsTerminal() {
		return fmt.Errorf("%w: outcome %q is not terminal", ErrInvalidTransition, o.State)
	}
	return nil
}

// IsUnrecoverable reports failures after which a partial file is useless
func IsUnrecoverable(err error) bool {
	return err != nil && (errors.Is(err, ErrDiskFull) || errors.Is(err, syscall.ENOSPC))
}

// DownloadStats represents download statistics
type DownloadStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Paused     int64 `json:"paused"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Add counts one record in the stats
func (s *DownloadStats) Add(state DownloadState) {
	s.Total++
	switch state {
	case StatePending:
		s.Pending++
	case StateInProgress:
		s.InProgress++
	case StatePaused:
		s.Paused++
	case StateCompleted:
		s.Completed++
	case StateFailed:
		s.Failed++
	case StateCancelled:
		s.Cancelled++
	}
}

// TransferController lets the ledger steer the transfer that feeds a record
type TransferController interface {
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
}
