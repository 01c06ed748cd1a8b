package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/infrastructure"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DownloadNotifier is told about downloads that reach a final state
type DownloadNotifier interface {
	NotifyDownloadCompleted(record *domain.DownloadRecord)
	NotifyDownloadFailed(record *domain.DownloadRecord)
}

type ledgerEntry struct {
	mu     sync.Mutex
	record *domain.DownloadRecord
}

// DownloadLedger owns every download record. Transitions of one record are
// serialized by that record's lock; records never wait on each other.
type DownloadLedger struct {
	repo         domain.DownloadRepository
	notifier     DownloadNotifier
	historyLimit int
	metrics      *metrics.Metrics
	logger       *zap.Logger
	multiLogger  *logger.MultiLogger

	mu      sync.RWMutex
	entries map[string]*ledgerEntry
	closed  map[string]struct{} // Purged private context ids

	ctlMu       sync.RWMutex
	controllers map[string]domain.TransferController

	active atomic.Int64
}

// NewDownloadLedger creates a ledger. repo may be nil for a memory-only ledger.
func NewDownloadLedger(
	repo domain.DownloadRepository,
	notifier DownloadNotifier,
	historyLimit int,
	m *metrics.Metrics,
	logger *zap.Logger,
	multiLogger *logger.MultiLogger,
) *DownloadLedger {
	return &DownloadLedger{
		repo:         repo,
		notifier:     notifier,
		historyLimit: historyLimit,
		metrics:      m,
		logger:       logger,
		multiLogger:  multiLogger,
		entries:      make(map[string]*ledgerEntry),
		closed:       make(map[string]struct{}),
		controllers:  make(map[string]domain.TransferController),
	}
}

// BeginDownload registers a new pending record. A private origin whose
// context was already purged is rejected with ErrInvalidHandle.
func (l *DownloadLedger) BeginDownload(req domain.DownloadRequest) (*domain.DownloadRecord, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("download url is required")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("download destination is required")
	}
	if !domain.ValidatePartition(req.Origin.Partition) {
		return nil, fmt.Errorf("invalid origin partition: %q", req.Origin.Partition)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Origin.Partition.IsPrivate() {
		if _, gone := l.closed[req.Origin.ContextID]; gone {
			return nil, fmt.Errorf("%w: private context of window is closed", domain.ErrInvalidHandle)
		}
	}
	if !req.Overwrite {
		if _, err := os.Stat(req.Destination); err == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrDestinationConflict, req.Destination)
		}
	}
	for _, e := range l.entries {
		e.mu.Lock()
		busy := e.record.IsActive() && e.record.DestinationPath == req.Destination
		e.mu.Unlock()
		if busy {
			return nil, fmt.Errorf("%w: %s is being downloaded", domain.ErrDestinationConflict, req.Destination)
		}
	}

	record := domain.NewDownloadRecord(req.URL, req.Destination, req.Origin)
	l.entries[record.ID] = &ledgerEntry{record: record}
	l.metrics.SetDownloadsActive(int(l.active.Add(1)))
	l.persist(record)

	l.multiLogger.LogDownloadEvent("download_registered",
		zap.String("id", record.ID),
		logger.URL(record.URL, record.IsPrivate()),
		zap.String("partition", string(record.OriginPartition)))

	return record.Clone(), nil
}

// Start moves a pending record to in_progress
func (l *DownloadLedger) Start(id string) error {
	return l.withEntry(id, func(rec *domain.DownloadRecord) error {
		if rec.State != domain.StatePending {
			return nil
		}
		rec.MarkInProgress()
		l.transitioned(rec)
		return nil
	})
}

// ReportProgress records a cumulative received-byte count. Reports for a
// finished record are ignored. Reports that would not move the count forward
// are rejected and logged. Reaching the known total completes the download.
func (l *DownloadLedger) ReportProgress(id string, received, total int64) error {
	var settled *domain.DownloadRecord
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		if rec.IsTerminal() {
			return nil
		}

		before := rec.ReceivedBytes
		wasPending := rec.State == domain.StatePending
		if err := rec.ApplyProgress(received, total); err != nil {
			l.metrics.StaleProgressInc()
			l.logger.Warn("Rejected progress report",
				zap.String("id", id),
				zap.Int64("received", received),
				zap.Int64("recorded", rec.ReceivedBytes),
				zap.Error(err))
			return err
		}
		l.metrics.AddDownloadBytes(received - before)

		if rec.ReachedTotal() {
			var err error
			settled, err = l.finish(rec, domain.OutcomeCompleted())
			return err
		}
		if wasPending {
			l.transitioned(rec)
		}
		return nil
	})
	l.settled(settled)
	return err
}

// Pause pauses an in-progress download
func (l *DownloadLedger) Pause(id string) error {
	var changed bool
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		switch rec.State {
		case domain.StatePending:
			return fmt.Errorf("%w: cannot pause a download that has not started", domain.ErrInvalidTransition)
		case domain.StateInProgress:
			rec.MarkPaused()
			l.transitioned(rec)
			changed = true
		}
		return nil
	})
	if err != nil || !changed {
		return err
	}
	if c := l.controller(id); c != nil {
		return c.Pause(id)
	}
	return nil
}

// Resume resumes a paused download
func (l *DownloadLedger) Resume(id string) error {
	var changed bool
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		switch rec.State {
		case domain.StatePending:
			return fmt.Errorf("%w: cannot resume a download that has not started", domain.ErrInvalidTransition)
		case domain.StatePaused:
			rec.MarkInProgress()
			l.transitioned(rec)
			changed = true
		}
		return nil
	})
	if err != nil || !changed {
		return err
	}
	if c := l.controller(id); c != nil {
		return c.Resume(id)
	}
	return nil
}

// Cancel cancels a download and deletes its partial file. Cancelling a
// finished download does nothing.
func (l *DownloadLedger) Cancel(id string) error {
	var settled *domain.DownloadRecord
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		if rec.IsTerminal() {
			return nil
		}
		var err error
		settled, err = l.finish(rec, domain.OutcomeCancelled())
		return err
	})
	l.settled(settled)
	if settled == nil {
		return err
	}
	if c := l.controller(id); c != nil {
		if cerr := c.Cancel(id); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// Finalize moves a download to a terminal state. Finalizing an already
// finished download does nothing. A completion short of the known total is
// recorded as a failure and the partial file is kept.
func (l *DownloadLedger) Finalize(id string, outcome domain.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	var settled *domain.DownloadRecord
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		if rec.IsTerminal() {
			return nil
		}
		var err error
		settled, err = l.finish(rec, outcome)
		return err
	})
	l.settled(settled)
	return err
}

// finish applies a terminal outcome and settles the partial file. The caller
// holds the record lock and passes the returned copy to settled once the
// lock is released.
func (l *DownloadLedger) finish(rec *domain.DownloadRecord, outcome domain.Outcome) (*domain.DownloadRecord, error) {
	var fileErr error

	if outcome.State == domain.StateCompleted && rec.TotalBytes != nil && rec.ReceivedBytes < *rec.TotalBytes {
		outcome = domain.OutcomeFailed(fmt.Errorf("%w: received %d of %d bytes",
			io.ErrUnexpectedEOF, rec.ReceivedBytes, *rec.TotalBytes))
	}

	switch outcome.State {
	case domain.StateCompleted:
		if err := os.Rename(rec.PartialPath(), rec.DestinationPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fileErr = fmt.Errorf("failed to move partial file into place: %w", err)
			rec.MarkFailed(fileErr)
		} else {
			rec.MarkCompleted()
		}
	case domain.StateCancelled:
		rec.MarkCancelled()
		fileErr = removePartial(rec)
	case domain.StateFailed:
		rec.MarkFailed(outcome.Err)
		if outcome.Unrecoverable {
			fileErr = removePartial(rec)
		}
	}

	l.metrics.SetDownloadsActive(int(l.active.Add(-1)))
	l.metrics.DownloadFinished(string(rec.State), string(rec.OriginPartition))
	l.transitioned(rec)

	fields := []zap.Field{
		zap.String("id", rec.ID),
		logger.URL(rec.URL, rec.IsPrivate()),
		zap.String("state", string(rec.State)),
		zap.Int64("received", rec.ReceivedBytes),
	}
	if rec.ErrorMessage != "" {
		fields = append(fields, zap.String("error", rec.ErrorMessage))
	}
	l.logger.Info("Download finished", fields...)
	l.multiLogger.LogDownloadEvent("download_finished", fields...)

	if fileErr != nil {
		l.multiLogger.LogAppError("Failed to settle partial download file",
			zap.String("id", rec.ID), zap.Error(fileErr))
	}
	return rec.Clone(), fileErr
}

// settled runs the slow follow-ups of a finished download: history pruning
// and the desktop notification. No record lock is held.
func (l *DownloadLedger) settled(rec *domain.DownloadRecord) {
	if rec == nil {
		return
	}
	if l.repo != nil && !rec.IsPrivate() {
		if err := l.repo.Prune(l.historyLimit); err != nil {
			l.logger.Warn("Failed to prune download history", zap.Error(err))
		}
	}
	if l.notifier == nil {
		return
	}
	switch rec.State {
	case domain.StateCompleted:
		l.notifier.NotifyDownloadCompleted(rec)
	case domain.StateFailed:
		l.notifier.NotifyDownloadFailed(rec)
	}
}

func removePartial(rec *domain.DownloadRecord) error {
	if err := os.Remove(rec.PartialPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove partial file: %w", err)
	}
	return nil
}

// transitioned persists a state change of a Normal record
func (l *DownloadLedger) transitioned(rec *domain.DownloadRecord) {
	l.persist(rec)
}

func (l *DownloadLedger) persist(rec *domain.DownloadRecord) {
	if l.repo == nil || rec.IsPrivate() {
		return
	}
	if err := l.repo.Save(rec.Clone()); err != nil {
		l.logger.Error("Failed to persist download", zap.String("id", rec.ID), zap.Error(err))
	}
}

func (l *DownloadLedger) entry(id string) (*ledgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: download %s", domain.ErrInvalidHandle, id)
	}
	return e, nil
}

func (l *DownloadLedger) withEntry(id string, fn func(rec *domain.DownloadRecord) error) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.record)
}

// RegisterController attaches the transfer that feeds a record so pause,
// resume and cancel reach it
func (l *DownloadLedger) RegisterController(id string, c domain.TransferController) {
	l.ctlMu.Lock()
	defer l.ctlMu.Unlock()
	l.controllers[id] = c
}

func (l *DownloadLedger) controller(id string) domain.TransferController {
	l.ctlMu.RLock()
	defer l.ctlMu.RUnlock()
	return l.controllers[id]
}

func (l *DownloadLedger) dropController(id string) {
	l.ctlMu.Lock()
	defer l.ctlMu.Unlock()
	delete(l.controllers, id)
}

// Get returns a copy of one record
func (l *DownloadLedger) Get(id string) (*domain.DownloadRecord, error) {
	var out *domain.DownloadRecord
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		out = rec.Clone()
		return nil
	})
	return out, err
}

func (l *DownloadLedger) snapshot(keep func(rec *domain.DownloadRecord) bool) []*domain.DownloadRecord {
	l.mu.RLock()
	entries := make([]*ledgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]*domain.DownloadRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.record) {
			out = append(out, e.record.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// ListActive returns pending, running and paused downloads, oldest first
func (l *DownloadLedger) ListActive() []*domain.DownloadRecord {
	out := l.snapshot(func(rec *domain.DownloadRecord) bool { return rec.IsActive() })
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ListAll returns every known download, newest first. Records of closed
// private windows are gone.
func (l *DownloadLedger) ListAll() []*domain.DownloadRecord {
	out := l.snapshot(func(*domain.DownloadRecord) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Stats counts downloads by state
func (l *DownloadLedger) Stats() domain.DownloadStats {
	var stats domain.DownloadStats
	l.snapshot(func(rec *domain.DownloadRecord) bool {
		stats.Add(rec.State)
		return false
	})
	return stats
}

// Remove forgets one finished download
func (l *DownloadLedger) Remove(id string) error {
	var private bool
	err := l.withEntry(id, func(rec *domain.DownloadRecord) error {
		if rec.IsActive() {
			return fmt.Errorf("%w: download %s is still active", domain.ErrInvalidTransition, id)
		}
		private = rec.IsPrivate()
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
	l.dropController(id)

	if l.repo != nil && !private {
		return l.repo.Delete(id)
	}
	return nil
}

// ClearFinished forgets every finished download and returns how many went
func (l *DownloadLedger) ClearFinished() (int, error) {
	removed := l.removeWhere(func(rec *domain.DownloadRecord) bool { return rec.IsTerminal() })

	if l.repo != nil {
		if _, err := l.repo.DeleteFinished(); err != nil {
			return len(removed), fmt.Errorf("failed to clear finished downloads: %w", err)
		}
	}
	return len(removed), nil
}

// ClearAll cancels active downloads and forgets every record
func (l *DownloadLedger) ClearAll() (int, error) {
	var errs error
	for _, rec := range l.ListActive() {
		if err := l.Cancel(rec.ID); err != nil && !errors.Is(err, domain.ErrInvalidHandle) {
			errs = multierr.Append(errs, err)
		}
	}

	removed := l.removeWhere(func(*domain.DownloadRecord) bool { return true })
	if l.repo != nil {
		for _, rec := range removed {
			if rec.IsPrivate() {
				continue
			}
			errs = multierr.Append(errs, l.repo.Delete(rec.ID))
		}
	}
	return len(removed), errs
}

// PurgeContext cancels the active downloads of a private storage context,
// deletes their partial files and forgets every record of the context.
// Completed files stay where the user saved them. The context cannot
// register downloads afterwards.
func (l *DownloadLedger) PurgeContext(contextID string) error {
	l.mu.Lock()
	l.closed[contextID] = struct{}{}
	l.mu.Unlock()

	owned := func(rec *domain.DownloadRecord) bool {
		return rec.IsPrivate() && rec.ContextID == contextID
	}

	var errs error
	for _, rec := range l.snapshot(owned) {
		if rec.IsActive() {
			if err := l.Cancel(rec.ID); err != nil && !errors.Is(err, domain.ErrInvalidHandle) {
				errs = multierr.Append(errs, err)
			}
		}
		// Cancelled and failed records may still own a partial file
		if err := removePartial(rec); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	removed := l.removeWhere(owned)
	if len(removed) > 0 {
		l.multiLogger.LogSessionEvent("private_downloads_purged",
			zap.String("context_id", contextID),
			zap.Int("count", len(removed)))
	}
	return errs
}

func (l *DownloadLedger) removeWhere(match func(rec *domain.DownloadRecord) bool) []*domain.DownloadRecord {
	l.mu.Lock()
	var removed []*domain.DownloadRecord
	for id, e := range l.entries {
		e.mu.Lock()
		if match(e.record) {
			removed = append(removed, e.record.Clone())
			delete(l.entries, id)
		}
		e.mu.Unlock()
	}
	l.mu.Unlock()

	for _, rec := range removed {
		l.dropController(rec.ID)
	}
	return removed
}

// Restore loads persisted Normal records. Records that were still running
// when the process stopped are marked failed.
func (l *DownloadLedger) Restore() (int, error) {
	if l.repo == nil {
		return 0, nil
	}
	records, err := l.repo.FindAll()
	if err != nil {
		return 0, fmt.Errorf("failed to load downloads: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	for _, rec := range records {
		if rec.IsPrivate() {
			continue
		}
		if _, exists := l.entries[rec.ID]; exists {
			continue
		}
		if rec.IsActive() {
			rec.MarkFailed(infrastructure.ErrInterrupted)
			l.persist(rec)
		}
		l.entries[rec.ID] = &ledgerEntry{record: rec}
		restored++
	}

	l.logger.Info("Restored download history", zap.Int("count", restored))
	return restored, nil
}

// HandleEvent applies download events from the bus
func (l *DownloadLedger) HandleEvent(_ context.Context, ev domain.Event) {
	var err error
	switch ev.Type {
	case domain.EventDownloadProgress:
		err = l.ReportProgress(ev.DownloadID, ev.Received, ev.Total)
		if errors.Is(err, domain.ErrStaleProgress) || errors.Is(err, domain.ErrProgressOverflow) {
			return // Already logged
		}
	case domain.EventDownloadFinished:
		if ev.Outcome == nil {
			err = fmt.Errorf("finished event without outcome")
			break
		}
		err = l.Finalize(ev.DownloadID, *ev.Outcome)
		l.dropController(ev.DownloadID)
	default:
		return
	}

	if err != nil && !errors.Is(err, domain.ErrInvalidHandle) {
		l.logger.Warn("Failed to apply download event",
			zap.String("type", string(ev.Type)),
			zap.String("id", ev.DownloadID),
			zap.Error(err))
	}
}
