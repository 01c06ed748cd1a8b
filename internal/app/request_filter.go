package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/zap"
)

// LoadRules reads a rule source and compiles it into a snapshot. Malformed
// entries end up as snapshot warnings; only an unreadable source is an error.
func LoadRules(ctx context.Context, src domain.RuleSource) (*domain.RuleSnapshot, error) {
	content, err := readSource(ctx, src)
	if err != nil {
		return nil, err
	}
	rules, warnings := domain.ParseRules(bytes.NewReader(content))
	return domain.NewRuleSnapshot(src.Name(), rules, warnings), nil
}

func readSource(ctx context.Context, src domain.RuleSource) ([]byte, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule source %s: %w", src.Name(), err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule source %s: %w", src.Name(), err)
	}
	return content, nil
}

// Evaluate decides a request against a snapshot. It never does I/O.
func Evaluate(requestURL string, snapshot *domain.RuleSnapshot) domain.Verdict {
	if snapshot == nil {
		return domain.VerdictAllow
	}
	if u, err := url.Parse(requestURL); err == nil && u.Hostname() != "" {
		if _, ok := snapshot.MatchHost(u.Hostname()); ok {
			return domain.VerdictBlock
		}
	}
	if _, ok := snapshot.MatchURL(requestURL); ok {
		return domain.VerdictBlock
	}
	return domain.VerdictAllow
}

// FilterStatus is the filter state shown to the shell
type FilterStatus struct {
	Source         string                   `json:"source"`
	LoadedAt       time.Time                `json:"loaded_at"`
	Rules          int                      `json:"rules"`
	Warnings       []domain.RuleLoadWarning `json:"warnings,omitempty"`
	CustomRules    []domain.FilterRule      `json:"custom_rules,omitempty"`
	EnabledNormal  bool                     `json:"enabled_normal"`
	EnabledPrivate bool                     `json:"enabled_private"`
	BlockedNormal  int64                    `json:"blocked_normal"`
	BlockedPrivate int64                    `json:"blocked_private"`
}

// RequestFilter holds the active rule snapshot. Readers load the snapshot
// pointer and never lock; reloads build a new snapshot and swap it in.
type RequestFilter struct {
	repo        domain.RuleSourceRepository
	metrics     *metrics.Metrics
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	snapshot atomic.Pointer[domain.RuleSnapshot]

	enabledNormal  atomic.Bool
	enabledPrivate atomic.Bool
	blockedNormal  atomic.Int64
	blockedPrivate atomic.Int64

	// Guarded by reloadMu
	reloadMu     sync.Mutex
	baseSource   string
	baseRules    []domain.FilterRule
	baseWarnings []domain.RuleLoadWarning
	custom       []domain.FilterRule
}

// NewRequestFilter creates a filter with an empty rule set
func NewRequestFilter(
	config domain.FilterConfig,
	repo domain.RuleSourceRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	multiLogger *logger.MultiLogger,
) *RequestFilter {
	f := &RequestFilter{
		repo:        repo,
		metrics:     m,
		logger:      logger,
		multiLogger: multiLogger,
	}
	f.enabledNormal.Store(config.EnabledNormal)
	f.enabledPrivate.Store(config.EnabledPrivate)
	f.snapshot.Store(domain.NewRuleSnapshot("", nil, nil))
	return f
}

// Snapshot returns the active snapshot
func (f *RequestFilter) Snapshot() *domain.RuleSnapshot {
	return f.snapshot.Load()
}

// Check decides an outbound request for a partition. A disabled filter
// allows everything without consulting the rules.
func (f *RequestFilter) Check(partition domain.Partition, requestURL string) domain.Verdict {
	if !f.Enabled(partition) {
		return domain.VerdictAllow
	}

	verdict := Evaluate(requestURL, f.snapshot.Load())
	if verdict == domain.VerdictBlock {
		if partition.IsPrivate() {
			f.blockedPrivate.Add(1)
		} else {
			f.blockedNormal.Add(1)
		}
		f.metrics.RequestBlocked(string(partition))
	}
	return verdict
}

// Reload reads a source and swaps in its snapshot. On error the active
// snapshot stays in place.
func (f *RequestFilter) Reload(ctx context.Context, src domain.RuleSource) (*domain.RuleSnapshot, error) {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	content, err := readSource(ctx, src)
	if err != nil {
		f.metrics.FilterLoaded(0, 0, err)
		f.multiLogger.LogFilterEvent("rule_reload_failed", zap.String("source", src.Name()), zap.Error(err))
		return nil, err
	}

	rules, warnings := domain.ParseRules(bytes.NewReader(content))
	f.baseSource = src.Name()
	f.baseRules = rules
	f.baseWarnings = warnings
	snap := f.rebuild()

	if f.repo != nil {
		record := &domain.RuleSourceRecord{
			Name:      domain.ActiveRuleSource,
			Location:  src.Name(),
			Content:   string(content),
			FetchedAt: time.Now(),
		}
		if err := f.repo.SaveRuleSource(record); err != nil {
			f.logger.Warn("Failed to persist rule source", zap.String("source", src.Name()), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("source", src.Name()),
		zap.Int("rules", snap.Len()),
		zap.Int("warnings", len(warnings)),
	}
	for i, w := range warnings {
		if i == 5 {
			break
		}
		fields = append(fields, zap.String(fmt.Sprintf("warning_%d", i+1), w.Error()))
	}
	f.logger.Info("Filter rules loaded", fields...)
	f.multiLogger.LogFilterEvent("rules_loaded", fields...)

	return snap, nil
}

// Install swaps in a prepared snapshot, replacing the loaded base rules
func (f *RequestFilter) Install(snap *domain.RuleSnapshot) {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	f.baseSource = snap.Source()
	f.baseRules = snap.Rules()
	f.baseWarnings = snap.Warnings()
	f.rebuild()
}

// rebuild compiles base and custom rules and publishes the snapshot.
// The caller holds reloadMu.
func (f *RequestFilter) rebuild() *domain.RuleSnapshot {
	rules := make([]domain.FilterRule, 0, len(f.baseRules)+len(f.custom))
	rules = append(rules, f.baseRules...)
	rules = append(rules, f.custom...)

	snap := domain.NewRuleSnapshot(f.baseSource, rules, f.baseWarnings)
	f.snapshot.Store(snap)
	f.metrics.FilterLoaded(snap.Len(), len(f.baseWarnings), nil)
	return snap
}

// LoadCustomRules restores persisted user rules
func (f *RequestFilter) LoadCustomRules() error {
	if f.repo == nil {
		return nil
	}
	stored, err := f.repo.ListCustomRules()
	if err != nil {
		return fmt.Errorf("failed to load custom rules: %w", err)
	}

	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	f.custom = f.custom[:0]
	for _, r := range stored {
		f.custom = append(f.custom, domain.FilterRule{Pattern: r.Pattern, Kind: r.Kind})
	}
	f.rebuild()
	return nil
}

// AddCustomRule parses and adds a user rule
func (f *RequestFilter) AddCustomRule(text string) (domain.FilterRule, error) {
	rule, err := domain.ParseRule(text)
	if err != nil {
		return domain.FilterRule{}, fmt.Errorf("invalid rule %q: %w", text, err)
	}

	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	for _, r := range f.custom {
		if r == rule {
			return rule, nil
		}
	}

	if f.repo != nil {
		if err := f.repo.SaveCustomRule(&domain.CustomRule{Pattern: rule.Pattern, Kind: rule.Kind}); err != nil {
			return domain.FilterRule{}, fmt.Errorf("failed to save custom rule: %w", err)
		}
	}
	f.custom = append(f.custom, rule)
	f.rebuild()

	f.multiLogger.LogFilterEvent("custom_rule_added", zap.String("pattern", rule.Pattern), zap.String("kind", string(rule.Kind)))
	return rule, nil
}

// RemoveCustomRule removes a user rule by pattern
func (f *RequestFilter) RemoveCustomRule(pattern string) error {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	idx := -1
	for i, r := range f.custom {
		if r.Pattern == pattern {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: custom rule %q", domain.ErrInvalidHandle, pattern)
	}

	if f.repo != nil {
		if err := f.repo.DeleteCustomRule(pattern); err != nil {
			return fmt.Errorf("failed to delete custom rule: %w", err)
		}
	}
	f.custom = append(f.custom[:idx:idx], f.custom[idx+1:]...)
	f.rebuild()

	f.multiLogger.LogFilterEvent("custom_rule_removed", zap.String("pattern", pattern))
	return nil
}

// SetEnabled turns filtering on or off for one partition
func (f *RequestFilter) SetEnabled(partition domain.Partition, enabled bool) {
	if partition.IsPrivate() {
		f.enabledPrivate.Store(enabled)
	} else {
		f.enabledNormal.Store(enabled)
	}
	f.multiLogger.LogFilterEvent("filter_toggled",
		zap.String("partition", string(partition)),
		zap.Bool("enabled", enabled))
}

// Enabled reports whether filtering is on for a partition
func (f *RequestFilter) Enabled(partition domain.Partition) bool {
	if partition.IsPrivate() {
		return f.enabledPrivate.Load()
	}
	return f.enabledNormal.Load()
}

// BlockedCount returns how many requests were blocked for a partition
func (f *RequestFilter) BlockedCount(partition domain.Partition) int64 {
	if partition.IsPrivate() {
		return f.blockedPrivate.Load()
	}
	return f.blockedNormal.Load()
}

// ResetBlockedCount zeroes both blocked counters
func (f *RequestFilter) ResetBlockedCount() {
	f.blockedNormal.Store(0)
	f.blockedPrivate.Store(0)
}

// Status summarises the filter
func (f *RequestFilter) Status() FilterStatus {
	snap := f.snapshot.Load()

	f.reloadMu.Lock()
	custom := append([]domain.FilterRule(nil), f.custom...)
	f.reloadMu.Unlock()

	return FilterStatus{
		Source:         snap.Source(),
		LoadedAt:       snap.LoadedAt(),
		Rules:          snap.Len(),
		Warnings:       snap.Warnings(),
		CustomRules:    custom,
		EnabledNormal:  f.enabledNormal.Load(),
		EnabledPrivate: f.enabledPrivate.Load(),
		BlockedNormal:  f.blockedNormal.Load(),
		BlockedPrivate: f.blockedPrivate.Load(),
	}
}
