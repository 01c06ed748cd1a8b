package domain

import (
	"fmt"
	"strings"
	"time"
)

// RuleKind selects how a filter pattern is matched
type RuleKind string

const (
	RuleDomainBlock    RuleKind = "domain-block"    // Host or any dot-boundary subdomain
	RuleSubstringBlock RuleKind = "substring-block" // Case-sensitive substring of the full URL
)

// ValidateRuleKind checks if a rule kind is valid
func ValidateRuleKind(kind RuleKind) bool {
	return kind == RuleDomainBlock || kind == RuleSubstringBlock
}

// FilterRule is one compiled blocklist entry
type FilterRule struct {
	Pattern string   `json:"pattern"`
	Kind    RuleKind `json:"kind"`
}

// Verdict is the filter decision for an outbound request
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
)

// RuleLoadWarning describes a skipped blocklist entry
type RuleLoadWarning struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (w RuleLoadWarning) Error() string {
	return fmt.Sprintf("line %d: %s (%q)", w.Line, w.Reason, w.Text)
}

// RuleSnapshot is an immutable compiled rule set. Readers share it without
// locking; a reload builds a new snapshot and swaps the pointer.
type RuleSnapshot struct {
	source     string
	loadedAt   time.Time
	rules      []FilterRule
	domains    map[string]struct{}
	substrings []string
	warnings   []RuleLoadWarning
}

// NewRuleSnapshot compiles rules into a snapshot, dropping duplicates
func NewRuleSnapshot(source string, rules []FilterRule, warnings []RuleLoadWarning) *RuleSnapshot {
	s := &RuleSnapshot{
		source:   source,
		loadedAt: time.Now(),
		domains:  make(map[string]struct{}),
		warnings: append([]RuleLoadWarning(nil), warnings...),
	}

	seenSubstrings := make(map[string]struct{})
	for _, rule := range rules {
		switch rule.Kind {
		case RuleDomainBlock:
			host := normalizeHost(rule.Pattern)
			if host == "" {
				continue
			}
			if _, dup := s.domains[host]; dup {
				continue
			}
			s.domains[host] = struct{}{}
			s.rules = append(s.rules, FilterRule{Pattern: host, Kind: RuleDomainBlock})
		case RuleSubstringBlock:
			if rule.Pattern == "" {
				continue
			}
			if _, dup := seenSubstrings[rule.Pattern]; dup {
				continue
			}
			seenSubstrings[rule.Pattern] = struct{}{}
			s.substrings = append(s.substrings, rule.Pattern)
			s.rules = append(s.rules, rule)
		}
	}
	return s
}

// Source names where the rules came from
func (s *RuleSnapshot) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// LoadedAt returns when the snapshot was compiled
func (s *RuleSnapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Len returns the number of distinct rules
func (s *RuleSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns a copy of the compiled rules
func (s *RuleSnapshot) Rules() []FilterRule {
	if s == nil {
		return nil
	}
	return append([]FilterRule(nil), s.rules...)
}

// Warnings returns the entries skipped while loading
func (s *RuleSnapshot) Warnings() []RuleLoadWarning {
	if s == nil {
		return nil
	}
	return append([]RuleLoadWarning(nil), s.warnings...)
}

// MatchHost reports the domain rule matching host exactly or on a dot boundary.
// "ads.example.com" matches "x.ads.example.com" but not "notads.example.com".
func (s *RuleSnapshot) MatchHost(host string) (string, bool) {
	if s == nil || len(s.domains) == 0 {
		return "", false
	}
	host = normalizeHost(host)
	for host != "" {
		if _, ok := s.domains[host]; ok {
			return host, true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return "", false
}

// MatchURL reports the first substring rule contained in the URL
func (s *RuleSnapshot) MatchURL(rawURL string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, p := range s.substrings {
		if strings.Contains(rawURL, p) {
			return p, true
		}
	}
	return "", false
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
