package domain

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

const maxRuleLineLength = 1024 * 1024

// ParseRules reads a blocklist. Malformed lines become warnings and never
// abort the load.
//
// Accepted forms:
//
//	||ads.example.com^       adblock host anchor
//	domain:ads.example.com   explicit domain rule
//	ads.example.com          bare hostname
//	0.0.0.0 ads.example.com  hosts-file entry
//	substring:/banner?       explicit substring rule
//	/ads/                    anything path-like is a substring rule
//
// Lines starting with '#', '!' or '[' are comments.
func ParseRules(r io.Reader) ([]FilterRule, []RuleLoadWarning) {
	var (
		rules    []FilterRule
		warnings []RuleLoadWarning
		line     int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRuleLineLength)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "!") || strings.HasPrefix(text, "[") {
			continue
		}

		rule, err := ParseRule(text)
		if err != nil {
			warnings = append(warnings, RuleLoadWarning{Line: line, Text: text, Reason: err.Error()})
			continue
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		warnings = append(warnings, RuleLoadWarning{Line: line + 1, Reason: "read error: " + err.Error()})
	}

	return rules, warnings
}

// ParseRule parses a single blocklist entry
func ParseRule(text string) (FilterRule, error) {
	text = strings.TrimSpace(text)

	switch {
	case text == "":
		return FilterRule{}, errors.New("empty rule")
	case strings.HasPrefix(text, "@@"):
		return FilterRule{}, errors.New("exception rules are not supported")
	case strings.HasPrefix(text, "substring:"):
		pattern := strings.TrimPrefix(text, "substring:")
		if pattern == "" {
			return FilterRule{}, errors.New("empty substring pattern")
		}
		return FilterRule{Pattern: pattern, Kind: RuleSubstringBlock}, nil
	case strings.HasPrefix(text, "domain:"):
		return domainRule(strings.TrimPrefix(text, "domain:"))
	case strings.HasPrefix(text, "||"):
		body := strings.TrimPrefix(text, "||")
		if strings.Contains(body, "$") {
			return FilterRule{}, errors.New("rule options are not supported")
		}
		body = strings.TrimSuffix(body, "^")
		if strings.ContainsAny(body, "/^*") {
			return FilterRule{}, errors.New("anchored path rules are not supported")
		}
		return domainRule(body)
	}

	fields := strings.Fields(text)
	if len(fields) == 2 && isHostsAddress(fields[0]) {
		return domainRule(fields[1])
	}
	if len(fields) > 1 {
		return FilterRule{}, errors.New("unexpected whitespace in pattern")
	}
	if strings.Contains(text, "$") {
		return FilterRule{}, errors.New("rule options are not supported")
	}
	if strings.ContainsAny(text, "/?=&") {
		return FilterRule{Pattern: text, Kind: RuleSubstringBlock}, nil
	}
	if isHostname(strings.ToLower(text)) {
		return domainRule(text)
	}
	return FilterRule{}, errors.New("ambiguous pattern, use a domain: or substring: prefix")
}

// FormatRule renders a rule in the explicit prefixed form ParseRule accepts
func FormatRule(rule FilterRule) string {
	if rule.Kind == RuleSubstringBlock {
		return "substring:" + rule.Pattern
	}
	return "domain:" + rule.Pattern
}

func domainRule(host string) (FilterRule, error) {
	host = normalizeHost(host)
	if !isHostname(host) {
		return FilterRule{}, errors.New("invalid hostname")
	}
	return FilterRule{Pattern: host, Kind: RuleDomainBlock}, nil
}

func isHostsAddress(s string) bool {
	switch s {
	case "0.0.0.0", "127.0.0.1", "::", "::0", "::1":
		return true
	}
	return false
}

// isHostname accepts lower-case dotted names with at least two labels
func isHostname(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
				return false
			}
		}
	}
	return true
}

// RuleSource supplies blocklist text
type RuleSource interface {
	// Name identifies the source (path, URL or "builtin")
	Name() string

	// Open returns the rule text
	Open(ctx context.Context) (io.ReadCloser, error)
}
