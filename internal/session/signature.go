package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fakeyudi/codexd/internal/analyzer"
)

// primaryMetric names the evidence key whose trend decides issue status.
var primaryMetric = map[string]string{
	string(analyzer.KindTemporal):             "night_ratio",
	string(analyzer.KindMinimizingLanguage):   "minimizing_fraction",
	string(analyzer.KindMessageDiffMismatch):  "mismatch_count",
	string(analyzer.KindCommitmentBimodality): "extreme_ratio",
}

// NormalizeKind lower-cases kind and maps spaces and hyphens to underscores.
func NormalizeKind(kind string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(kind) {
		switch {
		case r == ' ' || r == '-' || r == '.':
			b.WriteByte('_')
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Signature identifies a finding across sessions. Numeric and list evidence
// values vary run to run, so only their keys take part; text values are
// qualitative and contribute key=value.
func Signature(f analyzer.Finding) string {
	parts := make([]string, 0, len(f.Evidence))
	for k, v := range f.Evidence {
		key := NormalizeKind(k)
		if s, ok := v.(string); ok {
			parts = append(parts, key+"="+normalizeText(s))
			continue
		}
		if b, ok := v.(bool); ok {
			parts = append(parts, fmt.Sprintf("%s=%t", key, b))
			continue
		}
		parts = append(parts, key)
	}
	sort.Strings(parts)
	return NormalizeKind(string(f.Kind)) + ":" + strings.Join(parts, ",")
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TrendMetric returns the evidence value tracked for status changes: the
// kind's primary metric, else the first numeric key in sorted order, else
// the severity.
func TrendMetric(f analyzer.Finding) (string, float64) {
	if key, ok := primaryMetric[NormalizeKind(string(f.Kind))]; ok {
		if v, ok := numeric(f.Evidence[key]); ok {
			return key, v
		}
	}
	keys := make([]string, 0, len(f.Evidence))
	for k := range f.Evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := numeric(f.Evidence[k]); ok {
			return k, v
		}
	}
	return "severity", f.Severity
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// trendStatus compares the two most recent occurrences.
func trendStatus(latest float64, previous *float64) IssueStatus {
	switch {
	case latest == 0:
		return IssueResolved
	case previous != nil && latest < *previous:
		return IssueImproving
	default:
		return IssueOpen
	}
}
