// Package analyzer derives behavioral pattern findings from a window of
// commit records. Every function here is pure: the same commits always
// produce the same findings.
package analyzer

import (
	"fmt"
	"math"

	"github.com/fakeyudi/codexd/internal/collector"
)

// Kind identifies a pattern. The four analysis kinds are fixed, but findings
// supplied from outside the analyzer may carry any kind.
type Kind string

const (
	KindTemporal             Kind = "temporal"
	KindMinimizingLanguage   Kind = "minimizing_language"
	KindMessageDiffMismatch  Kind = "message_diff_mismatch"
	KindCommitmentBimodality Kind = "commitment_bimodality"
)

// Finding is one detected pattern. It is never mutated after Analyze returns.
type Finding struct {
	Kind     Kind           `json:"kind"`
	Severity float64        `json:"severity"`
	Evidence map[string]any `json:"evidence"`
	Commits  []string       `json:"commits"`
}

// Result is the outcome of one analysis function. Metrics are reported even
// when no finding is emitted so callers can show what was measured.
type Result struct {
	Kind     Kind           `json:"kind"`
	Finding  *Finding       `json:"finding,omitempty"`
	Metrics  map[string]any `json:"metrics"`
	Excluded int            `json:"excluded"`
	Note     string         `json:"note,omitempty"`
}

// Report aggregates the four analysis functions over one window.
type Report struct {
	CommitCount int       `json:"commit_count"`
	Excluded    int       `json:"excluded"`
	Findings    []Finding `json:"findings"`
	Results     []Result  `json:"results"`
	Notes       []string  `json:"notes,omitempty"`
}

// Config holds the thresholds for every analysis function.
//
// A zero field means "use the default": New replaces it with the
// DefaultConfig value, and an empty term list gets the default list. A
// threshold of exactly zero cannot be configured; use a small positive value
// such as 0.0001 instead. To turn off one term category, set its list to a
// word that never occurs in commit messages.
type Config struct {
	MinCommits           int `json:"min_commits" koanf:"min_commits"`
	MaxSupportingCommits int `json:"max_supporting_commits" koanf:"max_supporting_commits"`
	MaxExamples          int `json:"max_examples" koanf:"max_examples"`

	NightStartHour        int     `json:"night_start_hour" koanf:"night_start_hour"`
	NightEndHour          int     `json:"night_end_hour" koanf:"night_end_hour"`
	NightRatioThreshold   float64 `json:"night_ratio_threshold" koanf:"night_ratio_threshold"`
	WeekendRatioThreshold float64 `json:"weekend_ratio_threshold" koanf:"weekend_ratio_threshold"`

	MinimizingTerms             []string `json:"minimizing_terms" koanf:"minimizing_terms"`
	DefensiveTerms              []string `json:"defensive_terms" koanf:"defensive_terms"`
	VagueTerms                  []string `json:"vague_terms" koanf:"vague_terms"`
	PerfectionistTerms          []string `json:"perfectionist_terms" koanf:"perfectionist_terms"`
	OversellingTerms            []string `json:"overselling_terms" koanf:"overselling_terms"`
	MinimizingFractionThreshold float64  `json:"minimizing_fraction_threshold" koanf:"minimizing_fraction_threshold"`

	LineThreshold int `json:"line_threshold" koanf:"line_threshold"`
	MinMismatches int `json:"min_mismatches" koanf:"min_mismatches"`
	// OversellLineMax is the largest change a grand message is compared against.
	OversellLineMax int `json:"oversell_line_max" koanf:"oversell_line_max"`
	// VagueLineMin is the smallest change a vague message is flagged on.
	VagueLineMin int `json:"vague_line_min" koanf:"vague_line_min"`

	SmallChangeMax int     `json:"small_change_max" koanf:"small_change_max"`
	LargeChangeMin int     `json:"large_change_min" koanf:"large_change_min"`
	MinSmallCount  int     `json:"min_small_count" koanf:"min_small_count"`
	MinLargeCount  int     `json:"min_large_count" koanf:"min_large_count"`
	MaxMiddleRatio float64 `json:"max_middle_ratio" koanf:"max_middle_ratio"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinCommits:           5,
		MaxSupportingCommits: 20,
		MaxExamples:          5,

		NightStartHour:        22,
		NightEndHour:          6,
		NightRatioThreshold:   0.4,
		WeekendRatioThreshold: 0.3,

		MinimizingTerms:             []string{"just", "quick", "small", "minor", "tiny", "little"},
		DefensiveTerms:              []string{"fix", "oops", "sorry", "my bad", "mistake", "bug"},
		VagueTerms:                  []string{"update", "change", "stuff", "things", "misc"},
		PerfectionistTerms:          []string{"perfect", "complete", "final", "done", "finished"},
		OversellingTerms:            []string{"major", "massive", "huge", "overhaul", "rewrite", "significant"},
		MinimizingFractionThreshold: 0.25,

		LineThreshold:   150,
		MinMismatches:   3,
		OversellLineMax: 10,
		VagueLineMin:    50,

		SmallChangeMax: 5,
		LargeChangeMin: 300,
		MinSmallCount:  3,
		MinLargeCount:  3,
		MaxMiddleRatio: 0.5,
	}
}

// withDefaults fills zero fields from DefaultConfig. Night hours are only
// defaulted together since 0 is a valid hour.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinCommits <= 0 {
		c.MinCommits = d.MinCommits
	}
	if c.MaxSupportingCommits <= 0 {
		c.MaxSupportingCommits = d.MaxSupportingCommits
	}
	if c.MaxExamples <= 0 {
		c.MaxExamples = d.MaxExamples
	}
	if c.NightStartHour == 0 && c.NightEndHour == 0 {
		c.NightStartHour, c.NightEndHour = d.NightStartHour, d.NightEndHour
	}
	if c.NightRatioThreshold <= 0 {
		c.NightRatioThreshold = d.NightRatioThreshold
	}
	if c.WeekendRatioThreshold <= 0 {
		c.WeekendRatioThreshold = d.WeekendRatioThreshold
	}
	if len(c.MinimizingTerms) == 0 {
		c.MinimizingTerms = d.MinimizingTerms
	}
	if len(c.DefensiveTerms) == 0 {
		c.DefensiveTerms = d.DefensiveTerms
	}
	if len(c.VagueTerms) == 0 {
		c.VagueTerms = d.VagueTerms
	}
	if len(c.PerfectionistTerms) == 0 {
		c.PerfectionistTerms = d.PerfectionistTerms
	}
	if len(c.OversellingTerms) == 0 {
		c.OversellingTerms = d.OversellingTerms
	}
	if c.MinimizingFractionThreshold <= 0 {
		c.MinimizingFractionThreshold = d.MinimizingFractionThreshold
	}
	if c.LineThreshold <= 0 {
		c.LineThreshold = d.LineThreshold
	}
	if c.MinMismatches <= 0 {
		c.MinMismatches = d.MinMismatches
	}
	if c.OversellLineMax <= 0 {
		c.OversellLineMax = d.OversellLineMax
	}
	if c.VagueLineMin <= 0 {
		c.VagueLineMin = d.VagueLineMin
	}
	if c.SmallChangeMax <= 0 {
		c.SmallChangeMax = d.SmallChangeMax
	}
	if c.LargeChangeMin <= 0 {
		c.LargeChangeMin = d.LargeChangeMin
	}
	if c.MinSmallCount <= 0 {
		c.MinSmallCount = d.MinSmallCount
	}
	if c.MinLargeCount <= 0 {
		c.MinLargeCount = d.MinLargeCount
	}
	if c.MaxMiddleRatio <= 0 {
		c.MaxMiddleRatio = d.MaxMiddleRatio
	}
	return c
}

// Analyzer runs the pattern functions with a fixed configuration.
type Analyzer struct {
	cfg   Config
	terms termSets
}

// New returns an Analyzer. Zero config fields fall back to defaults; see
// Config.
func New(cfg Config) *Analyzer {
	cfg = cfg.withDefaults()
	return &Analyzer{
		cfg: cfg,
		terms: termSets{
			minimizing:    compileTerms(cfg.MinimizingTerms),
			defensive:     compileTerms(cfg.DefensiveTerms),
			vague:         compileTerms(cfg.VagueTerms),
			perfectionist: compileTerms(cfg.PerfectionistTerms),
			overselling:   compileTerms(cfg.OversellingTerms),
		},
	}
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// Analyze runs all four functions in a fixed order and collects their
// findings. It never fails; malformed records are counted in Excluded.
func (a *Analyzer) Analyze(commits []collector.CommitRecord) Report {
	valid, excluded := usable(commits)
	report := Report{
		CommitCount: len(valid),
		Excluded:    excluded,
		Findings:    []Finding{},
	}
	if excluded > 0 {
		report.Notes = append(report.Notes, fmt.Sprintf("%d commit record(s) excluded: missing hash or timestamp", excluded))
	}
	for _, fn := range []func([]collector.CommitRecord) Result{
		a.Temporal,
		a.Language,
		a.MessageDiffMismatch,
		a.CommitmentBimodality,
	} {
		res := fn(commits)
		report.Results = append(report.Results, res)
		if res.Finding != nil {
			report.Findings = append(report.Findings, *res.Finding)
		}
		if res.Note != "" {
			report.Notes = append(report.Notes, res.Note)
		}
	}
	return report
}

// usable drops records without a hash or author timestamp.
func usable(commits []collector.CommitRecord) ([]collector.CommitRecord, int) {
	valid := make([]collector.CommitRecord, 0, len(commits))
	for _, c := range commits {
		if c.Hash == "" || !c.HasTimestamp() {
			continue
		}
		valid = append(valid, c)
	}
	return valid, len(commits) - len(valid)
}

// clamp01 bounds v to [0,1].
func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round4 rounds to four decimals so evidence values are stable and readable.
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// ratio returns n/d, or 0 when d is 0.
func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// capIDs returns at most n full hashes from commits.
func capIDs(commits []collector.CommitRecord, n int) []string {
	ids := make([]string, 0, min(len(commits), n))
	for _, c := range commits[:min(len(commits), n)] {
		ids = append(ids, c.Hash)
	}
	return ids
}

// examples returns at most n short hashes for human-facing evidence.
func examples(commits []collector.CommitRecord, n int) []string {
	out := make([]string, 0, min(len(commits), n))
	for _, c := range commits[:min(len(commits), n)] {
		out = append(out, c.ShortHash())
	}
	return out
}
