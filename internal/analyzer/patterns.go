package analyzer

import (
	"fmt"
	"math"
	"time"

	"github.com/fakeyudi/codexd/internal/collector"
)

// insufficient builds the Result for a window below MinCommits.
func (a *Analyzer) insufficient(kind Kind, valid, excluded int) Result {
	return Result{
		Kind:     kind,
		Metrics:  map[string]any{"total": valid},
		Excluded: excluded,
		Note: fmt.Sprintf("%s analysis skipped: insufficient history (%d of %d commits needed)",
			kind, valid, a.cfg.MinCommits),
	}
}

// isNight reports whether hour falls in [NightStartHour, NightEndHour),
// wrapping past midnight when start > end.
func (a *Analyzer) isNight(hour int) bool {
	start, end := a.cfg.NightStartHour, a.cfg.NightEndHour
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// Temporal measures late-night and weekend activity using each commit's
// author-local clock.
func (a *Analyzer) Temporal(commits []collector.CommitRecord) Result {
	valid, excluded := usable(commits)
	if len(valid) < a.cfg.MinCommits {
		return a.insufficient(KindTemporal, len(valid), excluded)
	}

	var night, weekend []collector.CommitRecord
	oldest, newest := valid[0].AuthoredAt, valid[0].AuthoredAt
	for _, c := range valid {
		local := c.AuthoredAt
		if a.isNight(local.Hour()) {
			night = append(night, c)
		}
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekend = append(weekend, c)
		}
		if local.Before(oldest) {
			oldest = local
		}
		if local.After(newest) {
			newest = local
		}
	}

	nightRatio := ratio(len(night), len(valid))
	weekendRatio := ratio(len(weekend), len(valid))
	windowDays := int(math.Ceil(newest.Sub(oldest).Hours() / 24))

	metrics := map[string]any{
		"night_ratio":   round4(nightRatio),
		"weekend_ratio": round4(weekendRatio),
		"night_count":   len(night),
		"weekend_count": len(weekend),
		"total":         len(valid),
		"window_days":   windowDays,
	}
	res := Result{Kind: KindTemporal, Metrics: metrics, Excluded: excluded}

	nightOver := nightRatio > a.cfg.NightRatioThreshold
	weekendOver := weekendRatio > a.cfg.WeekendRatioThreshold
	if !nightOver && !weekendOver {
		return res
	}

	severity := math.Max(
		scaleAbove(nightRatio, a.cfg.NightRatioThreshold),
		scaleAbove(weekendRatio, a.cfg.WeekendRatioThreshold),
	)
	supporting := night
	if !nightOver {
		supporting = weekend
	}
	res.Finding = &Finding{
		Kind:     KindTemporal,
		Severity: round4(severity),
		Evidence: copyMap(metrics),
		Commits:  capIDs(supporting, a.cfg.MaxSupportingCommits),
	}
	return res
}

// scaleAbove maps v in (threshold, 1] linearly onto (0, 1].
func scaleAbove(v, threshold float64) float64 {
	if v <= threshold || threshold >= 1 {
		return 0
	}
	return clamp01((v - threshold) / (1 - threshold))
}

// classification of one commit message.
type classification struct {
	minimizing    bool
	defensive     bool
	perfectionist bool
	overselling   bool
	vague         bool
}

// classify scans the whole message, body included. Vagueness is judged on
// the subject alone since a body rarely repeats it.
func (a *Analyzer) classify(c collector.CommitRecord) classification {
	tokens := tokenize(c.Message)
	subject := tokenize(c.Subject())
	return classification{
		minimizing:    a.terms.minimizing.matches(tokens),
		defensive:     a.terms.defensive.matches(tokens),
		perfectionist: a.terms.perfectionist.matches(tokens),
		overselling:   a.terms.overselling.matches(tokens),
		// Vague words only count on short subjects.
		vague: len(subject) < 5 && a.terms.vague.matches(subject),
	}
}

// Language measures how often commit messages downplay or defend a change.
func (a *Analyzer) Language(commits []collector.CommitRecord) Result {
	valid, excluded := usable(commits)
	if len(valid) < a.cfg.MinCommits {
		return a.insufficient(KindMinimizingLanguage, len(valid), excluded)
	}

	var minimizing, defensive, perfectionist, vague []collector.CommitRecord
	for _, c := range valid {
		cl := a.classify(c)
		if cl.minimizing {
			minimizing = append(minimizing, c)
		}
		if cl.defensive {
			defensive = append(defensive, c)
		}
		if cl.perfectionist {
			perfectionist = append(perfectionist, c)
		}
		if cl.vague {
			vague = append(vague, c)
		}
	}

	fraction := ratio(len(minimizing), len(valid))
	metrics := map[string]any{
		"minimizing_fraction":    round4(fraction),
		"minimizing_count":       len(minimizing),
		"defensive_fraction":     round4(ratio(len(defensive), len(valid))),
		"defensive_count":        len(defensive),
		"perfectionist_fraction": round4(ratio(len(perfectionist), len(valid))),
		"perfectionist_count":    len(perfectionist),
		"vague_fraction":         round4(ratio(len(vague), len(valid))),
		"total":                  len(valid),
	}
	res := Result{Kind: KindMinimizingLanguage, Metrics: metrics, Excluded: excluded}
	if fraction <= a.cfg.MinimizingFractionThreshold {
		return res
	}

	evidence := copyMap(metrics)
	evidence["examples"] = examples(minimizing, a.cfg.MaxExamples)
	res.Finding = &Finding{
		Kind:     KindMinimizingLanguage,
		Severity: round4(scaleAbove(fraction, a.cfg.MinimizingFractionThreshold)),
		Evidence: evidence,
		Commits:  capIDs(minimizing, a.cfg.MaxSupportingCommits),
	}
	return res
}

// MessageDiffMismatch finds commits whose message minimizes a change that
// exceeds LineThreshold total lines. Grand messages on changes of at most
// OversellLineMax lines and vague subjects on changes over VagueLineMin
// lines are counted alongside; only downplayed changes raise a finding.
func (a *Analyzer) MessageDiffMismatch(commits []collector.CommitRecord) Result {
	valid, excluded := usable(commits)
	if len(valid) < a.cfg.MinCommits {
		return a.insufficient(KindMessageDiffMismatch, len(valid), excluded)
	}

	var minimizingCount, oversold, vagueLarge int
	var mismatches []collector.CommitRecord
	var excessTotal int
	for _, c := range valid {
		cl := a.classify(c)
		total := c.TotalLines()
		if cl.overselling && !cl.minimizing && total <= a.cfg.OversellLineMax {
			oversold++
		}
		if cl.vague && total > a.cfg.VagueLineMin {
			vagueLarge++
		}
		if !cl.minimizing {
			continue
		}
		minimizingCount++
		if total > a.cfg.LineThreshold {
			mismatches = append(mismatches, c)
			excessTotal += total - a.cfg.LineThreshold
		}
	}

	avgExcess := ratio(excessTotal, len(mismatches))
	metrics := map[string]any{
		"mismatch_count":          len(mismatches),
		"minimizing_count":        minimizingCount,
		"avg_excess_lines":        round4(avgExcess),
		"line_threshold":          a.cfg.LineThreshold,
		"overselling_count":       oversold,
		"vague_significant_count": vagueLarge,
		"total":                   len(valid),
	}
	res := Result{Kind: KindMessageDiffMismatch, Metrics: metrics, Excluded: excluded}
	if len(mismatches) < a.cfg.MinMismatches {
		return res
	}

	// Half the weight from how many, half from how far over the threshold.
	countFactor := clamp01(float64(len(mismatches)) / 10)
	excessFactor := clamp01(avgExcess / float64(a.cfg.LineThreshold))
	evidence := copyMap(metrics)
	evidence["examples"] = examples(mismatches, a.cfg.MaxExamples)
	res.Finding = &Finding{
		Kind:     KindMessageDiffMismatch,
		Severity: round4(clamp01(0.5*countFactor + 0.5*excessFactor)),
		Evidence: evidence,
		Commits:  capIDs(mismatches, a.cfg.MaxSupportingCommits),
	}
	return res
}

// CommitmentBimodality flags a window whose change sizes cluster at both
// extremes. It is a two-bucket count, not a statistical bimodality test.
func (a *Analyzer) CommitmentBimodality(commits []collector.CommitRecord) Result {
	valid, excluded := usable(commits)
	if len(valid) < a.cfg.MinCommits {
		return a.insufficient(KindCommitmentBimodality, len(valid), excluded)
	}

	var small, large []collector.CommitRecord
	var lines int
	for _, c := range valid {
		total := c.TotalLines()
		lines += total
		switch {
		case total <= a.cfg.SmallChangeMax:
			small = append(small, c)
		case total >= a.cfg.LargeChangeMin:
			large = append(large, c)
		}
	}
	middle := len(valid) - len(small) - len(large)
	middleRatio := ratio(middle, len(valid))
	extremeRatio := ratio(len(small)+len(large), len(valid))

	metrics := map[string]any{
		"small_count":   len(small),
		"large_count":   len(large),
		"middle_count":  middle,
		"extreme_ratio": round4(extremeRatio),
		"avg_lines":     round4(ratio(lines, len(valid))),
		"total":         len(valid),
	}
	res := Result{Kind: KindCommitmentBimodality, Metrics: metrics, Excluded: excluded}
	if len(small) < a.cfg.MinSmallCount || len(large) < a.cfg.MinLargeCount || middleRatio > a.cfg.MaxMiddleRatio {
		return res
	}

	balance := ratio(min(len(small), len(large)), max(len(small), len(large)))
	supporting := append(append([]collector.CommitRecord{}, large...), small...)
	res.Finding = &Finding{
		Kind:     KindCommitmentBimodality,
		Severity: round4(clamp01(extremeRatio * (0.5 + 0.5*balance))),
		Evidence: copyMap(metrics),
		Commits:  capIDs(supporting, a.cfg.MaxSupportingCommits),
	}
	return res
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
