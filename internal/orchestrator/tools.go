package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/codexd/internal/agent"
	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/session"
)

// investigate reads history and runs the fixed analysis calls identified by
// ids, delivering each result to the agent as evidence. It runs on a worker.
func (o *Orchestrator) investigate(ids []string) {
	ctx := o.loopCtx
	res, err := o.source.Collect(ctx, o.repoPath, o.window)
	if err != nil {
		o.deliver(func() {
			o.note("history unavailable: %v", err)
			for _, id := range ids {
				o.finishToolCall(id, nil, fmt.Errorf("reading history: %w", err))
			}
		})
		return
	}
	o.deliver(func() {
		o.commits = res.Commits
		o.stale = false
		o.headNoted = false
		if n := len(res.Warnings); n > 0 {
			o.note("%d commit(s) read with warnings", n)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(agent.AnalysisTools))
	for i, tool := range agent.AnalysisTools {
		g.Go(func() error {
			result := runAnalysis(o.analyzer, tool, res.Commits)
			sctx, cancel := context.WithTimeout(gctx, o.timeout)
			defer cancel()
			err := o.agent.SendContext(sctx, o.agentSID, string(tool), string(session.ToolSucceeded), result)
			if fatal(err) {
				// Termination fails the call.
				return nil
			}
			if err != nil {
				o.logger.Warn("evidence delivery failed", zap.String("tool", string(tool)), zap.Error(err))
			}
			o.deliver(func() { o.recordEvidence(ids[i], result, err) })
			return nil
		})
	}
	g.Wait()
}

// recordEvidence stores an analysis result. A delivery failure fails the
// call; the finding is still kept.
func (o *Orchestrator) recordEvidence(id string, result analyzer.Result, sendErr error) {
	if result.Kind == analyzer.KindTemporal && result.Excluded > 0 {
		o.note("%d commit record(s) excluded: missing hash or timestamp", result.Excluded)
	}
	if result.Note != "" {
		o.note("%s", result.Note)
	}
	if result.Finding != nil {
		o.addFinding(*result.Finding)
	}
	if sendErr != nil {
		o.warn("%s evidence not delivered: %v", result.Kind, sendErr)
		o.finishToolCall(id, result, fmt.Errorf("delivering evidence: %w", sendErr))
		return
	}
	o.finishToolCall(id, result, nil)
}

// dispatch runs an agent-requested call. Flags go through the writer queue;
// everything else runs on a worker bounded by the call timeout.
func (o *Orchestrator) dispatch(id string, call agent.ToolCall) {
	if c, ok := call.(agent.FlagIssue); ok {
		f := analyzer.Finding{Kind: analyzer.Kind(c.Kind), Severity: c.Severity, Evidence: c.Evidence}
		o.flag(f, func(issue session.FlaggedIssue, err error) {
			if err == nil {
				o.addIssue(issue)
				o.finishToolCall(id, issue, nil)
				return
			}
			o.finishToolCall(id, nil, err)
		})
		return
	}

	commits := o.commits
	stale := o.stale || commits == nil
	repo := o.sess.RepoIdentity
	go func() {
		ctx, cancel := context.WithTimeout(o.loopCtx, o.timeout)
		defer cancel()
		out, fresh, err := o.execTool(ctx, repo, call, commits, stale)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", agent.ErrTimeout, call.Tool(), o.timeout)
		}
		o.deliver(func() {
			if fresh != nil {
				o.commits = fresh
				o.stale = false
				o.headNoted = false
			}
			o.finishToolCall(id, out, err)
		})
	}()
}

// execTool runs one call. fresh is non-nil when history was re-read.
func (o *Orchestrator) execTool(ctx context.Context, repo string, call agent.ToolCall, commits []collector.CommitRecord, stale bool) (out any, fresh []collector.CommitRecord, err error) {
	switch c := call.(type) {
	case agent.RepoContextCall:
		rc, err := o.store.RepoContext(ctx, repo)
		return rc, nil, err
	case agent.RecurringIssues:
		issues, err := o.store.RecurringIssues(ctx, repo, c.Category)
		return issues, nil, err
	}

	if stale {
		res, err := o.source.Collect(ctx, o.repoPath, o.window)
		if err != nil {
			return nil, nil, fmt.Errorf("reading history: %w", err)
		}
		commits, fresh = res.Commits, res.Commits
	}
	an := o.analyzer
	if c, ok := call.(agent.MessageDiffMismatch); ok && c.LineThreshold > 0 {
		cfg := an.Config()
		cfg.LineThreshold = c.LineThreshold
		an = analyzer.New(cfg)
	}
	return runAnalysis(an, call.Tool(), commits), fresh, nil
}

func runAnalysis(an *analyzer.Analyzer, tool agent.ToolName, commits []collector.CommitRecord) analyzer.Result {
	switch tool {
	case agent.ToolTemporalAnalysis:
		return an.Temporal(commits)
	case agent.ToolLanguageAnalysis:
		return an.Language(commits)
	case agent.ToolMessageDiffMismatch:
		return an.MessageDiffMismatch(commits)
	case agent.ToolCommitmentBimodality:
		return an.CommitmentBimodality(commits)
	}
	panic(fmt.Sprintf("orchestrator: %s is not an analysis tool", tool))
}
