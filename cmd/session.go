package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/agent"
	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/orchestrator"
	"github.com/fakeyudi/codexd/internal/session"
)

const sessionHelp = `Commands:
  /findings   list findings so far
  /flag N     track finding N across sessions
  /assess N [concerns]
              rate the project yourself, 1 to 10
  /state      show the session state
  /quit       end the session
Anything else is sent to the agent.`

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start an interactive analysis session with the configured agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, err := repoIdentity()
		if err != nil {
			return err
		}
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ad, err := agent.Launch(ctx, cfg.Agent.Command, cfg.Agent.Args, agent.Options{
			Logger:     logger.Named("agent"),
			Timeout:    cfg.Agent.Timeout,
			ClientName: "codexd",
		})
		if err != nil {
			return err
		}
		if err := ad.Initialize(ctx); err != nil {
			ad.Close()
			return fmt.Errorf("initializing agent: %w", err)
		}

		orch := orchestrator.New(orchestrator.Deps{
			Store:  store,
			Agent:  ad,
			Source: &collector.GitCollector{},
		}, repoPath, orchestrator.Options{
			Logger:     logger,
			Timeout:    cfg.Agent.Timeout,
			ToolBudget: cfg.Agent.ToolBudget,
			Window:     cfg.Window,
			Analysis:   cfg.Analysis,
			WatchHead:  true,
		})
		if err := orch.Start(ctx, repo); err != nil {
			ad.Close()
			return err
		}

		out := cmd.OutOrStdout()
		interactive := term.IsTerminal(os.Stdin.Fd())
		fmt.Fprintf(out, "Session %s for %s\n", orch.SessionID(), repo)
		if interactive {
			fmt.Fprintln(out, sessionHelp)
		}
		fmt.Fprintln(out, "Describe what you want to look into to start the investigation.")

		rendered := make(chan struct{})
		go func() {
			renderEvents(out, cmd.ErrOrStderr(), orch.Events(), interactive)
			close(rendered)
		}()

		runSession(ctx, orch, store, cmd.InOrStdin(), out)

		if err := orch.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing session", zap.Error(err))
		}
		<-rendered
		fmt.Fprintf(out, "\nSession %s ended. View it with: codexd view %s\n", orch.SessionID(), orch.SessionID())
		return nil
	},
}

// runSession feeds user input to orch until input ends, the user quits or the
// session terminates on its own.
func runSession(ctx context.Context, orch *orchestrator.Orchestrator, store session.Store, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-orch.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orch.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleInput(ctx, orch, store, strings.TrimSpace(line), out); quit {
				return
			}
		}
	}
}

func handleInput(ctx context.Context, orch *orchestrator.Orchestrator, store session.Store, line string, out io.Writer) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, sessionHelp)
	case "/state":
		snap, err := orch.Snapshot(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "state: %s\n", snap.State)
	case "/findings":
		snap, err := orch.Snapshot(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		if len(snap.Findings) == 0 {
			fmt.Fprintln(out, "no findings yet")
		}
		for i, f := range snap.Findings {
			fmt.Fprintf(out, "  %d. %s (severity %.2f)\n", i+1, f.Kind, f.Severity)
		}
	case "/flag":
		flagFinding(ctx, orch, arg, out)
	case "/assess":
		assess(ctx, store, orch.SessionID(), arg, out)
	default:
		err := orch.Send(ctx, line)
		switch {
		case errors.Is(err, orchestrator.ErrTurnInProgress):
			fmt.Fprintln(out, "the agent is still working; wait for its reply")
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return false
}

func flagFinding(ctx context.Context, orch *orchestrator.Orchestrator, arg string, out io.Writer) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		fmt.Fprintln(out, "usage: /flag N (see /findings)")
		return
	}
	snap, err := orch.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	if n < 1 || n > len(snap.Findings) {
		fmt.Fprintf(out, "no finding %d; there are %d\n", n, len(snap.Findings))
		return
	}
	if _, err := orch.Flag(ctx, snap.Findings[n-1]); err != nil {
		fmt.Fprintf(out, "could not flag: %v\n", err)
	}
}

// assess records "N [concerns]" as the user's self-assessment of the project.
func assess(ctx context.Context, store session.Store, sessionID, arg string, out io.Writer) {
	rating, reasoning, _ := strings.Cut(strings.TrimSpace(arg), " ")
	n, err := strconv.Atoi(rating)
	if err != nil {
		fmt.Fprintln(out, "usage: /assess N [concerns] (N from 1 to 10)")
		return
	}
	a, err := store.RecordSelfAssessment(ctx, sessionID, session.SelfAssessment{Rating: n, Reasoning: reasoning})
	if err != nil {
		fmt.Fprintf(out, "could not record assessment: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  * recorded your rating of %d/10\n", a.Rating)
}

// renderEvents prints the session as it happens until events is closed.
func renderEvents(out, errOut io.Writer, events <-chan orchestrator.Event, interactive bool) {
	streaming := false
	for ev := range events {
		switch ev.Kind {
		case orchestrator.EventStateChanged:
			logger.Debug("state changed", zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
			if ev.To == session.StateAwaitingUser && interactive {
				fmt.Fprint(out, "> ")
			}
		case orchestrator.EventRepoContext:
			rc := ev.RepoContext
			fmt.Fprintf(out, "Seen before: %d prior session(s), %d open issue(s)\n", rc.SessionCount, len(rc.OpenIssues))
			for _, issue := range rc.OpenIssues {
				fmt.Fprintf(out, "  - %s (%d occurrence(s), %s)\n", issue.Signature, issue.OccurrenceCount, issue.Status)
			}
		case orchestrator.EventMessageChunk:
			if !streaming {
				fmt.Fprint(out, "agent: ")
				streaming = true
			}
			fmt.Fprint(out, ev.Text)
		case orchestrator.EventMessage:
			m := ev.Message
			switch m.Role {
			case session.RoleAgent:
				if streaming {
					fmt.Fprintln(out)
					streaming = false
				} else {
					fmt.Fprintf(out, "agent: %s\n", m.Content)
				}
			case session.RoleSystem:
				fmt.Fprintf(out, "  * %s\n", m.Content)
			}
		case orchestrator.EventToolCall:
			tc := ev.ToolCall
			switch tc.Status {
			case session.ToolPending:
				fmt.Fprintf(out, "  -> %s\n", tc.Name)
			case session.ToolSucceeded:
				fmt.Fprintf(out, "  ok %s\n", tc.Name)
			case session.ToolFailed:
				fmt.Fprintf(out, "  failed %s: %s\n", tc.Name, tc.Error)
			}
		case orchestrator.EventAgentActivity:
			logger.Debug("agent activity", zap.String("text", ev.Text))
		case orchestrator.EventWarning:
			fmt.Fprintf(errOut, "warning: %s\n", ev.Text)
		}
	}
}

func init() {
	rootCmd.AddCommand(sessionCmd)
}
