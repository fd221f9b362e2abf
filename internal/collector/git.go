package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// GitCollector reads commit history through go-git, without a git binary.
type GitCollector struct {
	// Now anchors the MaxAgeDays bound. If nil, time.Now is used.
	Now func() time.Time
}

// Collect implements Source. Commits are returned most-recent-first by
// committer time. A commit whose diff stats cannot be computed is still
// returned (with zero line counts) and a warning is recorded.
func (g *GitCollector) Collect(ctx context.Context, repoPath string, w Window) (CollectorResult, error) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return CollectorResult{}, err
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return CollectorResult{}, fmt.Errorf("%w: %s has no commits", ErrEmptyHistory, repoPath)
		}
		return CollectorResult{}, fmt.Errorf("resolving HEAD: %w", err)
	}

	opts := &git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime}
	if w.MaxAgeDays > 0 {
		now := time.Now
		if g.Now != nil {
			now = g.Now
		}
		since := now().AddDate(0, 0, -w.MaxAgeDays)
		opts.Since = &since
	}

	iter, err := repo.Log(opts)
	if err != nil {
		return CollectorResult{}, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var result CollectorResult
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.MaxCount > 0 && len(result.Commits) >= w.MaxCount {
			return storer.ErrStop
		}
		rec, warn := toRecord(c)
		if warn != "" {
			result.Warnings = append(result.Warnings, warn)
		}
		result.Commits = append(result.Commits, rec)
		return nil
	})
	if err != nil {
		return CollectorResult{}, fmt.Errorf("walking history: %w", err)
	}

	if len(result.Commits) == 0 {
		return CollectorResult{}, fmt.Errorf("%w: no commits in the last %d days", ErrEmptyHistory, w.MaxAgeDays)
	}
	return result, nil
}

// toRecord converts a go-git commit into a CommitRecord.
func toRecord(c *object.Commit) (CommitRecord, string) {
	rec := CommitRecord{
		Hash:       c.Hash.String(),
		AuthoredAt: c.Author.When,
		Message:    c.Message,
		Files:      []string{},
	}

	stats, err := c.Stats()
	if err != nil {
		return rec, fmt.Sprintf("diff stats unavailable for %s: %v", rec.ShortHash(), err)
	}
	for _, fs := range stats {
		rec.LinesAdded += fs.Addition
		rec.LinesRemoved += fs.Deletion
		rec.Files = append(rec.Files, fs.Name)
	}
	return rec, ""
}

// openRepo opens the repository at path, searching parent directories for .git.
func openRepo(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotARepository, path)
		}
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	return repo, nil
}

// Identity returns a stable fingerprint for the repository at path.
//
// When an "origin" remote exists the identity is derived from its URL, so
// separate clones of the same project share history. Otherwise the
// canonical absolute path of the worktree root is used.
func Identity(path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			if norm := normalizeRemoteURL(urls[0]); norm != "" {
				return "remote:" + norm, nil
			}
		}
	}

	root := path
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving repository path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return "path:" + filepath.Clean(abs), nil
}

// normalizeRemoteURL reduces the common remote URL spellings to host/path.
// Supports: git@github.com:user/repo.git, https://github.com/user/repo.git,
// ssh://git@github.com:22/user/repo
func normalizeRemoteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var host, path string
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		host = u.Hostname()
		path = u.Path
		if host == "" {
			// file:// remotes
			return strings.TrimSuffix(filepath.Clean(u.Path), ".git")
		}
	} else if at := strings.Index(raw, "@"); at >= 0 && strings.Contains(raw[at:], ":") {
		hostPath := raw[at+1:]
		host, path, _ = strings.Cut(hostPath, ":")
	} else {
		// Local path remote.
		return strings.TrimSuffix(filepath.Clean(raw), ".git")
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	if host == "" || path == "" {
		return ""
	}
	return strings.ToLower(host) + "/" + path
}
