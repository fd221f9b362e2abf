package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ProjectSummary is an overview of a repository: where HEAD is, who commits
// and what kind of files the tree holds.
type ProjectSummary struct {
	Branch         string         `json:"branch"`
	CommitsScanned int            `json:"commits_scanned"`
	Contributors   map[string]int `json:"contributors"`
	FileTypes      map[string]int `json:"file_types"`
	Latest         *LatestCommit  `json:"latest_commit,omitempty"`
}

// LatestCommit describes the commit HEAD points at.
type LatestCommit struct {
	Hash    string    `json:"hash"`
	Subject string    `json:"subject"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// DefaultSummaryCommits bounds the contributor count walk.
const DefaultSummaryCommits = 100

// Summarize counts contributors over the last maxCount commits and file
// extensions in the HEAD tree. maxCount <= 0 uses DefaultSummaryCommits.
// Branch is empty when HEAD is detached.
func Summarize(ctx context.Context, repoPath string, maxCount int) (ProjectSummary, error) {
	if maxCount <= 0 {
		maxCount = DefaultSummaryCommits
	}
	repo, err := openRepo(repoPath)
	if err != nil {
		return ProjectSummary{}, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return ProjectSummary{}, fmt.Errorf("%w: %s has no commits", ErrEmptyHistory, repoPath)
		}
		return ProjectSummary{}, fmt.Errorf("resolving HEAD: %w", err)
	}

	sum := ProjectSummary{
		Contributors: map[string]int{},
		FileTypes:    map[string]int{},
	}
	if head.Name().IsBranch() {
		sum.Branch = head.Name().Short()
	}

	tip, err := repo.CommitObject(head.Hash())
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("reading HEAD commit: %w", err)
	}
	sum.Latest = &LatestCommit{
		Hash:    tip.Hash.String()[:8],
		Subject: strings.TrimSpace(strings.SplitN(strings.TrimSpace(tip.Message), "\n", 2)[0]),
		Author:  tip.Author.Name,
		Date:    tip.Committer.When,
	}

	tree, err := tip.Tree()
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("reading HEAD tree: %w", err)
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		if ext := filepath.Ext(f.Name); ext != "" {
			sum.FileTypes[strings.ToLower(ext)]++
		}
		return nil
	})
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("walking tree: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sum.CommitsScanned >= maxCount {
			return storer.ErrStop
		}
		sum.CommitsScanned++
		sum.Contributors[c.Author.Name]++
		return nil
	})
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("walking history: %w", err)
	}
	return sum, nil
}
