package collector

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotARepository is returned when the path does not hold a git repository.
	ErrNotARepository = errors.New("not a git repository")
	// ErrEmptyHistory is returned when the repository has no commits inside the window.
	ErrEmptyHistory = errors.New("empty commit history")
)

// Source reads a bounded window of repository history.
type Source interface {
	// Collect returns commits most-recent-first. Warnings are non-fatal
	// issues encountered while reading individual commits.
	Collect(ctx context.Context, repoPath string, w Window) (CollectorResult, error)
}

// CollectorResult holds the output of a single history walk.
type CollectorResult struct {
	Commits  []CommitRecord
	Warnings []string
}

// Window bounds how much history is read. A zero field means unbounded.
type Window struct {
	MaxCount   int `json:"max_count" koanf:"max_count"`
	MaxAgeDays int `json:"max_age_days" koanf:"max_age_days"`
}

// DefaultWindow returns the last 50 commits, capped at 180 days.
func DefaultWindow() Window {
	return Window{MaxCount: 50, MaxAgeDays: 180}
}

// CommitRecord is a normalized, immutable view of one commit.
type CommitRecord struct {
	Hash string `json:"hash"`
	// AuthoredAt keeps the author's local offset in its Location so
	// working-hour analysis reflects the author's clock, not UTC.
	AuthoredAt   time.Time `json:"authored_at"`
	Message      string    `json:"message"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	Files        []string  `json:"files"`
}

// TotalLines is lines added plus lines removed.
func (c CommitRecord) TotalLines() int {
	return c.LinesAdded + c.LinesRemoved
}

// HasTimestamp reports whether the record carries an author time.
func (c CommitRecord) HasTimestamp() bool {
	return !c.AuthoredAt.IsZero()
}

// Subject returns the first line of the commit message.
func (c CommitRecord) Subject() string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(subject)
}

// ShortHash returns the first eight characters of the hash.
func (c CommitRecord) ShortHash() string {
	if len(c.Hash) > 8 {
		return c.Hash[:8]
	}
	return c.Hash
}
