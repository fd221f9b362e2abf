package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchHead watches the repository's HEAD and local branch refs and calls
// onChange whenever one of them is written, until ctx is cancelled. It is
// used to tell a running session that new commits landed after analysis.
func WatchHead(ctx context.Context, repoPath string, onChange func()) error {
	gitDir, err := findGitDir(repoPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(gitDir); err != nil {
		return err
	}
	heads := filepath.Join(gitDir, "refs", "heads")
	_ = filepath.WalkDir(heads, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if isHeadRef(gitDir, event.Name) {
				onChange()
			}
			// Branch names with slashes create nested directories.
			if event.Has(fsnotify.Create) && strings.HasPrefix(event.Name, heads) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Watcher errors are non-fatal; continue watching.
		}
	}
}

// isHeadRef reports whether name is HEAD or a ref under refs/heads.
// Lock files written during ref updates are ignored.
func isHeadRef(gitDir, name string) bool {
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	if name == filepath.Join(gitDir, "HEAD") {
		return true
	}
	return strings.HasPrefix(name, filepath.Join(gitDir, "refs", "heads")+string(filepath.Separator))
}

// findGitDir locates the .git directory for a worktree path.
func findGitDir(repoPath string) (string, error) {
	if _, err := openRepo(repoPath); err != nil {
		return "", err
	}
	dir, err := filepath.Abs(repoPath)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, ".git")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Bare repository: the path itself is the git dir.
			return filepath.Abs(repoPath)
		}
		dir = parent
	}
}
